package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	trm "github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/jackc/pgx/v5"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
	"github.com/ZertGraf/pr-insight/internal/pkg/postgres"
)

const reviewCommentColumns = `id, external_id, external_review_id, pull_request_id, external_pull_request_id,
	body, path, start_line, line, side, in_reply_to_external_id,
	author_external_id, author_login, deleted, created_at, updated_at`

type ReviewCommentRepo struct {
	store
}

func NewReviewCommentRepo(db trmpgx.Tr, trManager trm.Manager, logger *logger.Logger) *ReviewCommentRepo {
	return &ReviewCommentRepo{store: newStore(db, trManager, logger.Component("repository/review_comment"))}
}

func (r *ReviewCommentRepo) SaveOrFind(ctx context.Context, comment *domain.ReviewComment) (*domain.ReviewComment, bool, error) {
	return saveOrFind(ctx, r.trManager, comment,
		func(ctx context.Context) error { return r.insert(ctx, comment) },
		func(ctx context.Context) (*domain.ReviewComment, error) { return r.FindByExternalID(ctx, comment.ExternalID) },
	)
}

func (r *ReviewCommentRepo) insert(ctx context.Context, c *domain.ReviewComment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO review_comments (external_id, external_review_id, pull_request_id, external_pull_request_id,
			body, path, start_line, line, side, in_reply_to_external_id,
			author_external_id, author_login, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		c.ExternalID, c.ExternalReviewID, c.PullRequestID, c.ExternalPullRequestID,
		c.Body, c.Path, c.StartLine, c.Line, string(c.Side), c.InReplyToExternalID,
		c.AuthorExternalID, c.AuthorLogin, c.Deleted, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert review comment: %w", postgres.MapError(err, "review comment", strconv.FormatInt(c.ExternalID, 10)))
	}
	return nil
}

func (r *ReviewCommentRepo) FindByExternalID(ctx context.Context, externalID int64) (*domain.ReviewComment, error) {
	var (
		c    domain.ReviewComment
		side string
	)
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+reviewCommentColumns+` FROM review_comments WHERE external_id = $1`, externalID,
	).Scan(
		&c.ID, &c.ExternalID, &c.ExternalReviewID, &c.PullRequestID, &c.ExternalPullRequestID,
		&c.Body, &c.Path, &c.StartLine, &c.Line, &side, &c.InReplyToExternalID,
		&c.AuthorExternalID, &c.AuthorLogin, &c.Deleted, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: review comment: %v", ErrScanResult, err)
	}
	c.Side = domain.ReviewSide(side)
	return &c, nil
}

// UpdateBodyIfNewer applies an edit only if updatedAt is strictly newer than
// the stored value. Zero rows means the edit was stale.
func (r *ReviewCommentRepo) UpdateBodyIfNewer(ctx context.Context, externalID int64, body string, updatedAt time.Time) (int64, error) {
	n, err := r.applyIfNewer(ctx, "review_comments", externalID, updatedAt, map[string]any{"body": body})
	if err != nil {
		return 0, fmt.Errorf("update review comment body: %w", err)
	}
	return n, nil
}

// MarkDeletedIfNewer soft-deletes the comment under the same rule.
func (r *ReviewCommentRepo) MarkDeletedIfNewer(ctx context.Context, externalID int64, deletedAt time.Time) (int64, error) {
	n, err := r.applyIfNewer(ctx, "review_comments", externalID, deletedAt, map[string]any{"deleted": true})
	if err != nil {
		return 0, fmt.Errorf("delete review comment: %w", err)
	}
	return n, nil
}

func (r *ReviewCommentRepo) LinkOrphans(ctx context.Context, externalPullRequestID, pullRequestID int64) (int64, error) {
	n, err := r.linkOrphans(ctx, "review_comments", externalPullRequestID, pullRequestID)
	if err != nil {
		return 0, fmt.Errorf("link review comment orphans: %w", err)
	}
	return n, nil
}
