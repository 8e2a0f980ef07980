package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	trm "github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/jackc/pgx/v5"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
	"github.com/ZertGraf/pr-insight/internal/pkg/postgres"
)

const reviewColumns = `id, external_id, pull_request_id, external_pull_request_id,
	reviewer_external_id, reviewer_login, state, commit_sha, body, comment_count, submitted_at`

type ReviewRepo struct {
	store
}

func NewReviewRepo(db trmpgx.Tr, trManager trm.Manager, logger *logger.Logger) *ReviewRepo {
	return &ReviewRepo{store: newStore(db, trManager, logger.Component("repository/review"))}
}

// SaveOrFind stores review keyed by its external review id and returns the
// canonical row.
func (r *ReviewRepo) SaveOrFind(ctx context.Context, review *domain.Review) (*domain.Review, bool, error) {
	return saveOrFind(ctx, r.trManager, review,
		func(ctx context.Context) error { return r.insert(ctx, review) },
		func(ctx context.Context) (*domain.Review, error) { return r.FindByExternalID(ctx, review.ExternalID) },
	)
}

func (r *ReviewRepo) insert(ctx context.Context, review *domain.Review) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reviews (external_id, pull_request_id, external_pull_request_id,
			reviewer_external_id, reviewer_login, state, commit_sha, body, comment_count, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		review.ExternalID, review.PullRequestID, review.ExternalPullRequestID,
		review.ReviewerExternalID, review.ReviewerLogin, string(review.State), review.CommitSHA,
		review.Body, review.CommentCount, review.SubmittedAt,
	).Scan(&review.ID)
	if err != nil {
		return fmt.Errorf("insert review: %w", postgres.MapError(err, "review", strconv.FormatInt(review.ExternalID, 10)))
	}
	return nil
}

func (r *ReviewRepo) FindByExternalID(ctx context.Context, externalID int64) (*domain.Review, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE external_id = $1`, externalID)

	review, err := scanReview(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: review: %v", ErrScanResult, err)
	}
	return review, nil
}

// ListByPullRequest returns the reviews of a pull request, oldest first.
func (r *ReviewRepo) ListByPullRequest(ctx context.Context, pullRequestID int64) ([]*domain.Review, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE pull_request_id = $1 ORDER BY submitted_at, id`, pullRequestID)
	if err != nil {
		return nil, fmt.Errorf("%w: list reviews: %w", ErrExecuteQuery, err)
	}
	defer rows.Close()

	var reviews []*domain.Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: review: %v", ErrScanResult, err)
		}
		reviews = append(reviews, review)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return reviews, nil
}

func (r *ReviewRepo) LinkOrphans(ctx context.Context, externalPullRequestID, pullRequestID int64) (int64, error) {
	n, err := r.linkOrphans(ctx, "reviews", externalPullRequestID, pullRequestID)
	if err != nil {
		return 0, fmt.Errorf("link review orphans: %w", err)
	}
	return n, nil
}

func scanReview(row pgx.Row) (*domain.Review, error) {
	var (
		review domain.Review
		state  string
	)
	err := row.Scan(
		&review.ID, &review.ExternalID, &review.PullRequestID, &review.ExternalPullRequestID,
		&review.ReviewerExternalID, &review.ReviewerLogin, &state, &review.CommitSHA,
		&review.Body, &review.CommentCount, &review.SubmittedAt,
	)
	if err != nil {
		return nil, err
	}
	review.State = domain.ReviewState(state)
	return &review, nil
}
