package repository

import (
	"context"
	"errors"
	"fmt"

	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	trm "github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/jackc/pgx/v5"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
)

const activityColumns = `a.id, a.pull_request_id, a.review_round_trips, a.total_comment_count, a.comment_density,
	a.code_additions_after_review, a.code_deletions_after_review, a.additional_reviewer_count,
	a.has_additional_reviewers, a.total_additions, a.total_deletions`

type ReviewActivityRepo struct {
	store
}

func NewReviewActivityRepo(db trmpgx.Tr, trManager trm.Manager, logger *logger.Logger) *ReviewActivityRepo {
	return &ReviewActivityRepo{store: newStore(db, trManager, logger.Component("repository/review_activity"))}
}

func (r *ReviewActivityRepo) Get(ctx context.Context, pullRequestID int64) (*domain.ReviewActivity, error) {
	return r.get(ctx, pullRequestID, "")
}

func (r *ReviewActivityRepo) Lock(ctx context.Context, pullRequestID int64) (*domain.ReviewActivity, error) {
	return r.get(ctx, pullRequestID, " FOR UPDATE")
}

func (r *ReviewActivityRepo) get(ctx context.Context, pullRequestID int64, suffix string) (*domain.ReviewActivity, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+activityColumns+` FROM review_activities a WHERE a.pull_request_id = $1`+suffix, pullRequestID)

	a, err := scanActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAggregateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: review activity: %v", ErrScanResult, err)
	}
	return a, nil
}

func (r *ReviewActivityRepo) Create(ctx context.Context, a *domain.ReviewActivity) (bool, error) {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO review_activities (pull_request_id, review_round_trips, total_comment_count, comment_density,
			code_additions_after_review, code_deletions_after_review, additional_reviewer_count,
			has_additional_reviewers, total_additions, total_deletions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pull_request_id) DO NOTHING
		RETURNING id`,
		a.PullRequestID, a.ReviewRoundTrips, a.TotalCommentCount, a.CommentDensity,
		a.CodeAdditionsAfterReview, a.CodeDeletionsAfterReview, a.AdditionalReviewerCount,
		a.HasAdditionalReviewers, a.TotalAdditions, a.TotalDeletions,
	).Scan(&a.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert review activity: %w", err)
	}
	return true, nil
}

func (r *ReviewActivityRepo) Update(ctx context.Context, a *domain.ReviewActivity) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE review_activities
		SET review_round_trips = $2, total_comment_count = $3, comment_density = $4,
			code_additions_after_review = $5, code_deletions_after_review = $6, additional_reviewer_count = $7,
			has_additional_reviewers = $8, total_additions = $9, total_deletions = $10
		WHERE pull_request_id = $1`,
		a.PullRequestID, a.ReviewRoundTrips, a.TotalCommentCount, a.CommentDensity,
		a.CodeAdditionsAfterReview, a.CodeDeletionsAfterReview, a.AdditionalReviewerCount,
		a.HasAdditionalReviewers, a.TotalAdditions, a.TotalDeletions,
	)
	if err != nil {
		return fmt.Errorf("update review activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAggregateNotFound
	}
	return nil
}

func (r *ReviewActivityRepo) ListByProject(ctx context.Context, projectID int64) ([]*domain.ReviewActivity, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+activityColumns+`
		FROM review_activities a
		JOIN pull_requests p ON p.id = a.pull_request_id
		WHERE p.project_id = $1
		ORDER BY a.pull_request_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: list review activities: %w", ErrExecuteQuery, err)
	}
	defer rows.Close()

	var out []*domain.ReviewActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: review activity: %v", ErrScanResult, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanActivity(row pgx.Row) (*domain.ReviewActivity, error) {
	var a domain.ReviewActivity
	err := row.Scan(&a.ID, &a.PullRequestID, &a.ReviewRoundTrips, &a.TotalCommentCount, &a.CommentDensity,
		&a.CodeAdditionsAfterReview, &a.CodeDeletionsAfterReview, &a.AdditionalReviewerCount,
		&a.HasAdditionalReviewers, &a.TotalAdditions, &a.TotalDeletions)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
