package repository

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	trm "github.com/avito-tech/go-transaction-manager/trm/v2"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
)

type RequestedReviewerRepo struct {
	store
}

func NewRequestedReviewerRepo(db trmpgx.Tr, trManager trm.Manager, logger *logger.Logger) *RequestedReviewerRepo {
	return &RequestedReviewerRepo{store: newStore(db, trManager, logger.Component("repository/requested_reviewer"))}
}

// Request records a reviewer request. It reports false when the reviewer was
// already requested on this pull request; rr.RequestedAt then carries the
// stored request time.
func (r *RequestedReviewerRepo) Request(ctx context.Context, rr *domain.RequestedReviewer) (bool, error) {
	var inserted bool
	err := r.conn(ctx).QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO requested_reviewers (pull_request_id, external_pull_request_id,
				reviewer_external_id, reviewer_login, requested_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (external_pull_request_id, reviewer_external_id) DO NOTHING
			RETURNING requested_at
		)
		SELECT requested_at, true FROM inserted
		UNION ALL
		SELECT requested_at, false FROM requested_reviewers
		WHERE external_pull_request_id = $2 AND reviewer_external_id = $3
		LIMIT 1`,
		rr.PullRequestID, rr.ExternalPullRequestID, rr.ReviewerExternalID, rr.ReviewerLogin, rr.RequestedAt,
	).Scan(&rr.RequestedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("%w: request reviewer: %w", ErrExecuteQuery, err)
	}
	return inserted, nil
}

// Remove deletes a reviewer request and reports whether one existed.
func (r *RequestedReviewerRepo) Remove(ctx context.Context, externalPullRequestID, reviewerExternalID int64) (bool, error) {
	n, err := r.exec(ctx, r.sb.Delete("requested_reviewers").Where(squirrel.Eq{
		"external_pull_request_id": externalPullRequestID,
		"reviewer_external_id":     reviewerExternalID,
	}))
	if err != nil {
		return false, fmt.Errorf("delete requested reviewer: %w", err)
	}
	return n > 0, nil
}

// AppendHistory writes the audit row in its own transaction, so it is kept
// even if the caller's transaction later rolls back.
func (r *RequestedReviewerRepo) AppendHistory(ctx context.Context, h *domain.RequestedReviewerHistory) error {
	return r.trManager.DoWithSettings(ctx, detached, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO requested_reviewer_histories (pull_request_id, external_pull_request_id,
				reviewer_external_id, reviewer_login, action, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			h.PullRequestID, h.ExternalPullRequestID, h.ReviewerExternalID, h.ReviewerLogin, string(h.Action), h.OccurredAt,
		).Scan(&h.ID)
		if err != nil {
			return fmt.Errorf("insert reviewer history: %w", err)
		}
		return nil
	})
}

// LinkOrphans links both pending requests and history rows.
func (r *RequestedReviewerRepo) LinkOrphans(ctx context.Context, externalPullRequestID, pullRequestID int64) (int64, error) {
	requests, err := r.linkOrphans(ctx, "requested_reviewers", externalPullRequestID, pullRequestID)
	if err != nil {
		return 0, fmt.Errorf("link requested reviewer orphans: %w", err)
	}
	history, err := r.linkOrphans(ctx, "requested_reviewer_histories", externalPullRequestID, pullRequestID)
	if err != nil {
		return 0, fmt.Errorf("link reviewer history orphans: %w", err)
	}
	return requests + history, nil
}
