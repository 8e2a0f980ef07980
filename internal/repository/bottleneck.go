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

const bottleneckColumns = `b.id, b.pull_request_id, b.review_wait_minutes, b.review_progress_minutes,
	b.merge_wait_minutes, b.first_review_at, b.last_review_at, b.last_approve_at, b.merged_at, b.closed_at`

type BottleneckRepo struct {
	store
}

func NewBottleneckRepo(db trmpgx.Tr, trManager trm.Manager, logger *logger.Logger) *BottleneckRepo {
	return &BottleneckRepo{store: newStore(db, trManager, logger.Component("repository/bottleneck"))}
}

func (r *BottleneckRepo) Get(ctx context.Context, pullRequestID int64) (*domain.PullRequestBottleneck, error) {
	return r.get(ctx, pullRequestID, "")
}

// Lock reads the aggregate and holds its row lock until the transaction ends.
func (r *BottleneckRepo) Lock(ctx context.Context, pullRequestID int64) (*domain.PullRequestBottleneck, error) {
	return r.get(ctx, pullRequestID, " FOR UPDATE")
}

func (r *BottleneckRepo) get(ctx context.Context, pullRequestID int64, suffix string) (*domain.PullRequestBottleneck, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+bottleneckColumns+` FROM pull_request_bottlenecks b WHERE b.pull_request_id = $1`+suffix, pullRequestID)

	b, err := scanBottleneck(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAggregateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: bottleneck: %v", ErrScanResult, err)
	}
	return b, nil
}

// Create inserts the aggregate unless one already exists for the pull
// request. It reports whether b was stored.
func (r *BottleneckRepo) Create(ctx context.Context, b *domain.PullRequestBottleneck) (bool, error) {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO pull_request_bottlenecks (pull_request_id, review_wait_minutes, review_progress_minutes,
			merge_wait_minutes, first_review_at, last_review_at, last_approve_at, merged_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pull_request_id) DO NOTHING
		RETURNING id`,
		b.PullRequestID, minutesArg(b.ReviewWait), minutesArg(b.ReviewProgress), minutesArg(b.MergeWait),
		b.FirstReviewAt, b.LastReviewAt, b.LastApproveAt, b.MergedAt, b.ClosedAt,
	).Scan(&b.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert bottleneck: %w", err)
	}
	return true, nil
}

func (r *BottleneckRepo) Update(ctx context.Context, b *domain.PullRequestBottleneck) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE pull_request_bottlenecks
		SET review_wait_minutes = $2, review_progress_minutes = $3, merge_wait_minutes = $4,
			first_review_at = $5, last_review_at = $6, last_approve_at = $7, merged_at = $8, closed_at = $9
		WHERE pull_request_id = $1`,
		b.PullRequestID, minutesArg(b.ReviewWait), minutesArg(b.ReviewProgress), minutesArg(b.MergeWait),
		b.FirstReviewAt, b.LastReviewAt, b.LastApproveAt, b.MergedAt, b.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("update bottleneck: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAggregateNotFound
	}
	return nil
}

func (r *BottleneckRepo) ListByProject(ctx context.Context, projectID int64) ([]*domain.PullRequestBottleneck, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+bottleneckColumns+`
		FROM pull_request_bottlenecks b
		JOIN pull_requests p ON p.id = b.pull_request_id
		WHERE p.project_id = $1
		ORDER BY b.pull_request_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: list bottlenecks: %w", ErrExecuteQuery, err)
	}
	defer rows.Close()

	var out []*domain.PullRequestBottleneck
	for rows.Next() {
		b, err := scanBottleneck(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: bottleneck: %v", ErrScanResult, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBottleneck(row pgx.Row) (*domain.PullRequestBottleneck, error) {
	var (
		b                      domain.PullRequestBottleneck
		wait, progress, merged *int64
	)
	err := row.Scan(&b.ID, &b.PullRequestID, &wait, &progress, &merged,
		&b.FirstReviewAt, &b.LastReviewAt, &b.LastApproveAt, &b.MergedAt, &b.ClosedAt)
	if err != nil {
		return nil, err
	}

	if b.ReviewWait, err = durationFromMinutes(wait); err != nil {
		return nil, err
	}
	if b.ReviewProgress, err = durationFromMinutes(progress); err != nil {
		return nil, err
	}
	if b.MergeWait, err = durationFromMinutes(merged); err != nil {
		return nil, err
	}
	return &b, nil
}
