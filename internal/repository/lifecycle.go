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

const lifecycleColumns = `l.id, l.pull_request_id, l.review_ready_at, l.time_to_merge_minutes,
	l.total_lifespan_minutes, l.active_work_minutes, l.state_change_count, l.reopened,
	l.closed_without_review, l.active_since`

type LifecycleRepo struct {
	store
}

func NewLifecycleRepo(db trmpgx.Tr, trManager trm.Manager, logger *logger.Logger) *LifecycleRepo {
	return &LifecycleRepo{store: newStore(db, trManager, logger.Component("repository/lifecycle"))}
}

func (r *LifecycleRepo) Get(ctx context.Context, pullRequestID int64) (*domain.PullRequestLifecycle, error) {
	return r.get(ctx, pullRequestID, "")
}

func (r *LifecycleRepo) Lock(ctx context.Context, pullRequestID int64) (*domain.PullRequestLifecycle, error) {
	return r.get(ctx, pullRequestID, " FOR UPDATE")
}

func (r *LifecycleRepo) get(ctx context.Context, pullRequestID int64, suffix string) (*domain.PullRequestLifecycle, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+lifecycleColumns+` FROM pull_request_lifecycles l WHERE l.pull_request_id = $1`+suffix, pullRequestID)

	l, err := scanLifecycle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAggregateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lifecycle: %v", ErrScanResult, err)
	}
	return l, nil
}

func (r *LifecycleRepo) Create(ctx context.Context, l *domain.PullRequestLifecycle) (bool, error) {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO pull_request_lifecycles (pull_request_id, review_ready_at, time_to_merge_minutes,
			total_lifespan_minutes, active_work_minutes, state_change_count, reopened,
			closed_without_review, active_since)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pull_request_id) DO NOTHING
		RETURNING id`,
		l.PullRequestID, l.ReviewReadyAt, minutesArg(l.TimeToMerge), minutesArg(l.TotalLifespan),
		l.ActiveWork.Minutes(), l.StateChangeCount, l.Reopened, l.ClosedWithoutReview, l.ActiveSince,
	).Scan(&l.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert lifecycle: %w", err)
	}
	return true, nil
}

func (r *LifecycleRepo) Update(ctx context.Context, l *domain.PullRequestLifecycle) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE pull_request_lifecycles
		SET time_to_merge_minutes = $2, total_lifespan_minutes = $3, active_work_minutes = $4,
			state_change_count = $5, reopened = $6, closed_without_review = $7, active_since = $8
		WHERE pull_request_id = $1`,
		l.PullRequestID, minutesArg(l.TimeToMerge), minutesArg(l.TotalLifespan), l.ActiveWork.Minutes(),
		l.StateChangeCount, l.Reopened, l.ClosedWithoutReview, l.ActiveSince,
	)
	if err != nil {
		return fmt.Errorf("update lifecycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAggregateNotFound
	}
	return nil
}

func (r *LifecycleRepo) ListByProject(ctx context.Context, projectID int64) ([]*domain.PullRequestLifecycle, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+lifecycleColumns+`
		FROM pull_request_lifecycles l
		JOIN pull_requests p ON p.id = l.pull_request_id
		WHERE p.project_id = $1
		ORDER BY l.pull_request_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: list lifecycles: %w", ErrExecuteQuery, err)
	}
	defer rows.Close()

	var out []*domain.PullRequestLifecycle
	for rows.Next() {
		l, err := scanLifecycle(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: lifecycle: %v", ErrScanResult, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLifecycle(row pgx.Row) (*domain.PullRequestLifecycle, error) {
	var (
		l                     domain.PullRequestLifecycle
		timeToMerge, lifespan *int64
		activeWork            int64
	)
	err := row.Scan(&l.ID, &l.PullRequestID, &l.ReviewReadyAt, &timeToMerge, &lifespan,
		&activeWork, &l.StateChangeCount, &l.Reopened, &l.ClosedWithoutReview, &l.ActiveSince)
	if err != nil {
		return nil, err
	}

	if l.TimeToMerge, err = durationFromMinutes(timeToMerge); err != nil {
		return nil, err
	}
	if l.TotalLifespan, err = durationFromMinutes(lifespan); err != nil {
		return nil, err
	}
	if l.ActiveWork, err = domain.NewDurationMinutes(activeWork); err != nil {
		return nil, err
	}
	return &l, nil
}
