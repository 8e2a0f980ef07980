package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	trm "github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/settings"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
)

var (
	ErrBuildQuery   = errors.New("build query")
	ErrExecuteQuery = errors.New("execute query")
	ErrScanResult   = errors.New("scan result")
)

// savepoint runs the insert of saveOrFind in its own savepoint so a unique
// violation surfaces immediately without aborting the caller's transaction.
var savepoint = settings.Must(settings.WithPropagation(trm.PropagationNested))

// detached runs writes in a transaction independent of the caller's.
var detached = settings.Must(settings.WithPropagation(trm.PropagationRequiresNew))

// store holds what every repository needs: the pool, the transaction-aware
// connection getter and a dollar-placeholder query builder.
type store struct {
	db        trmpgx.Tr
	getter    *trmpgx.CtxGetter
	trManager trm.Manager
	sb        squirrel.StatementBuilderType
	logger    *logger.Logger
}

func newStore(db trmpgx.Tr, trManager trm.Manager, logger *logger.Logger) store {
	return store{
		db:        db,
		getter:    trmpgx.DefaultCtxGetter,
		trManager: trManager,
		sb:        squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		logger:    logger,
	}
}

// conn returns the transaction bound to ctx, or the pool.
func (s *store) conn(ctx context.Context) trmpgx.Tr {
	return s.getter.DefaultTrOrDB(ctx, s.db)
}

func (s *store) exec(ctx context.Context, q squirrel.Sqlizer) (int64, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBuildQuery, err)
	}
	tag, err := s.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrExecuteQuery, err)
	}
	return tag.RowsAffected(), nil
}

// applyIfNewer updates the row identified by externalID only if its stored
// updated_at is strictly before at. The comparison and the write are one
// statement. Zero rows affected means the stored state is as new or newer.
func (s *store) applyIfNewer(ctx context.Context, table string, externalID int64, at time.Time, set map[string]any) (int64, error) {
	return s.exec(ctx, s.sb.Update(table).
		SetMap(set).
		Set("updated_at", at).
		Where(squirrel.Eq{"external_id": externalID}).
		Where(squirrel.Lt{"updated_at": at}))
}

// linkOrphans assigns parentID to every row of table that references
// externalParentID and has no internal parent yet. Running it again with the
// same arguments affects no rows.
func (s *store) linkOrphans(ctx context.Context, table string, externalParentID, parentID int64) (int64, error) {
	return s.exec(ctx, s.sb.Update(table).
		Set("pull_request_id", parentID).
		Where(squirrel.Eq{"external_pull_request_id": externalParentID}).
		Where(squirrel.Eq{"pull_request_id": nil}))
}

// saveOrFind inserts record, or on a unique violation returns the row that
// won the race. created reports whether record itself was stored.
func saveOrFind[T any](
	ctx context.Context,
	trManager trm.Manager,
	record T,
	insert func(ctx context.Context) error,
	find func(ctx context.Context) (T, error),
) (stored T, created bool, err error) {
	err = trManager.DoWithSettings(ctx, savepoint, insert)
	if err == nil {
		return record, true, nil
	}

	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		return stored, false, err
	}

	stored, err = find(ctx)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return stored, false, fmt.Errorf("%w: %s vanished after conflict on %s", domain.ErrRecordNotFound, conflict.Entity, conflict.Key)
	}
	if err != nil {
		return stored, false, err
	}
	return stored, false, nil
}

func minutesArg(d *domain.DurationMinutes) *int64 {
	if d == nil {
		return nil
	}
	m := d.Minutes()
	return &m
}

func durationFromMinutes(m *int64) (*domain.DurationMinutes, error) {
	if m == nil {
		return nil, nil
	}
	d, err := domain.NewDurationMinutes(*m)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
