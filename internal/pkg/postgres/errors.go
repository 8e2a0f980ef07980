package postgres

import (
	"errors"
	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// MapError translates driver errors into domain errors. Unique violations
// become *domain.ConflictError and pgx.ErrNoRows becomes
// domain.ErrRecordNotFound; everything else is returned unchanged.
func MapError(err error, entity, key string) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &domain.ConflictError{Entity: entity, Key: key, Err: err}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrRecordNotFound
	}
	return err
}
