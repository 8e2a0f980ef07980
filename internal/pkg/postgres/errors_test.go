package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestMapError(t *testing.T) {
	require.NoError(t, MapError(nil, "review", "1"))

	dup := fmt.Errorf("insert review: %w", &pgconn.PgError{Code: "23505", ConstraintName: "reviews_external_id_key"})
	err := MapError(dup, "review", "42")
	require.True(t, domain.IsConflict(err))

	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "review", conflict.Entity)
	require.Equal(t, "42", conflict.Key)
	require.Equal(t, "review with key 42 already exists", conflict.Error())

	require.ErrorIs(t, MapError(pgx.ErrNoRows, "review", "42"), domain.ErrRecordNotFound)

	fk := &pgconn.PgError{Code: "23503"}
	require.Same(t, fk, MapError(fk, "review", "42"))

	other := errors.New("connection reset")
	require.Equal(t, other, MapError(other, "review", "42"))
}
