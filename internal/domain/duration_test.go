package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDurationBetween(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	d, err := DurationBetween(start, start.Add(90*time.Minute+59*time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(90), d.Minutes())

	d, err = DurationBetween(start, start)
	require.NoError(t, err)
	require.True(t, d.IsZero())

	_, err = DurationBetween(start, start.Add(-time.Minute))
	require.ErrorIs(t, err, ErrNegativeDuration)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestDurationMinutesArithmetic(t *testing.T) {
	a, err := NewDurationMinutes(30)
	require.NoError(t, err)
	b, err := NewDurationMinutes(45)
	require.NoError(t, err)

	require.Equal(t, int64(75), a.Add(b).Minutes())
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))

	diff, err := b.Sub(a)
	require.NoError(t, err)
	require.Equal(t, int64(15), diff.Minutes())

	_, err = a.Sub(b)
	require.ErrorIs(t, err, ErrNegativeDuration)

	_, err = NewDurationMinutes(-1)
	require.ErrorIs(t, err, ErrNegativeDuration)
	require.Equal(t, "30m", a.String())
}
