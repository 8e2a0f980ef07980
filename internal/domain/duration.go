package domain

import (
	"fmt"
	"time"
)

// DurationMinutes is a non-negative whole number of minutes.
type DurationMinutes struct {
	minutes int64
}

func ZeroDuration() DurationMinutes {
	return DurationMinutes{}
}

func NewDurationMinutes(minutes int64) (DurationMinutes, error) {
	if minutes < 0 {
		return DurationMinutes{}, fmt.Errorf("%w: %d minutes", ErrNegativeDuration, minutes)
	}
	return DurationMinutes{minutes: minutes}, nil
}

// DurationBetween counts the whole minutes from start to end.
func DurationBetween(start, end time.Time) (DurationMinutes, error) {
	if end.Before(start) {
		return DurationMinutes{}, fmt.Errorf("%w: %s precedes %s",
			ErrNegativeDuration, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return DurationMinutes{minutes: int64(end.Sub(start) / time.Minute)}, nil
}

func (d DurationMinutes) Minutes() int64 {
	return d.minutes
}

func (d DurationMinutes) IsZero() bool {
	return d.minutes == 0
}

func (d DurationMinutes) Add(other DurationMinutes) DurationMinutes {
	return DurationMinutes{minutes: d.minutes + other.minutes}
}

func (d DurationMinutes) Sub(other DurationMinutes) (DurationMinutes, error) {
	return NewDurationMinutes(d.minutes - other.minutes)
}

// Compare returns -1, 0 or +1.
func (d DurationMinutes) Compare(other DurationMinutes) int {
	switch {
	case d.minutes < other.minutes:
		return -1
	case d.minutes > other.minutes:
		return 1
	default:
		return 0
	}
}

func (d DurationMinutes) String() string {
	return fmt.Sprintf("%dm", d.minutes)
}

// durationPtr is a helper for nullable aggregate fields.
func durationPtr(d DurationMinutes) *DurationMinutes {
	return &d
}
