package domain

import (
	"fmt"
	"time"
)

type PullRequestTiming struct {
	CreatedAt time.Time
	MergedAt  *time.Time
	ClosedAt  *time.Time
}

func NewPullRequestTiming(createdAt time.Time, mergedAt, closedAt *time.Time) (PullRequestTiming, error) {
	if createdAt.IsZero() {
		return PullRequestTiming{}, fmt.Errorf("%w: created timestamp is required", ErrValidation)
	}
	if mergedAt != nil && mergedAt.Before(createdAt) {
		return PullRequestTiming{}, fmt.Errorf("%w: merged before created", ErrValidation)
	}
	if closedAt != nil && closedAt.Before(createdAt) {
		return PullRequestTiming{}, fmt.Errorf("%w: closed before created", ErrValidation)
	}

	return PullRequestTiming{
		CreatedAt: createdAt,
		MergedAt:  mergedAt,
		ClosedAt:  closedAt,
	}, nil
}

func (t PullRequestTiming) IsMerged() bool {
	return t.MergedAt != nil
}

// EndedAt is the merge timestamp if present, otherwise the close timestamp.
func (t PullRequestTiming) EndedAt() *time.Time {
	if t.MergedAt != nil {
		return t.MergedAt
	}
	return t.ClosedAt
}

// Lifespan is the time from creation to merge or close.
func (t PullRequestTiming) Lifespan() (*DurationMinutes, error) {
	end := t.EndedAt()
	if end == nil {
		return nil, nil
	}
	d, err := DurationBetween(t.CreatedAt, *end)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
