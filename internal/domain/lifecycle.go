package domain

import (
	"fmt"
	"time"
)

type LifecycleState string

const (
	LifecycleInProgress LifecycleState = "IN_PROGRESS"
	LifecycleClosed     LifecycleState = "CLOSED"
)

// PullRequestLifecycle tracks a pull request from ready-for-review to close.
// ActiveSince is nil while the pull request is not being actively worked on
// (draft or closed).
type PullRequestLifecycle struct {
	ID                  int64
	PullRequestID       int64
	ReviewReadyAt       time.Time
	TimeToMerge         *DurationMinutes
	TotalLifespan       *DurationMinutes
	ActiveWork          DurationMinutes
	StateChangeCount    int
	Reopened            bool
	ClosedWithoutReview bool
	ActiveSince         *time.Time
}

func NewInProgressLifecycle(pullRequestID int64, reviewReadyAt time.Time, activeWork DurationMinutes, stateChangeCount int) (*PullRequestLifecycle, error) {
	if pullRequestID <= 0 {
		return nil, fmt.Errorf("%w: pull request id is required", ErrValidation)
	}
	if reviewReadyAt.IsZero() {
		return nil, fmt.Errorf("%w: review ready timestamp is required", ErrValidation)
	}
	if stateChangeCount < 0 {
		return nil, fmt.Errorf("%w: negative state change count", ErrValidation)
	}

	return &PullRequestLifecycle{
		PullRequestID:    pullRequestID,
		ReviewReadyAt:    reviewReadyAt,
		ActiveWork:       activeWork,
		StateChangeCount: stateChangeCount,
		ActiveSince:      &reviewReadyAt,
	}, nil
}

func (l *PullRequestLifecycle) State() LifecycleState {
	if l.IsClosed() {
		return LifecycleClosed
	}
	return LifecycleInProgress
}

func (l *PullRequestLifecycle) IsMerged() bool {
	return l.TimeToMerge != nil
}

func (l *PullRequestLifecycle) IsClosed() bool {
	return l.TotalLifespan != nil
}

// ActiveWorkAt returns the active work accumulated up to at, including the
// currently open active interval.
func (l *PullRequestLifecycle) ActiveWorkAt(at time.Time) (DurationMinutes, error) {
	if l.ActiveSince == nil || !at.After(*l.ActiveSince) {
		return l.ActiveWork, nil
	}
	elapsed, err := DurationBetween(*l.ActiveSince, at)
	if err != nil {
		return DurationMinutes{}, err
	}
	return l.ActiveWork.Add(elapsed), nil
}

// RecordStateChange applies a non-closing transition. activeWork is computed
// by the caller; active tells whether work continues after the transition.
// A closed lifecycle is terminal, reopen included.
func (l *PullRequestLifecycle) RecordStateChange(at time.Time, activeWork DurationMinutes, active, reopen bool) error {
	if l.IsClosed() {
		return fmt.Errorf("%w: state change on closed lifecycle", ErrInvalidTransition)
	}
	if err := l.setActiveWork(activeWork); err != nil {
		return err
	}

	l.StateChangeCount++
	if reopen {
		l.Reopened = true
	}
	l.setActive(at, active)
	return nil
}

// Close finalizes the lifecycle. timeToMerge is nil for close without merge.
func (l *PullRequestLifecycle) Close(timeToMerge *DurationMinutes, totalLifespan, activeWork DurationMinutes, closedWithoutReview bool) error {
	if l.IsClosed() {
		return fmt.Errorf("%w: lifecycle already closed", ErrInvalidTransition)
	}
	if err := l.setActiveWork(activeWork); err != nil {
		return err
	}

	l.TimeToMerge = timeToMerge
	l.TotalLifespan = &totalLifespan
	l.ClosedWithoutReview = closedWithoutReview
	l.StateChangeCount++
	l.ActiveSince = nil
	return nil
}

func (l *PullRequestLifecycle) setActiveWork(activeWork DurationMinutes) error {
	if activeWork.Compare(l.ActiveWork) < 0 {
		return fmt.Errorf("%w: active work shrank from %s to %s", ErrInvariantViolation, l.ActiveWork, activeWork)
	}
	l.ActiveWork = activeWork
	return nil
}

func (l *PullRequestLifecycle) setActive(at time.Time, active bool) {
	if !active {
		l.ActiveSince = nil
		return
	}
	if l.ActiveSince == nil || at.After(*l.ActiveSince) {
		l.ActiveSince = &at
	}
}
