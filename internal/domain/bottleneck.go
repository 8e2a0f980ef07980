package domain

import (
	"fmt"
	"time"
)

type BottleneckState string

const (
	BottleneckNoReview       BottleneckState = "NO_REVIEW"
	BottleneckAwaitingMerge  BottleneckState = "AWAITING_MERGE"
	BottleneckMerged         BottleneckState = "MERGED"
	BottleneckClosedUnmerged BottleneckState = "CLOSED_UNMERGED"
)

type BottleneckKind string

const (
	BottleneckReviewWait     BottleneckKind = "REVIEW_WAIT"
	BottleneckReviewProgress BottleneckKind = "REVIEW_PROGRESS"
	BottleneckMergeWait      BottleneckKind = "MERGE_WAIT"
)

// PullRequestBottleneck splits a pull request's review timeline into
// review wait, review progress and merge wait.
type PullRequestBottleneck struct {
	ID             int64
	PullRequestID  int64
	ReviewWait     *DurationMinutes
	ReviewProgress *DurationMinutes
	MergeWait      *DurationMinutes
	FirstReviewAt  *time.Time
	LastReviewAt   *time.Time
	LastApproveAt  *time.Time
	MergedAt       *time.Time
	ClosedAt       *time.Time
}

// NewBottleneckWithoutReview is created when a pull request becomes reviewable.
func NewBottleneckWithoutReview(pullRequestID int64) (*PullRequestBottleneck, error) {
	if pullRequestID <= 0 {
		return nil, fmt.Errorf("%w: pull request id is required", ErrValidation)
	}
	return &PullRequestBottleneck{
		PullRequestID:  pullRequestID,
		ReviewProgress: durationPtr(ZeroDuration()),
	}, nil
}

// NewBottleneckOnFirstReview is created when the first review arrives before
// the aggregate exists.
func NewBottleneckOnFirstReview(pullRequestID int64, reviewReadyAt, submittedAt time.Time, approved bool) (*PullRequestBottleneck, error) {
	b, err := NewBottleneckWithoutReview(pullRequestID)
	if err != nil {
		return nil, err
	}
	if err = b.RecordReview(reviewReadyAt, submittedAt, approved); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *PullRequestBottleneck) State() BottleneckState {
	switch {
	case b.MergedAt != nil:
		return BottleneckMerged
	case b.ClosedAt != nil:
		return BottleneckClosedUnmerged
	case b.FirstReviewAt != nil:
		return BottleneckAwaitingMerge
	default:
		return BottleneckNoReview
	}
}

func (b *PullRequestBottleneck) HasReview() bool {
	return b.FirstReviewAt != nil
}

func (b *PullRequestBottleneck) isTerminal() bool {
	s := b.State()
	return s == BottleneckMerged || s == BottleneckClosedUnmerged
}

// RecordReview applies a submitted review. reviewReadyAt is only read for the
// first review.
func (b *PullRequestBottleneck) RecordReview(reviewReadyAt, submittedAt time.Time, approved bool) error {
	if b.isTerminal() {
		return fmt.Errorf("%w: review on %s bottleneck", ErrInvalidTransition, b.State())
	}

	if b.FirstReviewAt == nil {
		wait, err := DurationBetween(reviewReadyAt, submittedAt)
		if err != nil {
			return fmt.Errorf("review wait: %w", err)
		}
		b.ReviewWait = &wait
		b.FirstReviewAt = &submittedAt
		b.LastReviewAt = &submittedAt
		b.ReviewProgress = durationPtr(ZeroDuration())
	} else {
		if submittedAt.Before(*b.FirstReviewAt) {
			return fmt.Errorf("%w: review at %s precedes first review", ErrNegativeDuration, submittedAt.Format(time.RFC3339))
		}
		if submittedAt.After(*b.LastReviewAt) {
			b.LastReviewAt = &submittedAt
		}
		progress, err := DurationBetween(*b.FirstReviewAt, *b.LastReviewAt)
		if err != nil {
			return fmt.Errorf("review progress: %w", err)
		}
		b.ReviewProgress = &progress
	}

	if approved && (b.LastApproveAt == nil || submittedAt.After(*b.LastApproveAt)) {
		b.LastApproveAt = &submittedAt
	}
	return nil
}

// RecordMerge sets merge wait when there was an approval to wait from.
func (b *PullRequestBottleneck) RecordMerge(mergedAt time.Time) error {
	if b.isTerminal() {
		return fmt.Errorf("%w: merge on %s bottleneck", ErrInvalidTransition, b.State())
	}
	if b.LastApproveAt != nil {
		wait, err := DurationBetween(*b.LastApproveAt, mergedAt)
		if err != nil {
			return fmt.Errorf("merge wait: %w", err)
		}
		b.MergeWait = &wait
	}
	b.MergedAt = &mergedAt
	return nil
}

func (b *PullRequestBottleneck) RecordClose(closedAt time.Time) error {
	if b.isTerminal() {
		return fmt.Errorf("%w: close on %s bottleneck", ErrInvalidTransition, b.State())
	}
	b.ClosedAt = &closedAt
	return nil
}

func (b *PullRequestBottleneck) TotalBottleneckTime() DurationMinutes {
	total := ZeroDuration()
	for _, d := range []*DurationMinutes{b.ReviewWait, b.ReviewProgress, b.MergeWait} {
		if d != nil {
			total = total.Add(*d)
		}
	}
	return total
}

// LongestBottleneck returns the largest measured segment. Ties go to the
// earlier segment in timeline order. ok is false when nothing is measured.
func (b *PullRequestBottleneck) LongestBottleneck() (kind BottleneckKind, d DurationMinutes, ok bool) {
	candidates := []struct {
		kind BottleneckKind
		d    *DurationMinutes
	}{
		{BottleneckReviewWait, b.ReviewWait},
		{BottleneckReviewProgress, b.ReviewProgress},
		{BottleneckMergeWait, b.MergeWait},
	}

	for _, c := range candidates {
		if c.d == nil {
			continue
		}
		if !ok || c.d.Compare(d) > 0 {
			kind, d, ok = c.kind, *c.d, true
		}
	}
	return kind, d, ok
}
