package domain

import "time"

// RawState is the state string GitHub reports for a pull request.
type RawState string

const (
	RawStateOpen   RawState = "open"
	RawStateClosed RawState = "closed"
)

type PullRequestState string

const (
	PullRequestStateOpen   PullRequestState = "OPEN"
	PullRequestStateDraft  PullRequestState = "DRAFT"
	PullRequestStateMerged PullRequestState = "MERGED"
	PullRequestStateClosed PullRequestState = "CLOSED"
)

// ClassifyState maps the raw external state plus the merged and draft flags
// onto a single state. Precedence: merged, then closed, then draft, then open.
// An unknown raw state is treated as open.
func ClassifyState(raw RawState, merged, draft bool) PullRequestState {
	switch {
	case merged:
		return PullRequestStateMerged
	case raw == RawStateClosed:
		return PullRequestStateClosed
	case draft:
		return PullRequestStateDraft
	default:
		return PullRequestStateOpen
	}
}

func (s PullRequestState) IsTerminal() bool {
	return s == PullRequestStateMerged || s == PullRequestStateClosed
}

// IsReviewable reports whether work in this state counts as active review time.
func (s PullRequestState) IsReviewable() bool {
	return s == PullRequestStateOpen
}

type DiffStats struct {
	Additions    int
	Deletions    int
	ChangedFiles int
}

func (d DiffStats) ChangedLines() int {
	return d.Additions + d.Deletions
}

// PullRequest is the locally stored view of an external pull request.
type PullRequest struct {
	ID             int64
	ExternalID     int64
	ProjectID      int64
	Number         int
	AuthorLogin    string
	State          PullRequestState
	Draft          bool
	HeadSHA        string
	Stats          DiffStats
	CommitCount    int
	Timing         PullRequestTiming
	ReviewReadyAt  *time.Time
	StatsUpdatedAt time.Time
}

// ReviewReadyOrCreated returns when the pull request became reviewable,
// falling back to its creation time.
func (p *PullRequest) ReviewReadyOrCreated() time.Time {
	if p.ReviewReadyAt != nil {
		return *p.ReviewReadyAt
	}
	return p.Timing.CreatedAt
}
