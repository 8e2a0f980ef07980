package domain

import "time"

type ReviewState string

const (
	ReviewStateApproved         ReviewState = "APPROVED"
	ReviewStateChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewStateCommented        ReviewState = "COMMENTED"
	ReviewStateDismissed        ReviewState = "DISMISSED"
)

func (s ReviewState) IsApproval() bool {
	return s == ReviewStateApproved
}

// Review is a submitted GitHub review. PullRequestID stays nil until the
// parent pull request exists locally.
type Review struct {
	ID                    int64
	ExternalID            int64
	PullRequestID         *int64
	ExternalPullRequestID int64
	ReviewerExternalID    int64
	ReviewerLogin         string
	State                 ReviewState
	CommitSHA             string
	Body                  string
	CommentCount          int
	SubmittedAt           time.Time
}

type ReviewSide string

const (
	ReviewSideLeft  ReviewSide = "LEFT"
	ReviewSideRight ReviewSide = "RIGHT"
)

type ReviewComment struct {
	ID                    int64
	ExternalID            int64
	ExternalReviewID      *int64
	PullRequestID         *int64
	ExternalPullRequestID int64
	Body                  string
	Path                  string
	StartLine             *int
	Line                  *int
	Side                  ReviewSide
	InReplyToExternalID   *int64
	AuthorExternalID      int64
	AuthorLogin           string
	Deleted               bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type RequestedReviewer struct {
	ID                    int64
	PullRequestID         *int64
	ExternalPullRequestID int64
	ReviewerExternalID    int64
	ReviewerLogin         string
	RequestedAt           time.Time
}

type ReviewerAction string

const (
	ReviewerActionRequested ReviewerAction = "REQUESTED"
	ReviewerActionRemoved   ReviewerAction = "REMOVED"
)

// RequestedReviewerHistory is an append-only audit row.
type RequestedReviewerHistory struct {
	ID                    int64
	PullRequestID         *int64
	ExternalPullRequestID int64
	ReviewerExternalID    int64
	ReviewerLogin         string
	Action                ReviewerAction
	OccurredAt            time.Time
}
