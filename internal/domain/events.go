package domain

import (
	"fmt"
	"time"

	. "github.com/go-ozzo/ozzo-validation"
)

// Normalized inbound events. Payload parsing happens upstream; these types
// only carry what the write path and the metrics engine consume.

type FileStatus string

const (
	FileStatusAdded    FileStatus = "added"
	FileStatusModified FileStatus = "modified"
	FileStatusRemoved  FileStatus = "removed"
	FileStatusRenamed  FileStatus = "renamed"
)

type FileChange struct {
	Path   string
	Status FileStatus
}

type Commit struct {
	SHA         string
	Additions   int
	Deletions   int
	CommittedAt time.Time
}

func CountFileChanges(files []FileChange) FileChangeCounts {
	var c FileChangeCounts
	for _, f := range files {
		switch f.Status {
		case FileStatusAdded:
			c.Added++
		case FileStatusModified:
			c.Modified++
		case FileStatusRemoved:
			c.Deleted++
		case FileStatusRenamed:
			c.Renamed++
		}
	}
	return c
}

func validateFiles(files []FileChange) error {
	for i := range files {
		f := files[i]
		err := ValidateStruct(&f,
			Field(&f.Path, Required),
			Field(&f.Status, Required, In(FileStatusAdded, FileStatusModified, FileStatusRemoved, FileStatusRenamed)),
		)
		if err != nil {
			return fmt.Errorf("file %d: %w", i, err)
		}
	}
	return nil
}

func validateCommits(commits []Commit) error {
	for i := range commits {
		c := commits[i]
		err := ValidateStruct(&c,
			Field(&c.SHA, Required),
			Field(&c.Additions, Min(0)),
			Field(&c.Deletions, Min(0)),
		)
		if err != nil {
			return fmt.Errorf("commit %d: %w", i, err)
		}
	}
	return nil
}

type PullRequestOpened struct {
	ExternalID  int64
	ProjectID   int64
	Number      int
	AuthorLogin string
	State       RawState
	Draft       bool
	HeadSHA     string
	Stats       DiffStats
	CommitCount int
	CreatedAt   time.Time
	Files       []FileChange
	Commits     []Commit
}

func (e *PullRequestOpened) Validate() error {
	err := ValidateStruct(e,
		Field(&e.ExternalID, Required, Min(int64(1))),
		Field(&e.ProjectID, Required, Min(int64(1))),
		Field(&e.Number, Min(0)),
		Field(&e.State, Required, In(RawStateOpen, RawStateClosed)),
		Field(&e.CommitCount, Min(0)),
		Field(&e.CreatedAt, Required),
	)
	if err == nil {
		err = validateStats(e.Stats)
	}
	if err == nil {
		err = validateFiles(e.Files)
	}
	if err == nil {
		err = validateCommits(e.Commits)
	}
	return validationError(err)
}

type PullRequestSynchronized struct {
	ExternalPullRequestID int64
	HeadSHA               string
	Stats                 DiffStats
	CommitCount           int
	Commits               []Commit
	Files                 []FileChange
	IsNewer               bool
	OccurredAt            time.Time
}

func (e *PullRequestSynchronized) Validate() error {
	err := ValidateStruct(e,
		Field(&e.ExternalPullRequestID, Required, Min(int64(1))),
		Field(&e.HeadSHA, Required),
		Field(&e.CommitCount, Min(0)),
		Field(&e.OccurredAt, Required),
	)
	if err == nil {
		err = validateStats(e.Stats)
	}
	if err == nil {
		err = validateFiles(e.Files)
	}
	if err == nil {
		err = validateCommits(e.Commits)
	}
	return validationError(err)
}

// PushedLines sums the churn of the commits in this push.
func (e *PullRequestSynchronized) PushedLines() (additions, deletions int) {
	for _, c := range e.Commits {
		additions += c.Additions
		deletions += c.Deletions
	}
	return additions, deletions
}

type Transition string

const (
	TransitionConvertedToDraft Transition = "converted_to_draft"
	TransitionReadyForReview   Transition = "ready_for_review"
	TransitionLabeled          Transition = "labeled"
	TransitionUnlabeled        Transition = "unlabeled"
	TransitionReopened         Transition = "reopened"
)

type PullRequestStateChanged struct {
	ExternalPullRequestID int64
	Transition            Transition
	Label                 string
	OccurredAt            time.Time
}

func (e *PullRequestStateChanged) Validate() error {
	return validationError(ValidateStruct(e,
		Field(&e.ExternalPullRequestID, Required, Min(int64(1))),
		Field(&e.Transition, Required, In(
			TransitionConvertedToDraft,
			TransitionReadyForReview,
			TransitionLabeled,
			TransitionUnlabeled,
			TransitionReopened,
		)),
		Field(&e.OccurredAt, Required),
	))
}

type PullRequestClosed struct {
	ExternalPullRequestID int64
	Merged                bool
	MergedAt              *time.Time
	ClosedAt              time.Time
}

func (e *PullRequestClosed) Validate() error {
	err := ValidateStruct(e,
		Field(&e.ExternalPullRequestID, Required, Min(int64(1))),
		Field(&e.ClosedAt, Required),
	)
	if err == nil && e.Merged && e.MergedAt == nil {
		err = fmt.Errorf("merged_at: cannot be blank when merged")
	}
	if err == nil && !e.Merged && e.MergedAt != nil {
		err = fmt.Errorf("merged_at: must be blank when not merged")
	}
	return validationError(err)
}

// ReviewerChange is a reviewer request or removal.
type ReviewerChange struct {
	ExternalPullRequestID int64
	ReviewerExternalID    int64
	ReviewerLogin         string
	OccurredAt            time.Time
}

func (e *ReviewerChange) Validate() error {
	return validationError(ValidateStruct(e,
		Field(&e.ExternalPullRequestID, Required, Min(int64(1))),
		Field(&e.ReviewerExternalID, Required, Min(int64(1))),
		Field(&e.ReviewerLogin, Required),
		Field(&e.OccurredAt, Required),
	))
}

type ReviewSubmitted struct {
	ExternalPullRequestID int64
	ExternalReviewID      int64
	ReviewerExternalID    int64
	ReviewerLogin         string
	State                 ReviewState
	CommitSHA             string
	Body                  string
	CommentCount          int
	SubmittedAt           time.Time
}

func (e *ReviewSubmitted) Validate() error {
	return validationError(ValidateStruct(e,
		Field(&e.ExternalPullRequestID, Required, Min(int64(1))),
		Field(&e.ExternalReviewID, Required, Min(int64(1))),
		Field(&e.ReviewerExternalID, Required, Min(int64(1))),
		Field(&e.State, Required, In(
			ReviewStateApproved,
			ReviewStateChangesRequested,
			ReviewStateCommented,
			ReviewStateDismissed,
		)),
		Field(&e.CommentCount, Min(0)),
		Field(&e.SubmittedAt, Required),
	))
}

func (e *ReviewSubmitted) Review(pullRequestID *int64) *Review {
	return &Review{
		ExternalID:            e.ExternalReviewID,
		PullRequestID:         pullRequestID,
		ExternalPullRequestID: e.ExternalPullRequestID,
		ReviewerExternalID:    e.ReviewerExternalID,
		ReviewerLogin:         e.ReviewerLogin,
		State:                 e.State,
		CommitSHA:             e.CommitSHA,
		Body:                  e.Body,
		CommentCount:          e.CommentCount,
		SubmittedAt:           e.SubmittedAt,
	}
}

type ReviewCommentCreated struct {
	ExternalID            int64
	ExternalReviewID      *int64
	ExternalPullRequestID int64
	Body                  string
	Path                  string
	StartLine             *int
	Line                  *int
	Side                  ReviewSide
	InReplyToExternalID   *int64
	AuthorExternalID      int64
	AuthorLogin           string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (e *ReviewCommentCreated) Validate() error {
	err := ValidateStruct(e,
		Field(&e.ExternalID, Required, Min(int64(1))),
		Field(&e.ExternalPullRequestID, Required, Min(int64(1))),
		Field(&e.Path, Required),
		Field(&e.Side, In(ReviewSideLeft, ReviewSideRight)),
		Field(&e.AuthorExternalID, Required, Min(int64(1))),
		Field(&e.CreatedAt, Required),
		Field(&e.UpdatedAt, Required),
	)
	if err == nil && e.UpdatedAt.Before(e.CreatedAt) {
		err = fmt.Errorf("updated_at: must not precede created_at")
	}
	if err == nil && e.StartLine != nil && e.Line != nil && *e.StartLine > *e.Line {
		err = fmt.Errorf("start_line: must not exceed line")
	}
	return validationError(err)
}

func (e *ReviewCommentCreated) Comment(pullRequestID *int64) *ReviewComment {
	return &ReviewComment{
		ExternalID:            e.ExternalID,
		ExternalReviewID:      e.ExternalReviewID,
		PullRequestID:         pullRequestID,
		ExternalPullRequestID: e.ExternalPullRequestID,
		Body:                  e.Body,
		Path:                  e.Path,
		StartLine:             e.StartLine,
		Line:                  e.Line,
		Side:                  e.Side,
		InReplyToExternalID:   e.InReplyToExternalID,
		AuthorExternalID:      e.AuthorExternalID,
		AuthorLogin:           e.AuthorLogin,
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
	}
}

type ReviewCommentEdited struct {
	ExternalID int64
	Body       string
	UpdatedAt  time.Time
}

func (e *ReviewCommentEdited) Validate() error {
	return validationError(ValidateStruct(e,
		Field(&e.ExternalID, Required, Min(int64(1))),
		Field(&e.UpdatedAt, Required),
	))
}

type ReviewCommentDeleted struct {
	ExternalID int64
	DeletedAt  time.Time
}

func (e *ReviewCommentDeleted) Validate() error {
	return validationError(ValidateStruct(e,
		Field(&e.ExternalID, Required, Min(int64(1))),
		Field(&e.DeletedAt, Required),
	))
}
