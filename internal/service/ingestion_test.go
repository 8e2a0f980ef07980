package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
)

type ingestionFixture struct {
	svc        *IngestionService
	prs        *memPullRequests
	reviews    *fakeReviews
	comments   *fakeComments
	reviewers  *fakeReviewers
	dispatcher *fakeDispatcher
}

func newIngestion(t *testing.T, prs ...*domain.PullRequest) *ingestionFixture {
	t.Helper()
	f := &ingestionFixture{
		prs: newMemPullRequests(prs...),
		reviews: &fakeReviews{saveOrFind: func(_ context.Context, r *domain.Review) (*domain.Review, bool, error) {
			r.ID = 1
			return r, true, nil
		}},
		comments: &fakeComments{saveOrFind: func(_ context.Context, c *domain.ReviewComment) (*domain.ReviewComment, bool, error) {
			c.ID = 1
			return c, true, nil
		}},
		reviewers:  newFakeReviewers(),
		dispatcher: &fakeDispatcher{},
	}
	f.svc = NewIngestionService(IngestionRepositories{
		PullRequests: f.prs,
		Reviews:      f.reviews,
		Comments:     f.comments,
		Reviewers:    f.reviewers,
	}, stubManager{}, f.dispatcher, logger.Nop())
	return f
}

func openedInput(externalID int64, draft bool) *domain.PullRequestOpened {
	return &domain.PullRequestOpened{
		ExternalID:  externalID,
		ProjectID:   1,
		Number:      12,
		AuthorLogin: "octocat",
		State:       domain.RawStateOpen,
		Draft:       draft,
		HeadSHA:     "abc",
		Stats:       domain.DiffStats{Additions: 100, Deletions: 50, ChangedFiles: 5},
		CommitCount: 3,
		CreatedAt:   at(10, 0),
		Files: []domain.FileChange{
			{Path: "main.go", Status: domain.FileStatusModified},
			{Path: "util.go", Status: domain.FileStatusAdded},
		},
	}
}

func TestIngestPullRequestOpened(t *testing.T) {
	f := newIngestion(t)

	pr, err := f.svc.PullRequestOpened(context.Background(), openedInput(501, false))
	require.NoError(t, err)
	require.NotZero(t, pr.ID)
	require.Equal(t, domain.PullRequestStateOpen, pr.State)
	require.Equal(t, at(10, 0), *pr.ReviewReadyAt)

	require.Equal(t, []domain.MetricKind{domain.MetricKindOpened, domain.MetricKindBackfill}, f.dispatcher.kinds())
	opened := f.dispatcher.events[0]
	require.Equal(t, pr.ID, opened.PullRequestID)
	require.Equal(t, domain.FileChangeCounts{Added: 1, Modified: 1}, opened.Opened.Files)
}

func TestIngestPullRequestOpenedTwiceKeepsFirst(t *testing.T) {
	f := newIngestion(t)

	first, err := f.svc.PullRequestOpened(context.Background(), openedInput(501, false))
	require.NoError(t, err)

	again := openedInput(501, true)
	again.Number = 99
	second, err := f.svc.PullRequestOpened(context.Background(), again)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 12, second.Number)
	require.False(t, second.Draft)
	require.Equal(t, f.dispatcher.events[0].DeliveryKey, f.dispatcher.events[2].DeliveryKey)
}

func TestIngestDraftHasNoReviewReadyTimestamp(t *testing.T) {
	f := newIngestion(t)

	pr, err := f.svc.PullRequestOpened(context.Background(), openedInput(501, true))
	require.NoError(t, err)
	require.Equal(t, domain.PullRequestStateDraft, pr.State)
	require.Nil(t, pr.ReviewReadyAt)
	require.True(t, f.dispatcher.events[0].Opened.Draft)
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	f := newIngestion(t)

	in := openedInput(501, false)
	in.ProjectID = 0
	_, err := f.svc.PullRequestOpened(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrValidation)
	require.Empty(t, f.dispatcher.events)
}

func TestIngestSynchronize(t *testing.T) {
	pr := testPR(1, 501, at(10, 0), false)
	stats := domain.DiffStats{Additions: 130, Deletions: 55, ChangedFiles: 6}
	sync := func(occurredAt time.Time, newer bool) *domain.PullRequestSynchronized {
		return &domain.PullRequestSynchronized{
			ExternalPullRequestID: 501,
			HeadSHA:               "def",
			Stats:                 stats,
			CommitCount:           4,
			Commits:               []domain.Commit{{SHA: "def", Additions: 30, Deletions: 5}},
			IsNewer:               newer,
			OccurredAt:            occurredAt,
		}
	}

	tests := []struct {
		name       string
		event      *domain.PullRequestSynchronized
		dispatched bool
	}{
		{name: "newer push applies", event: sync(at(11, 0), true), dispatched: true},
		{name: "push flagged stale", event: sync(at(11, 0), false)},
		{name: "push older than stored stats", event: sync(at(9, 0), true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIngestion(t, pr)

			require.NoError(t, f.svc.PullRequestSynchronized(context.Background(), tt.event))

			stored, err := f.prs.FindByID(context.Background(), pr.ID)
			require.NoError(t, err)
			if !tt.dispatched {
				require.Empty(t, f.dispatcher.events)
				require.Equal(t, pr.Stats, stored.Stats)
				return
			}
			require.Equal(t, stats, stored.Stats)
			require.Len(t, f.dispatcher.events, 1)
			push := f.dispatcher.events[0].Push
			require.Equal(t, 30, push.Additions)
			require.Equal(t, 5, push.Deletions)
			require.Nil(t, push.Files)
		})
	}
}

func TestIngestSynchronizeRedeliveryAfterDispatchFailure(t *testing.T) {
	pr := testPR(1, 501, at(10, 0), false)
	f := newIngestion(t, pr)
	event := &domain.PullRequestSynchronized{
		ExternalPullRequestID: 501,
		HeadSHA:               "def",
		Stats:                 domain.DiffStats{Additions: 130, Deletions: 55, ChangedFiles: 6},
		CommitCount:           4,
		Commits:               []domain.Commit{{SHA: "def", Additions: 30, Deletions: 5}},
		IsNewer:               true,
		OccurredAt:            at(11, 0),
	}

	f.dispatcher.err = domain.ErrQueueFull
	err := f.svc.PullRequestSynchronized(context.Background(), event)
	require.ErrorIs(t, err, domain.ErrQueueFull)

	stored, err := f.prs.FindByID(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Equal(t, event.Stats, stored.Stats)

	f.dispatcher.err = nil
	require.NoError(t, f.svc.PullRequestSynchronized(context.Background(), event))
	require.Len(t, f.dispatcher.events, 1)
	require.Equal(t, domain.MetricKindSynchronized, f.dispatcher.events[0].Kind)
	require.Equal(t, 30, f.dispatcher.events[0].Push.Additions)

	// a second redelivery carries the same key for the ledger to drop
	require.NoError(t, f.svc.PullRequestSynchronized(context.Background(), event))
	require.Len(t, f.dispatcher.events, 2)
	require.Equal(t, f.dispatcher.events[0].DeliveryKey, f.dispatcher.events[1].DeliveryKey)

	// a different push at the same time is still stale
	other := *event
	other.HeadSHA = "fed"
	require.NoError(t, f.svc.PullRequestSynchronized(context.Background(), &other))
	require.Len(t, f.dispatcher.events, 2)
}

func TestIngestSynchronizeUnknownPullRequest(t *testing.T) {
	f := newIngestion(t)

	err := f.svc.PullRequestSynchronized(context.Background(), &domain.PullRequestSynchronized{
		ExternalPullRequestID: 404,
		HeadSHA:               "abc",
		IsNewer:               true,
		OccurredAt:            at(10, 0),
	})
	require.ErrorIs(t, err, domain.ErrPullRequestNotFound)
}

func TestIngestStateChanges(t *testing.T) {
	pr := testPR(1, 501, at(9, 0), true)
	f := newIngestion(t, pr)
	change := func(transition domain.Transition, occurredAt time.Time) error {
		return f.svc.PullRequestStateChanged(context.Background(), &domain.PullRequestStateChanged{
			ExternalPullRequestID: 501,
			Transition:            transition,
			OccurredAt:            occurredAt,
		})
	}

	require.NoError(t, change(domain.TransitionReadyForReview, at(10, 0)))
	stored, _ := f.prs.FindByID(context.Background(), pr.ID)
	require.Equal(t, domain.PullRequestStateOpen, stored.State)
	require.Equal(t, at(10, 0), *stored.ReviewReadyAt)

	require.NoError(t, change(domain.TransitionConvertedToDraft, at(10, 30)))
	require.NoError(t, change(domain.TransitionReadyForReview, at(11, 0)))
	stored, _ = f.prs.FindByID(context.Background(), pr.ID)
	require.Equal(t, at(10, 0), *stored.ReviewReadyAt)

	require.Len(t, f.dispatcher.events, 3)
	require.Equal(t, domain.TransitionConvertedToDraft, f.dispatcher.events[1].Transition.Transition)
}

func TestIngestCloseAndReopen(t *testing.T) {
	pr := testPR(1, 501, at(10, 0), false)
	f := newIngestion(t, pr)

	err := f.svc.PullRequestClosed(context.Background(), &domain.PullRequestClosed{
		ExternalPullRequestID: 501,
		ClosedAt:              at(11, 0),
	})
	require.NoError(t, err)
	stored, _ := f.prs.FindByID(context.Background(), pr.ID)
	require.Equal(t, domain.PullRequestStateClosed, stored.State)

	err = f.svc.PullRequestStateChanged(context.Background(), &domain.PullRequestStateChanged{
		ExternalPullRequestID: 501,
		Transition:            domain.TransitionConvertedToDraft,
		OccurredAt:            at(11, 30),
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = f.svc.PullRequestStateChanged(context.Background(), &domain.PullRequestStateChanged{
		ExternalPullRequestID: 501,
		Transition:            domain.TransitionReopened,
		OccurredAt:            at(12, 0),
	})
	require.NoError(t, err)
	stored, _ = f.prs.FindByID(context.Background(), pr.ID)
	require.Equal(t, domain.PullRequestStateOpen, stored.State)
	require.Nil(t, stored.Timing.ClosedAt)

	require.Equal(t, []domain.MetricKind{domain.MetricKindClosed, domain.MetricKindStateChanged}, f.dispatcher.kinds())
}

func TestIngestMergeClassifiesState(t *testing.T) {
	pr := testPR(1, 501, at(10, 0), true)
	f := newIngestion(t, pr)
	mergedAt := at(12, 0)

	err := f.svc.PullRequestClosed(context.Background(), &domain.PullRequestClosed{
		ExternalPullRequestID: 501,
		Merged:                true,
		MergedAt:              &mergedAt,
		ClosedAt:              mergedAt,
	})
	require.NoError(t, err)

	stored, _ := f.prs.FindByID(context.Background(), pr.ID)
	require.Equal(t, domain.PullRequestStateMerged, stored.State)
	require.True(t, f.dispatcher.events[0].Close.Merged)
}

func TestIngestCloseBeforeCreateFails(t *testing.T) {
	pr := testPR(1, 501, at(10, 0), false)
	f := newIngestion(t, pr)

	err := f.svc.PullRequestClosed(context.Background(), &domain.PullRequestClosed{
		ExternalPullRequestID: 501,
		ClosedAt:              at(9, 0),
	})
	require.ErrorIs(t, err, domain.ErrValidation)
	require.Empty(t, f.dispatcher.events)
}

func TestIngestReviewSubmitted(t *testing.T) {
	pr := testPR(1, 501, at(10, 0), false)
	f := newIngestion(t, pr)

	review, err := f.svc.ReviewSubmitted(context.Background(), &domain.ReviewSubmitted{
		ExternalPullRequestID: 501,
		ExternalReviewID:      900,
		ReviewerExternalID:    7,
		ReviewerLogin:         "reviewer",
		State:                 domain.ReviewStateApproved,
		CommentCount:          2,
		SubmittedAt:           at(10, 30),
	})
	require.NoError(t, err)
	require.Equal(t, pr.ID, *review.PullRequestID)

	require.Len(t, f.dispatcher.events, 1)
	e := f.dispatcher.events[0]
	require.Equal(t, domain.MetricKindReviewSubmitted, e.Kind)
	require.True(t, e.Review.Approved)
	require.Equal(t, 2, e.Review.CommentCount)
}

func TestIngestOrphanReview(t *testing.T) {
	f := newIngestion(t)

	review, err := f.svc.ReviewSubmitted(context.Background(), &domain.ReviewSubmitted{
		ExternalPullRequestID: 501,
		ExternalReviewID:      900,
		ReviewerExternalID:    7,
		State:                 domain.ReviewStateCommented,
		SubmittedAt:           at(10, 30),
	})
	require.NoError(t, err)
	require.Nil(t, review.PullRequestID)
	require.Equal(t, int64(501), review.ExternalPullRequestID)
	require.Empty(t, f.dispatcher.events)
}

func TestIngestOrphanRacingParentTriggersBackfill(t *testing.T) {
	f := newIngestion(t)
	// the parent commits between the orphan insert and the re-check
	f.comments.saveOrFind = func(_ context.Context, c *domain.ReviewComment) (*domain.ReviewComment, bool, error) {
		_, _, err := f.prs.SaveOrFind(context.Background(), testPR(0, 501, at(10, 0), false))
		return c, true, err
	}

	comment, err := f.svc.ReviewCommentCreated(context.Background(), &domain.ReviewCommentCreated{
		ExternalID:            77,
		ExternalPullRequestID: 501,
		Path:                  "main.go",
		AuthorExternalID:      7,
		CreatedAt:             at(10, 30),
		UpdatedAt:             at(10, 30),
	})
	require.NoError(t, err)
	require.Nil(t, comment.PullRequestID)
	require.Equal(t, []domain.MetricKind{domain.MetricKindBackfill}, f.dispatcher.kinds())
}

func TestIngestDuplicateReviewIsNotDispatchedAsOrphan(t *testing.T) {
	f := newIngestion(t)
	f.reviews.saveOrFind = func(_ context.Context, r *domain.Review) (*domain.Review, bool, error) {
		return r, false, nil
	}

	_, err := f.svc.ReviewSubmitted(context.Background(), &domain.ReviewSubmitted{
		ExternalPullRequestID: 501,
		ExternalReviewID:      900,
		ReviewerExternalID:    7,
		State:                 domain.ReviewStateCommented,
		SubmittedAt:           at(10, 30),
	})
	require.NoError(t, err)
	require.Empty(t, f.dispatcher.events)
}

func TestIngestReviewerRequestAndRemove(t *testing.T) {
	pr := testPR(1, 501, at(10, 0), false)
	f := newIngestion(t, pr)
	change := &domain.ReviewerChange{
		ExternalPullRequestID: 501,
		ReviewerExternalID:    7,
		ReviewerLogin:         "reviewer",
		OccurredAt:            at(10, 5),
	}

	require.NoError(t, f.svc.ReviewerRequested(context.Background(), change))
	require.NoError(t, f.svc.ReviewerRequested(context.Background(), change))
	require.NoError(t, f.svc.ReviewerRemoved(context.Background(), change))
	require.NoError(t, f.svc.ReviewerRemoved(context.Background(), change))

	require.Len(t, f.reviewers.history, 2)
	require.Equal(t, domain.ReviewerActionRequested, f.reviewers.history[0].Action)
	require.Equal(t, domain.ReviewerActionRemoved, f.reviewers.history[1].Action)
	require.Equal(t, pr.ID, *f.reviewers.history[0].PullRequestID)
	require.Equal(t, []domain.MetricKind{domain.MetricKindReviewerAdded, domain.MetricKindReviewerAdded}, f.dispatcher.kinds())
	require.Equal(t, f.dispatcher.events[0].DeliveryKey, f.dispatcher.events[1].DeliveryKey)
}

func TestIngestReviewerRedeliveryAfterDispatchFailure(t *testing.T) {
	pr := testPR(1, 501, at(10, 0), false)
	f := newIngestion(t, pr)
	change := &domain.ReviewerChange{
		ExternalPullRequestID: 501,
		ReviewerExternalID:    7,
		ReviewerLogin:         "reviewer",
		OccurredAt:            at(10, 5),
	}

	f.dispatcher.err = domain.ErrPoolClosed
	err := f.svc.ReviewerRequested(context.Background(), change)
	require.ErrorIs(t, err, domain.ErrPoolClosed)
	require.Len(t, f.reviewers.history, 1)

	f.dispatcher.err = nil
	require.NoError(t, f.svc.ReviewerRequested(context.Background(), change))
	require.Equal(t, []domain.MetricKind{domain.MetricKindReviewerAdded}, f.dispatcher.kinds())
	require.Len(t, f.reviewers.history, 1)

	// a later duplicate request keys on the stored request time
	late := *change
	late.OccurredAt = at(12, 0)
	require.NoError(t, f.svc.ReviewerRequested(context.Background(), &late))
	require.Len(t, f.dispatcher.events, 2)
	require.Equal(t, f.dispatcher.events[0].DeliveryKey, f.dispatcher.events[1].DeliveryKey)
	require.Equal(t, at(10, 5), f.dispatcher.events[1].OccurredAt)
}

func TestIngestCommentGuard(t *testing.T) {
	f := newIngestion(t)
	var edited, deleted []time.Time
	f.comments.updateBodyIfNewer = func(_ context.Context, _ int64, _ string, at time.Time) (int64, error) {
		edited = append(edited, at)
		return 0, nil
	}
	f.comments.markDeletedIfNewer = func(_ context.Context, _ int64, at time.Time) (int64, error) {
		deleted = append(deleted, at)
		return 1, nil
	}

	require.NoError(t, f.svc.ReviewCommentEdited(context.Background(), &domain.ReviewCommentEdited{
		ExternalID: 77, Body: "late edit", UpdatedAt: at(9, 0),
	}))
	require.NoError(t, f.svc.ReviewCommentDeleted(context.Background(), &domain.ReviewCommentDeleted{
		ExternalID: 77, DeletedAt: at(11, 0),
	}))
	require.Equal(t, []time.Time{at(9, 0)}, edited)
	require.Equal(t, []time.Time{at(11, 0)}, deleted)

	f.comments.markDeletedIfNewer = func(context.Context, int64, time.Time) (int64, error) {
		return 0, errors.New("connection reset")
	}
	err := f.svc.ReviewCommentDeleted(context.Background(), &domain.ReviewCommentDeleted{
		ExternalID: 77, DeletedAt: at(12, 0),
	})
	require.ErrorContains(t, err, "connection reset")
}

func TestIngestSurfacesDispatchFailure(t *testing.T) {
	f := newIngestion(t)
	f.dispatcher.err = domain.ErrQueueFull

	pr, err := f.svc.PullRequestOpened(context.Background(), openedInput(501, false))
	require.ErrorIs(t, err, domain.ErrQueueFull)
	require.NotNil(t, pr)

	stored, findErr := f.prs.FindByExternalID(context.Background(), 501)
	require.NoError(t, findErr)
	require.Equal(t, pr.ID, stored.ID)
}
