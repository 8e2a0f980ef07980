package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	trm "github.com/avito-tech/go-transaction-manager/trm/v2"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
	"github.com/ZertGraf/pr-insight/internal/pkg/telemetry"
	"github.com/ZertGraf/pr-insight/internal/repository"
)

// Dispatcher hands metric events to the derivation workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, events ...domain.MetricEvent) error
}

type IngestionRepositories struct {
	PullRequests repository.PullRequestRepository
	Reviews      repository.ReviewRepository
	Comments     repository.ReviewCommentRepository
	Reviewers    repository.RequestedReviewerRepository
}

// IngestionService is the write path. Every method commits the raw record
// first and only then dispatches the derived-metrics work.
type IngestionService struct {
	repos      IngestionRepositories
	trManager  trm.Manager
	dispatcher Dispatcher
	logger     *logger.Logger
}

func NewIngestionService(repos IngestionRepositories, trManager trm.Manager, dispatcher Dispatcher, logger *logger.Logger) *IngestionService {
	return &IngestionService{
		repos:      repos,
		trManager:  trManager,
		dispatcher: dispatcher,
		logger:     logger.Component("service/ingestion"),
	}
}

func (s *IngestionService) PullRequestOpened(ctx context.Context, e *domain.PullRequestOpened) (*domain.PullRequest, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	timing, err := domain.NewPullRequestTiming(e.CreatedAt, nil, nil)
	if err != nil {
		return nil, err
	}

	pr := &domain.PullRequest{
		ExternalID:     e.ExternalID,
		ProjectID:      e.ProjectID,
		Number:         e.Number,
		AuthorLogin:    e.AuthorLogin,
		State:          domain.ClassifyState(e.State, false, e.Draft),
		Draft:          e.Draft,
		HeadSHA:        e.HeadSHA,
		Stats:          e.Stats,
		CommitCount:    e.CommitCount,
		Timing:         timing,
		StatsUpdatedAt: e.CreatedAt,
	}
	if !e.Draft {
		pr.ReviewReadyAt = &e.CreatedAt
	}

	var created bool
	err = s.trManager.Do(ctx, func(ctx context.Context) error {
		pr, created, err = s.repos.PullRequests.SaveOrFind(ctx, pr)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("save pull request: %w", err)
	}

	if created {
		telemetry.IncEventIngested("pull_request_opened")
		s.logger.Info("pull request stored",
			"pull_request_id", pr.ID,
			"external_id", pr.ExternalID,
			"state", pr.State,
		)
	} else {
		telemetry.IncDuplicateRecord("pull_request")
		s.logger.Debug("duplicate pull request delivery", "external_id", pr.ExternalID)
	}

	opened := domain.NewMetricEvent(domain.MetricKindOpened, pr, pr.Timing.CreatedAt)
	opened.Opened = &domain.OpenedPayload{Draft: pr.Draft, Files: domain.CountFileChanges(e.Files)}

	backfill := domain.NewMetricEvent(domain.MetricKindBackfill, pr, pr.Timing.CreatedAt)

	return pr, s.dispatch(ctx, opened, backfill)
}

func (s *IngestionService) PullRequestSynchronized(ctx context.Context, e *domain.PullRequestSynchronized) error {
	if err := e.Validate(); err != nil {
		return err
	}

	var (
		pr          *domain.PullRequest
		applied     bool
		redelivered bool
	)
	err := s.trManager.Do(ctx, func(ctx context.Context) error {
		var err error
		if pr, err = s.repos.PullRequests.FindByExternalID(ctx, e.ExternalPullRequestID); err != nil {
			return err
		}
		if !e.IsNewer {
			return nil
		}

		n, err := s.repos.PullRequests.UpdateDiffStats(ctx, pr.ID, e.Stats, e.CommitCount, e.HeadSHA, e.OccurredAt)
		applied = n > 0
		// stats already stored by an earlier delivery of this push
		redelivered = !applied && pr.HeadSHA == e.HeadSHA && pr.StatsUpdatedAt.Equal(e.OccurredAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("synchronize pull request %d: %w", e.ExternalPullRequestID, err)
	}

	switch {
	case applied:
		telemetry.IncEventIngested("pull_request_synchronized")
	case redelivered:
		telemetry.IncDuplicateRecord("pull_request_stats")
		s.logger.Debug("duplicate synchronize delivery",
			"external_id", e.ExternalPullRequestID,
			"head_sha", e.HeadSHA,
		)
	default:
		telemetry.IncStaleUpdate("pull_request_stats")
		s.logger.Info("stale synchronize ignored",
			"external_id", e.ExternalPullRequestID,
			"head_sha", e.HeadSHA,
		)
		return nil
	}

	additions, deletions := e.PushedLines()
	push := &domain.PushPayload{Stats: e.Stats, Additions: additions, Deletions: deletions}
	if len(e.Files) > 0 {
		files := domain.CountFileChanges(e.Files)
		push.Files = &files
	}

	event := domain.NewMetricEvent(domain.MetricKindSynchronized, pr, e.OccurredAt, e.HeadSHA)
	event.Push = push
	return s.dispatch(ctx, event)
}

func (s *IngestionService) PullRequestStateChanged(ctx context.Context, e *domain.PullRequestStateChanged) error {
	if err := e.Validate(); err != nil {
		return err
	}

	var pr *domain.PullRequest
	err := s.trManager.Do(ctx, func(ctx context.Context) error {
		var err error
		if pr, err = s.repos.PullRequests.FindByExternalID(ctx, e.ExternalPullRequestID); err != nil {
			return err
		}

		switch e.Transition {
		case domain.TransitionConvertedToDraft:
			if pr.State.IsTerminal() {
				return fmt.Errorf("%w: draft conversion of %s pull request", domain.ErrInvalidTransition, pr.State)
			}
			return s.repos.PullRequests.UpdateState(ctx, pr.ID, domain.PullRequestStateDraft, true, nil)
		case domain.TransitionReadyForReview:
			if pr.State.IsTerminal() {
				return fmt.Errorf("%w: ready for review on %s pull request", domain.ErrInvalidTransition, pr.State)
			}
			return s.repos.PullRequests.UpdateState(ctx, pr.ID, domain.PullRequestStateOpen, false, &e.OccurredAt)
		case domain.TransitionReopened:
			state := domain.ClassifyState(domain.RawStateOpen, false, pr.Draft)
			return s.repos.PullRequests.Reopen(ctx, pr.ID, state)
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("change state of pull request %d: %w", e.ExternalPullRequestID, err)
	}
	telemetry.IncEventIngested("pull_request_" + string(e.Transition))

	event := domain.NewMetricEvent(domain.MetricKindStateChanged, pr, e.OccurredAt, e.Transition, e.Label, e.OccurredAt)
	event.Transition = &domain.TransitionPayload{Transition: e.Transition}
	return s.dispatch(ctx, event)
}

func (s *IngestionService) PullRequestClosed(ctx context.Context, e *domain.PullRequestClosed) error {
	if err := e.Validate(); err != nil {
		return err
	}

	var pr *domain.PullRequest
	err := s.trManager.Do(ctx, func(ctx context.Context) error {
		var err error
		if pr, err = s.repos.PullRequests.FindByExternalID(ctx, e.ExternalPullRequestID); err != nil {
			return err
		}
		if _, err = domain.NewPullRequestTiming(pr.Timing.CreatedAt, e.MergedAt, &e.ClosedAt); err != nil {
			return err
		}

		state := domain.ClassifyState(domain.RawStateClosed, e.Merged, pr.Draft)
		return s.repos.PullRequests.MarkClosed(ctx, pr.ID, state, e.MergedAt, e.ClosedAt)
	})
	if err != nil {
		return fmt.Errorf("close pull request %d: %w", e.ExternalPullRequestID, err)
	}
	telemetry.IncEventIngested("pull_request_closed")

	event := domain.NewMetricEvent(domain.MetricKindClosed, pr, e.ClosedAt, e.ClosedAt)
	event.Close = &domain.ClosePayload{Merged: e.Merged, MergedAt: e.MergedAt, ClosedAt: e.ClosedAt}
	return s.dispatch(ctx, event)
}

func (s *IngestionService) ReviewerRequested(ctx context.Context, e *domain.ReviewerChange) error {
	if err := e.Validate(); err != nil {
		return err
	}

	var (
		pr       *domain.PullRequest
		inserted bool
	)
	request := &domain.RequestedReviewer{
		ExternalPullRequestID: e.ExternalPullRequestID,
		ReviewerExternalID:    e.ReviewerExternalID,
		ReviewerLogin:         e.ReviewerLogin,
		RequestedAt:           e.OccurredAt,
	}
	err := s.trManager.Do(ctx, func(ctx context.Context) error {
		var err error
		if pr, err = s.findParent(ctx, e.ExternalPullRequestID); err != nil {
			return err
		}

		request.PullRequestID = parentID(pr)
		inserted, err = s.repos.Reviewers.Request(ctx, request)
		if err != nil || !inserted {
			return err
		}
		return s.appendHistory(ctx, pr, e, domain.ReviewerActionRequested)
	})
	if err != nil {
		return fmt.Errorf("request reviewer: %w", err)
	}

	if inserted {
		telemetry.IncEventIngested("reviewer_requested")
	} else {
		telemetry.IncDuplicateRecord("requested_reviewer")
	}

	if pr == nil {
		if !inserted {
			return nil
		}
		return s.storedOrphan(ctx, "requested_reviewer", e.ExternalPullRequestID)
	}

	// keyed by the stored request, so a redelivery dedupes in the ledger
	event := domain.NewMetricEvent(domain.MetricKindReviewerAdded, pr, request.RequestedAt, e.ReviewerExternalID, request.RequestedAt)
	return s.dispatch(ctx, event)
}

func (s *IngestionService) ReviewerRemoved(ctx context.Context, e *domain.ReviewerChange) error {
	if err := e.Validate(); err != nil {
		return err
	}

	err := s.trManager.Do(ctx, func(ctx context.Context) error {
		pr, err := s.findParent(ctx, e.ExternalPullRequestID)
		if err != nil {
			return err
		}

		removed, err := s.repos.Reviewers.Remove(ctx, e.ExternalPullRequestID, e.ReviewerExternalID)
		if err != nil || !removed {
			return err
		}
		return s.appendHistory(ctx, pr, e, domain.ReviewerActionRemoved)
	})
	if err != nil {
		return fmt.Errorf("remove reviewer: %w", err)
	}
	telemetry.IncEventIngested("reviewer_removed")
	return nil
}

func (s *IngestionService) ReviewSubmitted(ctx context.Context, e *domain.ReviewSubmitted) (*domain.Review, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var (
		pr      *domain.PullRequest
		review  *domain.Review
		created bool
	)
	err := s.trManager.Do(ctx, func(ctx context.Context) error {
		var err error
		if pr, err = s.findParent(ctx, e.ExternalPullRequestID); err != nil {
			return err
		}
		review, created, err = s.repos.Reviews.SaveOrFind(ctx, e.Review(parentID(pr)))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("save review %d: %w", e.ExternalReviewID, err)
	}

	if created {
		telemetry.IncEventIngested("review_submitted")
	} else {
		telemetry.IncDuplicateRecord("review")
		s.logger.Debug("duplicate review delivery", "external_id", e.ExternalReviewID)
	}

	switch {
	case pr != nil:
		return review, s.dispatch(ctx, reviewEvent(pr, review))
	case created:
		return review, s.storedOrphan(ctx, "review", e.ExternalPullRequestID)
	default:
		return review, nil
	}
}

func (s *IngestionService) ReviewCommentCreated(ctx context.Context, e *domain.ReviewCommentCreated) (*domain.ReviewComment, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var (
		pr      *domain.PullRequest
		comment *domain.ReviewComment
		created bool
	)
	err := s.trManager.Do(ctx, func(ctx context.Context) error {
		var err error
		if pr, err = s.findParent(ctx, e.ExternalPullRequestID); err != nil {
			return err
		}
		comment, created, err = s.repos.Comments.SaveOrFind(ctx, e.Comment(parentID(pr)))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("save review comment %d: %w", e.ExternalID, err)
	}

	if !created {
		telemetry.IncDuplicateRecord("review_comment")
		return comment, nil
	}
	telemetry.IncEventIngested("review_comment_created")

	if pr == nil {
		return comment, s.storedOrphan(ctx, "review_comment", e.ExternalPullRequestID)
	}
	return comment, nil
}

func (s *IngestionService) ReviewCommentEdited(ctx context.Context, e *domain.ReviewCommentEdited) error {
	if err := e.Validate(); err != nil {
		return err
	}

	n, err := s.repos.Comments.UpdateBodyIfNewer(ctx, e.ExternalID, e.Body, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("edit review comment %d: %w", e.ExternalID, err)
	}
	s.observeGuard("review_comment_edited", e.ExternalID, e.UpdatedAt, n)
	return nil
}

func (s *IngestionService) ReviewCommentDeleted(ctx context.Context, e *domain.ReviewCommentDeleted) error {
	if err := e.Validate(); err != nil {
		return err
	}

	n, err := s.repos.Comments.MarkDeletedIfNewer(ctx, e.ExternalID, e.DeletedAt)
	if err != nil {
		return fmt.Errorf("delete review comment %d: %w", e.ExternalID, err)
	}
	s.observeGuard("review_comment_deleted", e.ExternalID, e.DeletedAt, n)
	return nil
}

func (s *IngestionService) observeGuard(event string, externalID int64, at time.Time, affected int64) {
	if affected > 0 {
		telemetry.IncEventIngested(event)
		return
	}
	telemetry.IncStaleUpdate("review_comment")
	s.logger.Info("stale or unknown comment update ignored",
		"event", event,
		"external_id", externalID,
		"at", at,
	)
}

// findParent returns the pull request or nil when it has not been stored yet.
func (s *IngestionService) findParent(ctx context.Context, externalID int64) (*domain.PullRequest, error) {
	pr, err := s.repos.PullRequests.FindByExternalID(ctx, externalID)
	if errors.Is(err, domain.ErrPullRequestNotFound) {
		return nil, nil
	}
	return pr, err
}

func (s *IngestionService) appendHistory(ctx context.Context, pr *domain.PullRequest, e *domain.ReviewerChange, action domain.ReviewerAction) error {
	return s.repos.Reviewers.AppendHistory(ctx, &domain.RequestedReviewerHistory{
		PullRequestID:         parentID(pr),
		ExternalPullRequestID: e.ExternalPullRequestID,
		ReviewerExternalID:    e.ReviewerExternalID,
		ReviewerLogin:         e.ReviewerLogin,
		Action:                action,
		OccurredAt:            e.OccurredAt,
	})
}

// storedOrphan runs after an orphan committed. If the pull request committed
// in the meantime its own backfill may already have run, so one is
// dispatched again here. Linking is idempotent.
func (s *IngestionService) storedOrphan(ctx context.Context, entity string, externalPullRequestID int64) error {
	telemetry.IncOrphanStored(entity)
	s.logger.Info("stored without pull request",
		"entity", entity,
		"external_pull_request_id", externalPullRequestID,
	)

	pr, err := s.findParent(ctx, externalPullRequestID)
	if err != nil || pr == nil {
		return err
	}
	return s.dispatch(ctx, domain.NewMetricEvent(domain.MetricKindBackfill, pr, time.Now()))
}

func (s *IngestionService) dispatch(ctx context.Context, events ...domain.MetricEvent) error {
	if err := s.dispatcher.Dispatch(ctx, events...); err != nil {
		return fmt.Errorf("dispatch metrics: %w", err)
	}
	return nil
}

func reviewEvent(pr *domain.PullRequest, r *domain.Review) domain.MetricEvent {
	event := domain.NewMetricEvent(domain.MetricKindReviewSubmitted, pr, r.SubmittedAt, r.ExternalID)
	event.Review = &domain.ReviewPayload{
		ExternalReviewID: r.ExternalID,
		Approved:         r.State.IsApproval(),
		CommentCount:     r.CommentCount,
		SubmittedAt:      r.SubmittedAt,
	}
	return event
}

func parentID(pr *domain.PullRequest) *int64 {
	if pr == nil {
		return nil
	}
	return &pr.ID
}
