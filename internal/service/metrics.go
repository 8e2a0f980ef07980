package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	trm "github.com/avito-tech/go-transaction-manager/trm/v2"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
	"github.com/ZertGraf/pr-insight/internal/pkg/telemetry"
	"github.com/ZertGraf/pr-insight/internal/repository"
)

type MetricsRepositories struct {
	PullRequests repository.PullRequestRepository
	Reviews      repository.ReviewRepository
	Comments     repository.OrphanLinker
	Reviewers    repository.OrphanLinker
	Ledger       repository.DeliveryLedger
	Bottlenecks  repository.BottleneckRepository
	Lifecycles   repository.LifecycleRepository
	Sizes        repository.SizeRepository
	Activities   repository.ReviewActivityRepository
}

// Scoring is the size configuration applied to newly created size aggregates.
type Scoring struct {
	Weight     domain.SizeWeight
	Thresholds domain.SizeThresholds
}

func (s Scoring) Validate() error {
	if err := s.Weight.Validate(); err != nil {
		return err
	}
	return s.Thresholds.Validate()
}

// MetricsService derives the four per pull request aggregates from metric
// events. Every event is applied in one transaction together with its
// delivery ledger entry, so a redelivered event changes nothing.
type MetricsService struct {
	repos     MetricsRepositories
	trManager trm.Manager
	scoring   Scoring
	logger    *logger.Logger
}

func NewMetricsService(repos MetricsRepositories, trManager trm.Manager, scoring Scoring, logger *logger.Logger) (*MetricsService, error) {
	if err := scoring.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring: %w", err)
	}
	return &MetricsService{
		repos:     repos,
		trManager: trManager,
		scoring:   scoring,
		logger:    logger.Component("service/metrics"),
	}, nil
}

// Handle applies e and returns events that must be dispatched after the
// transaction committed.
func (s *MetricsService) Handle(ctx context.Context, e domain.MetricEvent) ([]domain.MetricEvent, error) {
	defer telemetry.ObserveDerivation(string(e.Kind), time.Now())

	var followUps []domain.MetricEvent
	err := s.trManager.Do(ctx, func(ctx context.Context) error {
		followUps = nil

		// backfill only links rows and is safe to repeat
		if e.Kind != domain.MetricKindBackfill {
			first, err := s.repos.Ledger.MarkProcessed(ctx, e.DeliveryKey, e.Kind)
			if err != nil {
				return err
			}
			if !first {
				telemetry.IncDuplicateDelivery(string(e.Kind))
				s.logger.Debug("duplicate metric event skipped", "delivery_key", e.DeliveryKey)
				return nil
			}
		}

		var err error
		switch e.Kind {
		case domain.MetricKindOpened:
			err = s.applyOpened(ctx, e)
		case domain.MetricKindSynchronized:
			err = s.applyPush(ctx, e)
		case domain.MetricKindStateChanged:
			err = s.applyTransition(ctx, e)
		case domain.MetricKindClosed:
			err = s.applyClose(ctx, e)
		case domain.MetricKindReviewSubmitted:
			err = s.applyReview(ctx, e)
		case domain.MetricKindReviewerAdded:
			err = s.applyReviewerAdded(ctx, e)
		case domain.MetricKindBackfill:
			followUps, err = s.backfill(ctx, e)
		case domain.MetricKindRescore:
			if e.Rescore == nil {
				return missingPayload(e)
			}
			_, err = s.rescore(ctx, e.ProjectID, e.Rescore.Weight)
		default:
			err = fmt.Errorf("%w: unknown metric kind %q", domain.ErrValidation, e.Kind)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", e.Kind, e.DeliveryKey, err)
	}
	return followUps, nil
}

func (s *MetricsService) applyOpened(ctx context.Context, e domain.MetricEvent) error {
	if e.Opened == nil {
		return missingPayload(e)
	}
	pr, err := s.repos.PullRequests.FindByID(ctx, e.PullRequestID)
	if err != nil {
		return err
	}

	size, err := domain.NewPullRequestSize(pr.ID, pr.Stats, e.Opened.Files, s.scoring.Weight, s.scoring.Thresholds)
	if err != nil {
		return err
	}
	if _, err = s.repos.Sizes.Create(ctx, size); err != nil {
		return err
	}

	activity, err := domain.NewReviewActivity(pr.ID, pr.Stats.Additions, pr.Stats.Deletions)
	if err != nil {
		return err
	}
	if _, err = s.repos.Activities.Create(ctx, activity); err != nil {
		return err
	}

	if e.Opened.Draft || pr.State.IsTerminal() {
		return nil
	}
	return s.startReview(ctx, pr, pr.ReviewReadyOrCreated(), 0)
}

// startReview creates the bottleneck and lifecycle once the pull request is
// reviewable. Existing aggregates are kept.
func (s *MetricsService) startReview(ctx context.Context, pr *domain.PullRequest, readyAt time.Time, stateChanges int) error {
	bottleneck, err := domain.NewBottleneckWithoutReview(pr.ID)
	if err != nil {
		return err
	}
	if _, err = s.repos.Bottlenecks.Create(ctx, bottleneck); err != nil {
		return err
	}

	lifecycle, err := domain.NewInProgressLifecycle(pr.ID, readyAt, domain.ZeroDuration(), stateChanges)
	if err != nil {
		return err
	}
	_, err = s.repos.Lifecycles.Create(ctx, lifecycle)
	return err
}

func (s *MetricsService) applyPush(ctx context.Context, e domain.MetricEvent) error {
	if e.Push == nil {
		return missingPayload(e)
	}
	p := e.Push

	size, err := s.repos.Sizes.Lock(ctx, e.PullRequestID)
	switch {
	case errors.Is(err, domain.ErrAggregateNotFound):
		var files domain.FileChangeCounts
		if p.Files != nil {
			files = *p.Files
		}
		if size, err = domain.NewPullRequestSize(e.PullRequestID, p.Stats, files, s.scoring.Weight, s.scoring.Thresholds); err != nil {
			return err
		}
		if _, err = s.repos.Sizes.Create(ctx, size); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err = size.ApplyDiffStats(p.Stats, p.Files, s.scoring.Thresholds); err != nil {
			return err
		}
		if err = s.repos.Sizes.Update(ctx, size); err != nil {
			return err
		}
	}

	activity, isNew, err := s.lockActivity(ctx, e.PullRequestID, p.Stats)
	if err != nil {
		return err
	}
	counted, err := activity.RecordCodePush(p.Additions, p.Deletions)
	if err != nil {
		return err
	}
	if err = activity.UpdateTotals(p.Stats.Additions, p.Stats.Deletions); err != nil {
		return err
	}
	if counted {
		s.logger.Debug("push after review recorded",
			"pull_request_id", e.PullRequestID,
			"additions", p.Additions,
			"deletions", p.Deletions,
		)
	}
	return s.saveActivity(ctx, activity, isNew)
}

func (s *MetricsService) applyTransition(ctx context.Context, e domain.MetricEvent) error {
	if e.Transition == nil {
		return missingPayload(e)
	}
	pr, err := s.repos.PullRequests.FindByID(ctx, e.PullRequestID)
	if err != nil {
		return err
	}

	lifecycle, err := s.repos.Lifecycles.Lock(ctx, pr.ID)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		if e.Transition.Transition != domain.TransitionReadyForReview {
			// not reviewable yet, nothing to track
			return nil
		}
		return s.startReview(ctx, pr, e.OccurredAt, 1)
	}
	if err != nil {
		return err
	}

	at := e.OccurredAt
	activeWork, err := lifecycle.ActiveWorkAt(at)
	if err != nil {
		return err
	}

	switch e.Transition.Transition {
	case domain.TransitionConvertedToDraft:
		err = lifecycle.RecordStateChange(at, activeWork, false, false)
	case domain.TransitionReadyForReview:
		err = lifecycle.RecordStateChange(at, activeWork, true, false)
	case domain.TransitionReopened:
		err = lifecycle.RecordStateChange(at, activeWork, !pr.Draft, true)
	default:
		err = lifecycle.RecordStateChange(at, activeWork, lifecycle.ActiveSince != nil, false)
	}
	if err != nil {
		return err
	}
	return s.repos.Lifecycles.Update(ctx, lifecycle)
}

func (s *MetricsService) applyClose(ctx context.Context, e domain.MetricEvent) error {
	if e.Close == nil {
		return missingPayload(e)
	}
	c := e.Close
	pr, err := s.repos.PullRequests.FindByID(ctx, e.PullRequestID)
	if err != nil {
		return err
	}

	timing, err := domain.NewPullRequestTiming(pr.Timing.CreatedAt, c.MergedAt, &c.ClosedAt)
	if err != nil {
		return err
	}
	end := *timing.EndedAt()

	bottleneck, bottleneckIsNew, err := s.lockBottleneck(ctx, pr.ID)
	if err != nil {
		return err
	}
	if c.Merged {
		err = bottleneck.RecordMerge(*c.MergedAt)
	} else {
		err = bottleneck.RecordClose(c.ClosedAt)
	}
	if err != nil {
		return err
	}
	if err = s.saveBottleneck(ctx, bottleneck, bottleneckIsNew); err != nil {
		return err
	}

	lifecycle, err := s.repos.Lifecycles.Lock(ctx, pr.ID)
	lifecycleIsNew := errors.Is(err, domain.ErrAggregateNotFound)
	if lifecycleIsNew {
		lifecycle, err = domain.NewInProgressLifecycle(pr.ID, pr.ReviewReadyOrCreated(), domain.ZeroDuration(), 0)
	}
	if err != nil {
		return err
	}

	activeWork, err := lifecycle.ActiveWorkAt(end)
	if err != nil {
		return err
	}
	lifespan, err := timing.Lifespan()
	if err != nil {
		return err
	}

	var timeToMerge *domain.DurationMinutes
	if c.Merged {
		d, err := domain.DurationBetween(lifecycle.ReviewReadyAt, *c.MergedAt)
		if err != nil {
			return fmt.Errorf("time to merge: %w", err)
		}
		timeToMerge = &d
	}

	if err = lifecycle.Close(timeToMerge, *lifespan, activeWork, !c.Merged && !bottleneck.HasReview()); err != nil {
		return err
	}
	if lifecycleIsNew {
		_, err = s.repos.Lifecycles.Create(ctx, lifecycle)
		return err
	}
	return s.repos.Lifecycles.Update(ctx, lifecycle)
}

func (s *MetricsService) applyReview(ctx context.Context, e domain.MetricEvent) error {
	if e.Review == nil {
		return missingPayload(e)
	}
	r := e.Review
	pr, err := s.repos.PullRequests.FindByID(ctx, e.PullRequestID)
	if err != nil {
		return err
	}

	err = s.timeReview(ctx, pr, r)
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		s.logger.Debug("review after close not timed",
			"pull_request_id", pr.ID,
			"external_review_id", r.ExternalReviewID,
		)
	case errors.Is(err, domain.ErrNegativeDuration):
		s.logger.Warn("review out of timeline not timed",
			"pull_request_id", pr.ID,
			"external_review_id", r.ExternalReviewID,
			"submitted_at", r.SubmittedAt,
			"error", err,
		)
	case err != nil:
		return err
	}

	// counted as activity even when the bottleneck rejected it
	activity, isNew, err := s.lockActivity(ctx, pr.ID, pr.Stats)
	if err != nil {
		return err
	}
	if err = activity.RecordReview(r.CommentCount); err != nil {
		return err
	}
	return s.saveActivity(ctx, activity, isNew)
}

func (s *MetricsService) timeReview(ctx context.Context, pr *domain.PullRequest, r *domain.ReviewPayload) error {
	bottleneck, err := s.repos.Bottlenecks.Lock(ctx, pr.ID)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		bottleneck, err = domain.NewBottleneckOnFirstReview(pr.ID, pr.ReviewReadyOrCreated(), r.SubmittedAt, r.Approved)
		if err != nil {
			return err
		}
		_, err = s.repos.Bottlenecks.Create(ctx, bottleneck)
		return err
	}
	if err != nil {
		return err
	}

	if err = bottleneck.RecordReview(pr.ReviewReadyOrCreated(), r.SubmittedAt, r.Approved); err != nil {
		return err
	}
	return s.repos.Bottlenecks.Update(ctx, bottleneck)
}

// applyReviewerAdded counts a reviewer as additional when review activity
// has already started.
func (s *MetricsService) applyReviewerAdded(ctx context.Context, e domain.MetricEvent) error {
	pr, err := s.repos.PullRequests.FindByID(ctx, e.PullRequestID)
	if err != nil {
		return err
	}

	activity, isNew, err := s.lockActivity(ctx, pr.ID, pr.Stats)
	if err != nil {
		return err
	}
	if !activity.HasReviewActivity() {
		return nil
	}
	activity.RecordAdditionalReviewer()
	return s.saveActivity(ctx, activity, isNew)
}

// backfill links orphans of the pull request and returns the linked reviews
// as review events, oldest first.
func (s *MetricsService) backfill(ctx context.Context, e domain.MetricEvent) ([]domain.MetricEvent, error) {
	pr, err := s.repos.PullRequests.FindByID(ctx, e.PullRequestID)
	if err != nil {
		return nil, err
	}

	linkers := []struct {
		entity string
		linker repository.OrphanLinker
	}{
		{"review", s.repos.Reviews},
		{"review_comment", s.repos.Comments},
		{"requested_reviewer", s.repos.Reviewers},
	}

	var reviewsLinked int64
	for _, l := range linkers {
		n, err := l.linker.LinkOrphans(ctx, pr.ExternalID, pr.ID)
		if err != nil {
			return nil, fmt.Errorf("link %s orphans: %w", l.entity, err)
		}
		telemetry.AddOrphansLinked(l.entity, n)
		if l.entity == "review" {
			reviewsLinked = n
		}
		if n > 0 {
			s.logger.Info("orphans linked",
				"entity", l.entity,
				"count", n,
				"pull_request_id", pr.ID,
			)
		}
	}

	if reviewsLinked == 0 {
		return nil, nil
	}

	reviews, err := s.repos.Reviews.ListByPullRequest(ctx, pr.ID)
	if err != nil {
		return nil, err
	}
	events := make([]domain.MetricEvent, 0, len(reviews))
	for _, r := range reviews {
		events = append(events, reviewEvent(pr, r))
	}
	return events, nil
}

// RescoreProject re-derives score and grade of every size aggregate in the
// project with weight. Raw counts are left untouched. It returns the number
// of aggregates re-scored.
func (s *MetricsService) RescoreProject(ctx context.Context, projectID int64, weight domain.SizeWeight) (int, error) {
	if err := weight.Validate(); err != nil {
		return 0, err
	}

	var n int
	err := s.trManager.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.rescore(ctx, projectID, weight)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("rescore project %d: %w", projectID, err)
	}
	return n, nil
}

func (s *MetricsService) rescore(ctx context.Context, projectID int64, weight domain.SizeWeight) (int, error) {
	ids, err := s.repos.PullRequests.ListIDsByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}

	var n int
	for _, id := range ids {
		size, err := s.repos.Sizes.Lock(ctx, id)
		if errors.Is(err, domain.ErrAggregateNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if err = size.RecalculateWithWeight(weight, s.scoring.Thresholds); err != nil {
			return 0, err
		}
		if err = s.repos.Sizes.Update(ctx, size); err != nil {
			return 0, err
		}
		n++
	}

	s.logger.Info("project rescored", "project_id", projectID, "sizes", n)
	return n, nil
}

func (s *MetricsService) lockBottleneck(ctx context.Context, pullRequestID int64) (*domain.PullRequestBottleneck, bool, error) {
	b, err := s.repos.Bottlenecks.Lock(ctx, pullRequestID)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		b, err = domain.NewBottleneckWithoutReview(pullRequestID)
		return b, true, err
	}
	return b, false, err
}

func (s *MetricsService) saveBottleneck(ctx context.Context, b *domain.PullRequestBottleneck, isNew bool) error {
	if isNew {
		_, err := s.repos.Bottlenecks.Create(ctx, b)
		return err
	}
	return s.repos.Bottlenecks.Update(ctx, b)
}

func (s *MetricsService) lockActivity(ctx context.Context, pullRequestID int64, stats domain.DiffStats) (*domain.ReviewActivity, bool, error) {
	a, err := s.repos.Activities.Lock(ctx, pullRequestID)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		a, err = domain.NewReviewActivity(pullRequestID, stats.Additions, stats.Deletions)
		return a, true, err
	}
	return a, false, err
}

func (s *MetricsService) saveActivity(ctx context.Context, a *domain.ReviewActivity, isNew bool) error {
	if isNew {
		_, err := s.repos.Activities.Create(ctx, a)
		return err
	}
	return s.repos.Activities.Update(ctx, a)
}

func missingPayload(e domain.MetricEvent) error {
	return fmt.Errorf("%w: %s event without payload", domain.ErrValidation, e.Kind)
}

// PullRequestMetrics is the derived view of one pull request. Aggregates not
// derived yet are nil.
type PullRequestMetrics struct {
	PullRequestID int64
	Bottleneck    *domain.PullRequestBottleneck
	Lifecycle     *domain.PullRequestLifecycle
	Size          *domain.PullRequestSize
	Activity      *domain.ReviewActivity
}

func (s *MetricsService) PullRequestMetrics(ctx context.Context, pullRequestID int64) (*PullRequestMetrics, error) {
	if _, err := s.repos.PullRequests.FindByID(ctx, pullRequestID); err != nil {
		return nil, err
	}

	m := &PullRequestMetrics{PullRequestID: pullRequestID}
	bottleneck, err := s.repos.Bottlenecks.Get(ctx, pullRequestID)
	if err = skipMissing(err); err != nil {
		return nil, fmt.Errorf("get bottleneck: %w", err)
	}
	lifecycle, err := s.repos.Lifecycles.Get(ctx, pullRequestID)
	if err = skipMissing(err); err != nil {
		return nil, fmt.Errorf("get lifecycle: %w", err)
	}
	size, err := s.repos.Sizes.Get(ctx, pullRequestID)
	if err = skipMissing(err); err != nil {
		return nil, fmt.Errorf("get size: %w", err)
	}
	activity, err := s.repos.Activities.Get(ctx, pullRequestID)
	if err = skipMissing(err); err != nil {
		return nil, fmt.Errorf("get review activity: %w", err)
	}

	m.Bottleneck, m.Lifecycle, m.Size, m.Activity = bottleneck, lifecycle, size, activity
	return m, nil
}

// ProjectMetrics lists the derived aggregates of every pull request in the
// project, ordered by pull request id.
func (s *MetricsService) ProjectMetrics(ctx context.Context, projectID int64) ([]*PullRequestMetrics, error) {
	byPR := map[int64]*PullRequestMetrics{}
	entry := func(id int64) *PullRequestMetrics {
		m, ok := byPR[id]
		if !ok {
			m = &PullRequestMetrics{PullRequestID: id}
			byPR[id] = m
		}
		return m
	}

	bottlenecks, err := s.repos.Bottlenecks.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list bottlenecks: %w", err)
	}
	for _, b := range bottlenecks {
		entry(b.PullRequestID).Bottleneck = b
	}

	lifecycles, err := s.repos.Lifecycles.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list lifecycles: %w", err)
	}
	for _, l := range lifecycles {
		entry(l.PullRequestID).Lifecycle = l
	}

	sizes, err := s.repos.Sizes.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sizes: %w", err)
	}
	for _, sz := range sizes {
		entry(sz.PullRequestID).Size = sz
	}

	activities, err := s.repos.Activities.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list review activities: %w", err)
	}
	for _, a := range activities {
		entry(a.PullRequestID).Activity = a
	}

	out := make([]*PullRequestMetrics, 0, len(byPR))
	for _, m := range byPR {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *PullRequestMetrics) int {
		return cmp.Compare(a.PullRequestID, b.PullRequestID)
	})
	return out, nil
}

func skipMissing(err error) error {
	if errors.Is(err, domain.ErrAggregateNotFound) {
		return nil
	}
	return err
}
