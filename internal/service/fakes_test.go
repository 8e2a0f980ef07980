package service

import (
	"context"
	"slices"
	"sync"
	"time"

	trm "github.com/avito-tech/go-transaction-manager/trm/v2"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/repository"
)

type stubManager struct{}

func (stubManager) Do(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (stubManager) DoWithSettings(ctx context.Context, _ trm.Settings, fn func(context.Context) error) error {
	return fn(ctx)
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []domain.MetricEvent
	err    error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, events ...domain.MetricEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, events...)
	return nil
}

func (d *fakeDispatcher) kinds() []domain.MetricKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.MetricKind, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Kind)
	}
	return out
}

func cloneOf[T any](v *T) *T {
	c := *v
	return &c
}

type memPullRequests struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*domain.PullRequest
}

func newMemPullRequests(prs ...*domain.PullRequest) *memPullRequests {
	m := &memPullRequests{nextID: 100, byID: map[int64]*domain.PullRequest{}}
	for _, pr := range prs {
		m.byID[pr.ID] = cloneOf(pr)
	}
	return m
}

func (m *memPullRequests) SaveOrFind(_ context.Context, pr *domain.PullRequest) (*domain.PullRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.ExternalID == pr.ExternalID {
			return cloneOf(existing), false, nil
		}
	}
	m.nextID++
	pr.ID = m.nextID
	m.byID[pr.ID] = cloneOf(pr)
	return pr, true, nil
}

func (m *memPullRequests) FindByExternalID(_ context.Context, externalID int64) (*domain.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pr := range m.byID {
		if pr.ExternalID == externalID {
			return cloneOf(pr), nil
		}
	}
	return nil, domain.ErrPullRequestNotFound
}

func (m *memPullRequests) FindByID(_ context.Context, id int64) (*domain.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrPullRequestNotFound
	}
	return cloneOf(pr), nil
}

func (m *memPullRequests) UpdateDiffStats(_ context.Context, id int64, stats domain.DiffStats, commitCount int, headSHA string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.byID[id]
	if !ok || !pr.StatsUpdatedAt.Before(at) {
		return 0, nil
	}
	pr.Stats, pr.CommitCount, pr.HeadSHA, pr.StatsUpdatedAt = stats, commitCount, headSHA, at
	return 1, nil
}

func (m *memPullRequests) UpdateState(_ context.Context, id int64, state domain.PullRequestState, draft bool, reviewReadyAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.byID[id]
	if !ok {
		return domain.ErrPullRequestNotFound
	}
	pr.State, pr.Draft = state, draft
	if reviewReadyAt != nil && pr.ReviewReadyAt == nil {
		pr.ReviewReadyAt = reviewReadyAt
	}
	return nil
}

func (m *memPullRequests) MarkClosed(_ context.Context, id int64, state domain.PullRequestState, mergedAt *time.Time, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.byID[id]
	if !ok {
		return domain.ErrPullRequestNotFound
	}
	pr.State, pr.Timing.MergedAt, pr.Timing.ClosedAt = state, mergedAt, &closedAt
	return nil
}

func (m *memPullRequests) Reopen(_ context.Context, id int64, state domain.PullRequestState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.byID[id]
	if !ok || pr.Timing.MergedAt != nil {
		return domain.ErrInvalidTransition
	}
	pr.State, pr.Timing.ClosedAt = state, nil
	return nil
}

func (m *memPullRequests) ListIDsByProject(_ context.Context, projectID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, pr := range m.byID {
		if pr.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

type fakeReviews struct {
	saveOrFind func(ctx context.Context, r *domain.Review) (*domain.Review, bool, error)
	list       []*domain.Review
	linked     int64
	linkCalls  int
}

func (f *fakeReviews) SaveOrFind(ctx context.Context, r *domain.Review) (*domain.Review, bool, error) {
	return f.saveOrFind(ctx, r)
}

func (f *fakeReviews) FindByExternalID(context.Context, int64) (*domain.Review, error) {
	return nil, domain.ErrRecordNotFound
}

func (f *fakeReviews) ListByPullRequest(context.Context, int64) ([]*domain.Review, error) {
	return f.list, nil
}

func (f *fakeReviews) LinkOrphans(context.Context, int64, int64) (int64, error) {
	f.linkCalls++
	n := f.linked
	f.linked = 0
	return n, nil
}

type fakeComments struct {
	saveOrFind         func(ctx context.Context, c *domain.ReviewComment) (*domain.ReviewComment, bool, error)
	updateBodyIfNewer  func(ctx context.Context, externalID int64, body string, at time.Time) (int64, error)
	markDeletedIfNewer func(ctx context.Context, externalID int64, at time.Time) (int64, error)
	linked             int64
}

func (f *fakeComments) SaveOrFind(ctx context.Context, c *domain.ReviewComment) (*domain.ReviewComment, bool, error) {
	return f.saveOrFind(ctx, c)
}

func (f *fakeComments) UpdateBodyIfNewer(ctx context.Context, externalID int64, body string, at time.Time) (int64, error) {
	return f.updateBodyIfNewer(ctx, externalID, body, at)
}

func (f *fakeComments) MarkDeletedIfNewer(ctx context.Context, externalID int64, at time.Time) (int64, error) {
	return f.markDeletedIfNewer(ctx, externalID, at)
}

func (f *fakeComments) LinkOrphans(context.Context, int64, int64) (int64, error) {
	n := f.linked
	f.linked = 0
	return n, nil
}

type fakeReviewers struct {
	requested map[int64]time.Time
	history   []*domain.RequestedReviewerHistory
	linked    int64
}

func newFakeReviewers() *fakeReviewers {
	return &fakeReviewers{requested: map[int64]time.Time{}}
}

func (f *fakeReviewers) Request(_ context.Context, rr *domain.RequestedReviewer) (bool, error) {
	if at, ok := f.requested[rr.ReviewerExternalID]; ok {
		rr.RequestedAt = at
		return false, nil
	}
	f.requested[rr.ReviewerExternalID] = rr.RequestedAt
	return true, nil
}

func (f *fakeReviewers) Remove(_ context.Context, _, reviewerExternalID int64) (bool, error) {
	if _, ok := f.requested[reviewerExternalID]; !ok {
		return false, nil
	}
	delete(f.requested, reviewerExternalID)
	return true, nil
}

func (f *fakeReviewers) AppendHistory(_ context.Context, h *domain.RequestedReviewerHistory) error {
	f.history = append(f.history, h)
	return nil
}

func (f *fakeReviewers) LinkOrphans(context.Context, int64, int64) (int64, error) {
	n := f.linked
	f.linked = 0
	return n, nil
}

type memLedger struct {
	keys map[string]bool
}

func (l *memLedger) MarkProcessed(_ context.Context, key string, _ domain.MetricKind) (bool, error) {
	if l.keys[key] {
		return false, nil
	}
	l.keys[key] = true
	return true, nil
}

// memAggregate stores one aggregate per pull request and hands out copies,
// so an engine mutation is visible only after Update or Create.
type memAggregate[T any] struct {
	items    map[int64]*T
	prID     func(*T) int64
	projects *memPullRequests
}

func newMemAggregate[T any](projects *memPullRequests, prID func(*T) int64) *memAggregate[T] {
	return &memAggregate[T]{items: map[int64]*T{}, prID: prID, projects: projects}
}

func (m *memAggregate[T]) Get(_ context.Context, pullRequestID int64) (*T, error) {
	v, ok := m.items[pullRequestID]
	if !ok {
		return nil, domain.ErrAggregateNotFound
	}
	return cloneOf(v), nil
}

func (m *memAggregate[T]) Lock(ctx context.Context, pullRequestID int64) (*T, error) {
	return m.Get(ctx, pullRequestID)
}

func (m *memAggregate[T]) Create(_ context.Context, v *T) (bool, error) {
	id := m.prID(v)
	if _, ok := m.items[id]; ok {
		return false, nil
	}
	m.items[id] = cloneOf(v)
	return true, nil
}

func (m *memAggregate[T]) Update(_ context.Context, v *T) error {
	id := m.prID(v)
	if _, ok := m.items[id]; !ok {
		return domain.ErrAggregateNotFound
	}
	m.items[id] = cloneOf(v)
	return nil
}

func (m *memAggregate[T]) ListByProject(ctx context.Context, projectID int64) ([]*T, error) {
	ids, err := m.projects.ListIDsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var out []*T
	for _, id := range ids {
		if v, ok := m.items[id]; ok {
			out = append(out, cloneOf(v))
		}
	}
	return out, nil
}

var (
	_ repository.PullRequestRepository       = (*memPullRequests)(nil)
	_ repository.ReviewRepository            = (*fakeReviews)(nil)
	_ repository.ReviewCommentRepository     = (*fakeComments)(nil)
	_ repository.RequestedReviewerRepository = (*fakeReviewers)(nil)
	_ repository.DeliveryLedger              = (*memLedger)(nil)
	_ repository.BottleneckRepository        = (*memAggregate[domain.PullRequestBottleneck])(nil)
)
