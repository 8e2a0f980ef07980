package repository

import (
	"context"
	"time"

	"github.com/ZertGraf/pr-insight/internal/domain"
)

// PullRequestRepository - хранилище pull request'ов
type PullRequestRepository interface {
	SaveOrFind(ctx context.Context, pr *domain.PullRequest) (*domain.PullRequest, bool, error)
	FindByExternalID(ctx context.Context, externalID int64) (*domain.PullRequest, error)
	FindByID(ctx context.Context, id int64) (*domain.PullRequest, error)
	UpdateDiffStats(ctx context.Context, id int64, stats domain.DiffStats, commitCount int, headSHA string, at time.Time) (int64, error)
	UpdateState(ctx context.Context, id int64, state domain.PullRequestState, draft bool, reviewReadyAt *time.Time) error
	MarkClosed(ctx context.Context, id int64, state domain.PullRequestState, mergedAt *time.Time, closedAt time.Time) error
	Reopen(ctx context.Context, id int64, state domain.PullRequestState) error
	ListIDsByProject(ctx context.Context, projectID int64) ([]int64, error)
}

// OrphanLinker - дочерние записи, которые могут прийти раньше pull request'а
type OrphanLinker interface {
	LinkOrphans(ctx context.Context, externalPullRequestID, pullRequestID int64) (int64, error)
}

type ReviewRepository interface {
	OrphanLinker
	SaveOrFind(ctx context.Context, review *domain.Review) (*domain.Review, bool, error)
	FindByExternalID(ctx context.Context, externalID int64) (*domain.Review, error)
	ListByPullRequest(ctx context.Context, pullRequestID int64) ([]*domain.Review, error)
}

type ReviewCommentRepository interface {
	OrphanLinker
	SaveOrFind(ctx context.Context, comment *domain.ReviewComment) (*domain.ReviewComment, bool, error)
	UpdateBodyIfNewer(ctx context.Context, externalID int64, body string, updatedAt time.Time) (int64, error)
	MarkDeletedIfNewer(ctx context.Context, externalID int64, deletedAt time.Time) (int64, error)
}

type RequestedReviewerRepository interface {
	OrphanLinker
	Request(ctx context.Context, rr *domain.RequestedReviewer) (bool, error)
	Remove(ctx context.Context, externalPullRequestID, reviewerExternalID int64) (bool, error)
	AppendHistory(ctx context.Context, h *domain.RequestedReviewerHistory) error
}

// DeliveryLedger - журнал обработанных событий метрик
type DeliveryLedger interface {
	MarkProcessed(ctx context.Context, key string, kind domain.MetricKind) (bool, error)
}

// AggregateRepository - общий контракт хранилищ агрегатов (одна строка на pull request)
type AggregateRepository[T any] interface {
	Get(ctx context.Context, pullRequestID int64) (T, error)
	Lock(ctx context.Context, pullRequestID int64) (T, error)
	Create(ctx context.Context, aggregate T) (bool, error)
	Update(ctx context.Context, aggregate T) error
	ListByProject(ctx context.Context, projectID int64) ([]T, error)
}

type (
	BottleneckRepository     = AggregateRepository[*domain.PullRequestBottleneck]
	LifecycleRepository      = AggregateRepository[*domain.PullRequestLifecycle]
	SizeRepository           = AggregateRepository[*domain.PullRequestSize]
	ReviewActivityRepository = AggregateRepository[*domain.ReviewActivity]
)

var (
	_ PullRequestRepository       = (*PullRequestRepo)(nil)
	_ ReviewRepository            = (*ReviewRepo)(nil)
	_ ReviewCommentRepository     = (*ReviewCommentRepo)(nil)
	_ RequestedReviewerRepository = (*RequestedReviewerRepo)(nil)
	_ DeliveryLedger              = (*DeliveryLedgerRepo)(nil)
	_ BottleneckRepository        = (*BottleneckRepo)(nil)
	_ LifecycleRepository         = (*LifecycleRepo)(nil)
	_ SizeRepository              = (*SizeRepo)(nil)
	_ ReviewActivityRepository    = (*ReviewActivityRepo)(nil)
)
