package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
	"github.com/ZertGraf/pr-insight/internal/service"
)

type MetricsReader interface {
	PullRequestMetrics(ctx context.Context, pullRequestID int64) (*service.PullRequestMetrics, error)
	ProjectMetrics(ctx context.Context, projectID int64) ([]*service.PullRequestMetrics, error)
}

type MetricsHandler struct {
	reader     MetricsReader
	dispatcher service.Dispatcher
	logger     *logger.Logger
}

func NewMetricsHandler(reader MetricsReader, dispatcher service.Dispatcher, logger *logger.Logger) *MetricsHandler {
	return &MetricsHandler{
		reader:     reader,
		dispatcher: dispatcher,
		logger:     logger.Component("handler/metrics"),
	}
}

func (h *MetricsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/pull-requests/{id}", h.GetPullRequestMetrics)
	r.Get("/projects/{id}", h.GetProjectMetrics)
	r.Post("/projects/{id}/rescore", h.RescoreProject)

	return r
}

func (h *MetricsHandler) GetPullRequestMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	m, err := h.reader.PullRequestMetrics(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, toMetricsResponse(m), h.logger)
}

type ProjectMetricsResponse struct {
	ProjectID    int64             `json:"project_id"`
	PullRequests []MetricsResponse `json:"pull_requests"`
}

func (h *MetricsHandler) GetProjectMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	all, err := h.reader.ProjectMetrics(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	resp := ProjectMetricsResponse{ProjectID: id, PullRequests: make([]MetricsResponse, 0, len(all))}
	for _, m := range all {
		resp.PullRequests = append(resp.PullRequests, toMetricsResponse(m))
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

type RescoreRequest struct {
	AdditionWeight decimal.Decimal `json:"addition_weight"`
	DeletionWeight decimal.Decimal `json:"deletion_weight"`
	FileWeight     decimal.Decimal `json:"file_weight"`
}

type RescoreResponse struct {
	EventID     string `json:"event_id"`
	DeliveryKey string `json:"delivery_key"`
}

// RescoreProject queues a re-score of every size aggregate in the project.
func (h *MetricsHandler) RescoreProject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req RescoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("request body too large", "limit", tooLarge.Limit)
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error: ErrorDetail{Code: CodeTooLarge, Message: "request body too large"},
			}, h.logger)
			return
		}
		h.logger.Warn("invalid request body", "error", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	weight := domain.SizeWeight{Addition: req.AdditionWeight, Deletion: req.DeletionWeight, File: req.FileWeight}
	if err := weight.Validate(); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	event := domain.NewRescoreEvent(id, weight, time.Now())
	if err := h.dispatcher.Dispatch(r.Context(), event); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("rescore queued", "project_id", id, "event_id", event.ID)
	writeJSON(w, http.StatusAccepted, RescoreResponse{
		EventID:     event.ID.String(),
		DeliveryKey: event.DeliveryKey,
	}, h.logger)
}

func (h *MetricsHandler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.logger.Warn("invalid id in path", "id", chi.URLParam(r, "id"))
		http.Error(w, "id must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

type MetricsResponse struct {
	PullRequestID int64               `json:"pull_request_id"`
	Bottleneck    *BottleneckResponse `json:"bottleneck,omitempty"`
	Lifecycle     *LifecycleResponse  `json:"lifecycle,omitempty"`
	Size          *SizeResponse       `json:"size,omitempty"`
	Activity      *ActivityResponse   `json:"review_activity,omitempty"`
}

type BottleneckResponse struct {
	State                 domain.BottleneckState `json:"state"`
	ReviewWaitMinutes     *int64                 `json:"review_wait_minutes"`
	ReviewProgressMinutes *int64                 `json:"review_progress_minutes"`
	MergeWaitMinutes      *int64                 `json:"merge_wait_minutes"`
	TotalMinutes          int64                  `json:"total_minutes"`
	Longest               domain.BottleneckKind  `json:"longest,omitempty"`
}

type LifecycleResponse struct {
	State               domain.LifecycleState `json:"state"`
	ReviewReadyAt       time.Time             `json:"review_ready_at"`
	TimeToMergeMinutes  *int64                `json:"time_to_merge_minutes"`
	LifespanMinutes     *int64                `json:"lifespan_minutes"`
	ActiveWorkMinutes   int64                 `json:"active_work_minutes"`
	StateChangeCount    int                   `json:"state_change_count"`
	Reopened            bool                  `json:"reopened"`
	ClosedWithoutReview bool                  `json:"closed_without_review"`
}

type SizeResponse struct {
	Score               decimal.Decimal  `json:"score"`
	Grade               domain.SizeGrade `json:"grade"`
	FileChangeDiversity decimal.Decimal  `json:"file_change_diversity"`
	Additions           int              `json:"additions"`
	Deletions           int              `json:"deletions"`
	ChangedFiles        int              `json:"changed_files"`
}

type ActivityResponse struct {
	ReviewRoundTrips         int             `json:"review_round_trips"`
	TotalCommentCount        int             `json:"total_comment_count"`
	CommentDensity           decimal.Decimal `json:"comment_density"`
	HighCommentDensity       bool            `json:"high_comment_density"`
	CodeAdditionsAfterReview int             `json:"code_additions_after_review"`
	CodeDeletionsAfterReview int             `json:"code_deletions_after_review"`
	AdditionalReviewerCount  int             `json:"additional_reviewer_count"`
}

func toMetricsResponse(m *service.PullRequestMetrics) MetricsResponse {
	resp := MetricsResponse{PullRequestID: m.PullRequestID}

	if b := m.Bottleneck; b != nil {
		resp.Bottleneck = &BottleneckResponse{
			State:                 b.State(),
			ReviewWaitMinutes:     minutes(b.ReviewWait),
			ReviewProgressMinutes: minutes(b.ReviewProgress),
			MergeWaitMinutes:      minutes(b.MergeWait),
			TotalMinutes:          b.TotalBottleneckTime().Minutes(),
		}
		if kind, _, ok := b.LongestBottleneck(); ok {
			resp.Bottleneck.Longest = kind
		}
	}

	if l := m.Lifecycle; l != nil {
		resp.Lifecycle = &LifecycleResponse{
			State:               l.State(),
			ReviewReadyAt:       l.ReviewReadyAt,
			TimeToMergeMinutes:  minutes(l.TimeToMerge),
			LifespanMinutes:     minutes(l.TotalLifespan),
			ActiveWorkMinutes:   l.ActiveWork.Minutes(),
			StateChangeCount:    l.StateChangeCount,
			Reopened:            l.Reopened,
			ClosedWithoutReview: l.ClosedWithoutReview,
		}
	}

	if s := m.Size; s != nil {
		resp.Size = &SizeResponse{
			Score:               s.SizeScore,
			Grade:               s.Grade,
			FileChangeDiversity: s.FileChangeDiversity,
			Additions:           s.Stats.Additions,
			Deletions:           s.Stats.Deletions,
			ChangedFiles:        s.Stats.ChangedFiles,
		}
	}

	if a := m.Activity; a != nil {
		resp.Activity = &ActivityResponse{
			ReviewRoundTrips:         a.ReviewRoundTrips,
			TotalCommentCount:        a.TotalCommentCount,
			CommentDensity:           a.CommentDensity,
			HighCommentDensity:       a.HasHighCommentDensity(),
			CodeAdditionsAfterReview: a.CodeAdditionsAfterReview,
			CodeDeletionsAfterReview: a.CodeDeletionsAfterReview,
			AdditionalReviewerCount:  a.AdditionalReviewerCount,
		}
	}
	return resp
}

func minutes(d *domain.DurationMinutes) *int64 {
	if d == nil {
		return nil
	}
	v := d.Minutes()
	return &v
}
