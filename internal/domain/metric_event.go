package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MetricKind string

const (
	MetricKindOpened          MetricKind = "opened"
	MetricKindSynchronized    MetricKind = "synchronized"
	MetricKindStateChanged    MetricKind = "state_changed"
	MetricKindClosed          MetricKind = "closed"
	MetricKindReviewSubmitted MetricKind = "review_submitted"
	MetricKindReviewerAdded   MetricKind = "reviewer_added"
	MetricKindBackfill        MetricKind = "backfill"
	MetricKindRescore         MetricKind = "rescore"
)

// IsBulk reports whether the kind belongs to the bulk backfill class.
func (k MetricKind) IsBulk() bool {
	return k == MetricKindBackfill || k == MetricKindRescore
}

type OpenedPayload struct {
	Draft bool
	Files FileChangeCounts
}

type PushPayload struct {
	Stats     DiffStats
	Files     *FileChangeCounts
	Additions int
	Deletions int
}

type TransitionPayload struct {
	Transition Transition
}

type ClosePayload struct {
	Merged   bool
	MergedAt *time.Time
	ClosedAt time.Time
}

type ReviewPayload struct {
	ExternalReviewID int64
	Approved         bool
	CommentCount     int
	SubmittedAt      time.Time
}

type RescorePayload struct {
	Weight SizeWeight
}

// MetricEvent is the message handed from the write path to the metrics
// engine after the write transaction commits. DeliveryKey identifies the
// originating fact; two messages with the same key are the same delivery.
type MetricEvent struct {
	ID                    uuid.UUID
	Kind                  MetricKind
	DeliveryKey           string
	ExternalPullRequestID int64
	PullRequestID         int64
	ProjectID             int64
	OccurredAt            time.Time

	Opened     *OpenedPayload
	Push       *PushPayload
	Transition *TransitionPayload
	Close      *ClosePayload
	Review     *ReviewPayload
	Rescore    *RescorePayload
}

func NewMetricEvent(kind MetricKind, pr *PullRequest, occurredAt time.Time, keyParts ...any) MetricEvent {
	return MetricEvent{
		ID:                    uuid.New(),
		Kind:                  kind,
		DeliveryKey:           DeliveryKey(kind, pr.ExternalID, keyParts...),
		ExternalPullRequestID: pr.ExternalID,
		PullRequestID:         pr.ID,
		ProjectID:             pr.ProjectID,
		OccurredAt:            occurredAt,
	}
}

func DeliveryKey(kind MetricKind, externalPullRequestID int64, parts ...any) string {
	key := fmt.Sprintf("%s:%d", kind, externalPullRequestID)
	for _, p := range parts {
		if t, ok := p.(time.Time); ok {
			p = t.UTC().Format(time.RFC3339Nano)
		}
		key += fmt.Sprintf(":%v", p)
	}
	return key
}

// PartitionKey routes all events of one pull request to the same worker.
// Rescore is partitioned by project.
func (e MetricEvent) PartitionKey() int64 {
	if e.Kind == MetricKindRescore {
		return e.ProjectID
	}
	return e.ExternalPullRequestID
}

// NewRescoreEvent asks for every size aggregate of a project to be re-scored
// with weight. Each request is a distinct delivery.
func NewRescoreEvent(projectID int64, weight SizeWeight, requestedAt time.Time) MetricEvent {
	id := uuid.New()
	return MetricEvent{
		ID:          id,
		Kind:        MetricKindRescore,
		DeliveryKey: DeliveryKey(MetricKindRescore, projectID, id),
		ProjectID:   projectID,
		OccurredAt:  requestedAt,
		Rescore:     &RescorePayload{Weight: weight},
	}
}
