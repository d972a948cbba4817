package event

import (
	"context"
	"maps"
	"time"

	"github.com/Iron-Ham/conductor/internal/pipeline"
)

// Priority orders handler eligibility. It filters which handlers see an
// event and never reorders the queue.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// UseBusDefault as Event.MaxRetries asks the bus to apply its configured
// retry limit at publish time.
const UseBusDefault = -1

// Lifecycle event types. Convention: "category.action".
const (
	TypePipelineStarted    = "pipeline.started"
	TypePipelineCompleted  = "pipeline.completed"
	TypePipelineFailed     = "pipeline.failed"
	TypePipelineResumed    = "pipeline.resumed"
	TypeStageStarted       = "stage.started"
	TypeStageCompleted     = "stage.completed"
	TypeStageFailed        = "stage.failed"
	TypeStageRetrying      = "stage.retrying"
	TypeStateUpdated       = "state.updated"
	TypeCheckpointCreated  = "checkpoint.created"
	TypeCheckpointRestored = "checkpoint.restored"
)

// Event is a unit of pub/sub traffic. Only RetryCount changes after
// publication, and only on redelivery copies.
type Event struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Source        string            `json:"source"`
	Target        string            `json:"target,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Priority      Priority          `json:"priority"`
	Data          map[string]any    `json:"data,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
}

// New creates a normal-priority event that uses the bus retry limit.
func New(eventType, source string, data map[string]any) Event {
	return Event{
		Type:       eventType,
		Source:     source,
		Priority:   PriorityNormal,
		Data:       data,
		MaxRetries: UseBusDefault,
	}
}

// WithPriority returns a copy with the given priority.
func (e Event) WithPriority(p Priority) Event {
	e.Priority = p
	return e
}

// WithTarget returns a copy delivered only to the named handler.
func (e Event) WithTarget(handler string) Event {
	e.Target = handler
	return e
}

// WithCorrelationID returns a copy carrying id, usually the pipeline ID.
func (e Event) WithCorrelationID(id string) Event {
	e.CorrelationID = id
	return e
}

// WithMaxRetries returns a copy with an explicit redelivery limit.
func (e Event) WithMaxRetries(n int) Event {
	e.MaxRetries = n
	return e
}

// WithMetadata returns a copy with key set in its metadata.
func (e Event) WithMetadata(key, value string) Event {
	md := make(map[string]string, len(e.Metadata)+1)
	maps.Copy(md, e.Metadata)
	md[key] = value
	e.Metadata = md
	return e
}

// clone returns a copy whose maps are not shared with e.
func (e Event) clone() Event {
	e.Data = pipeline.CloneData(e.Data)
	if e.Metadata != nil {
		e.Metadata = maps.Clone(e.Metadata)
	}
	return e
}

// HandlerFunc processes one event. A returned error (or panic) counts as a
// failed delivery for that handler.
type HandlerFunc func(ctx context.Context, e Event) error

// Handler describes a named subscriber. Empty Types subscribes to every
// event type. An entry may be a glob over dot-separated segments, so
// "stage.*" receives every stage event.
type Handler struct {
	Name        string
	Types       []string
	MinPriority Priority
	Fn          HandlerFunc
}

// HandlerStats are the delivery counters of one handler.
type HandlerStats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// DeadLetter is an event whose redeliveries to a handler were exhausted.
type DeadLetter struct {
	Event   Event     `json:"event"`
	Handler string    `json:"handler"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// Stats summarizes bus activity since construction.
type Stats struct {
	Published     int64                   `json:"published"`
	Rejected      int64                   `json:"rejected"`
	Delivered     int64                   `json:"delivered"`
	Failed        int64                   `json:"failed"`
	Retried       int64                   `json:"retried"`
	DeadLettered  int64                   `json:"dead_lettered"`
	QueueDepth    int                     `json:"queue_depth"`
	QueueCapacity int                     `json:"queue_capacity"`
	Handlers      map[string]HandlerStats `json:"handlers"`
}
