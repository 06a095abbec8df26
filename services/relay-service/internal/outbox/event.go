package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle of an outbox row. Rows only move
// pending -> processing -> published|failed; failed rows re-enter processing
// until the attempt budget is spent, published rows are eventually archived.
// Rows are never deleted.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusArchived   Status = "archived"
)

// Event is what a business transaction hands to the outbox: the fact to
// relay, the topic it belongs on, and the aggregate whose per-key ordering
// the bus must preserve.
type Event struct {
	ID            uuid.UUID
	EventType     string
	Topic         string
	AggregateID   string
	CorrelationID string
	Payload       json.RawMessage
}

// Record is a persisted outbox row as the publisher sees it.
type Record struct {
	ID            uuid.UUID
	EventType     string
	Topic         string
	AggregateID   string
	CorrelationID string
	Payload       json.RawMessage
	Status        Status
	CreatedAt     time.Time
	PublishedAt   *time.Time
	ClaimedAt     *time.Time
	AttemptCount  int
	ErrorMessage  string
	Traceparent   string
	Tracestate    string
}
