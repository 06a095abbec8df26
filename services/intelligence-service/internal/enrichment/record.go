package enrichment

import (
	"errors"
	"time"
)

// ErrAlreadyEnriched is returned by Insert when another consumer instance won
// the race for the same event. Callers treat it as success: the record exists
// and the message can be acknowledged.
var ErrAlreadyEnriched = errors.New("enrichment already exists for event")

// Record is one AI enrichment, keyed by the event that produced it. The
// unique constraint on EventID is what makes concurrent consumers safe; the
// Exists pre-check only avoids wasted provider calls.
type Record struct {
	EventID          string
	EventType        string
	Tags             []string
	ConfidenceScore  float64
	Reasoning        string
	SuggestedActions []string
	ProcessingTimeMs float64
	CreatedAt        time.Time
}
