package enrichment

import (
	"context"
	"encoding/json"
)

// Request carries one event to the AI provider.
type Request struct {
	EventID   string
	EventType string
	Topic     string
	Payload   json.RawMessage
}

// Result is the provider's analysis of a single event.
type Result struct {
	Tags             []string `json:"tags"`
	ConfidenceScore  float64  `json:"confidence_score"`
	Reasoning        string   `json:"reasoning"`
	SuggestedActions []string `json:"suggested_actions"`
}

// Provider performs one synchronous enrichment call. Implementations must
// honor ctx deadlines; the consumer has no retry loop of its own and relies
// on bus redelivery when a call times out or fails.
type Provider interface {
	Enrich(ctx context.Context, req Request) (Result, error)
}
