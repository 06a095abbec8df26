package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/heuristiclogix/platform/libs/httpx"
	"github.com/heuristiclogix/platform/services/relay-service/internal/facts"
	"github.com/heuristiclogix/platform/services/relay-service/internal/outbox"
)

const (
	TopicExpertDecisions = "expert.decisions.v1"
	TopicTelemetry       = "heuristic.telemetry.v1"
)

// FactRecorder is implemented by facts.Recorder.
type FactRecorder interface {
	RecordFact(ctx context.Context, mutate func(pgx.Tx) error, evt outbox.Event) error
}

// StatsStore is implemented by outbox.Repository.
type StatsStore interface {
	CountByStatus(ctx context.Context) (map[outbox.Status]int64, error)
}

type Handler struct {
	recorder FactRecorder
	facts    *facts.Repository
	stats    StatsStore
}

func New(recorder FactRecorder, factsRepo *facts.Repository, stats StatsStore) *Handler {
	return &Handler{recorder: recorder, facts: factsRepo, stats: stats}
}

type expertDecisionRequest struct {
	FeedbackID          string   `json:"feedback_id"`
	OrderID             string   `json:"order_id"`
	SuggestedTruckID    string   `json:"suggested_truck_id"`
	SelectedTruckID     string   `json:"selected_truck_id"`
	PrimaryReason       string   `json:"primary_reason"`
	SecondaryReasons    []string `json:"secondary_reasons"`
	DecisionTimeSeconds float64  `json:"decision_time_seconds"`
	ExpertNote          string   `json:"expert_note"`
	TotalWeightKg       float64  `json:"total_weight_kg"`
	RecordedAtUTC       string   `json:"recorded_at_utc"`
}

// RecordDecision accepts an expert truck-assignment override and records it
// together with its outbox event.
func (h *Handler) RecordDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req expertDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.FeedbackID = strings.TrimSpace(req.FeedbackID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.SelectedTruckID = strings.TrimSpace(req.SelectedTruckID)
	if req.FeedbackID == "" || req.OrderID == "" || req.SelectedTruckID == "" || req.PrimaryReason == "" {
		http.Error(w, "feedback_id, order_id, selected_truck_id and primary_reason are required", http.StatusBadRequest)
		return
	}
	if req.RecordedAtUTC == "" {
		req.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, req.RecordedAtUTC); err != nil {
		http.Error(w, "invalid recorded_at_utc", http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "failed to encode payload", http.StatusInternalServerError)
		return
	}

	evt := outbox.Event{
		EventType:     "expert.decision.recorded.v1",
		Topic:         TopicExpertDecisions,
		AggregateID:   req.OrderID,
		CorrelationID: httpx.RequestIDFromContext(r.Context()),
		Payload:       payload,
	}
	err = h.recorder.RecordFact(r.Context(), func(tx pgx.Tx) error {
		return h.facts.Insert(r.Context(), tx, facts.Fact{
			FactType:    "expert_decision",
			AggregateID: req.OrderID,
			Payload:     payload,
		})
	}, evt)
	if err != nil {
		http.Error(w, "failed to record decision", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "recorded",
		"feedback_id": req.FeedbackID,
		"order_id":    req.OrderID,
	})
}

type telemetryRequest struct {
	EventType    string          `json:"event_type"`
	AggregateID  string          `json:"aggregate_id"`
	TimestampUTC string          `json:"timestamp_utc"`
	Payload      json.RawMessage `json:"payload"`
}

// RecordTelemetry accepts a fleet telemetry sample.
func (h *Handler) RecordTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req telemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.EventType = strings.TrimSpace(req.EventType)
	req.AggregateID = strings.TrimSpace(req.AggregateID)
	if req.EventType == "" || req.AggregateID == "" {
		http.Error(w, "event_type and aggregate_id are required", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if req.TimestampUTC == "" {
		req.TimestampUTC = time.Now().UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "failed to encode payload", http.StatusInternalServerError)
		return
	}

	evt := outbox.Event{
		EventType:     req.EventType,
		Topic:         TopicTelemetry,
		AggregateID:   req.AggregateID,
		CorrelationID: httpx.RequestIDFromContext(r.Context()),
		Payload:       payload,
	}
	err = h.recorder.RecordFact(r.Context(), func(tx pgx.Tx) error {
		return h.facts.Insert(r.Context(), tx, facts.Fact{
			FactType:    "telemetry",
			AggregateID: req.AggregateID,
			Payload:     payload,
		})
	}, evt)
	if err != nil {
		http.Error(w, "failed to record telemetry", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "recorded",
		"aggregate_id": req.AggregateID,
	})
}

// OutboxStats reports row counts per lifecycle status, the operator's view of
// relay backlog and terminal failures.
func (h *Handler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := h.stats.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, "failed to load outbox stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"pending":    counts[outbox.StatusPending],
		"processing": counts[outbox.StatusProcessing],
		"published":  counts[outbox.StatusPublished],
		"failed":     counts[outbox.StatusFailed],
		"archived":   counts[outbox.StatusArchived],
	})
}
