package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/heuristiclogix/platform/services/intelligence-service/internal/enrichment"
)

// Store is the slice of the enrichment repository the HTTP surface needs.
type Store interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Insert(ctx context.Context, rec enrichment.Record) error
	Get(ctx context.Context, eventID string) (*enrichment.Record, error)
	Metrics(ctx context.Context) (enrichment.Metrics, error)
}

type Handler struct {
	store    Store
	provider enrichment.Provider
	logger   *slog.Logger
	clock    clockwork.Clock
	timeout  time.Duration
}

func New(store Store, provider enrichment.Provider, logger *slog.Logger, clock clockwork.Clock, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		store:    store,
		provider: provider,
		logger:   logger,
		clock:    clock,
		timeout:  timeout,
	}
}

type analyzeRequest struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
}

type enrichmentResponse struct {
	EventID          string    `json:"event_id"`
	EventType        string    `json:"event_type"`
	Tags             []string  `json:"tags"`
	ConfidenceScore  float64   `json:"confidence_score"`
	Reasoning        string    `json:"reasoning"`
	SuggestedActions []string  `json:"suggested_actions"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
	CreatedAt        time.Time `json:"created_at,omitzero"`
}

func toResponse(rec enrichment.Record) enrichmentResponse {
	return enrichmentResponse{
		EventID:          rec.EventID,
		EventType:        rec.EventType,
		Tags:             rec.Tags,
		ConfidenceScore:  rec.ConfidenceScore,
		Reasoning:        rec.Reasoning,
		SuggestedActions: rec.SuggestedActions,
		ProcessingTimeMs: rec.ProcessingTimeMs,
		CreatedAt:        rec.CreatedAt,
	}
}

// Analyze runs one enrichment on demand, outside the bus. It shares the
// consumer's idempotency rules: an event that was already enriched returns
// the stored record instead of a second provider call.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.EventID = strings.TrimSpace(req.EventID)
	req.EventType = strings.TrimSpace(req.EventType)
	if req.EventID == "" || req.EventType == "" {
		http.Error(w, "event_id and event_type are required", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(req.Payload) {
		http.Error(w, "payload must be valid json", http.StatusBadRequest)
		return
	}

	if exists, err := h.store.Exists(r.Context(), req.EventID); err != nil {
		http.Error(w, "failed to check enrichment", http.StatusInternalServerError)
		return
	} else if exists {
		h.writeStored(w, r, req.EventID)
		return
	}

	start := h.clock.Now()
	enrichCtx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	result, err := h.provider.Enrich(enrichCtx, enrichment.Request{
		EventID:   req.EventID,
		EventType: req.EventType,
		Topic:     req.Topic,
		Payload:   req.Payload,
	})
	if err != nil {
		h.logger.Error("on-demand enrichment failed", "event_id", req.EventID, "err", err)
		http.Error(w, "enrichment provider failed", http.StatusBadGateway)
		return
	}

	rec := enrichment.Record{
		EventID:          req.EventID,
		EventType:        req.EventType,
		Tags:             result.Tags,
		ConfidenceScore:  result.ConfidenceScore,
		Reasoning:        result.Reasoning,
		SuggestedActions: result.SuggestedActions,
		ProcessingTimeMs: float64(h.clock.Since(start)) / float64(time.Millisecond),
	}
	if err := h.store.Insert(r.Context(), rec); err != nil {
		if errors.Is(err, enrichment.ErrAlreadyEnriched) {
			// A bus consumer got there first; return what it stored.
			h.writeStored(w, r, req.EventID)
			return
		}
		http.Error(w, "failed to store enrichment", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toResponse(rec))
}

// GetEnrichment returns the stored enrichment for one event.
func (h *Handler) GetEnrichment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	eventID := strings.TrimSpace(r.PathValue("event_id"))
	if eventID == "" {
		http.Error(w, "event_id is required", http.StatusBadRequest)
		return
	}

	rec, err := h.store.Get(r.Context(), eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		http.Error(w, "enrichment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load enrichment", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toResponse(*rec))
}

// Metrics reports enrichment throughput for monitoring scrapes.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m, err := h.store.Metrics(r.Context())
	if err != nil {
		http.Error(w, "failed to load metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ai_enrichments_generated":   m.EnrichmentsGenerated,
		"average_processing_time_ms": m.AverageProcessingTimeMs,
	})
}

func (h *Handler) writeStored(w http.ResponseWriter, r *http.Request, eventID string) {
	rec, err := h.store.Get(r.Context(), eventID)
	if err != nil {
		http.Error(w, "failed to load enrichment", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toResponse(*rec))
}
