package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/heuristiclogix/platform/services/intelligence-service/internal/enrichment"
)

type fakeStore struct {
	records     map[string]enrichment.Record
	existsBlind bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]enrichment.Record{}}
}

func (s *fakeStore) Exists(_ context.Context, eventID string) (bool, error) {
	if s.existsBlind {
		return false, nil
	}
	_, ok := s.records[eventID]
	return ok, nil
}

func (s *fakeStore) Insert(_ context.Context, rec enrichment.Record) error {
	if _, ok := s.records[rec.EventID]; ok {
		return enrichment.ErrAlreadyEnriched
	}
	s.records[rec.EventID] = rec
	return nil
}

func (s *fakeStore) Get(_ context.Context, eventID string) (*enrichment.Record, error) {
	rec, ok := s.records[eventID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &rec, nil
}

func (s *fakeStore) Metrics(context.Context) (enrichment.Metrics, error) {
	var total float64
	for _, rec := range s.records {
		total += rec.ProcessingTimeMs
	}
	m := enrichment.Metrics{EnrichmentsGenerated: int64(len(s.records))}
	if len(s.records) > 0 {
		m.AverageProcessingTimeMs = total / float64(len(s.records))
	}
	return m, nil
}

type fakeProvider struct {
	calls  int
	err    error
	result enrichment.Result
}

func (p *fakeProvider) Enrich(context.Context, enrichment.Request) (enrichment.Result, error) {
	p.calls++
	if p.err != nil {
		return enrichment.Result{}, p.err
	}
	return p.result, nil
}

func newTestMux(store Store, provider enrichment.Provider) *http.ServeMux {
	h := New(store, provider, slog.New(slog.DiscardHandler), nil, 10*time.Second)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/analyze", h.Analyze)
	mux.HandleFunc("/v1/enrichments/{event_id}", h.GetEnrichment)
	return mux
}

func postAnalyze(t *testing.T, mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", strings.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestAnalyze_EnrichesAndStores(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{result: enrichment.Result{
		Tags:            []string{"capacity_utilization"},
		ConfidenceScore: 74,
		Reasoning:       "load is near the truck limit",
	}}
	mux := newTestMux(store, provider)

	rr := postAnalyze(t, mux, `{"event_id":"evt-1","event_type":"telemetry.recorded.v1","payload":{"weight_kg":900}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["event_id"] != "evt-1" || resp["confidence_score"] != 74.0 {
		t.Fatalf("unexpected response: %v", resp)
	}
	if _, ok := store.records["evt-1"]; !ok {
		t.Fatal("expected record to be stored")
	}
}

func TestAnalyze_DuplicateReturnsStoredWithoutProviderCall(t *testing.T) {
	store := newFakeStore()
	store.records["evt-dup"] = enrichment.Record{
		EventID:   "evt-dup",
		EventType: "telemetry.recorded.v1",
		Reasoning: "stored earlier",
	}
	provider := &fakeProvider{}
	mux := newTestMux(store, provider)

	rr := postAnalyze(t, mux, `{"event_id":"evt-dup","event_type":"telemetry.recorded.v1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if provider.calls != 0 {
		t.Fatalf("duplicate must not call the provider, got %d calls", provider.calls)
	}
	if !strings.Contains(rr.Body.String(), "stored earlier") {
		t.Fatalf("expected the stored record back, got %s", rr.Body.String())
	}
}

func TestAnalyze_InsertRaceReturnsStored(t *testing.T) {
	store := newFakeStore()
	store.existsBlind = true
	store.records["evt-race"] = enrichment.Record{EventID: "evt-race", Reasoning: "winner's record"}
	provider := &fakeProvider{result: enrichment.Result{Reasoning: "loser's result"}}
	mux := newTestMux(store, provider)

	rr := postAnalyze(t, mux, `{"event_id":"evt-race","event_type":"telemetry.recorded.v1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "winner's record") {
		t.Fatalf("expected the winner's record back, got %s", rr.Body.String())
	}
}

func TestAnalyze_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing event_id", `{"event_type":"t"}`},
		{"missing event_type", `{"event_id":"evt-1"}`},
		{"malformed body", `{"event_id":`},
		{"invalid payload", `{"event_id":"evt-1","event_type":"t","payload":"not an object`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := newTestMux(newFakeStore(), &fakeProvider{})
			rr := postAnalyze(t, mux, tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestAnalyze_ProviderFailure(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{err: errors.New("model unavailable")}
	mux := newTestMux(store, provider)

	rr := postAnalyze(t, mux, `{"event_id":"evt-1","event_type":"t"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if len(store.records) != 0 {
		t.Fatalf("no record may be stored on provider failure, got %d", len(store.records))
	}
}

func TestGetEnrichment(t *testing.T) {
	store := newFakeStore()
	store.records["evt-9"] = enrichment.Record{
		EventID:         "evt-9",
		EventType:       "expert.decision.recorded.v1",
		Tags:            []string{"quick_override"},
		ConfidenceScore: 91,
	}
	mux := newTestMux(store, &fakeProvider{})

	req := httptest.NewRequest(http.MethodGet, "/v1/enrichments/evt-9", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["event_id"] != "evt-9" || resp["confidence_score"] != 91.0 {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestMetrics(t *testing.T) {
	store := newFakeStore()
	store.records["evt-1"] = enrichment.Record{EventID: "evt-1", ProcessingTimeMs: 100}
	store.records["evt-2"] = enrichment.Record{EventID: "evt-2", ProcessingTimeMs: 300}
	h := New(store, &fakeProvider{}, slog.New(slog.DiscardHandler), nil, time.Second)

	rr := httptest.NewRecorder()
	h.Metrics(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got map[string]float64
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("metrics not json: %v", err)
	}
	if got["ai_enrichments_generated"] != 2 || got["average_processing_time_ms"] != 200 {
		t.Fatalf("unexpected metrics: %v", got)
	}
}

func TestGetEnrichment_NotFound(t *testing.T) {
	mux := newTestMux(newFakeStore(), &fakeProvider{})

	req := httptest.NewRequest(http.MethodGet, "/v1/enrichments/nope", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
