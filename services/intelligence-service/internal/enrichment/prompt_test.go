package enrichment

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildPrompt_ExpertDecision(t *testing.T) {
	req := Request{
		EventID:   "fb-1",
		EventType: "expert.decision.recorded.v1",
		Topic:     "expert.decisions.v1",
		Payload: []byte(`{
			"order_id": "order-42",
			"selected_truck_id": "truck-7",
			"suggested_truck_id": "truck-3",
			"primary_reason": "capacity",
			"secondary_reasons": ["route", "weather"],
			"decision_time_seconds": 12.5
		}`),
	}
	prompt, err := BuildPrompt(req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, want := range []string{"order-42", "truck-7", "capacity", "route, weather", "confidence_score"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPrompt_Telemetry(t *testing.T) {
	req := Request{
		EventID:   "evt-1",
		EventType: "telemetry.speed.v1",
		Topic:     "heuristic.telemetry.v1",
		Payload:   []byte(`{"speed_kmh":62}`),
	}
	prompt, err := BuildPrompt(req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(prompt, "telemetry.speed.v1") {
		t.Fatalf("prompt missing event type:\n%s", prompt)
	}
	if !strings.Contains(prompt, "suggested_actions") {
		t.Fatalf("prompt missing response contract:\n%s", prompt)
	}
}

func TestBuildPrompt_HistoricDelivery(t *testing.T) {
	req := Request{
		EventID: "batch-7_TRK-9_2026-08-01",
		Topic:   "historic.deliveries.v1",
		Payload: []byte(`{
			"ingestion_batch_id": "batch-7",
			"truck_license_plate": "TRK-9",
			"delivery_date": "2026-08-01",
			"raw_description": "cement bags",
			"quantity": 40,
			"raw_unit": "BAG",
			"total_weight_kg": 1000,
			"is_weight_calculated": true,
			"taxonomy_id": "tax-12",
			"client_name": "acme",
			"delivery_address": "dock 3",
			"service_time_minutes": 25
		}`),
	}
	prompt, err := BuildPrompt(req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, want := range []string{"cement bags", "40 BAG", "1000 kg (calculated)", "Pending", "TRK-9", "pattern", "suggested_actions"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPrompt_RejectsMalformedPayload(t *testing.T) {
	_, err := BuildPrompt(Request{
		EventID: "evt-bad",
		Payload: []byte(`{"broken`),
	})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestBuildPrompt_RejectsWrongShapePayload(t *testing.T) {
	// Valid JSON whose fields have the wrong types must classify as
	// malformed, not as a retryable failure.
	_, err := BuildPrompt(Request{
		EventID:   "evt-shape",
		EventType: "expert.decision.recorded.v1",
		Topic:     "expert.decisions.v1",
		Payload:   []byte(`{"secondary_reasons": 5}`),
	})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}
