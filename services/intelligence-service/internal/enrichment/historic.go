package enrichment

import (
	"encoding/json"
	"fmt"
	"strings"
)

// historicDeliveryPayload is one row of a unit-aware historic ingestion
// batch, used to build the AI knowledge base from past deliveries.
type historicDeliveryPayload struct {
	DeliveryDate       string   `json:"delivery_date"`
	ClientName         string   `json:"client_name"`
	RawDescription     string   `json:"raw_description"`
	Quantity           *float64 `json:"quantity"`
	RawUnit            string   `json:"raw_unit"`
	TotalWeightKg      *float64 `json:"total_weight_kg"`
	IsWeightCalculated bool     `json:"is_weight_calculated"`
	TaxonomyID         string   `json:"taxonomy_id"`
	IsTaxonomyVerified bool     `json:"is_taxonomy_verified"`
	DeliveryAddress    string   `json:"delivery_address"`
	TruckLicensePlate  string   `json:"truck_license_plate"`
	ServiceTimeMinutes float64  `json:"service_time_minutes"`
	ExpertNotes        string   `json:"expert_notes"`
	OverrideReason     string   `json:"override_reason"`
	IngestionBatchID   string   `json:"ingestion_batch_id"`
}

// IsHistoricDelivery reports whether the event belongs to the historic
// delivery ingestion stream.
func IsHistoricDelivery(topic, eventType string) bool {
	return strings.Contains(topic, "historic") || strings.Contains(eventType, "historic")
}

func decodeHistoricDelivery(payload []byte) (historicDeliveryPayload, error) {
	var d historicDeliveryPayload
	if err := json.Unmarshal(payload, &d); err != nil {
		return d, fmt.Errorf("%w: decode historic delivery payload: %v", ErrMalformedPayload, err)
	}
	return d, nil
}

// HistoricEventID derives the deterministic id for a historic delivery row.
// Batch rows carry no event id of their own; batch + truck + date keeps a
// re-ingested batch idempotent.
func HistoricEventID(payload []byte) (string, error) {
	d, err := decodeHistoricDelivery(payload)
	if err != nil {
		return "", err
	}
	if d.IngestionBatchID == "" || d.TruckLicensePlate == "" || d.DeliveryDate == "" {
		return "", fmt.Errorf("%w: historic delivery needs ingestion_batch_id, truck_license_plate and delivery_date", ErrMalformedPayload)
	}
	return d.IngestionBatchID + "_" + d.TruckLicensePlate + "_" + d.DeliveryDate, nil
}

// HistoricTags prefixes the model's pattern tags with the deterministic
// product, unit and taxonomy markers the training pipeline indexes on.
func HistoricTags(payload []byte, tags []string) []string {
	d, err := decodeHistoricDelivery(payload)
	if err != nil {
		return tags
	}
	out := []string{"PRODUCT:" + d.RawDescription}
	if d.Quantity != nil && d.RawUnit != "" {
		out = append(out, "UNIT:"+d.RawUnit)
	}
	if d.TaxonomyID != "" {
		state := "PENDING"
		if d.IsTaxonomyVerified {
			state = "VERIFIED"
		}
		out = append(out, "TAXONOMY:"+state)
	}
	return append(out, tags...)
}
