package enrichment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPayload marks a payload that can never be analyzed no matter
// how often the bus redelivers it. Consumers acknowledge such events instead
// of retrying them.
var ErrMalformedPayload = errors.New("malformed event payload")

type expertDecisionPayload struct {
	FeedbackID          string   `json:"feedback_id"`
	OrderID             string   `json:"order_id"`
	SuggestedTruckID    string   `json:"suggested_truck_id"`
	SelectedTruckID     string   `json:"selected_truck_id"`
	PrimaryReason       string   `json:"primary_reason"`
	SecondaryReasons    []string `json:"secondary_reasons"`
	DecisionTimeSeconds float64  `json:"decision_time_seconds"`
	ExpertNote          string   `json:"expert_note"`
}

// BuildPrompt renders the analysis instruction for one event. The response
// contract (tags, confidence_score, reasoning, suggested_actions as JSON) is
// shared across event types so parsing stays uniform. Payloads that cannot
// be decoded report ErrMalformedPayload.
func BuildPrompt(req Request) (string, error) {
	if !json.Valid(req.Payload) {
		return "", fmt.Errorf("%w: event %s payload is not json", ErrMalformedPayload, req.EventID)
	}

	var b strings.Builder
	switch {
	case IsHistoricDelivery(req.Topic, req.EventType):
		d, err := decodeHistoricDelivery(req.Payload)
		if err != nil {
			return "", err
		}
		writeHistoricPrompt(&b, d)
	case strings.Contains(req.Topic, "decision") || strings.Contains(req.EventType, "decision"):
		var d expertDecisionPayload
		if err := json.Unmarshal(req.Payload, &d); err != nil {
			return "", fmt.Errorf("%w: decode expert decision payload: %v", ErrMalformedPayload, err)
		}
		fmt.Fprintf(&b, "Analyze this expert logistics decision override:\n\n")
		fmt.Fprintf(&b, "Order: %s\n", d.OrderID)
		fmt.Fprintf(&b, "Suggested Truck: %s\n", orNone(d.SuggestedTruckID))
		fmt.Fprintf(&b, "Selected Truck: %s\n", d.SelectedTruckID)
		fmt.Fprintf(&b, "Primary Reason: %s\n", d.PrimaryReason)
		fmt.Fprintf(&b, "Secondary Reasons: %s\n", orNone(strings.Join(d.SecondaryReasons, ", ")))
		fmt.Fprintf(&b, "Decision Time: %.1f seconds\n", d.DecisionTimeSeconds)
		fmt.Fprintf(&b, "Expert Notes: %s\n\n", orNone(d.ExpertNote))
		b.WriteString("Task: Provide actionable tags and insights for ML training. Focus on:\n")
		b.WriteString("1. Pattern identification (e.g., \"quick_override\", \"capacity_misjudgment\")\n")
		b.WriteString("2. Confidence score (0-100) on whether this was a clear AI error\n")
		b.WriteString("3. Suggested model improvements\n")
	default:
		fmt.Fprintf(&b, "Analyze this logistics telemetry event:\n\n")
		fmt.Fprintf(&b, "Event Type: %s\n", req.EventType)
		fmt.Fprintf(&b, "Payload: %s\n\n", req.Payload)
		b.WriteString("Task: Provide telemetry tags and anomaly detection insights. Focus on:\n")
		b.WriteString("1. Event classification tags (e.g., \"route_optimization\", \"capacity_utilization\")\n")
		b.WriteString("2. Anomaly detection (any unusual patterns?)\n")
		b.WriteString("3. Predictive insights for future optimizations\n")
	}

	b.WriteString("\nFormat your response as JSON with keys: tags, confidence_score, reasoning, suggested_actions")
	return b.String(), nil
}

func writeHistoricPrompt(b *strings.Builder, d historicDeliveryPayload) {
	weightSource := "missing"
	if d.IsWeightCalculated {
		weightSource = "calculated"
	} else if d.TotalWeightKg != nil {
		weightSource = "provided"
	}
	quantity := "Not provided"
	if d.Quantity != nil {
		quantity = strings.TrimSpace(fmt.Sprintf("%g %s", *d.Quantity, d.RawUnit))
	}
	weight := "Not provided"
	if d.TotalWeightKg != nil {
		weight = fmt.Sprintf("%g kg (%s)", *d.TotalWeightKg, weightSource)
	}
	taxonomy := "Not found"
	if d.TaxonomyID != "" {
		taxonomy = "Pending"
		if d.IsTaxonomyVerified {
			taxonomy = "Verified"
		}
	}

	fmt.Fprintf(b, "Analyze this HISTORIC delivery record for pattern recognition and AI training (unit-aware):\n\n")
	fmt.Fprintf(b, "Product: %s\n", d.RawDescription)
	fmt.Fprintf(b, "Quantity: %s\n", quantity)
	fmt.Fprintf(b, "Weight: %s\n", weight)
	fmt.Fprintf(b, "Taxonomy Status: %s\n", taxonomy)
	fmt.Fprintf(b, "Delivery Date: %s\n", d.DeliveryDate)
	fmt.Fprintf(b, "Client: %s\n", d.ClientName)
	fmt.Fprintf(b, "Address: %s\n", d.DeliveryAddress)
	fmt.Fprintf(b, "Truck: %s\n", d.TruckLicensePlate)
	fmt.Fprintf(b, "Service Time: %.1f minutes\n", d.ServiceTimeMinutes)
	fmt.Fprintf(b, "Expert Notes: %s\n", orNone(d.ExpertNotes))
	fmt.Fprintf(b, "Override Reason: %s\n\n", orNone(d.OverrideReason))
	b.WriteString("Task: Extract patterns for the AI knowledge base. Focus on:\n")
	b.WriteString("1. Product identification and categorization (AGGREGATE, CEMENT, STEEL, ...)\n")
	b.WriteString("2. Weight plausibility for this product and quantity\n")
	b.WriteString("3. Capacity utilization and weight vs service-time correlation\n")
	b.WriteString("4. Taxonomy recommendations (standard description, weight factor per unit, standard unit)\n")
	b.WriteString("\nThis is historic data for pattern learning, not real-time alerting.\n")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None"
	}
	return s
}
