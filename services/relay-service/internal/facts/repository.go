package facts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

// Fact is a business observation the relay records: an expert overriding a
// truck assignment, or a telemetry sample from the fleet. The fact row and
// its outbox event are written in the same transaction.
type Fact struct {
	FactType    string
	AggregateID string
	RecordedAt  time.Time
	Payload     json.RawMessage
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, f Fact) error {
	recordedAt := f.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO logistics_facts (fact_type, aggregate_id, recorded_at, payload)
		VALUES ($1, $2, $3, $4)
	`, f.FactType, f.AggregateID, recordedAt, []byte(f.Payload))
	return err
}
