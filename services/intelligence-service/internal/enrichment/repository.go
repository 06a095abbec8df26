package enrichment

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/heuristiclogix/platform/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Exists reports whether an enrichment was already stored for the event.
func (r *Repository) Exists(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx, `
		SELECT 1 FROM ai_enrichments WHERE event_id = $1
	`, eventID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Insert stores one enrichment. A unique-violation on event_id maps to
// ErrAlreadyEnriched so duplicate deliveries resolve as no-ops.
func (r *Repository) Insert(ctx context.Context, rec Record) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return err
	}
	actions, err := json.Marshal(rec.SuggestedActions)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO ai_enrichments (event_id, event_type, tags, confidence_score, reasoning, suggested_actions, processing_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.EventID, rec.EventType, tags, rec.ConfidenceScore, rec.Reasoning, actions, rec.ProcessingTimeMs)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyEnriched
		}
		return err
	}
	return nil
}

// Metrics summarizes enrichment throughput for the monitoring endpoint.
type Metrics struct {
	EnrichmentsGenerated    int64
	AverageProcessingTimeMs float64
}

func (r *Repository) Metrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	err := r.pool.QueryRow(ctx, `
		SELECT count(*), coalesce(avg(processing_time_ms), 0) FROM ai_enrichments
	`).Scan(&m.EnrichmentsGenerated, &m.AverageProcessingTimeMs)
	return m, err
}

func (r *Repository) Get(ctx context.Context, eventID string) (*Record, error) {
	var rec Record
	var tags, actions []byte
	err := r.pool.QueryRow(ctx, `
		SELECT event_id, event_type, tags, confidence_score, reasoning, suggested_actions, processing_time_ms, created_at
		FROM ai_enrichments
		WHERE event_id = $1
	`, eventID).Scan(&rec.EventID, &rec.EventType, &tags, &rec.ConfidenceScore, &rec.Reasoning, &actions, &rec.ProcessingTimeMs, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &rec.Tags); err != nil {
			return nil, err
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &rec.SuggestedActions); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}
