package outbox

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/heuristiclogix/platform/libs/db"
	otelx "github.com/heuristiclogix/platform/libs/otel"
)

// Repository owns the outbox_events table. Inserts happen inside the business
// transaction; everything else is driven by the publisher.
type Repository struct {
	pool        *db.Pool
	maxAttempts int
}

func NewRepository(pool *db.Pool, maxAttempts int) *Repository {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Repository{pool: pool, maxAttempts: maxAttempts}
}

func (r *Repository) MaxAttempts() int {
	return r.maxAttempts
}

// Insert writes the outbox row on the caller's transaction so the business
// mutation and the event commit or roll back together.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (id, event_type, topic, aggregate_id, correlation_id, payload, status, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
	`, evt.ID, evt.EventType, evt.Topic, evt.AggregateID, evt.CorrelationID, []byte(evt.Payload), traceparent, tracestate)
	return err
}

const recordColumns = `id, event_type, topic, aggregate_id, correlation_id, payload, status, created_at, published_at, claimed_at, attempt_count, coalesce(error_message, ''), coalesce(traceparent, ''), coalesce(tracestate, '')`

// FetchPending claims up to limit publishable rows in one conditional update:
// pending rows plus failed rows that still have attempt budget flip to
// processing and are returned. SKIP LOCKED keeps concurrent publisher
// instances from double-claiming the same rows.
func (r *Repository) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox_events
		SET status = 'processing', claimed_at = now()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'pending'
			   OR (status = 'failed' AND attempt_count < $2)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+recordColumns, limit, r.maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not guarantee row order; the publisher needs creation order.
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'published', published_at = now(), claimed_at = NULL, error_message = NULL
		WHERE id = $1
	`, id)
	return err
}

// MarkFailed records the publish error and spends one attempt. The row stays
// eligible for a later cycle until attempt_count reaches the budget; after
// that it is terminal and only visible to operators.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'failed', attempt_count = attempt_count + 1, claimed_at = NULL, error_message = $2
		WHERE id = $1
	`, id, errMsg)
	return err
}

// ReclaimBefore returns orphaned processing rows (claimed by an instance that
// crashed before finalizing) to pending so a live publisher can pick them up.
func (r *Repository) ReclaimBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ArchiveBefore moves old published rows to archived. Audit keeps every row;
// archiving only takes them out of the publisher's working set.
func (r *Repository) ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'archived'
		WHERE status = 'published' AND published_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, count(*) FROM outbox_events GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[Status]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rcd Record
		var status string
		var payload []byte
		if err := rows.Scan(&rcd.ID, &rcd.EventType, &rcd.Topic, &rcd.AggregateID, &rcd.CorrelationID, &payload, &status, &rcd.CreatedAt, &rcd.PublishedAt, &rcd.ClaimedAt, &rcd.AttemptCount, &rcd.ErrorMessage, &rcd.Traceparent, &rcd.Tracestate); err != nil {
			return nil, err
		}
		rcd.Status = Status(status)
		rcd.Payload = payload
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}
