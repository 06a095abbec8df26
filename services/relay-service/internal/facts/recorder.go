package facts

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/heuristiclogix/platform/libs/db"
	"github.com/heuristiclogix/platform/services/relay-service/internal/outbox"
)

// Recorder is the one contract business code must honor: the mutation and the
// outbox row commit atomically, and the publisher is nudged only after the
// commit succeeds.
type Recorder struct {
	pool     *db.Pool
	outbox   *outbox.Repository
	notifier *outbox.Notifier
	logger   *slog.Logger
}

func NewRecorder(pool *db.Pool, outboxRepo *outbox.Repository, notifier *outbox.Notifier, logger *slog.Logger) *Recorder {
	return &Recorder{
		pool:     pool,
		outbox:   outboxRepo,
		notifier: notifier,
		logger:   logger,
	}
}

// RecordFact runs mutate and the outbox insert in a single transaction. On
// commit both rows exist; on any error neither does. mutate may be nil for
// events that carry no business row of their own.
func (r *Recorder) RecordFact(ctx context.Context, mutate func(pgx.Tx) error, evt outbox.Event) error {
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		if mutate != nil {
			if err := mutate(tx); err != nil {
				return err
			}
		}
		return r.outbox.Insert(ctx, tx, evt)
	})
	if err != nil {
		return err
	}

	r.notifier.Notify()
	r.logger.Debug("fact recorded",
		"event_type", evt.EventType,
		"topic", evt.Topic,
		"aggregate_id", evt.AggregateID)
	return nil
}
