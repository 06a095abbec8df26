package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"

	"github.com/heuristiclogix/platform/libs/kafkax"
	otelx "github.com/heuristiclogix/platform/libs/otel"
)

// Store is the slice of the repository the publisher needs. Concurrent
// publisher instances coordinate only through FetchPending's atomic claim.
type Store interface {
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	ReclaimBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BusWriter is satisfied by *kafka.Writer.
type BusWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type PublisherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// StaleAfter is how long a row may sit in processing before a crash is
	// assumed and the row is reclaimed. Keep it well above the worst-case
	// publish time; the default is 5x the poll interval.
	StaleAfter   time.Duration
	ArchiveAfter time.Duration
}

type Publisher struct {
	store    Store
	writer   BusWriter
	notifier *Notifier
	logger   *slog.Logger
	clock    clockwork.Clock
	cfg      PublisherConfig
}

func NewPublisher(store Store, writer BusWriter, notifier *Notifier, logger *slog.Logger, clock clockwork.Clock, cfg PublisherConfig) *Publisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * cfg.PollInterval
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Publisher{
		store:    store,
		writer:   writer,
		notifier: notifier,
		logger:   logger,
		clock:    clock,
		cfg:      cfg,
	}
}

// Run drives the publish loop until ctx is cancelled. Each cycle drains the
// claimable backlog; between cycles it sleeps until the notifier fires or the
// poll interval elapses.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("outbox publisher started",
		"poll_interval", p.cfg.PollInterval.String(),
		"batch_size", p.cfg.BatchSize,
		"stale_after", p.cfg.StaleAfter.String())

	// Drain whatever accumulated while the process was down.
	if err := p.cycle(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("outbox cycle failed", "err", err)
	}

	for {
		p.notifier.Wait(ctx, p.cfg.PollInterval)
		if ctx.Err() != nil {
			p.logger.Info("outbox publisher stopped")
			return
		}
		if err := p.cycle(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("outbox cycle failed", "err", err)
		}
	}
}

func (p *Publisher) cycle(ctx context.Context) error {
	now := p.clock.Now()

	if n, err := p.store.ReclaimBefore(ctx, now.Add(-p.cfg.StaleAfter)); err != nil {
		p.logger.Error("stale reclaim failed", "err", err)
	} else if n > 0 {
		p.logger.Warn("reclaimed orphaned outbox rows", "count", n)
	}

	if _, err := p.store.ArchiveBefore(ctx, now.Add(-p.cfg.ArchiveAfter)); err != nil {
		p.logger.Error("archive failed", "err", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, err := p.store.FetchPending(ctx, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		failures := false
		for _, rcd := range records {
			if err := ctx.Err(); err != nil {
				// Unfinished claims are recovered by the stale reclaim.
				return err
			}
			if !p.publishOne(ctx, rcd) {
				failures = true
			}
		}

		// A failed row is claimable again right away (failed, attempt budget
		// left), so refetching in the same cycle would spend the whole budget
		// on one broker outage. Each attempt costs a full cycle.
		if failures || len(records) < p.cfg.BatchSize {
			return nil
		}
	}
}

// publishOne publishes a single claimed row and records the outcome,
// reporting whether the write reached the bus. A failure marks only this
// row; the rest of the batch continues.
func (p *Publisher) publishOne(ctx context.Context, rcd Record) bool {
	msgCtx := otelx.ContextWithTraceContext(ctx, rcd.Traceparent, rcd.Tracestate)
	msg := kafka.Message{
		Topic: rcd.Topic,
		Key:   []byte(rcd.AggregateID),
		Value: rcd.Payload,
		Headers: kafkax.EventMeta{
			EventID:       rcd.ID.String(),
			EventType:     rcd.EventType,
			CorrelationID: rcd.CorrelationID,
		}.Headers(),
	}
	msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("publish failed",
			"event_id", rcd.ID.String(),
			"topic", rcd.Topic,
			"aggregate_id", rcd.AggregateID,
			"attempt", rcd.AttemptCount+1,
			"err", err)
		if markErr := p.store.MarkFailed(ctx, rcd.ID, err.Error()); markErr != nil {
			p.logger.Error("mark failed errored", "event_id", rcd.ID.String(), "err", markErr)
		}
		return false
	}

	if err := p.store.MarkPublished(ctx, rcd.ID); err != nil {
		// The message is on the bus but the row still says processing. The
		// stale reclaim will resurface it and the publish will repeat, which
		// at-least-once delivery already permits.
		p.logger.Error("mark published errored", "event_id", rcd.ID.String(), "err", err)
		return true
	}

	p.logger.Debug("event published",
		"event_id", rcd.ID.String(),
		"topic", rcd.Topic,
		"aggregate_id", rcd.AggregateID)
	return true
}
