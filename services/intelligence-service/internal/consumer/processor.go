package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"

	"github.com/heuristiclogix/platform/libs/kafkax"
	"github.com/heuristiclogix/platform/services/intelligence-service/internal/enrichment"
)

// Store is the slice of the enrichment repository the processor needs.
type Store interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Insert(ctx context.Context, rec enrichment.Record) error
}

// Processor decides the fate of one bus message. The return value is the ack
// decision: nil acknowledges (done or poison pill), an error leaves the
// offset uncommitted so the bus redelivers.
type Processor struct {
	store    Store
	provider enrichment.Provider
	logger   *slog.Logger
	clock    clockwork.Clock
	timeout  time.Duration
}

func NewProcessor(store Store, provider enrichment.Provider, logger *slog.Logger, clock clockwork.Clock, timeout time.Duration) *Processor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Processor{
		store:    store,
		provider: provider,
		logger:   logger,
		clock:    clock,
		timeout:  timeout,
	}
}

func (p *Processor) Process(ctx context.Context, msg kafka.Message) error {
	meta := kafkax.ExtractEventMeta(msg)
	historic := enrichment.IsHistoricDelivery(msg.Topic, meta.EventType)
	if meta.EventID == "" && historic {
		// Batch rows carry no event id header; the derived batch+truck+date
		// id keeps re-ingested batches idempotent.
		id, err := enrichment.HistoricEventID(msg.Value)
		if err != nil {
			p.logger.Error("historic delivery dropped", "topic", msg.Topic, "err", err)
			return nil
		}
		meta.EventID = id
	}
	if meta.EventID == "" {
		// Nothing to key idempotency on; retrying cannot fix it.
		p.logger.Error("message without event id dropped", "topic", msg.Topic)
		return nil
	}

	if !json.Valid(msg.Value) {
		// Poison pill: a malformed payload never parses, no matter how many
		// times the bus redelivers it.
		p.logger.Error("malformed payload dropped",
			"event_id", meta.EventID,
			"topic", msg.Topic)
		return nil
	}

	exists, err := p.store.Exists(ctx, meta.EventID)
	if err != nil {
		return err
	}
	if exists {
		p.logger.Info("duplicate event skipped",
			"event_id", meta.EventID,
			"event_type", meta.EventType)
		return nil
	}

	start := p.clock.Now()
	enrichCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := p.provider.Enrich(enrichCtx, enrichment.Request{
		EventID:   meta.EventID,
		EventType: meta.EventType,
		Topic:     msg.Topic,
		Payload:   msg.Value,
	})
	if err != nil {
		if errors.Is(err, enrichment.ErrMalformedPayload) {
			// Valid JSON of the wrong shape is still a poison pill; no
			// redelivery will make it decodable.
			p.logger.Error("unprocessable payload dropped",
				"event_id", meta.EventID,
				"err", err)
			return nil
		}
		p.logger.Error("enrichment call failed",
			"event_id", meta.EventID,
			"err", err)
		return err
	}

	tags := result.Tags
	if historic {
		tags = enrichment.HistoricTags(msg.Value, tags)
	}

	rec := enrichment.Record{
		EventID:          meta.EventID,
		EventType:        meta.EventType,
		Tags:             tags,
		ConfidenceScore:  result.ConfidenceScore,
		Reasoning:        result.Reasoning,
		SuggestedActions: result.SuggestedActions,
		ProcessingTimeMs: float64(p.clock.Since(start)) / float64(time.Millisecond),
	}
	if err := p.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, enrichment.ErrAlreadyEnriched) {
			// A concurrent instance finished first; same outcome.
			p.logger.Info("enrichment raced and lost, treating as processed",
				"event_id", meta.EventID)
			return nil
		}
		return err
	}

	p.logger.Info("event enriched",
		"event_id", meta.EventID,
		"event_type", meta.EventType,
		"tags", rec.Tags,
		"processing_time_ms", rec.ProcessingTimeMs)
	return nil
}
