package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/heuristiclogix/platform/libs/kafkax"
)

type Config struct {
	Brokers string
	GroupID string
	Topics  []string
	// RetryDelay is the pause between attempts at a message the processor
	// refused to acknowledge.
	RetryDelay time.Duration
}

// messageSource is the slice of kafka.Reader the consume loop needs.
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer joins the bus as one member of the intelligence consumer group.
// It fetches and commits explicitly: a message is only committed after the
// processor returns nil, and the loop never fetches past an unacknowledged
// message — committing a later offset would move the group past the failed
// one and lose it.
type Consumer struct {
	readers    []*kafka.Reader
	logger     *slog.Logger
	processor  *Processor
	clock      clockwork.Clock
	retryDelay time.Duration
}

func New(logger *slog.Logger, processor *Processor, clock clockwork.Clock, cfg Config) *Consumer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	readers := make([]*kafka.Reader, 0, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}))
	}
	return &Consumer{
		readers:    readers,
		logger:     logger,
		processor:  processor,
		clock:      clock,
		retryDelay: cfg.RetryDelay,
	}
}

// Run consumes every configured topic until ctx is cancelled. Each topic gets
// its own reader goroutine; within a reader, messages are handled one at a
// time so a partition's ordering guarantee carries through.
func (c *Consumer) Run(ctx context.Context) {
	done := make(chan struct{}, len(c.readers))
	for _, reader := range c.readers {
		go func(r *kafka.Reader) {
			defer func() { done <- struct{}{} }()
			c.consume(ctx, r)
		}(reader)
	}
	for range c.readers {
		<-done
	}
}

func (c *Consumer) consume(ctx context.Context, reader messageSource) {
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			if !c.pause(ctx) {
				return
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka commit error", "err", err)
		}
	}
}

// handle retries the same message in place until the processor acknowledges
// it. Only the partition behind the failing message stalls; every other
// partition has its own reader. It reports false when ctx ended first.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		msgCtx := kafkax.ExtractTraceContext(ctx, msg)
		spanCtx, span := otel.Tracer("kafka").Start(msgCtx, "kafka.consume",
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
			),
		)

		err := c.processor.Process(spanCtx, msg)
		if err == nil {
			span.End()
			return true
		}
		span.RecordError(err)
		span.End()

		c.logger.Error("message processing failed, will retry",
			"topic", msg.Topic,
			"attempt", attempt,
			"err", err)
		if !c.pause(ctx) {
			return false
		}
	}
}

// pause waits one retry delay, reporting false if ctx ended first.
func (c *Consumer) pause(ctx context.Context) bool {
	timer := c.clock.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
