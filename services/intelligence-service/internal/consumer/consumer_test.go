package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"

	"github.com/heuristiclogix/platform/libs/kafkax"
	"github.com/heuristiclogix/platform/services/intelligence-service/internal/enrichment"
)

// fakeSource serves a fixed queue of messages, then blocks until ctx ends,
// like a reader on an idle partition.
type fakeSource struct {
	mu        sync.Mutex
	queue     []kafka.Message
	commits   []string
	committed chan string
	closed    bool
}

func newFakeSource(msgs ...kafka.Message) *fakeSource {
	return &fakeSource{queue: msgs, committed: make(chan string, 16)}
}

func (s *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return msg, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		id := kafkax.HeaderValue(m.Headers, kafkax.HeaderEventID)
		s.commits = append(s.commits, id)
		s.committed <- id
	}
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestConsumer(p *Processor, clock clockwork.Clock) *Consumer {
	return &Consumer{
		logger:     slog.New(slog.DiscardHandler),
		processor:  p,
		clock:      clock,
		retryDelay: time.Second,
	}
}

// A transiently failing enrichment must be retried in place: the consumer
// may not fetch the next offset first, because committing a later message
// would advance the group offset past the failed one and drop it.
func TestConsume_RetriesFailedMessageInPlace(t *testing.T) {
	store := newMemEnrichmentStore()
	provider := &fakeProvider{
		failTimes: 2,
		result:    enrichment.Result{Tags: []string{"route_optimization"}},
	}
	p := newProcessor(store, provider)
	clock := clockwork.NewFakeClock()
	c := newTestConsumer(p, clock)

	source := newFakeSource(
		message("evt-a", `{"speed_kmh":62}`),
		message("evt-b", `{"speed_kmh":48}`),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.consume(ctx, source)
		close(done)
	}()

	// Two failed attempts, each followed by a retry pause.
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}

	var order []string
	for i := 0; i < 2; i++ {
		select {
		case id := <-source.committed:
			order = append(order, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for commit %d, got %v", i+1, order)
		}
	}
	if order[0] != "evt-a" || order[1] != "evt-b" {
		t.Fatalf("commits out of order: %v", order)
	}

	if got := provider.callCount(); got != 4 {
		t.Fatalf("expected 2 failures + 2 successes = 4 provider calls, got %d", got)
	}
	if store.count() != 2 {
		t.Fatalf("expected both events enriched, got %d", store.count())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not stop on cancel")
	}
}

// Cancellation during the retry pause must stop the loop without committing
// the failed message, so another group member can pick it up.
func TestConsume_StopsDuringRetryWithoutCommit(t *testing.T) {
	store := newMemEnrichmentStore()
	provider := &fakeProvider{err: errors.New("provider unavailable")}
	p := newProcessor(store, provider)
	clock := clockwork.NewFakeClock()
	c := newTestConsumer(p, clock)

	source := newFakeSource(message("evt-stuck", `{"speed_kmh":62}`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.consume(ctx, source)
		close(done)
	}()

	// Parked in the retry pause after the first failure.
	clock.BlockUntil(1)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not stop during retry wait")
	}
	if len(source.commits) != 0 {
		t.Fatalf("failed message must stay uncommitted, got commits %v", source.commits)
	}
	if !source.isClosed() {
		t.Fatal("reader must be closed on exit")
	}
}
