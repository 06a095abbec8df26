package outbox

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Notifier is a single-slot wake-up signal between the transaction that
// commits an outbox row and the publisher loop. Notify never blocks; repeated
// signals while the publisher is busy coalesce into one pending wake-up. The
// publisher's polling timeout remains the correctness backstop, so a dropped
// or missed signal only costs latency, never events.
type Notifier struct {
	ch    chan struct{}
	clock clockwork.Clock
}

func NewNotifier(clock clockwork.Clock) *Notifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Notifier{
		ch:    make(chan struct{}, 1),
		clock: clock,
	}
}

// Notify signals that new outbox work exists. Call it after the transaction
// commits, not inside it; a signal for a rolled-back row would just trigger
// an empty fetch.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until a signal arrives, the timeout elapses, or ctx is
// cancelled. It reports whether a signal woke it.
func (n *Notifier) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := n.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-n.ch:
		return true
	case <-timer.Chan():
		return false
	}
}
