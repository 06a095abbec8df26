package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestNotifier_WakesOnSignal(t *testing.T) {
	n := NewNotifier(clockwork.NewFakeClock())
	n.Notify()

	ctx := context.Background()
	if !n.Wait(ctx, time.Minute) {
		t.Fatal("expected Wait to report a signal")
	}
}

func TestNotifier_CoalescesRapidSignals(t *testing.T) {
	clock := clockwork.NewFakeClock()
	n := NewNotifier(clock)

	// Many commits in a burst leave exactly one pending wake-up.
	for i := 0; i < 100; i++ {
		n.Notify()
	}

	if !n.Wait(context.Background(), time.Minute) {
		t.Fatal("expected first Wait to consume the coalesced signal")
	}

	got := make(chan bool, 1)
	go func() {
		got <- n.Wait(context.Background(), 30*time.Second)
	}()
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)

	if <-got {
		t.Fatal("expected second Wait to time out, not find a signal")
	}
}

func TestNotifier_TimeoutBoundsWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	n := NewNotifier(clock)

	got := make(chan bool, 1)
	go func() {
		got <- n.Wait(context.Background(), 30*time.Second)
	}()
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)

	select {
	case woke := <-got:
		if woke {
			t.Fatal("timeout path must report no signal")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after the timeout elapsed")
	}
}

func TestNotifier_ReturnsOnContextCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	n := NewNotifier(clock)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan bool, 1)
	go func() {
		got <- n.Wait(ctx, time.Hour)
	}()
	clock.BlockUntil(1)
	cancel()

	select {
	case woke := <-got:
		if woke {
			t.Fatal("cancelled Wait must not report a signal")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}

func TestNotifier_NotifyNeverBlocks(t *testing.T) {
	n := NewNotifier(clockwork.NewFakeClock())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			n.Notify()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Notify blocked with a full slot")
	}
}
