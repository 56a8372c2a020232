package ledger

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingWatcher captures every callback for assertions.
type recordingWatcher struct {
	mu          sync.Mutex
	batches     [][]CloudRecord
	connErrs    int
	tokenErrs   int
	malformed   int
	afterFinal  int
	sawTerminal bool
}

func (w *recordingWatcher) OnRemoteCommits(records []CloudRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sawTerminal {
		w.afterFinal++
		return
	}
	w.batches = append(w.batches, records)
}

func (w *recordingWatcher) OnConnectionError() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connErrs++
	w.sawTerminal = true
}

func (w *recordingWatcher) OnTokenExpired() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tokenErrs++
	w.sawTerminal = true
}

func (w *recordingWatcher) OnMalformedNotification() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.malformed++
	w.sawTerminal = true
}

func (w *recordingWatcher) snapshot() (batches int, connErrs, tokenErrs, malformed, afterFinal int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches), w.connErrs, w.tokenErrs, w.malformed, w.afterFinal
}

func TestGuardedWatcherSuppressesDeliveryAfterTerminal(t *testing.T) {
	inner := &recordingWatcher{}
	g := newGuardedWatcher(inner)

	g.OnRemoteCommits([]CloudRecord{{ID: "c1"}})
	g.OnMalformedNotification()

	// Anything the transport emits after a terminal callback must be dropped.
	g.OnRemoteCommits([]CloudRecord{{ID: "c2"}})
	g.OnConnectionError()
	g.OnTokenExpired()
	g.OnMalformedNotification()

	batches, connErrs, tokenErrs, malformed, afterFinal := inner.snapshot()
	if batches != 1 {
		t.Errorf("delivered %d batches, want 1", batches)
	}
	if malformed != 1 {
		t.Errorf("malformed fired %d times, want 1", malformed)
	}
	if connErrs != 0 || tokenErrs != 0 {
		t.Errorf("other terminal callbacks fired after the first: conn=%d token=%d", connErrs, tokenErrs)
	}
	if afterFinal != 0 {
		t.Errorf("%d commit batches leaked past the terminal callback", afterFinal)
	}
}

func TestGuardedWatcherTerminalIsFirstComeFirstServed(t *testing.T) {
	inner := &recordingWatcher{}
	g := newGuardedWatcher(inner)

	g.OnTokenExpired()
	g.OnConnectionError()

	_, connErrs, tokenErrs, _, _ := inner.snapshot()
	if tokenErrs != 1 || connErrs != 0 {
		t.Errorf("terminal callbacks: token=%d conn=%d, want 1/0", tokenErrs, connErrs)
	}
}

func TestPollingWatcherDeliversInTokenOrder(t *testing.T) {
	ctx := context.Background()
	cloud := NewMemoryCloud()
	if err := cloud.AddCommits(ctx, []CloudRecord{
		{ID: "c1", Payload: []byte("p1")},
		{ID: "c2", Payload: []byte("p2")},
	}); err != nil {
		t.Fatalf("AddCommits failed: %v", err)
	}

	inner := &recordingWatcher{}
	w := NewPollingWatcher(cloud, "", 10*time.Millisecond, inner)
	defer w.Close()

	waitFor(t, "first batch", func() bool {
		batches, _, _, _, _ := inner.snapshot()
		return batches >= 1
	})

	if err := cloud.AddCommits(ctx, []CloudRecord{{ID: "c3", Payload: []byte("p3")}}); err != nil {
		t.Fatalf("AddCommits failed: %v", err)
	}
	waitFor(t, "second batch", func() bool {
		inner.mu.Lock()
		defer inner.mu.Unlock()
		total := 0
		for _, b := range inner.batches {
			total += len(b)
		}
		return total == 3
	})

	inner.mu.Lock()
	defer inner.mu.Unlock()
	var last string
	for _, batch := range inner.batches {
		for _, r := range batch {
			if r.Token <= last {
				t.Fatalf("tokens not increasing across batches: %q then %q", last, r.Token)
			}
			last = r.Token
		}
	}
}

func TestPollingWatcherReportsConnectionError(t *testing.T) {
	cloud := NewMemoryCloud()
	cloud.FailNetwork = true

	inner := &recordingWatcher{}
	w := NewPollingWatcher(cloud, "", 10*time.Millisecond, inner)
	defer w.Close()

	waitFor(t, "connection error", func() bool {
		_, connErrs, _, _, _ := inner.snapshot()
		return connErrs == 1
	})
}

func TestPollingWatcherCloseIsSilent(t *testing.T) {
	cloud := NewMemoryCloud()
	inner := &recordingWatcher{}
	w := NewPollingWatcher(cloud, "", 10*time.Millisecond, inner)
	w.Close()

	_, connErrs, tokenErrs, malformed, _ := inner.snapshot()
	if connErrs+tokenErrs+malformed != 0 {
		t.Error("Close delivered a terminal callback")
	}
}
