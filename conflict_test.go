package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testConflicts() []ConflictEntry {
	left := TreeEntry{ObjectID: testObjectID(1)}
	right := TreeEntry{ObjectID: testObjectID(2)}
	return []ConflictEntry{
		{Key: "a", Left: &left, Right: &right},
		{Key: "b", Left: &left},
	}
}

func TestResolverClientDeliversResolutions(t *testing.T) {
	client := newResolverClient(context.Background(), ConflictResolverFunc(
		func(ctx context.Context, conflicts []ConflictEntry) ([]Resolution, error) {
			out := make([]Resolution, 0, len(conflicts))
			for _, c := range conflicts {
				out = append(out, Resolution{Key: c.Key, Delete: true})
			}
			return out, nil
		}))

	done := make(chan []Resolution, 1)
	client.Merge(testConflicts(), func(resolutions []Resolution, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- resolutions
	})

	select {
	case resolutions := <-done:
		if len(resolutions) != 2 {
			t.Errorf("got %d resolutions, want 2", len(resolutions))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("done callback never fired")
	}
}

func TestResolverClientCancelSuppressesCallback(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	client := newResolverClient(context.Background(), ConflictResolverFunc(
		func(ctx context.Context, conflicts []ConflictEntry) ([]Resolution, error) {
			close(entered)
			<-release
			return []Resolution{{Key: "a"}, {Key: "b"}}, nil
		}))

	fired := make(chan struct{}, 1)
	client.Merge(testConflicts(), func([]Resolution, error) {
		fired <- struct{}{}
	})

	<-entered
	client.Cancel()
	close(release)

	select {
	case <-fired:
		t.Fatal("done callback fired after Cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResolverClientCancelWaitsForInFlightDelivery(t *testing.T) {
	client := newResolverClient(context.Background(), ConflictResolverFunc(
		func(ctx context.Context, conflicts []ConflictEntry) ([]Resolution, error) {
			return []Resolution{{Key: "a", Delete: true}, {Key: "b", Delete: true}}, nil
		}))

	inDelivery := make(chan struct{})
	releaseDelivery := make(chan struct{})
	var delivered atomic.Bool
	client.Merge(testConflicts(), func([]Resolution, error) {
		close(inDelivery)
		<-releaseDelivery
		delivered.Store(true)
	})

	// Cancel while the done callback is running: it must not return until the
	// delivery completes, so a caller that has seen Cancel return can rely on
	// the callback never firing afterwards.
	<-inDelivery
	canceled := make(chan struct{})
	go func() {
		client.Cancel()
		close(canceled)
	}()

	select {
	case <-canceled:
		t.Fatal("Cancel returned while the callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseDelivery)
	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel never returned")
	}
	if !delivered.Load() {
		t.Error("callback did not complete before Cancel returned")
	}
}

func TestResolverClientPropagatesResolverError(t *testing.T) {
	wantErr := errors.New("resolver exploded")
	client := newResolverClient(context.Background(), ConflictResolverFunc(
		func(ctx context.Context, conflicts []ConflictEntry) ([]Resolution, error) {
			return nil, wantErr
		}))

	done := make(chan error, 1)
	client.Merge(testConflicts(), func(_ []Resolution, err error) {
		done <- err
	})

	select {
	case err := <-done:
		if !errors.Is(err, wantErr) {
			t.Errorf("got %v, want resolver error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("done callback never fired")
	}
}

func TestValidateResolutions(t *testing.T) {
	conflicts := testConflicts()

	full := []Resolution{{Key: "a", Delete: true}, {Key: "b", Delete: true}}
	if err := validateResolutions(conflicts, full); err != nil {
		t.Errorf("complete resolutions rejected: %v", err)
	}

	cases := map[string][]Resolution{
		"missing":   {{Key: "a", Delete: true}},
		"unknown":   {{Key: "a", Delete: true}, {Key: "b", Delete: true}, {Key: "zzz", Delete: true}},
		"duplicate": {{Key: "a", Delete: true}, {Key: "a", Delete: true}, {Key: "b", Delete: true}},
		"empty":     nil,
	}
	for name, resolutions := range cases {
		if err := validateResolutions(conflicts, resolutions); !errors.Is(err, ErrUnresolvedConflict) {
			t.Errorf("%s: got %v, want ErrUnresolvedConflict", name, err)
		}
	}
}

func TestValidateResolutionsNoConflicts(t *testing.T) {
	if err := validateResolutions(nil, nil); err != nil {
		t.Errorf("empty conflict set rejected: %v", err)
	}
}
