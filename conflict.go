package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ConflictEntry describes one key changed incompatibly on both heads being
// merged: changed on both sides to different values, or changed on one side
// and deleted on the other. Nil pointers mean the key is absent on that side.
type ConflictEntry struct {
	Key   string
	Base  *TreeEntry
	Left  *TreeEntry
	Right *TreeEntry
}

// Resolution is the application's decision for one conflicting key.
type Resolution struct {
	Key    string
	Delete bool
	Entry  TreeEntry // used when Delete is false
}

// ConflictResolver is application-supplied logic invoked for the custom
// merge policy. Resolve receives every conflicting entry for one merge and
// may take arbitrarily long; it must honor ctx cancellation. The returned
// resolutions must cover every conflict key exactly once.
type ConflictResolver interface {
	Resolve(ctx context.Context, conflicts []ConflictEntry) ([]Resolution, error)
}

// ConflictResolverFunc adapts a function to the ConflictResolver interface.
type ConflictResolverFunc func(ctx context.Context, conflicts []ConflictEntry) ([]Resolution, error)

// Resolve implements ConflictResolver.
func (f ConflictResolverFunc) Resolve(ctx context.Context, conflicts []ConflictEntry) ([]Resolution, error) {
	return f(ctx, conflicts)
}

// resolverClient owns the lifetime of one outstanding custom-merge
// conversation. After Cancel, the completion callback never fires; the
// client checks its own liveness after every return from application code
// rather than trusting the resolver to observe cancellation promptly.
type resolverClient struct {
	resolver ConflictResolver
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	canceled bool
	finished bool
}

func newResolverClient(parent context.Context, resolver ConflictResolver) *resolverClient {
	ctx, cancel := context.WithCancel(parent)
	return &resolverClient{
		resolver: resolver,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Merge streams the conflicting entries to the resolver and invokes done
// exactly once with the validated resolutions, unless the client is canceled
// first. done runs on the client's goroutine.
func (c *resolverClient) Merge(conflicts []ConflictEntry, done func([]Resolution, error)) {
	go func() {
		resolutions, err := c.resolver.Resolve(c.ctx, conflicts)
		if err == nil {
			err = validateResolutions(conflicts, resolutions)
		}

		// The resolver is external code: the client may have been canceled
		// (and its owner torn down) while Resolve was running. done is invoked
		// under the lock so Cancel can never return between the liveness check
		// and the delivery.
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.canceled || c.finished {
			return
		}
		c.finished = true
		if err != nil {
			done(nil, err)
			return
		}
		done(resolutions, nil)
	}()
}

// Cancel aborts the conversation. Safe to call at any point; after Cancel
// returns, the done callback is guaranteed not to fire.
func (c *resolverClient) Cancel() {
	c.mu.Lock()
	c.canceled = true
	c.mu.Unlock()
	c.cancel()
}

// validateResolutions checks that every conflict key is decided exactly once
// and that no stray keys were resolved.
func validateResolutions(conflicts []ConflictEntry, resolutions []Resolution) error {
	want := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		want[c.Key] = false
	}
	for _, r := range resolutions {
		seen, ok := want[r.Key]
		if !ok {
			return fmt.Errorf("%w: resolution for unknown key %q", ErrUnresolvedConflict, r.Key)
		}
		if seen {
			return fmt.Errorf("%w: duplicate resolution for key %q", ErrUnresolvedConflict, r.Key)
		}
		want[r.Key] = true
	}
	var missing []string
	for k, seen := range want {
		if !seen {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: no resolution for keys %v", ErrUnresolvedConflict, missing)
	}
	return nil
}
