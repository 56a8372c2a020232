package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MergePolicy selects how divergent heads are resolved.
type MergePolicy int

const (
	// MergeManual never auto-merges; the multi-head state is left for the
	// application to resolve out of band.
	MergeManual MergePolicy = iota
	// MergeLastWriterWins applies a fixed non-interactive policy: for every
	// conflicting key the head with the higher generation wins, ties broken
	// by the larger commit ID. Never blocks.
	MergeLastWriterWins
	// MergeCustom delegates conflicting entries to an application-registered
	// ConflictResolver and may wait indefinitely for its decisions.
	MergeCustom
)

func (p MergePolicy) String() string {
	switch p {
	case MergeManual:
		return "manual"
	case MergeLastWriterWins:
		return "last_writer_wins"
	case MergeCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Merger watches a page's head set and resolves divergence down to a single
// head. At most one merge is in flight per page; multi-head conditions
// observed while merging are queued and re-evaluated after the in-flight
// merge completes, since that merge may itself resolve them.
type Merger struct {
	store   *CommitStore
	objects *objectStore
	clock   func() time.Time

	mu       sync.Mutex
	policy   MergePolicy
	resolver ConflictResolver
	onError  func(error)
	merging  bool
	pending  bool
	closed   bool
	// epoch invalidates in-flight work on Cancel: no commit is produced and
	// no callback fires for a superseded epoch.
	epoch  uint64
	client *resolverClient

	watchID string
}

// NewMerger creates a merge coordinator for the page and starts watching its
// head set.
func NewMerger(store *CommitStore, objects *objectStore, policy MergePolicy) *Merger {
	m := &Merger{
		store:   store,
		objects: objects,
		policy:  policy,
		clock:   time.Now,
	}
	m.watchID = store.Watch(func(ev CommitEvent) {
		if ev.HeadChanged {
			m.maybeMerge()
		}
	})
	return m
}

// SetPolicy changes the merge policy for subsequent merges.
func (m *Merger) SetPolicy(policy MergePolicy) {
	m.mu.Lock()
	m.policy = policy
	m.mu.Unlock()
	m.maybeMerge()
}

// SetConflictResolver registers the resolver used by the custom policy.
func (m *Merger) SetConflictResolver(r ConflictResolver) {
	m.mu.Lock()
	m.resolver = r
	m.mu.Unlock()
	m.maybeMerge()
}

// SetOnError installs a callback invoked when merge resolution fails
// irrecoverably. The merge is abandoned and the heads remain unmerged until
// re-triggered.
func (m *Merger) SetOnError(handler func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = handler
}

// Idle reports whether no merge is in flight.
func (m *Merger) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.merging
}

// Cancel aborts any in-flight merge. Safe to call at any point, including
// while awaiting a custom resolver; no completion or error callback fires
// for the canceled merge. Later head changes trigger merging again.
func (m *Merger) Cancel() {
	m.mu.Lock()
	m.epoch++
	m.pending = false
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client != nil {
		client.Cancel()
	}
}

// Close cancels any in-flight merge and stops watching the page.
func (m *Merger) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Cancel()
	m.store.Unwatch(m.watchID)
}

// maybeMerge transitions idle -> merging when more than one head exists.
func (m *Merger) maybeMerge() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.merging {
		m.pending = true
		m.mu.Unlock()
		return
	}
	if len(m.store.Heads()) < 2 {
		m.mu.Unlock()
		return
	}
	m.merging = true
	epoch := m.epoch
	m.mu.Unlock()

	go m.run(epoch)
}

func (m *Merger) run(epoch uint64) {
	for {
		heads := m.store.Heads()
		if len(heads) < 2 || m.stale(epoch) {
			break
		}

		merged, err := m.mergeOnce(heads, epoch)
		if err != nil {
			if !m.stale(epoch) {
				m.reportError(err)
			}
			break
		}
		if !merged {
			// Manual policy, or a resolver is not yet registered: surface
			// the multi-head state and stop.
			break
		}
	}

	m.mu.Lock()
	m.merging = false
	again := m.pending && !m.closed
	m.pending = false
	m.mu.Unlock()

	if again {
		m.maybeMerge()
	}
}

func (m *Merger) stale(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || m.epoch != epoch
}

func (m *Merger) reportError(err error) {
	m.mu.Lock()
	handler := m.onError
	m.mu.Unlock()
	if handler != nil {
		handler(err)
		return
	}
	slog.Error("merge failed", "page", m.store.Page(), "err", err)
}

// mergeOnce resolves exactly one pair of heads. When more than two heads
// exist the lexicographically lowest pair is merged first; any deterministic
// choice settles to the same final state, and this one keeps intermediate
// history reproducible across devices.
func (m *Merger) mergeOnce(heads []CommitID, epoch uint64) (bool, error) {
	ctx := context.Background()

	left, err := m.store.GetCommit(heads[0])
	if err != nil {
		return false, err
	}
	right, err := m.store.GetCommit(heads[1])
	if err != nil {
		return false, err
	}

	// Fast-forward: heads already ordered by ancestry need no merge commit;
	// the descendant is the settled head.
	if ok, err := m.store.IsAncestor(left.ID(), right.ID()); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	if ok, err := m.store.IsAncestor(right.ID(), left.ID()); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}

	// Disjoint histories (each device created its own root offline) merge
	// against the empty tree: every key on either side is a change, and keys
	// set differently on both sides are conflicts.
	ancTree := NewTree()
	ancestor, err := m.store.CommonAncestor(left.ID(), right.ID())
	switch {
	case err == nil:
		ancTree, err = m.store.TreeFor(ctx, ancestor)
		if err != nil {
			return false, err
		}
	case !errors.Is(err, ErrNoCommonAncestor):
		return false, err
	}

	leftTree, err := m.store.TreeFor(ctx, left)
	if err != nil {
		return false, err
	}
	rightTree, err := m.store.TreeFor(ctx, right)
	if err != nil {
		return false, err
	}

	leftChanges := diffTrees(ancTree, leftTree)
	rightChanges := diffTrees(ancTree, rightTree)
	conflicts := findConflicts(ancTree, leftChanges, rightChanges)

	var resolutions []Resolution
	m.mu.Lock()
	policy := m.policy
	resolver := m.resolver
	m.mu.Unlock()

	if len(conflicts) > 0 {
		switch policy {
		case MergeManual:
			return false, nil
		case MergeLastWriterWins:
			resolutions = resolveLastWriterWins(left, right, conflicts)
		case MergeCustom:
			if resolver == nil {
				return false, nil
			}
			resolutions, err = m.resolveCustom(resolver, conflicts, epoch)
			if err != nil {
				return false, err
			}
		default:
			return false, fmt.Errorf("unknown merge policy %d", policy)
		}
	} else if policy == MergeManual {
		return false, nil
	}

	if m.stale(epoch) {
		return false, ErrCanceled
	}

	journal := newJournal(m.store, m.objects, []*Commit{left, right}, m.clock)
	if err := m.stageMerge(journal, left, right, leftChanges, rightChanges, conflicts, resolutions); err != nil {
		return false, err
	}
	if m.stale(epoch) {
		_ = journal.Rollback()
		return false, ErrCanceled
	}
	if _, err := journal.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// resolveCustom delegates to the application resolver and blocks until it
// decides, the merger is canceled, or the resolver fails.
func (m *Merger) resolveCustom(resolver ConflictResolver, conflicts []ConflictEntry, epoch uint64) ([]Resolution, error) {
	m.mu.Lock()
	if m.closed || m.epoch != epoch {
		m.mu.Unlock()
		return nil, ErrCanceled
	}
	client := newResolverClient(context.Background(), resolver)
	m.client = client
	m.mu.Unlock()

	type outcome struct {
		resolutions []Resolution
		err         error
	}
	ch := make(chan outcome, 1)
	client.Merge(conflicts, func(resolutions []Resolution, err error) {
		ch <- outcome{resolutions, err}
	})

	select {
	case out := <-ch:
		m.mu.Lock()
		if m.client == client {
			m.client = nil
		}
		m.mu.Unlock()
		if out.err != nil {
			return nil, out.err
		}
		return out.resolutions, nil
	case <-client.ctx.Done():
		return nil, ErrCanceled
	}
}

// stageMerge stages the other side's non-conflicting changes plus the
// conflict resolutions onto the merge journal. The journal's base is the
// canonically first parent, so the staged set is deterministic for a given
// pair of heads and set of decisions.
func (m *Merger) stageMerge(journal *Journal, left, right *Commit,
	leftChanges, rightChanges ChangeSet, conflicts []ConflictEntry, resolutions []Resolution) error {

	base := journal.baseParent()
	other := rightChanges
	if base.ID() == right.ID() {
		other = leftChanges
	}

	conflictKeys := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		conflictKeys[c.Key] = true
	}

	for key, change := range other {
		if conflictKeys[key] {
			continue
		}
		switch change.Op {
		case ChangePut:
			if err := journal.Put(key, change.Entry.ObjectID, change.Entry.Priority); err != nil {
				return err
			}
		case ChangeDelete:
			if err := journal.Delete(key); err != nil {
				return err
			}
		}
	}

	for _, r := range resolutions {
		if r.Delete {
			if err := journal.Delete(r.Key); err != nil {
				return err
			}
			continue
		}
		if err := journal.Put(r.Key, r.Entry.ObjectID, r.Entry.Priority); err != nil {
			return err
		}
	}
	return nil
}

// findConflicts returns the keys changed on both sides to different
// outcomes, relative to the common ancestor.
func findConflicts(ancestor *Tree, leftChanges, rightChanges ChangeSet) []ConflictEntry {
	var conflicts []ConflictEntry
	for key, lc := range leftChanges {
		rc, ok := rightChanges[key]
		if !ok {
			continue
		}
		if changesEqual(lc, rc) {
			continue
		}
		entry := ConflictEntry{Key: key}
		if b, ok := ancestor.Get(key); ok {
			base := b
			entry.Base = &base
		}
		if lc.Op == ChangePut {
			l := lc.Entry
			entry.Left = &l
		}
		if rc.Op == ChangePut {
			r := rc.Entry
			entry.Right = &r
		}
		conflicts = append(conflicts, entry)
	}
	sortConflicts(conflicts)
	return conflicts
}

func changesEqual(a, b Change) bool {
	if a.Op != b.Op {
		return false
	}
	return a.Op == ChangeDelete || a.Entry == b.Entry
}

func sortConflicts(conflicts []ConflictEntry) {
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].Key < conflicts[j].Key
	})
}

// resolveLastWriterWins picks the newer head's change for every conflicting
// key: higher generation wins, ties broken by the larger commit ID.
func resolveLastWriterWins(left, right *Commit, conflicts []ConflictEntry) []Resolution {
	winnerIsRight := right.Generation() > left.Generation() ||
		(right.Generation() == left.Generation() &&
			compareCommitIDs(right.ID(), left.ID()) > 0)

	resolutions := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		side := c.Left
		if winnerIsRight {
			side = c.Right
		}
		if side == nil {
			resolutions = append(resolutions, Resolution{Key: c.Key, Delete: true})
			continue
		}
		resolutions = append(resolutions, Resolution{Key: c.Key, Entry: *side})
	}
	return resolutions
}
