package ledger

import (
	"context"
	"sync"
	"time"
)

type journalState int

const (
	journalActive journalState = iota
	journalCommitted
	journalRolledBack
)

type journalOp int

const (
	journalPut journalOp = iota
	journalDelete
)

type journalEntry struct {
	op       journalOp
	objectID ObjectID
	priority Priority
}

// Journal is a short-lived staging area for pending key/value operations
// anchored at one parent commit (or two, inside the merge engine). Nothing
// touches storage until Commit; Rollback discards everything. Using a
// journal after either returns ErrJournalCompleted.
//
// Journal commits are purely local: they never block on network state and
// succeed or fail based on local storage alone.
type Journal struct {
	store   *CommitStore
	objects *objectStore
	parents []*Commit
	clock   func() time.Time

	mu     sync.Mutex
	state  journalState
	staged map[string]journalEntry
}

// newJournal creates a journal anchored at the given parents. Zero parents
// produce a root commit; two parents are reserved for the merge engine.
func newJournal(store *CommitStore, objects *objectStore, parents []*Commit, clock func() time.Time) *Journal {
	if clock == nil {
		clock = time.Now
	}
	return &Journal{
		store:   store,
		objects: objects,
		parents: parents,
		clock:   clock,
		staged:  make(map[string]journalEntry),
	}
}

// Put stages a mutation for key, overwriting any previously staged operation
// for the same key.
func (j *Journal) Put(key string, objectID ObjectID, priority Priority) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != journalActive {
		return ErrJournalCompleted
	}
	j.staged[key] = journalEntry{op: journalPut, objectID: objectID, priority: priority}
	return nil
}

// Delete stages a removal for key. A Delete after a Put in the same journal
// simply replaces the pending entry.
func (j *Journal) Delete(key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != journalActive {
		return ErrJournalCompleted
	}
	j.staged[key] = journalEntry{op: journalDelete}
	return nil
}

// Commit applies the staged operations over the parent's tree, appends the
// resulting commit to the store, and returns its ID. The journal is spent
// afterwards.
func (j *Journal) Commit(ctx context.Context) (CommitID, error) {
	j.mu.Lock()
	if j.state != journalActive {
		j.mu.Unlock()
		return CommitID{}, ErrJournalCompleted
	}
	j.state = journalCommitted
	staged := j.staged
	j.staged = nil
	j.mu.Unlock()

	base := NewTree()
	if len(j.parents) > 0 {
		parentTree, err := j.store.TreeFor(ctx, j.baseParent())
		if err != nil {
			return CommitID{}, err
		}
		base = parentTree.clone()
	}

	for key, entry := range staged {
		switch entry.op {
		case journalPut:
			applyChange(base, Change{Key: key, Op: ChangePut,
				Entry: TreeEntry{ObjectID: entry.objectID, Priority: entry.priority}})
		case journalDelete:
			applyChange(base, Change{Key: key, Op: ChangeDelete})
		}
	}

	rootID, err := j.objects.putTree(ctx, base)
	if err != nil {
		return CommitID{}, err
	}

	commit, err := NewCommit(j.parents, rootID, j.clock())
	if err != nil {
		return CommitID{}, err
	}
	if err := j.store.AddCommit(ctx, commit, len(j.parents) == 2); err != nil {
		return CommitID{}, err
	}
	return commit.ID(), nil
}

// Rollback discards all staged operations.
func (j *Journal) Rollback() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != journalActive {
		return ErrJournalCompleted
	}
	j.state = journalRolledBack
	j.staged = nil
	return nil
}

// baseParent is the parent whose tree staged operations are applied over.
// For merge journals the parents are in canonical order, so the base is
// deterministic for a given pair.
func (j *Journal) baseParent() *Commit {
	if len(j.parents) == 2 &&
		compareCommitIDs(j.parents[0].ID(), j.parents[1].ID()) > 0 {
		return j.parents[1]
	}
	return j.parents[0]
}
