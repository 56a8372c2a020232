package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// CommitEvent describes a batch of commits appended to a page's DAG,
// whether by a local journal commit or by remote sync ingestion.
type CommitEvent struct {
	// Added lists the appended commits in an order consistent with the DAG
	// partial order: a commit never precedes its parents.
	Added []*Commit
	// HeadChanged reports whether the head set changed.
	HeadChanged bool
}

// StoreWatchFunc receives commit events. Callbacks run synchronously on the
// path that appended the commit; they may read from the store but must not
// block indefinitely.
type StoreWatchFunc func(CommitEvent)

// CommitStore is the commit DAG for a single page: content-addressed,
// append-only storage of immutable commits plus the current head set. Both
// the local write path and sync ingestion funnel through AddCommit; the
// store serializes access internally so callers never hold an external lock.
type CommitStore struct {
	page    string
	backend StorageBackend
	objects *objectStore

	// notifyMu serializes mutation + watcher delivery so listeners observe
	// commits in DAG order even under concurrent AddCommit calls.
	notifyMu sync.Mutex

	mu       sync.RWMutex
	commits  map[CommitID]*Commit
	heads    map[CommitID]struct{}
	watchers map[string]StoreWatchFunc
}

// NewCommitStore opens the commit store for a page, loading any persisted
// commits and heads from the backend.
func NewCommitStore(ctx context.Context, page string, backend StorageBackend, objects *objectStore) (*CommitStore, error) {
	s := &CommitStore{
		page:     page,
		backend:  backend,
		objects:  objects,
		commits:  make(map[CommitID]*Commit),
		heads:    make(map[CommitID]struct{}),
		watchers: make(map[string]StoreWatchFunc),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CommitStore) load(ctx context.Context) error {
	keys, err := s.backend.List(ctx, commitKeyPrefix(s.page))
	if err != nil {
		return newStoreError(StoreErrorTypeBackend, "list commits failed", s.page, err)
	}
	for _, key := range keys {
		data, err := s.backend.Read(ctx, key)
		if err != nil {
			return newStoreError(StoreErrorTypeBackend, "read commit failed", key, err)
		}
		c, err := DecodeCommit(data)
		if err != nil {
			return err
		}
		s.commits[c.ID()] = c
	}

	headsData, err := s.backend.Read(ctx, headsKey(s.page))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return newStoreError(StoreErrorTypeBackend, "read heads failed", s.page, err)
	}
	if err == nil {
		ids, err := decodeHeadSet(headsData)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := s.commits[id]; !ok {
				return newStoreError(StoreErrorTypeInvariant, "head references unknown commit", id.String(), ErrInvalidCommit)
			}
			s.heads[id] = struct{}{}
		}
		return nil
	}

	// No persisted head set: derive it from parent linkage.
	hasChild := make(map[CommitID]bool)
	for _, c := range s.commits {
		for _, p := range c.ParentIDs() {
			hasChild[p] = true
		}
	}
	for id := range s.commits {
		if !hasChild[id] {
			s.heads[id] = struct{}{}
		}
	}
	return nil
}

// Page returns the page this store belongs to.
func (s *CommitStore) Page() string { return s.page }

// Heads returns the current head set, sorted by ID. Non-empty once the page
// has a root commit.
func (s *CommitStore) Heads() []CommitID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedHeadsLocked()
}

func (s *CommitStore) sortedHeadsLocked() []CommitID {
	heads := make([]CommitID, 0, len(s.heads))
	for id := range s.heads {
		heads = append(heads, id)
	}
	sort.Slice(heads, func(i, j int) bool {
		return compareCommitIDs(heads[i], heads[j]) < 0
	})
	return heads
}

// GetCommit looks up a commit by ID.
func (s *CommitStore) GetCommit(id CommitID) (*Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commits[id]
	if !ok {
		return nil, newStoreError(StoreErrorTypeNotFound, "commit not found", id.String(), ErrNotFound)
	}
	return c, nil
}

// Contains reports whether a commit is present.
func (s *CommitStore) Contains(id CommitID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.commits[id]
	return ok
}

// Len returns the number of commits in the store.
func (s *CommitStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.commits)
}

// AddCommit validates and appends a commit, updating the head set and
// notifying watchers. Adding an already present commit is a no-op. A commit
// whose parents are absent is rejected with ErrMissingParent; during sync
// the caller must fetch and add the parents first.
func (s *CommitStore) AddCommit(ctx context.Context, c *Commit, isMerge bool) error {
	return s.addCommits(ctx, []*Commit{c}, isMerge)
}

// AddCommits appends a batch atomically with respect to watcher delivery.
// The batch itself must be ordered parents-before-children.
func (s *CommitStore) AddCommits(ctx context.Context, commits []*Commit) error {
	return s.addCommits(ctx, commits, false)
}

func (s *CommitStore) addCommits(ctx context.Context, commits []*Commit, isMerge bool) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	var added []*Commit
	headChanged := false

	s.mu.Lock()
	for _, c := range commits {
		if _, ok := s.commits[c.ID()]; ok {
			continue
		}
		if err := s.validateLocked(c, isMerge); err != nil {
			s.mu.Unlock()
			return err
		}
		if err := s.backend.Write(ctx, commitKey(s.page, c.ID()), c.StorageBytes()); err != nil {
			s.mu.Unlock()
			return newStoreError(StoreErrorTypeBackend, "persist commit failed", c.ID().String(), err)
		}

		s.commits[c.ID()] = c
		for _, p := range c.ParentIDs() {
			if _, ok := s.heads[p]; ok {
				delete(s.heads, p)
				headChanged = true
			}
		}
		// The new commit has no descendant yet.
		s.heads[c.ID()] = struct{}{}
		headChanged = true
		added = append(added, c)
	}

	var persistErr error
	if headChanged {
		persistErr = s.persistHeadsLocked(ctx)
	}
	watchers := make([]StoreWatchFunc, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	if persistErr != nil {
		return persistErr
	}
	if len(added) == 0 {
		return nil
	}

	event := CommitEvent{Added: added, HeadChanged: headChanged}
	for _, w := range watchers {
		w(event)
	}
	return nil
}

func (s *CommitStore) validateLocked(c *Commit, isMerge bool) error {
	parents := c.ParentIDs()
	if isMerge && len(parents) != 2 {
		return newStoreError(StoreErrorTypeInvariant, "merge commit must have two parents", c.ID().String(), ErrInvalidCommit)
	}

	var maxParentGen uint64
	for _, p := range parents {
		parent, ok := s.commits[p]
		if !ok {
			return newStoreError(StoreErrorTypeMissingParent, "parent not in store", p.String(), ErrMissingParent)
		}
		if parent.Generation() > maxParentGen {
			maxParentGen = parent.Generation()
		}
	}

	if len(parents) == 0 {
		if c.Generation() != 0 {
			return newStoreError(StoreErrorTypeInvariant, "root commit with nonzero generation", c.ID().String(), ErrInvalidCommit)
		}
		return nil
	}
	if c.Generation() != maxParentGen+1 {
		return newStoreError(StoreErrorTypeInvariant, "generation must be 1 + max parent generation", c.ID().String(), ErrInvalidCommit)
	}
	return nil
}

func (s *CommitStore) persistHeadsLocked(ctx context.Context) error {
	data := encodeHeadSet(s.sortedHeadsLocked())
	if err := s.backend.Write(ctx, headsKey(s.page), data); err != nil {
		return newStoreError(StoreErrorTypeBackend, "persist heads failed", s.page, err)
	}
	return nil
}

// Watch registers a listener and returns its registration ID for Unwatch.
func (s *CommitStore) Watch(fn StoreWatchFunc) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.watchers[id] = fn
	return id
}

// Unwatch removes a listener.
func (s *CommitStore) Unwatch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers, id)
}

// TreeFor loads the versioned tree a commit points at.
func (s *CommitStore) TreeFor(ctx context.Context, c *Commit) (*Tree, error) {
	return s.objects.getTree(ctx, c.RootID())
}

// IsAncestor reports whether ancestor is reachable from descendant by
// walking parent links. A commit is its own ancestor.
func (s *CommitStore) IsAncestor(ancestor, descendant CommitID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anc, ok := s.commits[ancestor]
	if !ok {
		return false, newStoreError(StoreErrorTypeNotFound, "commit not found", ancestor.String(), ErrNotFound)
	}

	queue := []CommitID{descendant}
	visited := make(map[CommitID]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if id == ancestor {
			return true, nil
		}
		c, ok := s.commits[id]
		if !ok {
			return false, newStoreError(StoreErrorTypeNotFound, "commit not found", id.String(), ErrNotFound)
		}
		// Generation prunes walks that went below the candidate ancestor.
		if c.Generation() < anc.Generation() {
			continue
		}
		queue = append(queue, c.ParentIDs()...)
	}
	return false, nil
}

// CommonAncestor finds the lowest common ancestor of two commits: it
// collects a's full ancestry, then walks breadth-first from b and keeps the
// highest-generation commit found in that set (ties to the smaller ID).
// Returns ErrNoCommonAncestor when the histories are disjoint.
func (s *CommitStore) CommonAncestor(a, b CommitID) (*Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reachA, err := s.ancestryLocked(a)
	if err != nil {
		return nil, err
	}

	// Breadth-first from b by descending generation; first hit in reachA is
	// the lowest common ancestor.
	start, ok := s.commits[b]
	if !ok {
		return nil, newStoreError(StoreErrorTypeNotFound, "commit not found", b.String(), ErrNotFound)
	}
	queue := []*Commit{start}
	visited := map[CommitID]bool{b: true}
	var best *Commit
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if reachA[c.ID()] {
			if best == nil || c.Generation() > best.Generation() ||
				(c.Generation() == best.Generation() && compareCommitIDs(c.ID(), best.ID()) < 0) {
				best = c
			}
			continue
		}
		for _, p := range c.ParentIDs() {
			if visited[p] {
				continue
			}
			visited[p] = true
			parent, ok := s.commits[p]
			if !ok {
				return nil, newStoreError(StoreErrorTypeNotFound, "commit not found", p.String(), ErrNotFound)
			}
			queue = append(queue, parent)
		}
	}
	if best == nil {
		return nil, ErrNoCommonAncestor
	}
	return best, nil
}

func (s *CommitStore) ancestryLocked(id CommitID) (map[CommitID]bool, error) {
	reach := make(map[CommitID]bool)
	queue := []CommitID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if reach[cur] {
			continue
		}
		reach[cur] = true
		c, ok := s.commits[cur]
		if !ok {
			return nil, newStoreError(StoreErrorTypeNotFound, "commit not found", cur.String(), ErrNotFound)
		}
		queue = append(queue, c.ParentIDs()...)
	}
	return reach, nil
}

// MissingParents returns the parent IDs of c that are not yet in the store.
func (s *CommitStore) MissingParents(c *Commit) []CommitID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var missing []CommitID
	for _, p := range c.ParentIDs() {
		if _, ok := s.commits[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// encodeHeadSet serializes a sorted head list: 32 bytes per ID.
func encodeHeadSet(heads []CommitID) []byte {
	buf := make([]byte, 0, len(heads)*32)
	for _, h := range heads {
		buf = append(buf, h[:]...)
	}
	return buf
}

func decodeHeadSet(data []byte) ([]CommitID, error) {
	if len(data)%32 != 0 {
		return nil, newStoreError(StoreErrorTypeInvariant, "corrupt head set", "", ErrInvalidCommit)
	}
	heads := make([]CommitID, len(data)/32)
	for i := range heads {
		copy(heads[i][:], data[i*32:(i+1)*32])
	}
	return heads, nil
}
