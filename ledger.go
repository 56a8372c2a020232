package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Ledger is an offline-first document store. Each named page is an
// append-only DAG of immutable commits over a versioned key/value tree;
// journals stage local writes, the merge engine settles divergent heads, and
// the sync coordinator exchanges commits with a cloud target. All local
// operations complete without network access.
type Ledger struct {
	config    Config
	backend   StorageBackend
	objects   *objectStore
	encryptor *Encryptor

	mu     sync.Mutex
	pages  map[string]*Page
	closed bool
}

// Open opens a ledger with the given configuration.
func Open(config Config) (*Ledger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	backend, err := openBackend(config)
	if err != nil {
		return nil, err
	}

	var encryptor *Encryptor
	if config.Encryption != nil {
		encryptor, err = NewEncryptor(*config.Encryption)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
	}

	return &Ledger{
		config:    config,
		backend:   backend,
		objects:   newObjectStore(backend, config.Storage.ObjectCacheSize),
		encryptor: encryptor,
		pages:     make(map[string]*Page),
	}, nil
}

// Backend exposes the ledger's storage backend, mainly for wiring a sync
// coordinator or inspecting state in tests.
func (l *Ledger) Backend() StorageBackend { return l.backend }

// PutBlob stores an opaque value and returns its content address, usable as
// the object ID in journal puts. Identical content is stored once.
func (l *Ledger) PutBlob(ctx context.Context, data []byte) (ObjectID, error) {
	return l.objects.putBlob(ctx, data)
}

// GetBlob loads a value by content address.
func (l *Ledger) GetBlob(ctx context.Context, id ObjectID) ([]byte, error) {
	return l.objects.getBlob(ctx, id)
}

// Page opens (creating on first use) the named page.
func (l *Ledger) Page(ctx context.Context, id string) (*Page, error) {
	if id == "" {
		return nil, errors.New("page id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if p, ok := l.pages[id]; ok {
		return p, nil
	}

	store, err := NewCommitStore(ctx, id, l.backend, l.objects)
	if err != nil {
		return nil, err
	}

	policy, err := ParseMergePolicy(l.config.Merge.Policy)
	if err != nil {
		return nil, err
	}

	p := &Page{
		id:      id,
		ledger:  l,
		store:   store,
		objects: l.objects,
		merger:  NewMerger(store, l.objects, policy),
	}

	if l.config.Sync.Enabled && l.config.Sync.S3 != nil {
		cloud, err := NewS3Cloud(*l.config.Sync.S3, id)
		if err != nil {
			p.merger.Close()
			return nil, err
		}
		p.sync = NewCloudSync(id, store, l.backend, cloud, cloud, l.encryptor, l.config.Sync)
		p.sync.Start()
	}

	l.pages[id] = p
	return p, nil
}

// Close stops merging and syncing on every page and releases the backend.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pages := make([]*Page, 0, len(l.pages))
	for _, p := range l.pages {
		pages = append(pages, p)
	}
	l.mu.Unlock()

	for _, p := range pages {
		p.close()
	}
	return l.backend.Close()
}

// Page is one independently versioned document: a commit DAG, its merge
// coordinator, and optionally a sync coordinator.
type Page struct {
	id      string
	ledger  *Ledger
	store   *CommitStore
	objects *objectStore
	merger  *Merger

	mu   sync.Mutex
	sync *CloudSync
}

// ID returns the page identifier.
func (p *Page) ID() string { return p.id }

// Store exposes the page's commit DAG.
func (p *Page) Store() *CommitStore { return p.store }

// Merger exposes the page's merge coordinator.
func (p *Page) Merger() *Merger { return p.merger }

// Heads returns the page's current head set, sorted by ID.
func (p *Page) Heads() []CommitID { return p.store.Heads() }

// NewJournal opens a journal anchored at the page's current state. On an
// empty page the journal produces the root commit; with divergent heads it
// anchors at the newest head (highest generation, ties broken by larger ID)
// so local writes extend the freshest line while the merge engine settles
// the rest.
func (p *Page) NewJournal(ctx context.Context) (*Journal, error) {
	heads := p.store.Heads()
	if len(heads) == 0 {
		return newJournal(p.store, p.objects, nil, nil), nil
	}

	newest, err := p.store.GetCommit(heads[0])
	if err != nil {
		return nil, err
	}
	for _, id := range heads[1:] {
		c, err := p.store.GetCommit(id)
		if err != nil {
			return nil, err
		}
		if c.Generation() > newest.Generation() ||
			(c.Generation() == newest.Generation() &&
				compareCommitIDs(c.ID(), newest.ID()) > 0) {
			newest = c
		}
	}
	return newJournal(p.store, p.objects, []*Commit{newest}, nil), nil
}

// Get reads the entry for key at the journal anchor (the newest head). The
// second result reports presence.
func (p *Page) Get(ctx context.Context, key string) (TreeEntry, bool, error) {
	tree, err := p.currentTree(ctx)
	if err != nil {
		return TreeEntry{}, false, err
	}
	entry, ok := tree.Get(key)
	return entry, ok, nil
}

// Keys returns all keys present at the newest head, sorted.
func (p *Page) Keys(ctx context.Context) ([]string, error) {
	tree, err := p.currentTree(ctx)
	if err != nil {
		return nil, err
	}
	return tree.Keys(), nil
}

func (p *Page) currentTree(ctx context.Context) (*Tree, error) {
	heads := p.store.Heads()
	if len(heads) == 0 {
		return NewTree(), nil
	}
	newest, err := p.store.GetCommit(heads[0])
	if err != nil {
		return nil, err
	}
	for _, id := range heads[1:] {
		c, err := p.store.GetCommit(id)
		if err != nil {
			return nil, err
		}
		if c.Generation() > newest.Generation() ||
			(c.Generation() == newest.Generation() &&
				compareCommitIDs(c.ID(), newest.ID()) > 0) {
			newest = c
		}
	}
	return p.store.TreeFor(ctx, newest)
}

// SetMergePolicy changes the page's merge policy.
func (p *Page) SetMergePolicy(policy MergePolicy) {
	p.merger.SetPolicy(policy)
}

// SetConflictResolver registers the resolver used by the custom merge policy.
func (p *Page) SetConflictResolver(r ConflictResolver) {
	p.merger.SetConflictResolver(r)
}

// SetOnMergeError installs a callback for irrecoverable merge failures.
func (p *Page) SetOnMergeError(handler func(error)) {
	p.merger.SetOnError(handler)
}

// StartSync begins synchronizing this page against the given cloud target.
// Used when the cloud is supplied by the application rather than the ledger
// configuration. Starting sync twice is a no-op.
func (p *Page) StartSync(cloud PageCloud, deviceSet DeviceSet) *CloudSync {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sync != nil {
		return p.sync
	}
	p.sync = NewCloudSync(p.id, p.store, p.ledger.backend, cloud, deviceSet,
		p.ledger.encryptor, p.ledger.config.Sync)
	p.sync.Start()
	return p.sync
}

// Sync returns the page's sync coordinator, or nil when sync is not running.
func (p *Page) Sync() *CloudSync {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sync
}

func (p *Page) close() {
	p.mu.Lock()
	syncer := p.sync
	p.sync = nil
	p.mu.Unlock()

	if syncer != nil {
		syncer.Stop()
	}
	p.merger.Close()
	slog.Debug("page closed", "page", p.id)
}
