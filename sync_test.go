package ledger

import (
	"context"
	"testing"
	"time"
)

type syncFixture struct {
	backend StorageBackend
	objects *objectStore
	store   *CommitStore
	sync    *CloudSync
}

func newSyncFixture(t *testing.T, page string, cloud *MemoryCloud) *syncFixture {
	t.Helper()
	backend := NewMemoryBackend()
	objects := newObjectStore(backend, 0)
	store, err := NewCommitStore(context.Background(), page, backend, objects)
	if err != nil {
		t.Fatalf("NewCommitStore failed: %v", err)
	}

	cfg := DefaultSyncConfig()
	cfg.Enabled = true
	cfg.PollInterval = 10 * time.Millisecond
	cs := NewCloudSync(page, store, backend, cloud, cloud, nil, cfg)
	t.Cleanup(cs.Stop)
	return &syncFixture{backend: backend, objects: objects, store: store, sync: cs}
}

func (f *syncFixture) commit(t *testing.T, parents []*Commit, key string, value ObjectID) *Commit {
	t.Helper()
	j := newJournal(f.store, f.objects, parents, func() time.Time { return time.Unix(0, 33) })
	if err := j.Put(key, value, PriorityEager); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	id, err := j.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	c, _ := f.store.GetCommit(id)
	return c
}

func TestSyncUploadsBacklogParentsFirst(t *testing.T) {
	cloud := NewMemoryCloud()
	f := newSyncFixture(t, "page", cloud)

	root := f.commit(t, nil, "k", testObjectID(1))
	a := f.commit(t, []*Commit{root}, "k", testObjectID(2))
	f.commit(t, []*Commit{a}, "k", testObjectID(3))

	f.sync.Start()
	waitFor(t, "backlog uploaded", func() bool {
		records, err := cloud.GetCommits(context.Background(), "")
		return err == nil && len(records) == 3
	})

	records, _ := cloud.GetCommits(context.Background(), "")
	seen := make(map[CommitID]bool)
	for _, r := range records {
		c, _, err := decodeCommitPayload(r, nil)
		if err != nil {
			t.Fatalf("uploaded record undecodable: %v", err)
		}
		for _, p := range c.ParentIDs() {
			if !seen[p] {
				t.Fatalf("commit %s uploaded before parent %s", c.ID(), p)
			}
		}
		seen[c.ID()] = true
	}
}

func TestSyncUploadsLiveCommits(t *testing.T) {
	cloud := NewMemoryCloud()
	f := newSyncFixture(t, "page", cloud)

	f.sync.Start()
	waitFor(t, "sync active", func() bool { return f.sync.Status() == SyncStatusActive })

	f.commit(t, nil, "k", testObjectID(1))
	waitFor(t, "commit uploaded", func() bool {
		records, err := cloud.GetCommits(context.Background(), "")
		return err == nil && len(records) == 1
	})
	if f.sync.Stats().CommitsUploaded != 1 {
		t.Errorf("stats report %d uploads, want 1", f.sync.Stats().CommitsUploaded)
	}
}

func TestSyncDownloadsRemoteCommits(t *testing.T) {
	cloud := NewMemoryCloud()

	uploader := newSyncFixture(t, "page", cloud)
	root := uploader.commit(t, nil, "greeting", testObjectID(7))
	uploader.sync.Start()
	waitFor(t, "upload", func() bool {
		records, err := cloud.GetCommits(context.Background(), "")
		return err == nil && len(records) == 1
	})

	downloader := newSyncFixture(t, "page", cloud)
	downloader.sync.Start()
	waitFor(t, "download", func() bool { return downloader.store.Contains(root.ID()) })

	// The bundled tree arrived too, so the commit is fully readable.
	c, _ := downloader.store.GetCommit(root.ID())
	tree, err := downloader.store.TreeFor(context.Background(), c)
	if err != nil {
		t.Fatalf("TreeFor on downloaded commit failed: %v", err)
	}
	if entry, ok := tree.Get("greeting"); !ok || entry.ObjectID != testObjectID(7) {
		t.Error("downloaded tree missing the committed entry")
	}
	if downloader.sync.Stats().CommitsDownloaded != 1 {
		t.Errorf("stats report %d downloads, want 1", downloader.sync.Stats().CommitsDownloaded)
	}
}

func TestSyncDoesNotReuploadRemoteCommits(t *testing.T) {
	cloud := NewMemoryCloud()

	uploader := newSyncFixture(t, "page", cloud)
	uploader.commit(t, nil, "k", testObjectID(1))
	uploader.sync.Start()
	waitFor(t, "upload", func() bool {
		records, err := cloud.GetCommits(context.Background(), "")
		return err == nil && len(records) == 1
	})
	uploader.sync.Stop()

	downloader := newSyncFixture(t, "page", cloud)
	downloader.sync.Start()
	waitFor(t, "download", func() bool { return downloader.store.Len() == 1 })

	// Give the uploader loop a chance to misbehave, then confirm the cloud
	// still holds exactly one record.
	time.Sleep(50 * time.Millisecond)
	records, _ := cloud.GetCommits(context.Background(), "")
	if len(records) != 1 {
		t.Fatalf("cloud holds %d records, want 1", len(records))
	}
	if got := downloader.sync.Stats().CommitsUploaded; got != 0 {
		t.Errorf("downloader uploaded %d commits, want 0", got)
	}
}

func TestSyncResumesFromPersistedToken(t *testing.T) {
	cloud := NewMemoryCloud()

	uploader := newSyncFixture(t, "page", cloud)
	root := uploader.commit(t, nil, "k", testObjectID(1))
	uploader.commit(t, []*Commit{root}, "k", testObjectID(2))
	uploader.sync.Start()
	waitFor(t, "upload", func() bool {
		records, err := cloud.GetCommits(context.Background(), "")
		return err == nil && len(records) == 2
	})

	backend := NewMemoryBackend()
	objects := newObjectStore(backend, 0)
	store, err := NewCommitStore(context.Background(), "page", backend, objects)
	if err != nil {
		t.Fatalf("NewCommitStore failed: %v", err)
	}
	cfg := DefaultSyncConfig()
	cfg.Enabled = true
	cfg.PollInterval = 10 * time.Millisecond

	first := NewCloudSync("page", store, backend, cloud, cloud, nil, cfg)
	first.Start()
	waitFor(t, "initial download", func() bool { return store.Len() == 2 })
	first.Stop()

	// Restarting against the same backend must not re-ingest old records.
	second := NewCloudSync("page", store, backend, cloud, cloud, nil, cfg)
	second.Start()
	defer second.Stop()
	waitFor(t, "sync active", func() bool { return second.Status() == SyncStatusActive })
	time.Sleep(50 * time.Millisecond)
	if got := second.Stats().CommitsDownloaded; got != 0 {
		t.Errorf("restart re-downloaded %d commits, want 0", got)
	}
}

func TestSyncHaltsOnIncompatibleCloud(t *testing.T) {
	cloud := NewMemoryCloud()

	f := newSyncFixture(t, "page", cloud)
	f.sync.Start()
	waitFor(t, "sync active", func() bool { return f.sync.Status() == SyncStatusActive })
	f.sync.Stop()

	// The cloud is erased behind this device's back.
	cloud.Erase(context.Background())

	cfg := DefaultSyncConfig()
	cfg.Enabled = true
	cfg.PollInterval = 10 * time.Millisecond
	restarted := NewCloudSync("page", f.store, f.backend, cloud, cloud, nil, cfg)
	restarted.Start()
	defer restarted.Stop()

	waitFor(t, "incompatible status", func() bool {
		return restarted.Status() == SyncStatusIncompatible
	})

	// Nothing may be uploaded to an incompatible cloud.
	f.commit(t, nil, "k", testObjectID(1))
	time.Sleep(50 * time.Millisecond)
	records, _ := cloud.GetCommits(context.Background(), "")
	if len(records) != 0 {
		t.Errorf("uploaded %d records to incompatible cloud, want 0", len(records))
	}
}

func TestSyncRejectsMalformedRemoteRecord(t *testing.T) {
	cloud := NewMemoryCloud()
	if err := cloud.AddCommits(context.Background(), []CloudRecord{
		{ID: "bogus", Payload: []byte("not a commit record")},
	}); err != nil {
		t.Fatalf("AddCommits failed: %v", err)
	}

	f := newSyncFixture(t, "page", cloud)
	f.sync.Start()

	waitFor(t, "error status", func() bool { return f.sync.Status() == SyncStatusError })
	if f.store.Len() != 0 {
		t.Error("malformed record ingested")
	}

	// A later valid record must not be ingested either: the coordinator is
	// terminally failed until restarted.
	good := newSyncFixture(t, "other", NewMemoryCloud())
	c := good.commit(t, nil, "k", testObjectID(1))
	objects, err := good.sync.bundleObjects(c)
	if err != nil {
		t.Fatalf("bundleObjects failed: %v", err)
	}
	payload, err := encodeCommitPayload(c, objects, nil)
	if err != nil {
		t.Fatalf("encodeCommitPayload failed: %v", err)
	}
	if err := cloud.AddCommits(context.Background(), []CloudRecord{
		{ID: c.ID().String(), Payload: payload},
	}); err != nil {
		t.Fatalf("AddCommits failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if f.store.Len() != 0 {
		t.Error("commit ingested after terminal protocol failure")
	}
}

func TestSyncConnectionErrorAfterStopIsNoOp(t *testing.T) {
	cloud := NewMemoryCloud()
	f := newSyncFixture(t, "page", cloud)

	f.sync.Start()
	waitFor(t, "sync active", func() bool { return f.sync.Status() == SyncStatusActive })
	f.sync.Stop()

	// A watcher callback straggling in after Stop must not spawn a reconnect
	// goroutine or change the status.
	before := f.sync.Status()
	f.sync.OnConnectionError()
	time.Sleep(50 * time.Millisecond)
	if got := f.sync.Status(); got != before {
		t.Errorf("status changed from %v to %v after Stop", before, got)
	}
}

func TestSyncEncryptedEndToEnd(t *testing.T) {
	cloud := NewMemoryCloud()
	enc := testEncryptor(t)

	build := func(page string) (*CommitStore, *objectStore, *CloudSync, StorageBackend) {
		backend := NewMemoryBackend()
		objects := newObjectStore(backend, 0)
		store, err := NewCommitStore(context.Background(), page, backend, objects)
		if err != nil {
			t.Fatalf("NewCommitStore failed: %v", err)
		}
		cfg := DefaultSyncConfig()
		cfg.Enabled = true
		cfg.PollInterval = 10 * time.Millisecond
		cs := NewCloudSync(page, store, backend, cloud, cloud, enc, cfg)
		t.Cleanup(cs.Stop)
		return store, objects, cs, backend
	}

	storeA, objectsA, syncA, _ := build("page")
	storeB, _, syncB, _ := build("page")

	j := newJournal(storeA, objectsA, nil, nil)
	_ = j.Put("secret", testObjectID(5), PriorityEager)
	id, err := j.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	syncA.Start()
	syncB.Start()
	waitFor(t, "encrypted replication", func() bool { return storeB.Contains(id) })

	// Ciphertext in the cloud must not contain the commit's plaintext bytes.
	records, _ := cloud.GetCommits(context.Background(), "")
	c, _ := storeA.GetCommit(id)
	for _, r := range records {
		if containsSubslice(r.Payload, c.StorageBytes()[:16]) {
			t.Error("cloud payload leaks plaintext commit bytes")
		}
	}
}

func containsSubslice(haystack, needle []byte) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
