package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
)

// objectStore persists content-addressed tree objects through a
// StorageBackend and keeps recently used trees in an LRU cache. Objects are
// immutable, so cached entries never go stale.
type objectStore struct {
	backend StorageBackend
	cache   *LRUCache
}

const defaultObjectCacheSize = 256

func newObjectStore(backend StorageBackend, cacheSize int) *objectStore {
	if cacheSize <= 0 {
		cacheSize = defaultObjectCacheSize
	}
	return &objectStore{
		backend: backend,
		cache:   NewLRUCache(cacheSize),
	}
}

// putTree writes a tree and returns its content address. Writing a tree that
// already exists is a no-op.
func (os *objectStore) putTree(ctx context.Context, t *Tree) (ObjectID, error) {
	data, err := t.Encode()
	if err != nil {
		return ObjectID{}, fmt.Errorf("encode tree: %w", err)
	}
	id, err := t.ID()
	if err != nil {
		return ObjectID{}, err
	}

	key := objectKey(id)
	if _, ok := os.cache.Get(key); ok {
		return id, nil
	}
	exists, err := os.backend.Exists(ctx, key)
	if err != nil {
		return ObjectID{}, newStoreError(StoreErrorTypeBackend, "object exists check failed", id.String(), err)
	}
	if !exists {
		if err := os.backend.Write(ctx, key, data); err != nil {
			return ObjectID{}, newStoreError(StoreErrorTypeBackend, "object write failed", id.String(), err)
		}
	}
	os.cache.Put(key, data)
	return id, nil
}

// getTree loads a tree by content address.
func (os *objectStore) getTree(ctx context.Context, id ObjectID) (*Tree, error) {
	key := objectKey(id)
	if data, ok := os.cache.Get(key); ok {
		return DecodeTree(data)
	}
	data, err := os.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	t, err := DecodeTree(data)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeInvariant, "corrupt tree object", id.String(), err)
	}
	os.cache.Put(key, data)
	return t, nil
}

// emptyTreeID returns the content address of the empty tree, writing it if
// necessary so root commits always have a resolvable root.
func (os *objectStore) emptyTreeID(ctx context.Context) (ObjectID, error) {
	return os.putTree(ctx, NewTree())
}

// putBlob stores an opaque value object and returns its content address.
// Blobs and trees share the object namespace; both are addressed by the
// SHA-256 of their bytes, so identical content is stored once.
func (os *objectStore) putBlob(ctx context.Context, data []byte) (ObjectID, error) {
	id := ObjectID(sha256.Sum256(data))
	key := objectKey(id)
	if _, ok := os.cache.Get(key); ok {
		return id, nil
	}
	exists, err := os.backend.Exists(ctx, key)
	if err != nil {
		return ObjectID{}, newStoreError(StoreErrorTypeBackend, "object exists check failed", id.String(), err)
	}
	if !exists {
		if err := os.backend.Write(ctx, key, data); err != nil {
			return ObjectID{}, newStoreError(StoreErrorTypeBackend, "object write failed", id.String(), err)
		}
	}
	os.cache.Put(key, data)
	return id, nil
}

// getBlob loads a value object by content address.
func (os *objectStore) getBlob(ctx context.Context, id ObjectID) ([]byte, error) {
	key := objectKey(id)
	if data, ok := os.cache.Get(key); ok {
		return data, nil
	}
	data, err := os.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	os.cache.Put(key, data)
	return data, nil
}
