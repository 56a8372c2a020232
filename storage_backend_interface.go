package ledger

import "context"

// StorageBackend is the durable key/value engine beneath the ledger. Commit
// bytes, tree objects, head sets, and device fingerprints are all persisted
// through it. Implementations cover the local filesystem, SQLite, S3, and an
// in-memory variant for tests.
type StorageBackend interface {
	// Read reads the value stored under key. Returns an error satisfying
	// errors.Is(err, ErrNotFound) when the key does not exist.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores value under key, overwriting any previous value.
	Write(ctx context.Context, key string, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys matching a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

// Ensure interfaces are implemented
var (
	_ StorageBackend = (*MemoryBackend)(nil)
	_ StorageBackend = (*FileBackend)(nil)
	_ StorageBackend = (*SQLiteBackend)(nil)
	_ StorageBackend = (*S3Backend)(nil)
)

// Key layout used by the commit store and sync coordinator.
const (
	keyPrefixPages   = "pages/"
	keyPrefixObjects = "objects/"
	keyDeviceRoot    = "device/"
)

func commitKey(page string, id CommitID) string {
	return keyPrefixPages + page + "/commits/" + id.String()
}

func commitKeyPrefix(page string) string {
	return keyPrefixPages + page + "/commits/"
}

func headsKey(page string) string {
	return keyPrefixPages + page + "/heads"
}

func objectKey(id ObjectID) string {
	return keyPrefixObjects + id.String()
}

func syncTokenKey(page string) string {
	return keyPrefixPages + page + "/sync/token"
}

func syncUploadedKey(page string, id CommitID) string {
	return keyPrefixPages + page + "/sync/uploaded/" + id.String()
}
