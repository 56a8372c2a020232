package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// CloudStatus is the result code of a DeviceSet operation.
type CloudStatus int

const (
	// CloudStatusOK indicates success.
	CloudStatusOK CloudStatus = iota
	// CloudStatusNotFound indicates the fingerprint is not in the cloud device set.
	CloudStatusNotFound
	// CloudStatusNetworkError indicates a transient transport failure.
	CloudStatusNetworkError
	// CloudStatusInternalError indicates a non-transient cloud-side failure.
	CloudStatusInternalError
)

func (s CloudStatus) String() string {
	switch s {
	case CloudStatusOK:
		return "ok"
	case CloudStatusNotFound:
		return "not_found"
	case CloudStatusNetworkError:
		return "network_error"
	case CloudStatusInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// DeviceFingerprint is a per-device random value persisted locally and in
// the cloud. Its only job is detecting that the remote corpus was erased or
// reset independently of the local one.
type DeviceFingerprint string

// NewDeviceFingerprint generates a fresh random fingerprint.
func NewDeviceFingerprint() DeviceFingerprint {
	return DeviceFingerprint(uuid.NewString())
}

// DeviceSet is the cloud transport boundary holding the per-device
// fingerprints for one cloud target.
type DeviceSet interface {
	// CheckFingerprint reports whether fp is recorded in the cloud device set.
	CheckFingerprint(ctx context.Context, fp DeviceFingerprint) CloudStatus
	// SetFingerprint records fp in the cloud device set.
	SetFingerprint(ctx context.Context, fp DeviceFingerprint) CloudStatus
	// SetWatcher asks the cloud to notify the watcher if fp is ever erased.
	// The returned status reflects only the subscription attempt.
	SetWatcher(ctx context.Context, fp DeviceFingerprint, onErased func()) CloudStatus
	// Erase removes the entire device set, invalidating every device.
	Erase(ctx context.Context) CloudStatus
}

// CloudVersionResult is the outcome of a cloud compatibility check.
type CloudVersionResult int

const (
	// CloudVersionOK means local and remote state belong to the same epoch.
	CloudVersionOK CloudVersionResult = iota
	// CloudVersionIncompatible means the remote was erased or belongs to a
	// different epoch; sync must not proceed until the application clears
	// local state.
	CloudVersionIncompatible
	// CloudVersionNetworkError means the check failed in transport. Retryable.
	CloudVersionNetworkError
	// CloudVersionDiskError means local persistence failed. Fatal; not
	// retried automatically.
	CloudVersionDiskError
)

func (r CloudVersionResult) String() string {
	switch r {
	case CloudVersionOK:
		return "ok"
	case CloudVersionIncompatible:
		return "incompatible"
	case CloudVersionNetworkError:
		return "network_error"
	case CloudVersionDiskError:
		return "disk_error"
	default:
		return "unknown"
	}
}

const (
	fingerprintKey         = keyDeviceRoot + "fingerprint"
	fingerprintUploadedKey = keyDeviceRoot + "fingerprint_uploaded"
)

// LocalVersionChecker verifies that a cloud target is still compatible with
// this device before sync proceeds. At most one network request is made per
// CheckCloudVersion call.
type LocalVersionChecker struct {
	backend   StorageBackend
	deviceSet DeviceSet

	mu       sync.Mutex
	checking bool
	epoch    uint64
}

// NewLocalVersionChecker creates a checker bound to the local backend and a
// cloud device set.
func NewLocalVersionChecker(backend StorageBackend, deviceSet DeviceSet) *LocalVersionChecker {
	return &LocalVersionChecker{backend: backend, deviceSet: deviceSet}
}

// CheckCloudVersion runs the fingerprint protocol asynchronously and invokes
// callback with the result, unless Cancel is called first.
//
// First contact (local fingerprint never confirmed uploaded): the local
// fingerprint is uploaded and the result is OK. On later contacts the
// fingerprint must still be present remotely; its absence means the remote
// corpus was erased and the result is Incompatible.
func (c *LocalVersionChecker) CheckCloudVersion(ctx context.Context, callback func(CloudVersionResult)) {
	c.mu.Lock()
	c.checking = true
	epoch := c.epoch
	c.mu.Unlock()

	go func() {
		result := c.check(ctx)

		c.mu.Lock()
		live := c.epoch == epoch
		c.checking = false
		c.mu.Unlock()

		if live && callback != nil {
			callback(result)
		}
	}()
}

// Cancel abandons any pending check; its callback will not fire.
func (c *LocalVersionChecker) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
}

// CheckCloudVersionSync is the synchronous form of CheckCloudVersion.
func (c *LocalVersionChecker) CheckCloudVersionSync(ctx context.Context) CloudVersionResult {
	return c.check(ctx)
}

func (c *LocalVersionChecker) check(ctx context.Context) CloudVersionResult {
	fp, uploaded, result := c.loadFingerprint(ctx)
	if result != CloudVersionOK {
		return result
	}

	if !uploaded {
		// First contact with this cloud target.
		switch c.deviceSet.SetFingerprint(ctx, fp) {
		case CloudStatusOK:
		case CloudStatusNetworkError:
			return CloudVersionNetworkError
		default:
			return CloudVersionNetworkError
		}
		if err := c.backend.Write(ctx, fingerprintUploadedKey, []byte("1")); err != nil {
			return CloudVersionDiskError
		}
		return CloudVersionOK
	}

	switch c.deviceSet.CheckFingerprint(ctx, fp) {
	case CloudStatusOK:
		return CloudVersionOK
	case CloudStatusNotFound:
		return CloudVersionIncompatible
	case CloudStatusNetworkError:
		return CloudVersionNetworkError
	default:
		return CloudVersionNetworkError
	}
}

// loadFingerprint returns the device fingerprint, creating and persisting a
// fresh one on first use.
func (c *LocalVersionChecker) loadFingerprint(ctx context.Context) (DeviceFingerprint, bool, CloudVersionResult) {
	raw, err := c.backend.Read(ctx, fingerprintKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return "", false, CloudVersionDiskError
		}
		fp := NewDeviceFingerprint()
		if err := c.backend.Write(ctx, fingerprintKey, []byte(fp)); err != nil {
			return "", false, CloudVersionDiskError
		}
		return fp, false, CloudVersionOK
	}

	uploaded, err := c.backend.Exists(ctx, fingerprintUploadedKey)
	if err != nil {
		return "", false, CloudVersionDiskError
	}
	return DeviceFingerprint(raw), uploaded, CloudVersionOK
}

// Fingerprint returns the locally persisted fingerprint, creating one if
// necessary.
func (c *LocalVersionChecker) Fingerprint(ctx context.Context) (DeviceFingerprint, error) {
	fp, _, result := c.loadFingerprint(ctx)
	if result == CloudVersionDiskError {
		return "", newSyncError(SyncErrorTypeDisk, "fingerprint persistence failed", "", ErrDisk)
	}
	return fp, nil
}

// ResetLocalState discards the local fingerprint so the device can pair with
// a freshly erased cloud target. The application calls this after handling
// an Incompatible result.
func (c *LocalVersionChecker) ResetLocalState(ctx context.Context) error {
	if err := c.backend.Delete(ctx, fingerprintUploadedKey); err != nil {
		return newSyncError(SyncErrorTypeDisk, "clear fingerprint state failed", "", err)
	}
	if err := c.backend.Delete(ctx, fingerprintKey); err != nil {
		return newSyncError(SyncErrorTypeDisk, "clear fingerprint failed", "", err)
	}
	return nil
}
