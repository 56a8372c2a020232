package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCloud is an in-memory PageCloud plus DeviceSet, mirroring the cloud
// contract for tests and single-process setups. Tokens are zero-padded
// sequence numbers so lexicographic order matches assignment order.
type MemoryCloud struct {
	mu           sync.Mutex
	records      []CloudRecord
	present      map[string]bool
	fingerprints map[DeviceFingerprint]bool
	erasedHooks  []func()
	nextSeq      uint64

	// FailNetwork makes every operation report a network failure, for
	// exercising retry and NETWORK_ERROR paths.
	FailNetwork bool

	subscribers []chan CloudRecord
}

// NewMemoryCloud creates an empty in-memory cloud target.
func NewMemoryCloud() *MemoryCloud {
	return &MemoryCloud{
		present:      make(map[string]bool),
		fingerprints: make(map[DeviceFingerprint]bool),
	}
}

func memoryToken(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// AddCommits implements PageCloud.
func (m *MemoryCloud) AddCommits(ctx context.Context, records []CloudRecord) error {
	m.mu.Lock()
	if m.FailNetwork {
		m.mu.Unlock()
		return newSyncError(SyncErrorTypeNetwork, "cloud unreachable", "", ErrNetwork)
	}
	var added []CloudRecord
	for _, r := range records {
		if m.present[r.ID] {
			continue
		}
		m.nextSeq++
		r.Token = memoryToken(m.nextSeq)
		m.present[r.ID] = true
		m.records = append(m.records, r)
		added = append(added, r)
	}
	subs := append([]chan CloudRecord(nil), m.subscribers...)
	m.mu.Unlock()

	for _, r := range added {
		for _, ch := range subs {
			ch <- r
		}
	}
	return nil
}

// GetCommits implements PageCloud.
func (m *MemoryCloud) GetCommits(ctx context.Context, afterToken string) ([]CloudRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNetwork {
		return nil, newSyncError(SyncErrorTypeNetwork, "cloud unreachable", "", ErrNetwork)
	}
	var out []CloudRecord
	for _, r := range m.records {
		if r.Token > afterToken {
			out = append(out, r)
		}
	}
	return out, nil
}

// Subscribe returns a channel delivering records as they are uploaded,
// starting after afterToken. Used by the in-process watcher in tests.
func (m *MemoryCloud) Subscribe(afterToken string) (<-chan CloudRecord, func()) {
	ch := make(chan CloudRecord, 64)
	m.mu.Lock()
	for _, r := range m.records {
		if r.Token > afterToken {
			ch <- r
		}
	}
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		for i, c := range m.subscribers {
			if c == ch {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// CheckFingerprint implements DeviceSet.
func (m *MemoryCloud) CheckFingerprint(ctx context.Context, fp DeviceFingerprint) CloudStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNetwork {
		return CloudStatusNetworkError
	}
	if m.fingerprints[fp] {
		return CloudStatusOK
	}
	return CloudStatusNotFound
}

// SetFingerprint implements DeviceSet.
func (m *MemoryCloud) SetFingerprint(ctx context.Context, fp DeviceFingerprint) CloudStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNetwork {
		return CloudStatusNetworkError
	}
	m.fingerprints[fp] = true
	return CloudStatusOK
}

// SetWatcher implements DeviceSet.
func (m *MemoryCloud) SetWatcher(ctx context.Context, fp DeviceFingerprint, onErased func()) CloudStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNetwork {
		return CloudStatusNetworkError
	}
	if !m.fingerprints[fp] {
		return CloudStatusNotFound
	}
	m.erasedHooks = append(m.erasedHooks, onErased)
	return CloudStatusOK
}

// Erase implements DeviceSet: drops all fingerprints and commits, notifying
// erased watchers.
func (m *MemoryCloud) Erase(ctx context.Context) CloudStatus {
	m.mu.Lock()
	if m.FailNetwork {
		m.mu.Unlock()
		return CloudStatusNetworkError
	}
	m.fingerprints = make(map[DeviceFingerprint]bool)
	m.present = make(map[string]bool)
	m.records = nil
	hooks := m.erasedHooks
	m.erasedHooks = nil
	m.mu.Unlock()

	for _, hook := range hooks {
		if hook != nil {
			hook()
		}
	}
	return CloudStatusOK
}

var (
	_ PageCloud = (*MemoryCloud)(nil)
	_ DeviceSet = (*MemoryCloud)(nil)
)
