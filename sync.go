package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncConfig configures cloud synchronization for a page.
type SyncConfig struct {
	// Enabled enables/disables sync
	Enabled bool `yaml:"enabled" json:"enabled"`

	// PollInterval is how often the remote watcher polls for new commits
	// when the cloud offers no push stream.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// UploadBatchSize is the maximum number of commits per upload call.
	UploadBatchSize int `yaml:"upload_batch_size" json:"upload_batch_size"`

	// RetryInterval caps the backoff between retries of transient failures.
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`

	// MaxRetries before a transient failure is surfaced.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// WatcherEndpoint, when set, selects the websocket notification stream
	// instead of polling.
	WatcherEndpoint string `yaml:"watcher_endpoint" json:"watcher_endpoint"`

	// AuthToken authenticates the websocket stream.
	AuthToken string `yaml:"auth_token" json:"-"`

	// S3 selects the S3 cloud target when set.
	S3 *S3CloudConfig `yaml:"s3" json:"s3,omitempty"`
}

// DefaultSyncConfig returns default sync configuration.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Enabled:         false,
		PollInterval:    5 * time.Second,
		UploadBatchSize: 100,
		RetryInterval:   30 * time.Second,
		MaxRetries:      5,
	}
}

// UnmarshalYAML decodes durations from strings like "5s" while leaving
// fields absent from the document at their current values.
func (c *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled         *bool          `yaml:"enabled"`
		PollInterval    *string        `yaml:"poll_interval"`
		UploadBatchSize *int           `yaml:"upload_batch_size"`
		RetryInterval   *string        `yaml:"retry_interval"`
		MaxRetries      *int           `yaml:"max_retries"`
		WatcherEndpoint *string        `yaml:"watcher_endpoint"`
		AuthToken       *string        `yaml:"auth_token"`
		S3              *S3CloudConfig `yaml:"s3"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Enabled != nil {
		c.Enabled = *raw.Enabled
	}
	if raw.PollInterval != nil {
		d, err := time.ParseDuration(*raw.PollInterval)
		if err != nil {
			return fmt.Errorf("poll_interval: %w", err)
		}
		c.PollInterval = d
	}
	if raw.UploadBatchSize != nil {
		c.UploadBatchSize = *raw.UploadBatchSize
	}
	if raw.RetryInterval != nil {
		d, err := time.ParseDuration(*raw.RetryInterval)
		if err != nil {
			return fmt.Errorf("retry_interval: %w", err)
		}
		c.RetryInterval = d
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	if raw.WatcherEndpoint != nil {
		c.WatcherEndpoint = *raw.WatcherEndpoint
	}
	if raw.AuthToken != nil {
		c.AuthToken = *raw.AuthToken
	}
	if raw.S3 != nil {
		c.S3 = raw.S3
	}
	return nil
}

// SyncStatus represents the sync coordinator's current state.
type SyncStatus int

const (
	// SyncStatusIdle means sync has not started.
	SyncStatusIdle SyncStatus = iota
	// SyncStatusChecking means the fingerprint compatibility check is running.
	SyncStatusChecking
	// SyncStatusActive means upload and download are running.
	SyncStatusActive
	// SyncStatusOffline means the cloud is currently unreachable. Retryable.
	SyncStatusOffline
	// SyncStatusIncompatible means the remote was erased or belongs to a
	// different epoch; sync is halted until the application clears local state.
	SyncStatusIncompatible
	// SyncStatusError means sync hit a terminal error (expired auth token,
	// protocol violation, disk failure) and must be restarted explicitly.
	SyncStatusError
)

func (s SyncStatus) String() string {
	switch s {
	case SyncStatusIdle:
		return "idle"
	case SyncStatusChecking:
		return "checking"
	case SyncStatusActive:
		return "active"
	case SyncStatusOffline:
		return "offline"
	case SyncStatusIncompatible:
		return "incompatible"
	case SyncStatusError:
		return "error"
	default:
		return "unknown"
	}
}

// SyncStats contains synchronization statistics.
type SyncStats struct {
	CommitsUploaded   int64  `json:"commits_uploaded"`
	CommitsDownloaded int64  `json:"commits_downloaded"`
	UploadFailures    int64  `json:"upload_failures"`
	LastError         string `json:"last_error,omitempty"`
}

// CloudSync keeps one page's local DAG and its cloud counterpart consistent:
// a fingerprint compatibility check gates everything, an upload loop pushes
// local commits parents-before-children, and a remote watcher ingests cloud
// commits into the store. Sync failures never affect local journal commits.
type CloudSync struct {
	page      string
	config    SyncConfig
	store     *CommitStore
	backend   StorageBackend
	cloud     PageCloud
	checker   *LocalVersionChecker
	encryptor *Encryptor
	retryer   *Retryer
	cb        *CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	stopping  bool
	status    SyncStatus
	stats     SyncStats
	lastToken string
	// remote tracks commits known to exist in the cloud, so remote-origin
	// commits are not uploaded back.
	remote map[CommitID]bool
	// pendingUpload is the FIFO of local commits awaiting upload, already in
	// parents-before-children order.
	pendingUpload []*Commit
	uploadSignal  chan struct{}
	watchID       string
	remoteWatcher *PollingWatcher
	wsWatcher     *WebSocketWatcher
}

// NewCloudSync creates a sync coordinator for one page.
func NewCloudSync(page string, store *CommitStore, backend StorageBackend,
	cloud PageCloud, deviceSet DeviceSet, encryptor *Encryptor, cfg SyncConfig) *CloudSync {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.UploadBatchSize <= 0 {
		cfg.UploadBatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CloudSync{
		page:      page,
		config:    cfg,
		store:     store,
		backend:   backend,
		cloud:     cloud,
		checker:   NewLocalVersionChecker(backend, deviceSet),
		encryptor: encryptor,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    time.Second,
			MaxBackoff:        cfg.RetryInterval,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
		cb:           NewCircuitBreaker(5, 60*time.Second),
		ctx:          ctx,
		cancel:       cancel,
		remote:       make(map[CommitID]bool),
		uploadSignal: make(chan struct{}, 1),
	}
}

// Status returns the coordinator's current state.
func (cs *CloudSync) Status() SyncStatus {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.status
}

// Stats returns current sync statistics.
func (cs *CloudSync) Stats() SyncStats {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.stats
}

// Checker exposes the fingerprint checker, mainly so applications can call
// ResetLocalState after an incompatible result.
func (cs *CloudSync) Checker() *LocalVersionChecker {
	return cs.checker
}

// Start runs the fingerprint check and, if the cloud is compatible, begins
// uploading and downloading in the background.
func (cs *CloudSync) Start() {
	cs.mu.Lock()
	if cs.status != SyncStatusIdle || cs.stopping {
		cs.mu.Unlock()
		return
	}
	cs.status = SyncStatusChecking
	cs.wg.Add(1)
	cs.mu.Unlock()

	go cs.run()
}

// Stop cancels all in-flight sync work. No callbacks fire afterwards. Local
// writes are unaffected.
func (cs *CloudSync) Stop() {
	cs.cancel()
	cs.checker.Cancel()

	cs.mu.Lock()
	cs.stopping = true
	watchID := cs.watchID
	cs.watchID = ""
	remoteWatcher := cs.remoteWatcher
	cs.remoteWatcher = nil
	wsWatcher := cs.wsWatcher
	cs.wsWatcher = nil
	cs.mu.Unlock()

	if watchID != "" {
		cs.store.Unwatch(watchID)
	}
	if remoteWatcher != nil {
		remoteWatcher.Close()
	}
	if wsWatcher != nil {
		wsWatcher.Close()
	}
	cs.wg.Wait()
}

func (cs *CloudSync) run() {
	defer cs.wg.Done()

	// Transient network failures during the check are retried with backoff;
	// incompatibility and disk failures are terminal.
	var result CloudVersionResult
	retry := cs.retryer.Do(cs.ctx, func() error {
		result = cs.checker.CheckCloudVersionSync(cs.ctx)
		if result == CloudVersionNetworkError {
			return newSyncError(SyncErrorTypeNetwork, "fingerprint check failed", cs.page, ErrNetwork)
		}
		return nil
	})
	if cs.ctx.Err() != nil {
		return
	}
	if retry.LastErr != nil {
		cs.setStatus(SyncStatusOffline, retry.LastErr)
		return
	}
	switch result {
	case CloudVersionOK:
	case CloudVersionIncompatible:
		cs.setStatus(SyncStatusIncompatible, ErrIncompatibleCloud)
		return
	case CloudVersionDiskError:
		cs.setStatus(SyncStatusError, ErrDisk)
		return
	default:
		cs.setStatus(SyncStatusOffline, ErrNetwork)
		return
	}

	if err := cs.loadSyncState(); err != nil {
		cs.setStatus(SyncStatusError, err)
		return
	}

	// Catch up on the remote backlog before watching for new commits.
	if err := cs.downloadBacklog(); err != nil {
		cs.setStatus(SyncStatusOffline, err)
		return
	}
	if cs.Status() == SyncStatusError {
		// Backlog ingestion hit a protocol or disk failure.
		return
	}

	cs.enqueueLocalBacklog()

	cs.mu.Lock()
	cs.watchID = cs.store.Watch(cs.onLocalCommits)
	cs.status = SyncStatusActive
	cs.mu.Unlock()

	cs.startRemoteWatcher()

	cs.wg.Add(1)
	go cs.uploadLoop()
}

func (cs *CloudSync) setStatus(status SyncStatus, err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.status = status
	if err != nil {
		cs.stats.LastError = err.Error()
	}
}

// loadSyncState restores the resumption token and the uploaded-commit set.
func (cs *CloudSync) loadSyncState() error {
	raw, err := cs.backend.Read(cs.ctx, syncTokenKey(cs.page))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return newSyncError(SyncErrorTypeDisk, "load sync token failed", cs.page, err)
	}
	if err == nil {
		cs.lastToken = string(raw)
	}

	keys, err := cs.backend.List(cs.ctx, keyPrefixPages+cs.page+"/sync/uploaded/")
	if err != nil {
		return newSyncError(SyncErrorTypeDisk, "load uploaded set failed", cs.page, err)
	}
	for _, key := range keys {
		idHex := key[len(keyPrefixPages+cs.page+"/sync/uploaded/"):]
		id, err := ParseCommitID(idHex)
		if err != nil {
			continue
		}
		cs.remote[id] = true
	}
	return nil
}

// downloadBacklog pulls every remote commit after the resumption token.
func (cs *CloudSync) downloadBacklog() error {
	records, err := cs.cloud.GetCommits(cs.ctx, cs.lastToken)
	if err != nil {
		return err
	}
	cs.OnRemoteCommits(records)
	return nil
}

// enqueueLocalBacklog queues every local commit the cloud does not have,
// ordered parents-before-children (ascending generation, ID tie-break).
func (cs *CloudSync) enqueueLocalBacklog() {
	heads := cs.store.Heads()
	var all []*Commit
	seen := make(map[CommitID]bool)
	queue := append([]CommitID(nil), heads...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		c, err := cs.store.GetCommit(id)
		if err != nil {
			continue
		}
		all = append(all, c)
		queue = append(queue, c.ParentIDs()...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Generation() != all[j].Generation() {
			return all[i].Generation() < all[j].Generation()
		}
		return compareCommitIDs(all[i].ID(), all[j].ID()) < 0
	})

	cs.mu.Lock()
	for _, c := range all {
		if !cs.remote[c.ID()] {
			cs.pendingUpload = append(cs.pendingUpload, c)
		}
	}
	cs.mu.Unlock()
	cs.signalUpload()
}

// onLocalCommits is the store watcher: newly appended commits are queued for
// upload in delivery order, which already respects the DAG partial order.
func (cs *CloudSync) onLocalCommits(ev CommitEvent) {
	cs.mu.Lock()
	for _, c := range ev.Added {
		if cs.remote[c.ID()] {
			continue
		}
		cs.pendingUpload = append(cs.pendingUpload, c)
	}
	cs.mu.Unlock()
	cs.signalUpload()
}

func (cs *CloudSync) signalUpload() {
	select {
	case cs.uploadSignal <- struct{}{}:
	default:
	}
}

func (cs *CloudSync) uploadLoop() {
	defer cs.wg.Done()
	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-cs.uploadSignal:
		}
		cs.drainUploads()
	}
}

// drainUploads pushes pending commits in order. A commit is only removed
// from the queue once the cloud acknowledged it, so ordering (parents before
// children) survives transient failures.
func (cs *CloudSync) drainUploads() {
	for {
		cs.mu.Lock()
		n := len(cs.pendingUpload)
		if n > cs.config.UploadBatchSize {
			n = cs.config.UploadBatchSize
		}
		batch := append([]*Commit(nil), cs.pendingUpload[:n]...)
		cs.mu.Unlock()
		if len(batch) == 0 {
			return
		}

		records := make([]CloudRecord, 0, len(batch))
		for _, c := range batch {
			objects, err := cs.bundleObjects(c)
			if err != nil {
				cs.setStatus(SyncStatusError, err)
				return
			}
			payload, err := encodeCommitPayload(c, objects, cs.encryptor)
			if err != nil {
				cs.setStatus(SyncStatusError, err)
				return
			}
			records = append(records, CloudRecord{ID: c.ID().String(), Payload: payload})
		}

		err := cs.cb.Execute(func() error {
			result := cs.retryer.Do(cs.ctx, func() error {
				return cs.cloud.AddCommits(cs.ctx, records)
			})
			return result.LastErr
		})
		if err != nil {
			if cs.ctx.Err() != nil {
				return
			}
			cs.mu.Lock()
			cs.stats.UploadFailures++
			cs.stats.LastError = err.Error()
			cs.status = SyncStatusOffline
			cs.mu.Unlock()
			slog.Warn("commit upload failed", "page", cs.page, "err", err)
			return
		}

		cs.mu.Lock()
		cs.pendingUpload = cs.pendingUpload[len(batch):]
		for _, c := range batch {
			cs.remote[c.ID()] = true
		}
		cs.stats.CommitsUploaded += int64(len(batch))
		if cs.status == SyncStatusOffline {
			cs.status = SyncStatusActive
		}
		cs.mu.Unlock()

		for _, c := range batch {
			if err := cs.backend.Write(cs.ctx, syncUploadedKey(cs.page, c.ID()), []byte("1")); err != nil {
				slog.Warn("persist uploaded marker failed", "page", cs.page, "err", err)
			}
		}
	}
}

// bundleObjects collects the objects that travel with a commit: its root
// tree plus every eager-priority value present locally. Lazy values are left
// behind for on-demand fetch.
func (cs *CloudSync) bundleObjects(c *Commit) ([]recordObject, error) {
	treeData, err := cs.backend.Read(cs.ctx, objectKey(c.RootID()))
	if err != nil {
		return nil, newSyncError(SyncErrorTypeDisk, "read commit tree failed", c.ID().String(), err)
	}
	objects := []recordObject{{id: c.RootID(), data: treeData}}

	tree, err := DecodeTree(treeData)
	if err != nil {
		return nil, err
	}
	seen := map[ObjectID]bool{c.RootID(): true}
	for _, key := range tree.Keys() {
		entry, _ := tree.Get(key)
		if entry.Priority != PriorityEager || seen[entry.ObjectID] {
			continue
		}
		seen[entry.ObjectID] = true
		data, err := cs.backend.Read(cs.ctx, objectKey(entry.ObjectID))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, newSyncError(SyncErrorTypeDisk, "read value object failed", key, err)
		}
		objects = append(objects, recordObject{id: entry.ObjectID, data: data})
	}
	return objects, nil
}

func (cs *CloudSync) startRemoteWatcher() {
	cs.mu.Lock()
	token := cs.lastToken
	cs.mu.Unlock()

	if cs.config.WatcherEndpoint != "" {
		ws, err := NewWebSocketWatcher(cs.ctx, WebSocketWatcherConfig{
			Endpoint:   cs.config.WatcherEndpoint,
			Page:       cs.page,
			AfterToken: token,
			AuthToken:  cs.config.AuthToken,
		}, cs)
		if err != nil {
			slog.Warn("websocket watcher dial failed, falling back to polling",
				"page", cs.page, "err", err)
		} else {
			cs.mu.Lock()
			cs.wsWatcher = ws
			cs.mu.Unlock()
			return
		}
	}

	watcher := NewPollingWatcher(cs.cloud, token, cs.config.PollInterval, cs)
	cs.mu.Lock()
	cs.remoteWatcher = watcher
	cs.mu.Unlock()
}

// OnRemoteCommits implements CommitWatcher: decode each record and funnel it
// through the store's single AddCommit entry point. Records arrive in token
// order, which the upload path guarantees is parents-before-children.
func (cs *CloudSync) OnRemoteCommits(records []CloudRecord) {
	for _, record := range records {
		commit, objects, err := decodeCommitPayload(record, cs.encryptor)
		if err != nil {
			cs.failIngestion(err)
			slog.Error("remote commit rejected", "page", cs.page, "err", err)
			return
		}

		for _, obj := range objects {
			key := objectKey(obj.id)
			exists, err := cs.backend.Exists(cs.ctx, key)
			if err != nil {
				cs.failIngestion(newSyncError(SyncErrorTypeDisk, "object exists check failed", record.ID, err))
				return
			}
			if !exists {
				if err := cs.backend.Write(cs.ctx, key, obj.data); err != nil {
					cs.failIngestion(newSyncError(SyncErrorTypeDisk, "persist remote object failed", record.ID, err))
					return
				}
			}
		}

		cs.mu.Lock()
		known := cs.remote[commit.ID()]
		cs.remote[commit.ID()] = true
		cs.mu.Unlock()
		if !known {
			// Remote-origin commits are already in the cloud; remember that
			// across restarts so they are never uploaded back.
			if err := cs.backend.Write(cs.ctx, syncUploadedKey(cs.page, commit.ID()), []byte("1")); err != nil {
				slog.Warn("persist uploaded marker failed", "page", cs.page, "err", err)
			}
		}

		if !known || !cs.store.Contains(commit.ID()) {
			if err := cs.store.AddCommit(cs.ctx, commit, commit.IsMerge()); err != nil {
				if errors.Is(err, ErrMissingParent) {
					// Protocol violation: the cloud must deliver parents first.
					cs.failIngestion(newSyncError(SyncErrorTypeProtocol, "remote commit before its parents", cs.page, err))
					return
				}
				cs.failIngestion(err)
				return
			}
			cs.mu.Lock()
			cs.stats.CommitsDownloaded++
			cs.mu.Unlock()
		}

		cs.mu.Lock()
		cs.lastToken = record.Token
		cs.mu.Unlock()
		if err := cs.backend.Write(cs.ctx, syncTokenKey(cs.page), []byte(record.Token)); err != nil {
			slog.Warn("persist sync token failed", "page", cs.page, "err", err)
		}
	}
}

// failIngestion marks the coordinator failed and tears down the remote
// watcher so no further batches arrive. The teardown runs off the delivery
// goroutine, since watcher Close waits for it.
func (cs *CloudSync) failIngestion(err error) {
	cs.setStatus(SyncStatusError, err)

	cs.mu.Lock()
	remoteWatcher := cs.remoteWatcher
	cs.remoteWatcher = nil
	wsWatcher := cs.wsWatcher
	cs.wsWatcher = nil
	cs.mu.Unlock()

	if remoteWatcher != nil || wsWatcher != nil {
		go func() {
			if remoteWatcher != nil {
				remoteWatcher.Close()
			}
			if wsWatcher != nil {
				wsWatcher.Close()
			}
		}()
	}
}

// OnConnectionError implements CommitWatcher. The watcher instance is dead;
// reconnect with the resumption token after a backoff.
func (cs *CloudSync) OnConnectionError() {
	// Register with the WaitGroup under the lock: Stop sets stopping before
	// it waits, so the Add can never race a completed Wait.
	cs.mu.Lock()
	if cs.stopping || cs.ctx.Err() != nil {
		cs.mu.Unlock()
		return
	}
	cs.wg.Add(1)
	cs.mu.Unlock()
	cs.setStatus(SyncStatusOffline, ErrNetwork)

	go func() {
		defer cs.wg.Done()
		select {
		case <-cs.ctx.Done():
			return
		case <-time.After(cs.config.PollInterval):
		}
		if cs.ctx.Err() != nil || cs.Status() == SyncStatusError {
			return
		}
		cs.setStatus(SyncStatusActive, nil)
		cs.startRemoteWatcher()
	}()
}

// OnTokenExpired implements CommitWatcher. Terminal: the application must
// re-authenticate and restart sync.
func (cs *CloudSync) OnTokenExpired() {
	cs.setStatus(SyncStatusError, ErrTokenExpired)
}

// OnMalformedNotification implements CommitWatcher. Terminal protocol
// violation.
func (cs *CloudSync) OnMalformedNotification() {
	cs.setStatus(SyncStatusError, ErrMalformedNotification)
}

var _ CommitWatcher = (*CloudSync)(nil)
