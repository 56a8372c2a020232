package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CommitWatcher receives batches of newly observed remote commits.
//
// OnRemoteCommits is called zero or more times, in increasing remote-sequence
// order. The error callbacks are terminal for the watcher instance: after any
// of them fires, no further OnRemoteCommits call follows, and the caller must
// create a new watcher (with a resumption token) to continue.
type CommitWatcher interface {
	// OnRemoteCommits delivers a batch of records in token order.
	OnRemoteCommits(records []CloudRecord)
	// OnConnectionError reports a dropped stream. Terminal.
	OnConnectionError()
	// OnTokenExpired reports that the auth token backing the stream is no
	// longer valid; the caller must re-authenticate and re-subscribe. Terminal.
	OnTokenExpired()
	// OnMalformedNotification reports a notification that could not be
	// decoded: a protocol violation, not a transient error. Terminal.
	OnMalformedNotification()
}

// guardedWatcher enforces the terminal-callback contract around any
// CommitWatcher: after the first terminal callback nothing else is
// delivered, regardless of what the transport does.
type guardedWatcher struct {
	inner CommitWatcher

	mu         sync.Mutex
	terminated bool
}

func newGuardedWatcher(inner CommitWatcher) *guardedWatcher {
	return &guardedWatcher{inner: inner}
}

func (g *guardedWatcher) OnRemoteCommits(records []CloudRecord) {
	g.mu.Lock()
	if g.terminated {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.inner.OnRemoteCommits(records)
}

func (g *guardedWatcher) terminate(deliver func()) {
	g.mu.Lock()
	if g.terminated {
		g.mu.Unlock()
		return
	}
	g.terminated = true
	g.mu.Unlock()
	deliver()
}

func (g *guardedWatcher) OnConnectionError()       { g.terminate(g.inner.OnConnectionError) }
func (g *guardedWatcher) OnTokenExpired()          { g.terminate(g.inner.OnTokenExpired) }
func (g *guardedWatcher) OnMalformedNotification() { g.terminate(g.inner.OnMalformedNotification) }

// watcherNotification is one frame of the notification stream.
type watcherNotification struct {
	Type    string        `json:"type"` // "commits" or "token_expired"
	Records []CloudRecord `json:"records,omitempty"`
}

// WebSocketWatcherConfig configures a websocket notification stream.
type WebSocketWatcherConfig struct {
	// Endpoint is the ws:// or wss:// notification URL.
	Endpoint string
	// Page selects the page to watch.
	Page string
	// AfterToken resumes the stream after a previously seen token.
	AfterToken string
	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string
	// HandshakeTimeout bounds the dial. Default 10s.
	HandshakeTimeout time.Duration
}

// WebSocketWatcher subscribes to a cloud notification stream over a
// websocket and forwards decoded batches to a CommitWatcher. One instance
// serves one stream; after a terminal callback the caller creates a new
// watcher with the last seen token.
type WebSocketWatcher struct {
	config  WebSocketWatcherConfig
	watcher *guardedWatcher

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

// NewWebSocketWatcher dials the stream and starts delivering notifications.
func NewWebSocketWatcher(ctx context.Context, cfg WebSocketWatcherConfig, watcher CommitWatcher) (*WebSocketWatcher, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeProtocol, "invalid watcher endpoint", cfg.Page, err)
	}
	q := u.Query()
	q.Set("page", cfg.Page)
	if cfg.AfterToken != "" {
		q.Set("after", cfg.AfterToken)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, newSyncError(SyncErrorTypeAuth, "watcher auth rejected", cfg.Page, ErrTokenExpired)
		}
		return nil, newSyncError(SyncErrorTypeNetwork, "watcher dial failed", cfg.Page, err)
	}

	w := &WebSocketWatcher{
		config:  cfg,
		watcher: newGuardedWatcher(watcher),
		conn:    conn,
		done:    make(chan struct{}),
	}
	go w.readLoop()
	return w, nil
}

func (w *WebSocketWatcher) readLoop() {
	defer close(w.done)
	lastToken := w.config.AfterToken

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closed := w.closed
			w.mu.Unlock()
			if !closed {
				w.watcher.OnConnectionError()
			}
			return
		}

		var note watcherNotification
		if err := json.Unmarshal(data, &note); err != nil {
			w.watcher.OnMalformedNotification()
			w.closeConn()
			return
		}

		switch note.Type {
		case "commits":
			// Tokens must be strictly increasing; a regression is a
			// protocol violation.
			for _, r := range note.Records {
				if r.Token == "" || r.Token <= lastToken {
					w.watcher.OnMalformedNotification()
					w.closeConn()
					return
				}
				lastToken = r.Token
			}
			if len(note.Records) > 0 {
				w.watcher.OnRemoteCommits(note.Records)
			}
		case "token_expired":
			w.watcher.OnTokenExpired()
			w.closeConn()
			return
		default:
			w.watcher.OnMalformedNotification()
			w.closeConn()
			return
		}
	}
}

func (w *WebSocketWatcher) closeConn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
}

// Close tears down the stream without delivering a terminal callback.
func (w *WebSocketWatcher) Close() {
	w.mu.Lock()
	w.closed = true
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-w.done
}

// PollingWatcher adapts a PageCloud without push notifications into the
// CommitWatcher contract by polling GetCommits.
type PollingWatcher struct {
	cloud    PageCloud
	watcher  *guardedWatcher
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollingWatcher starts polling after the given resumption token.
func NewPollingWatcher(cloud PageCloud, afterToken string, interval time.Duration, watcher CommitWatcher) *PollingWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &PollingWatcher{
		cloud:    cloud,
		watcher:  newGuardedWatcher(watcher),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.wg.Add(1)
	go p.loop(afterToken)
	return p
}

func (p *PollingWatcher) loop(afterToken string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	last := afterToken
	for {
		records, err := p.cloud.GetCommits(p.ctx, last)
		if err != nil {
			if p.ctx.Err() == nil {
				p.watcher.OnConnectionError()
			}
			return
		}
		if len(records) > 0 {
			last = records[len(records)-1].Token
			p.watcher.OnRemoteCommits(records)
		}

		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops polling without delivering a terminal callback.
func (p *PollingWatcher) Close() {
	p.cancel()
	p.wg.Wait()
}
