// Package monitor streams call events to websocket subscribers.
//
// The Hub implements flow.Observer. Publish never blocks the call path: each
// subscriber has a bounded queue and events for a full queue are dropped and
// counted.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentplexus/omnivoice-callflow/flow"
)

// Verify interface compliance at compile time.
var _ flow.Observer = (*Hub)(nil)

const (
	defaultBufferSize   = 64
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Hub fans out events to subscribers.
type Hub struct {
	logger       *slog.Logger
	bufferSize   int
	pingInterval time.Duration
	writeTimeout time.Duration

	// The zero Upgrader rejects cross-origin browser handshakes.
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	dropped atomic.Uint64
}

type subscriber struct {
	id     string
	callID string
	ch     chan flow.Event
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithPingInterval sets how often idle connections are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// New creates a Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		logger:       slog.New(slog.DiscardHandler),
		bufferSize:   defaultBufferSize,
		pingInterval: defaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		subs:         make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish queues e for every subscriber watching its call.
func (h *Hub) Publish(e flow.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.callID != "" && s.callID != e.CallID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. An empty callID receives every call.
// The returned cancel func is safe to call more than once.
func (h *Hub) Subscribe(callID string) (id string, events <-chan flow.Event, cancel func()) {
	s := &subscriber{
		id:     uuid.NewString(),
		callID: callID,
		ch:     make(chan flow.Event, h.bufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.id, s.ch, func() {}
	}
	h.subs[s.id] = s
	h.mu.Unlock()

	return s.id, s.ch, func() { h.remove(s.id) }
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every subscriber. Later subscriptions are closed
// immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}

// ServeHTTP upgrades the request and streams events as JSON text frames.
// The optional "call" query parameter limits the stream to one call.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("monitor upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id, events, cancel := h.Subscribe(r.URL.Query().Get("call"))
	defer cancel()
	h.logger.Info("monitor subscribed", "subscriber", id)

	done := make(chan struct{})
	go h.readLoop(conn, done)

	if err := h.writeLoop(conn, events, done); err != nil {
		h.logger.Debug("monitor write failed", "subscriber", id, "error", err)
	}
	h.logger.Info("monitor unsubscribed", "subscriber", id)
}

// readLoop discards client frames and closes done when the peer goes away.
func (h *Hub) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	wait := 2 * h.pingInterval
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, events <-chan flow.Event, done <-chan struct{}) error {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case e, ok := <-events:
			if !ok {
				deadline := time.Now().Add(h.writeTimeout)
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
				return nil
			}
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				return err
			}
			if err := conn.WriteJSON(e); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return err
			}
		}
	}
}

// Watch connects to a monitor endpoint and calls fn for each event until
// ctx is done or the server closes the stream. A non-empty token is sent as
// a bearer credential.
func Watch(ctx context.Context, url, token string, fn func(flow.Event)) error {
	var header http.Header
	if token != "" {
		header = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("monitor: dial %s: %s: %w", url, resp.Status, err)
		}
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var e flow.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		fn(e)
	}
}
