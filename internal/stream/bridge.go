package stream

import (
	"encoding/json"
	"sync"

	"github.com/loopwire/loopwire/internal/metrics"
	"github.com/rs/zerolog/log"
)

// DeliverFunc pushes one event to the attached client stream. It returns
// false when the event could not be delivered (connection gone).
type DeliverFunc func(kind string, payload json.RawMessage) bool

// CloseFunc tears down the client stream.
type CloseFunc func()

type target struct {
	connID  string
	deliver DeliverFunc
	close   CloseFunc
}

// Bridge maps sessions to the delivery callbacks of the currently
// attached client stream. Exactly one live target exists per session: a
// later registration for the same session supersedes the earlier one (the
// old target is assumed already torn down by the caller). Events
// delivered while no target is registered are dropped; a reconnecting
// client recovers them from the event buffer instead.
type Bridge struct {
	mu        sync.Mutex
	bySession map[string]*target
	byConn    map[string]string
	metrics   *metrics.Metrics
}

// NewBridge creates an empty relay bridge. Metrics may be nil in tests.
func NewBridge(m *metrics.Metrics) *Bridge {
	return &Bridge{
		bySession: make(map[string]*target),
		byConn:    make(map[string]string),
		metrics:   m,
	}
}

// Register records the delivery callbacks for a session under the given
// connection id, superseding any earlier registration for the session.
func (b *Bridge) Register(connID, sessionID string, deliver DeliverFunc, close CloseFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.bySession[sessionID]; ok && old.connID != connID {
		// Orphaned, not closed: the caller tears the old stream down.
		delete(b.byConn, old.connID)
	}
	b.bySession[sessionID] = &target{connID: connID, deliver: deliver, close: close}
	b.byConn[connID] = sessionID
}

// Unregister removes the mapping for a connection. Deliveries for the
// session are dropped until a new client attaches. No-op if the
// connection was already superseded or never registered.
func (b *Bridge) Unregister(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sessionID, ok := b.byConn[connID]
	if !ok {
		return
	}
	delete(b.byConn, connID)
	if t, ok := b.bySession[sessionID]; ok && t.connID == connID {
		delete(b.bySession, sessionID)
	}
}

// Deliver forwards an execution-plane event to the session's attached
// client. Returns false when the event was dropped (no target, or the
// target's send failed).
func (b *Bridge) Deliver(sessionID, kind string, payload json.RawMessage) bool {
	b.mu.Lock()
	t, ok := b.bySession[sessionID]
	b.mu.Unlock()

	if !ok {
		if b.metrics != nil {
			b.metrics.EventsDropped.Inc()
		}
		log.Debug().Str("session", sessionID).Str("kind", kind).Msg("no client attached, event dropped")
		return false
	}
	return t.deliver(kind, payload)
}

// Close tears down the session's attached client stream, if any.
func (b *Bridge) Close(sessionID string) {
	b.mu.Lock()
	t, ok := b.bySession[sessionID]
	b.mu.Unlock()

	if ok && t.close != nil {
		t.close()
	}
}
