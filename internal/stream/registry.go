package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loopwire/loopwire/internal/config"
	"github.com/loopwire/loopwire/internal/metrics"
	"github.com/loopwire/loopwire/pkg/models"
	"github.com/rs/zerolog/log"
)

// LimitScope identifies which quota an attach attempt tripped.
type LimitScope string

const (
	LimitScopeUser LimitScope = "user"
	LimitScopeOrg  LimitScope = "org"
)

// ConnectionLimitError is returned by Attach when the per-user or
// per-organization concurrency quota is already met. The user quota is
// checked first and takes precedence in the reported scope.
type ConnectionLimitError struct {
	Scope LimitScope
	Limit int
}

func (e *ConnectionLimitError) Error() string {
	return fmt.Sprintf("connection limit exceeded: %d concurrent streams per %s", e.Limit, e.Scope)
}

// Transport is the server-push half of one client connection. The SSE
// writer in this package is the production implementation; tests supply
// in-memory fakes.
type Transport interface {
	// WriteEvent pushes one framed event. Any error is fatal to the
	// connection; the registry tears it down and never retries.
	WriteEvent(seq uint64, kind string, payload json.RawMessage) error

	// LastSeenSeq returns the sequence number the client last saw before
	// reconnecting, or 0 on a fresh connect.
	LastSeenSeq() uint64

	// CloseNotify is closed when the underlying transport disconnects.
	CloseNotify() <-chan struct{}
}

// Connection is one attached client stream. It is owned exclusively by
// the Registry; other components interact with it only through the
// Registry's API.
type Connection struct {
	ID        string
	SessionID string
	UserID    string
	OrgID     string

	mu        sync.Mutex
	active    bool
	transport Transport
	stop      chan struct{}
}

// Done returns a channel that is closed once the connection has been
// detached, whether by client disconnect, write failure, or Detach.
func (c *Connection) Done() <-chan struct{} {
	return c.stop
}

// Active reports whether the connection can still accept sends.
func (c *Connection) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Registry tracks live client streams and enforces connection quotas.
// All maps are guarded by a single mutex; quota check and increment
// happen under one critical section so concurrent attaches cannot
// overshoot the limit.
type Registry struct {
	cfg     config.RelayConfig
	buffer  *Buffer
	metrics *metrics.Metrics

	mu     sync.Mutex
	conns  map[string]*Connection
	byUser map[string]int
	byOrg  map[string]int

	onDetach func(connID string)
}

// NewRegistry creates a connection registry backed by the given event
// buffer. Metrics may be nil in tests.
func NewRegistry(cfg config.RelayConfig, buffer *Buffer, m *metrics.Metrics) *Registry {
	return &Registry{
		cfg:     cfg,
		buffer:  buffer,
		metrics: m,
		conns:   make(map[string]*Connection),
		byUser:  make(map[string]int),
		byOrg:   make(map[string]int),
	}
}

// OnDetach installs a hook invoked after a connection is removed. The
// server wires this to the bridge so the session's delivery target is
// unregistered together with the stream.
func (r *Registry) OnDetach(fn func(connID string)) {
	r.onDetach = fn
}

// Attach admits a client stream for a session. Quota check and count
// increment happen atomically, and the quota slot is held before the
// transport opens so a rejected attach never emits stream headers. On a
// reconnect the events the client missed are replayed before new pushes
// are accepted. The returned connection is live until the transport
// disconnects, a send fails, or Detach is called.
func (r *Registry) Attach(open func() (Transport, error), sessionID, userID, orgID string) (*Connection, error) {
	r.mu.Lock()
	if r.byUser[userID] >= r.cfg.MaxConnectionsPerUser {
		limit := r.cfg.MaxConnectionsPerUser
		r.mu.Unlock()
		return nil, &ConnectionLimitError{Scope: LimitScopeUser, Limit: limit}
	}
	if r.byOrg[orgID] >= r.cfg.MaxConnectionsPerOrg {
		limit := r.cfg.MaxConnectionsPerOrg
		r.mu.Unlock()
		return nil, &ConnectionLimitError{Scope: LimitScopeOrg, Limit: limit}
	}

	conn := &Connection{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		OrgID:     orgID,
		active:    true,
		stop:      make(chan struct{}),
	}
	r.conns[conn.ID] = conn
	r.byUser[userID]++
	r.byOrg[orgID]++
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveStreams.WithLabelValues(orgID).Inc()
	}

	t, err := open()
	if err != nil {
		r.Detach(conn.ID)
		return nil, fmt.Errorf("open transport: %w", err)
	}
	conn.mu.Lock()
	conn.transport = t
	conn.mu.Unlock()

	// Reconnect: replay missed events before accepting new pushes.
	if last := t.LastSeenSeq(); last > 0 {
		for _, ev := range r.buffer.ReplaySince(sessionID, last) {
			if err := t.WriteEvent(ev.Seq, ev.Kind, ev.Payload); err != nil {
				log.Warn().Err(err).
					Str("connection", conn.ID).
					Str("session", sessionID).
					Msg("replay write failed, tearing down stream")
				r.Detach(conn.ID)
				return nil, fmt.Errorf("replay events after %d: %w", last, err)
			}
		}
	}

	go r.watch(conn)

	log.Debug().
		Str("connection", conn.ID).
		Str("session", sessionID).
		Str("user", userID).
		Str("org", orgID).
		Msg("client stream attached")

	return conn, nil
}

// watch owns the connection's heartbeat and disconnect handling.
func (r *Registry) watch(c *Connection) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Keep-alive; a failed heartbeat send tears the connection
			// down inside Send, which also closes c.stop.
			r.Send(c, models.EventKindHeartbeat, json.RawMessage("null"))
		case <-c.transport.CloseNotify():
			r.Detach(c.ID)
			return
		case <-c.stop:
			return
		}
	}
}

// Send buffers the event (obtaining its sequence number) and writes it to
// the transport. Returns false without side effects if the connection is
// no longer active. A transport write failure is fatal: the connection is
// detached and false is returned; the caller must not retry.
func (r *Registry) Send(c *Connection, kind string, payload json.RawMessage) bool {
	// Hold the connection lock across append+write so the written order
	// matches the buffered order under concurrent sends.
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false
	}
	seq := r.buffer.Append(c.SessionID, kind, payload)
	err := c.transport.WriteEvent(seq, kind, payload)
	c.mu.Unlock()

	if r.metrics != nil {
		r.metrics.EventsBuffered.Inc()
	}

	if err != nil {
		log.Warn().Err(err).
			Str("connection", c.ID).
			Str("session", c.SessionID).
			Msg("stream write failed, tearing down connection")
		r.Detach(c.ID)
		return false
	}

	if r.metrics != nil {
		r.metrics.EventsDelivered.WithLabelValues(kind).Inc()
	}
	return true
}

// Detach removes a connection from the registry. Idempotent: detaching an
// unknown or already-detached connection is a no-op.
func (r *Registry) Detach(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if n := r.byUser[conn.UserID] - 1; n > 0 {
		r.byUser[conn.UserID] = n
	} else {
		delete(r.byUser, conn.UserID)
	}
	if n := r.byOrg[conn.OrgID] - 1; n > 0 {
		r.byOrg[conn.OrgID] = n
	} else {
		delete(r.byOrg, conn.OrgID)
	}
	r.mu.Unlock()

	conn.mu.Lock()
	if conn.active {
		conn.active = false
		close(conn.stop)
	}
	conn.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveStreams.WithLabelValues(conn.OrgID).Dec()
	}
	if r.onDetach != nil {
		r.onDetach(connID)
	}

	log.Debug().
		Str("connection", connID).
		Str("session", conn.SessionID).
		Msg("client stream detached")
}

// ActiveForUser reports the number of live streams held by a user.
func (r *Registry) ActiveForUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUser[userID]
}

// ActiveForOrg reports the number of live streams held by an organization.
func (r *Registry) ActiveForOrg(orgID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byOrg[orgID]
}

// Shutdown detaches every live connection. Called on graceful shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Detach(id)
	}
}
