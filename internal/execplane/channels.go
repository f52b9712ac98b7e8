// Package execplane is the client side of the execution plane: per-user
// WebSocket control channels to the worker gateway, the provisioning API
// client the readiness gate polls, and the embedded fallback runner used
// while the circuit breaker is open.
package execplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/loopwire/loopwire/internal/config"
	"github.com/loopwire/loopwire/pkg/models"
	"github.com/rs/zerolog/log"
)

// Control frame types on the user channel.
const (
	frameStartSession = "start_session"
	frameUserMessage  = "user_message"
	frameCancel       = "cancel"
)

// controlFrame is the outbound envelope on a user channel.
type controlFrame struct {
	Type         string               `json:"type"`
	StartSession *models.StartSession `json:"start_session,omitempty"`
	UserMessage  *models.UserMessage  `json:"user_message,omitempty"`
	Cancel       *models.Cancel       `json:"cancel,omitempty"`
}

// inboundEvent is one event pushed back by a worker for a session.
type inboundEvent struct {
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Result resolves a pending execution once the worker reports a terminal
// event for the session.
type Result struct {
	Success bool
	Err     error
}

// EventHandler receives every inbound worker event; the server wires it
// to the relay bridge.
type EventHandler func(sessionID, kind string, payload json.RawMessage)

// channel is one live WebSocket to the gateway, scoped to a user.
type channel struct {
	userID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (ch *channel) writeFrame(f controlFrame) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return ch.conn.WriteJSON(f)
}

// Channels maintains the per-user control channels to the execution
// plane gateway. Channels are dialed lazily on first use and redialed on
// demand after a failure.
type Channels struct {
	cfg     config.ExecPlaneConfig
	dialer  *websocket.Dialer
	onEvent EventHandler

	mu      sync.Mutex
	conns   map[string]*channel      // userID → channel
	pending map[string]pendingEntry  // sessionID → waiter
}

type pendingEntry struct {
	userID string
	ch     chan Result
}

// NewChannels creates the channel manager. onEvent is invoked for every
// inbound worker event, including the terminal ones.
func NewChannels(cfg config.ExecPlaneConfig, onEvent EventHandler) *Channels {
	return &Channels{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		onEvent: onEvent,
		conns:   make(map[string]*channel),
		pending: make(map[string]pendingEntry),
	}
}

// channelFor returns the user's live channel, dialing one if needed.
func (c *Channels) channelFor(ctx context.Context, userID string) (*channel, error) {
	c.mu.Lock()
	if ch, ok := c.conns[userID]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	url := fmt.Sprintf("%s/channels/%s", c.cfg.GatewayURL, userID)
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial execution plane channel for user %s: %w", userID, err)
	}

	ch := &channel{userID: userID, conn: conn}

	c.mu.Lock()
	if existing, ok := c.conns[userID]; ok {
		// Lost the dial race; keep the first channel.
		c.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c.conns[userID] = ch
	c.mu.Unlock()

	go c.readPump(ch)

	log.Info().Str("user", userID).Msg("execution plane channel opened")
	return ch, nil
}

// readPump forwards inbound worker events to the handler and resolves
// pending executions on terminal kinds. Runs until the channel dies.
func (c *Channels) readPump(ch *channel) {
	defer c.teardown(ch)

	for {
		var ev inboundEvent
		if err := ch.conn.ReadJSON(&ev); err != nil {
			log.Warn().Err(err).Str("user", ch.userID).Msg("execution plane channel read failed")
			return
		}

		if c.onEvent != nil {
			c.onEvent(ev.SessionID, ev.Kind, ev.Payload)
		}

		switch ev.Kind {
		case models.EventKindComplete:
			c.resolve(ev.SessionID, Result{Success: true})
		case models.EventKindError:
			c.resolve(ev.SessionID, Result{Err: errors.New(errorText(ev.Payload))})
		}
	}
}

// teardown closes a dead channel and fails its pending executions.
func (c *Channels) teardown(ch *channel) {
	ch.conn.Close()

	c.mu.Lock()
	if c.conns[ch.userID] == ch {
		delete(c.conns, ch.userID)
	}
	var orphaned []chan Result
	for sessionID, p := range c.pending {
		if p.userID == ch.userID {
			orphaned = append(orphaned, p.ch)
			delete(c.pending, sessionID)
		}
	}
	c.mu.Unlock()

	for _, waiter := range orphaned {
		waiter <- Result{Err: errors.New("execution plane channel closed")}
	}
}

func (c *Channels) resolve(sessionID string, res Result) {
	c.mu.Lock()
	p, ok := c.pending[sessionID]
	if ok {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()

	if ok {
		p.ch <- res
	}
}

// StartSession ships session state to the user's worker.
func (c *Channels) StartSession(ctx context.Context, userID string, start models.StartSession) error {
	ch, err := c.channelFor(ctx, userID)
	if err != nil {
		return err
	}
	if err := ch.writeFrame(controlFrame{Type: frameStartSession, StartSession: &start}); err != nil {
		return fmt.Errorf("send start_session for %s: %w", start.SessionID, err)
	}
	return nil
}

// Execute hands one user turn to the worker and returns a channel that
// resolves when the worker reports a terminal event for the session.
// The buffered channel means a late resolution never blocks the pump.
func (c *Channels) Execute(ctx context.Context, userID string, msg models.UserMessage) (<-chan Result, error) {
	ch, err := c.channelFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	waiter := make(chan Result, 1)
	c.mu.Lock()
	prev, superseded := c.pending[msg.SessionID]
	c.pending[msg.SessionID] = pendingEntry{userID: userID, ch: waiter}
	c.mu.Unlock()

	if superseded {
		// Resolve the old waiter now rather than leaving it to hang
		// until the execution timeout fires.
		prev.ch <- Result{Err: errors.New("superseded by a newer turn for the session")}
	}

	if err := ch.writeFrame(controlFrame{Type: frameUserMessage, UserMessage: &msg}); err != nil {
		c.mu.Lock()
		if cur, ok := c.pending[msg.SessionID]; ok && cur.ch == waiter {
			delete(c.pending, msg.SessionID)
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("send user_message for %s: %w", msg.SessionID, err)
	}
	return waiter, nil
}

// Cancel signals the worker to stop an in-flight turn. Best effort: the
// user is already gone when this runs, so failures are logged and
// swallowed, never surfaced.
func (c *Channels) Cancel(ctx context.Context, userID, sessionID string) {
	ch, err := c.channelFor(ctx, userID)
	if err != nil {
		log.Debug().Err(err).Str("session", sessionID).Msg("cancel skipped, no channel")
		return
	}
	if err := ch.writeFrame(controlFrame{Type: frameCancel, Cancel: &models.Cancel{SessionID: sessionID}}); err != nil {
		log.Debug().Err(err).Str("session", sessionID).Msg("cancel signal failed")
	}
}

// Shutdown closes every live channel.
func (c *Channels) Shutdown() {
	c.mu.Lock()
	conns := make([]*channel, 0, len(c.conns))
	for _, ch := range c.conns {
		conns = append(conns, ch)
	}
	c.mu.Unlock()

	for _, ch := range conns {
		ch.conn.Close()
	}
}

// errorText extracts a human-readable message from an error event payload.
func errorText(payload json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if len(payload) > 0 {
		return string(payload)
	}
	return "execution failed"
}
