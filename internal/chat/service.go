// Package chat orchestrates one streamed conversation turn: admission,
// worker readiness, stream attach, asynchronous execution, and outcome
// accounting.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loopwire/loopwire/internal/config"
	"github.com/loopwire/loopwire/internal/execplane"
	"github.com/loopwire/loopwire/internal/metrics"
	"github.com/loopwire/loopwire/internal/runtime"
	"github.com/loopwire/loopwire/internal/sessions"
	"github.com/loopwire/loopwire/internal/stream"
	"github.com/loopwire/loopwire/pkg/models"
)

// MessageTooLongError rejects a turn before any resources are held.
type MessageTooLongError struct {
	Length int
	Limit  int
}

func (e *MessageTooLongError) Error() string {
	return fmt.Sprintf("message length %d exceeds limit %d", e.Length, e.Limit)
}

// WorkerUnavailableError is returned when the execution plane could not
// produce a ready worker within the readiness wait budget.
type WorkerUnavailableError struct {
	Status       models.ReadinessStatus
	RetryAfterMs int64
	Detail       string
}

func (e *WorkerUnavailableError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("worker unavailable (%s): %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("worker unavailable (%s)", e.Status)
}

// Runner is the in-process execution path used while the circuit is open.
type Runner interface {
	Run(ctx context.Context, agent models.AgentConfig, history []models.Message, text string, emit func(kind string, payload json.RawMessage)) error
}

// Executor is the remote execution plane as the service sees it.
type Executor interface {
	StartSession(ctx context.Context, userID string, start models.StartSession) error
	Execute(ctx context.Context, userID string, msg models.UserMessage) (<-chan execplane.Result, error)
	Cancel(ctx context.Context, userID, sessionID string)
}

// Request is one turn submitted by a client.
type Request struct {
	SessionID string             `json:"session_id"`
	Text      string             `json:"text"`
	AgentID   string             `json:"agent_id,omitempty"`
	Agent     models.AgentConfig `json:"agent,omitempty"`

	// Resolved from auth context by the API layer, never from the body.
	UserID string `json:"-"`
	OrgID  string `json:"-"`
}

// Service wires the relay components into the turn lifecycle.
type Service struct {
	cfg      config.Config
	store    sessions.Store
	registry *stream.Registry
	bridge   *stream.Bridge
	gate     *runtime.Gate
	monitor  *runtime.Monitor
	exec     Executor
	embedded Runner
	metrics  *metrics.Metrics

	mu      sync.Mutex
	started map[string]bool // sessions with a start frame already sent
}

// NewService creates the orchestration service.
func NewService(cfg config.Config, store sessions.Store, registry *stream.Registry, bridge *stream.Bridge, gate *runtime.Gate, monitor *runtime.Monitor, exec Executor, embedded Runner, m *metrics.Metrics) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		registry: registry,
		bridge:   bridge,
		gate:     gate,
		monitor:  monitor,
		exec:     exec,
		embedded: embedded,
		metrics:  m,
		started:  make(map[string]bool),
	}
}

// Stream runs one turn end to end. It validates the message, waits for a
// ready worker (remote mode only), attaches the transport, kicks off the
// execution asynchronously, and blocks until the turn finishes or the
// client disconnects. Exactly one outcome is recorded per execution
// started, and a client disconnect triggers a best-effort cancel.
//
// The transport is created lazily so admission failures can still be
// reported as plain HTTP errors before any stream headers go out.
func (s *Service) Stream(ctx context.Context, newTransport func() (stream.Transport, error), req Request) error {
	if len(req.Text) > s.cfg.Relay.MaxMessageLength {
		s.reject("message_too_long")
		return &MessageTooLongError{Length: len(req.Text), Limit: s.cfg.Relay.MaxMessageLength}
	}

	sess, err := s.ensureSession(ctx, req)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	mode := models.ModeRemote
	if s.monitor.ShouldFallback() {
		mode = models.ModeEmbedded
		log.Info().
			Str("session", sess.ID).
			Str("reason", s.monitor.Reason()).
			Msg("routing turn to embedded fallback")
	}

	if mode == models.ModeRemote {
		state := s.gate.WaitUntilReady(ctx, req.UserID, req.OrgID,
			models.ProvisionHints{RuntimeID: sess.RuntimeID},
			s.cfg.Readiness.MaxWait, s.cfg.Readiness.PollInterval)
		if !state.Ready {
			s.reject("worker_unavailable")
			return &WorkerUnavailableError{Status: state.Status, RetryAfterMs: state.RetryAfterMs, Detail: state.Detail}
		}
	}

	conn, err := s.registry.Attach(newTransport, sess.ID, req.UserID, req.OrgID)
	if err != nil {
		s.reject("connection_limit")
		return err
	}

	s.bridge.Register(conn.ID, sess.ID,
		func(kind string, payload json.RawMessage) bool {
			return s.registry.Send(conn, kind, payload)
		},
		func() {
			s.registry.Detach(conn.ID)
		})

	history, err := s.store.History(ctx, sess.ID, s.cfg.Relay.HistoryLength)
	if err != nil {
		history = nil
	}
	userMsg := models.Message{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Role:      models.RoleUser,
		Content:   req.Text,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, sess.ID, userMsg); err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("persist user message failed")
	}

	// The execution outlives the request context on client disconnect
	// just long enough for the cancel to be delivered.
	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.execute(execCtx, mode, sess, req, history)
	}()

	select {
	case <-done:
		s.registry.Detach(conn.ID)
		return nil
	case <-conn.Done():
		// Client went away mid-turn. Cancel is best effort; the
		// execution goroutine still records the outcome.
		if mode == models.ModeRemote {
			s.exec.Cancel(context.Background(), req.UserID, sess.ID)
		}
		cancelExec()
		<-done
		return nil
	}
}

// execute runs the turn in the requested mode and records exactly one
// outcome. All events flow through the bridge so replay buffering and
// teardown are shared between modes.
func (s *Service) execute(ctx context.Context, mode models.ExecutionMode, sess *models.Session, req Request, history []models.Message) {
	start := time.Now()
	var execErr error

	switch mode {
	case models.ModeRemote:
		execErr = s.executeRemote(ctx, sess, req, history)
	default:
		execErr = s.executeEmbedded(ctx, sess, req, history)
	}

	latency := time.Since(start)

	// A turn ended by the client's own disconnect says nothing about the
	// execution plane's health, so no outcome is recorded and a burst of
	// disconnects cannot trip the circuit.
	if errors.Is(execErr, context.Canceled) {
		log.Debug().
			Str("session", sess.ID).
			Str("mode", string(mode)).
			Dur("latency", latency).
			Msg("turn ended by client disconnect")
		s.bridge.Close(sess.ID)
		return
	}

	outcome := models.ExecutionOutcome{
		SessionID: sess.ID,
		OrgID:     req.OrgID,
		Mode:      mode,
		Success:   execErr == nil,
		LatencyMs: latency.Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if execErr != nil {
		outcome.Error = execErr.Error()
	}
	s.monitor.Record(outcome)

	if execErr != nil {
		log.Warn().Err(execErr).
			Str("session", sess.ID).
			Str("mode", string(mode)).
			Dur("latency", latency).
			Msg("turn failed")
		payload, _ := json.Marshal(map[string]string{"message": execErr.Error()})
		s.bridge.Deliver(sess.ID, models.EventKindError, payload)
	}
	s.bridge.Close(sess.ID)
}

func (s *Service) executeRemote(ctx context.Context, sess *models.Session, req Request, history []models.Message) error {
	if err := s.startSessionOnce(ctx, sess, req); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	results, err := s.exec.Execute(ctx, req.UserID, models.UserMessage{
		SessionID: sess.ID,
		Text:      req.Text,
		History:   history,
	})
	if err != nil {
		return fmt.Errorf("dispatch turn: %w", err)
	}

	timeout := s.cfg.ExecPlane.ExecTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if !res.Success {
			return res.Err
		}
		s.recordAssistantReply(sess.ID)
		return nil
	case <-timer.C:
		s.exec.Cancel(context.Background(), req.UserID, sess.ID)
		return fmt.Errorf("execution timeout after %s", timeout)
	case <-ctx.Done():
		return fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
}

func (s *Service) executeEmbedded(ctx context.Context, sess *models.Session, req Request, history []models.Message) error {
	var final string
	err := s.embedded.Run(ctx, req.Agent, history, req.Text, func(kind string, payload json.RawMessage) {
		if kind == models.EventKindComplete {
			var body struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(payload, &body) == nil {
				final = body.Text
			}
		}
		s.bridge.Deliver(sess.ID, kind, payload)
	})
	if err != nil {
		return err
	}
	if final != "" {
		s.persistAssistant(sess.ID, final)
	}
	return nil
}

// startSessionOnce sends the session bootstrap frame to the execution
// plane the first time a session executes through this process.
func (s *Service) startSessionOnce(ctx context.Context, sess *models.Session, req Request) error {
	s.mu.Lock()
	already := s.started[sess.ID]
	s.mu.Unlock()
	if already {
		return nil
	}

	err := s.exec.StartSession(ctx, req.UserID, models.StartSession{
		SessionID: sess.ID,
		RuntimeID: sess.RuntimeID,
		AgentID:   sess.AgentID,
		Agent:     req.Agent,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.started[sess.ID] = true
	s.mu.Unlock()
	return nil
}

// recordAssistantReply marks the session fresh after a successful remote
// turn. The execution plane owns message history for remote sessions, so
// only the timestamp moves here.
func (s *Service) recordAssistantReply(sessionID string) {
	if err := s.store.TouchSession(context.Background(), sessionID); err != nil {
		log.Debug().Err(err).Str("session", sessionID).Msg("touch session failed")
	}
}

func (s *Service) persistAssistant(sessionID, content string) {
	msg := models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendMessage(context.Background(), sessionID, msg); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("persist assistant message failed")
	}
}

// ensureSession loads the session, creating it on first use.
func (s *Service) ensureSession(ctx context.Context, req Request) (*models.Session, error) {
	id := req.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	if sess, err := s.store.GetSession(ctx, id); err == nil {
		if sess.UserID != req.UserID || sess.OrgID != req.OrgID {
			return nil, fmt.Errorf("session %s does not belong to caller", id)
		}
		return sess, nil
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:        id,
		UserID:    req.UserID,
		OrgID:     req.OrgID,
		AgentID:   req.AgentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) reject(reason string) {
	if s.metrics != nil {
		s.metrics.AdmissionRejections.WithLabelValues(reason).Inc()
	}
}
