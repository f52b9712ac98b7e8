// Package stream implements the real-time relay between the execution
// plane and client streams: a per-session event buffer with replay, a
// connection registry with per-user and per-organization quotas, and the
// bridge that routes execution-plane events to the attached client.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/loopwire/loopwire/pkg/models"
)

// Buffer retains the most recent events per session in a fixed-capacity
// ring. Sequence numbers are assigned at append time, start at 1, and are
// strictly increasing per session. Events older than the retention window
// are evicted oldest-first and cannot be replayed; a client that stayed
// away longer than the ring covers silently resumes from the oldest
// retained event.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*ring
}

// ring is one session's bounded event log.
type ring struct {
	events  []models.BufferedEvent
	start   int
	count   int
	nextSeq uint64
}

// NewBuffer creates an event buffer retaining up to capacity events per
// session. Capacity must be positive; a non-positive value falls back to
// a single-slot ring.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		sessions: make(map[string]*ring),
	}
}

// Append stores an event for the session and returns its assigned
// sequence number. The oldest event is evicted when the ring is full.
// Append never fails.
func (b *Buffer) Append(sessionID, kind string, payload json.RawMessage) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.sessions[sessionID]
	if !ok {
		r = &ring{events: make([]models.BufferedEvent, b.capacity), nextSeq: 1}
		b.sessions[sessionID] = r
	}

	seq := r.nextSeq
	r.nextSeq++

	ev := models.BufferedEvent{
		SessionID: sessionID,
		Seq:       seq,
		Kind:      kind,
		Payload:   payload,
		At:        time.Now().UTC(),
	}

	if r.count < len(r.events) {
		r.events[(r.start+r.count)%len(r.events)] = ev
		r.count++
	} else {
		// Full: overwrite the oldest slot and advance the window.
		r.events[r.start] = ev
		r.start = (r.start + 1) % len(r.events)
	}

	return seq
}

// ReplaySince returns all retained events with sequence number strictly
// greater than afterSeq, in ascending order. An empty slice means either
// the client is caught up or the events were already evicted; the caller
// cannot tell the two apart.
func (b *Buffer) ReplaySince(sessionID string, afterSeq uint64) []models.BufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}

	out := make([]models.BufferedEvent, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.events[(r.start+i)%len(r.events)]
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Drop discards all retained events for a session. Called on session
// completion cleanup; the next Append for the same session restarts the
// sequence at 1.
func (b *Buffer) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// Len reports how many events are currently retained for a session.
func (b *Buffer) Len(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.sessions[sessionID]; ok {
		return r.count
	}
	return 0
}
