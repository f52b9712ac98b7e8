package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
)

// SSEWriter frames events as Server-Sent Events over an HTTP response.
// It implements Transport. Frames carry the buffer sequence number as the
// SSE id so reconnecting clients can resume via Last-Event-ID.
type SSEWriter struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	lastSeen uint64
	done     <-chan struct{}
}

// NewSSEWriter prepares the response for server push: streaming-friendly
// headers are set and flushed immediately so intermediaries stop
// buffering. The request's Last-Event-ID header, when present, becomes
// the replay cursor.
func NewSSEWriter(w http.ResponseWriter, r *http.Request) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	var lastSeen uint64
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if n, err := strconv.ParseUint(id, 10, 64); err == nil {
			lastSeen = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{
		w:        w,
		flusher:  flusher,
		lastSeen: lastSeen,
		done:     r.Context().Done(),
	}, nil
}

// WriteEvent writes one SSE frame: id, event kind, JSON data, blank line.
func (s *SSEWriter) WriteEvent(seq uint64, kind string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := payload
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", seq, kind, data); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// LastSeenSeq returns the client-supplied Last-Event-ID, or 0.
func (s *SSEWriter) LastSeenSeq() uint64 {
	return s.lastSeen
}

// CloseNotify is closed when the client goes away.
func (s *SSEWriter) CloseNotify() <-chan struct{} {
	return s.done
}
