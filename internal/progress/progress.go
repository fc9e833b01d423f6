// Package progress streams named job events to a caller over one
// long-lived server-sent-events response.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"genplane/pkg/api"
)

var (
	// ErrStreamClosed is returned for events after a terminal event or Close.
	ErrStreamClosed = errors.New("progress stream closed")
	// ErrDuplicateEvent is returned when a stage event repeats within one job.
	ErrDuplicateEvent = errors.New("duplicate progress event")
	// ErrStreamingUnsupported means the ResponseWriter cannot flush.
	ErrStreamingUnsupported = errors.New("response writer does not support streaming")
)

// Emitter is the push side of a progress channel.
type Emitter interface {
	Emit(event string, payload any) error
	Close()
}

// IsTerminal reports whether event ends a stream.
func IsTerminal(event string) bool {
	return event == api.EventComplete || event == api.EventError
}

// sequence enforces one-shot stage events and nothing after a terminal event.
type sequence struct {
	seen   map[string]bool
	closed bool
}

func (s *sequence) admit(event string, payload any) error {
	if s.closed {
		return fmt.Errorf("%w: cannot emit %s", ErrStreamClosed, event)
	}
	key := event
	switch p := payload.(type) {
	case api.ProgressEvent:
		key += ":" + strconv.Itoa(p.Step)
	case *api.ProgressEvent:
		key += ":" + strconv.Itoa(p.Step)
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[key] {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, key)
	}
	s.seen[key] = true
	if IsTerminal(event) {
		s.closed = true
	}
	return nil
}

// SSEWriter writes events as text/event-stream frames and flushes each one.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	seq     sequence
}

// NewSSEWriter sends the stream headers and a 200 status.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

func (s *SSEWriter) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.seq.admit(event, payload); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	s.flusher.Flush()
	return nil
}

func (s *SSEWriter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq.closed = true
}

// Recorded is one event captured by a Recorder.
type Recorded struct {
	Event   string
	Payload any
}

// Recorder is an in-memory Emitter with the same ordering rules as SSEWriter.
type Recorder struct {
	mu     sync.Mutex
	seq    sequence
	events []Recorded
	closed bool
}

func (r *Recorder) Emit(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.seq.admit(event, payload); err != nil {
		return err
	}
	r.events = append(r.events, Recorded{Event: event, Payload: payload})
	return nil
}

func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq.closed = true
	r.closed = true
}

func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Names returns event names in emission order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Event
	}
	return names
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
