package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/transport"
)

var (
	errNotStreaming = errors.New("client did not request a stream")
	errStreaming    = errors.New("progress stream already started")
	errClosed       = errors.New("run writer already finished")
)

// runWriter is the HTTP RunWriter. Streaming requests get server-sent
// events, one frame per progress event, and a final "data: [DONE]" after
// the terminal event. Everything else gets one JSON summary.
type runWriter struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	stream bool

	mu      sync.Mutex
	started bool // first SSE frame written
	done    bool // terminal frame or JSON summary written

	// onRunStarted sees the ID of the first run.started event.
	onRunStarted func(id string)
}

var _ transport.RunWriter = (*runWriter)(nil)

func newRunWriter(w http.ResponseWriter, stream bool, onStarted func(id string)) *runWriter {
	return &runWriter{
		w:            w,
		rc:           http.NewResponseController(w),
		stream:       stream,
		onRunStarted: onStarted,
	}
}

func (s *runWriter) Streaming() bool { return s.stream }

func (s *runWriter) WriteEvent(_ context.Context, event api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.stream:
		return errNotStreaming
	case s.done:
		return errClosed
	}

	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.started = true
	}
	if event.Type == api.EventRunStarted && s.onRunStarted != nil {
		s.onRunStarted(event.RunID)
		s.onRunStarted = nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event.Type, err)
	}
	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, data)
	if event.Type.Terminal() {
		frame += "data: [DONE]\n\n"
		s.done = true
	}
	return s.send(frame)
}

func (s *runWriter) send(frame string) error {
	if _, err := s.w.Write([]byte(frame)); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flushing event: %w", err)
	}
	return nil
}

func (s *runWriter) WriteResponse(_ context.Context, resp *api.GenerateResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.done:
		return errClosed
	case s.started:
		return errStreaming
	}
	s.done = true

	s.w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(s.w).Encode(resp); err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return nil
}

func (s *runWriter) Flush() error {
	return s.rc.Flush()
}

// progress reports whether a stream has started and whether the writer
// has finished.
func (s *runWriter) progress() (started, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.done
}
