// Package sink implements the external event sink from spec section 6:
// two topics, onHttpRequest and onHttpResponse, carrying the JSON shapes
// from internal/events. Adapted from the teacher's internal/audit file
// logger — same JSONL-over-os.File pattern, now writing event envelopes
// instead of audit.Entry records.
package sink

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/kdhira/llmproxy/internal/events"
)

// Sink is the fire-and-forget event emitter every flow writes to. Emit
// methods never block the forwarding path for long: callers are expected
// to invoke them from a spawned goroutine or a bounded queue, per spec
// section 5.
type Sink interface {
	OnHttpRequest(events.HttpRequestEvent)
	OnHttpResponse(events.HttpResponseEvent)
	Close() error
}

type envelope struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// FileSink writes both topics as JSON Lines to a single file (or stdout
// when path is "-"), matching the teacher's audit.FileLogger.
type FileSink struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

// NewFileSink builds a file-backed sink. The file is created if needed.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		path = "logs/events.jsonl"
	}
	if path == "-" {
		return &FileSink{enc: json.NewEncoder(os.Stdout), closer: nopCloser{}}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	return &FileSink{enc: json.NewEncoder(f), closer: f}, nil
}

// OnHttpRequest records a request event. Errors are swallowed by design:
// spec section 7 treats event-sink failures as non-fatal to the forwarding
// path (emission is fire-and-forget).
func (s *FileSink) OnHttpRequest(evt events.HttpRequestEvent) {
	s.write(envelope{Topic: "onHttpRequest", Data: evt})
}

// OnHttpResponse records a response or chunk event.
func (s *FileSink) OnHttpResponse(evt events.HttpResponseEvent) {
	s.write(envelope{Topic: "onHttpResponse", Data: evt})
}

func (s *FileSink) write(e envelope) {
	if s == nil || s.enc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(e)
}

// Close flushes the underlying file handle.
func (s *FileSink) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closer.Close()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NullSink discards every event; useful for tests and for running the
// capture path without a configured sink.
type NullSink struct{}

func (NullSink) OnHttpRequest(events.HttpRequestEvent)   {}
func (NullSink) OnHttpResponse(events.HttpResponseEvent) {}
func (NullSink) Close() error                            { return nil }

var errNotInitialised = errors.New("sink not initialised")

// Async wraps a Sink so every Emit call runs on its own goroutine, never
// blocking the forwarding task — the mechanism spec section 5 requires
// ("implementations must offload to a short-lived task or a bounded
// channel").
type Async struct {
	inner Sink
}

// NewAsync wraps inner so every call is fire-and-forget.
func NewAsync(inner Sink) *Async {
	if inner == nil {
		inner = NullSink{}
	}
	return &Async{inner: inner}
}

func (a *Async) OnHttpRequest(evt events.HttpRequestEvent) {
	if a == nil || a.inner == nil {
		return
	}
	go a.inner.OnHttpRequest(evt)
}

func (a *Async) OnHttpResponse(evt events.HttpResponseEvent) {
	if a == nil || a.inner == nil {
		return
	}
	go a.inner.OnHttpResponse(evt)
}

func (a *Async) Close() error {
	if a == nil || a.inner == nil {
		return errNotInitialised
	}
	return a.inner.Close()
}
