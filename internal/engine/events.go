package engine

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventSink is the structured event-emission port. Core components emit
// (event, fields) and the embedder decides where events go; nothing in the
// engine hardcodes a logging backend.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

type nopSink struct{}

func (nopSink) Emit(string, map[string]any) {}

// NopSink discards all events.
func NopSink() EventSink { return nopSink{} }

// NDJSONSink appends one JSON object per event to w, in the shape of the
// progress feed: {"ts":..., "event":..., ...fields}.
type NDJSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: w}
}

func (s *NDJSONSink) Emit(event string, fields map[string]any) {
	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["event"] = event
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(b, '\n'))
}

// SlogSink mirrors events into a slog.Logger at info level.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Emit(event string, fields map[string]any) {
	if s.Logger == nil {
		return
	}
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	s.Logger.Info(event, attrs...)
}

// MultiSink fans one event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Emit(event string, fields map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Emit(event, fields)
		}
	}
}
