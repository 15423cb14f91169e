// Package audit carries security events out of the credential core. Emission
// is fire-and-forget: a failing or slow sink never fails the operation that
// produced the event.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	LoginSuccess           = "login.success"
	LoginFailure           = "login.failure"
	AccountLocked          = "account.locked"
	OriginBlocked          = "origin.blocked"
	RefreshBindingMismatch = "refresh.binding_mismatch"
	RefreshReplay          = "refresh.replay"
	RefreshRotated         = "refresh.rotated"
	SessionEvicted         = "session.evicted"
	KeyRotated             = "key.rotated"
	AdminRevokeAll         = "admin.revoke_all"
)

// Event is one audit record. Secrets and hashes never appear in it.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"event_type"`
	SubjectID string            `json:"subject_id,omitempty"`
	Principal string            `json:"principal,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Origin    string            `json:"origin,omitempty"`
	Success   bool              `json:"success"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// SlogSink writes each event as a structured log line on logger.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Emit(ctx context.Context, e Event) {
	attrs := []slog.Attr{
		slog.String("event_type", e.Type),
		slog.Time("at", e.Timestamp),
		slog.Bool("success", e.Success),
	}
	for k, v := range map[string]string{
		"subject_id": e.SubjectID,
		"principal":  e.Principal,
		"session_id": e.SessionID,
		"origin":     e.Origin,
		"reason":     e.Reason,
	} {
		if v != "" {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	if len(e.Metadata) > 0 {
		meta := make([]any, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			meta = append(meta, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}

	level := slog.LevelInfo
	if !e.Success {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// Recorder keeps events in memory. Tests use it to assert on emissions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Emitter stamps and forwards events; a nil sink discards them.
type Emitter struct {
	Sink Sink
	Now  func() time.Time
}

func (em Emitter) Emit(ctx context.Context, e Event) {
	if em.Sink == nil {
		return
	}
	if e.Timestamp.IsZero() {
		now := time.Now
		if em.Now != nil {
			now = em.Now
		}
		e.Timestamp = now().UTC()
	}
	em.Sink.Emit(context.WithoutCancel(ctx), e)
}
