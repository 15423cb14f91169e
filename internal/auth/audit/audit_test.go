package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/audit"
	"github.com/stretchr/testify/require"
)

func TestDispatcherDeliversAndDrains(t *testing.T) {
	rec := &audit.Recorder{}
	d := audit.NewDispatcher(audit.DispatcherConfig{BufferSize: 16}, rec)

	for i := range 10 {
		d.Emit(context.Background(), audit.Event{Type: audit.LoginFailure, Reason: string(rune('a' + i))})
	}
	d.Close()

	require.Len(t, rec.Events(), 10)
	require.Zero(t, d.Dropped())

	// Emitting after close is a no-op.
	d.Emit(context.Background(), audit.Event{Type: audit.LoginSuccess})
	require.Len(t, rec.Events(), 10)
}

// blockingSink holds every Emit until release is closed.
type blockingSink struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingSink) Emit(context.Context, audit.Event) {
	b.once.Do(func() { close(b.started) })
	<-b.release
}

func TestDispatcherDropIfFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), started: make(chan struct{})}
	d := audit.NewDispatcher(audit.DispatcherConfig{BufferSize: 1, DropIfFull: true}, sink)

	d.Emit(context.Background(), audit.Event{Type: "first"})
	<-sink.started // worker is now stuck inside the sink

	d.Emit(context.Background(), audit.Event{Type: "buffered"})
	d.Emit(context.Background(), audit.Event{Type: "dropped"})
	require.Equal(t, uint64(1), d.Dropped())

	close(sink.release)
	d.Close()
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var d *audit.Dispatcher
	d.Emit(context.Background(), audit.Event{})
	d.Close()
	require.Zero(t, d.Dropped())
}

func TestEmitterStampsTimestamp(t *testing.T) {
	rec := &audit.Recorder{}
	fixed := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	em := audit.Emitter{Sink: rec, Now: func() time.Time { return fixed }}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	em.Emit(ctx, audit.Event{Type: audit.KeyRotated})

	events := rec.OfType(audit.KeyRotated)
	require.Len(t, events, 1)
	require.Equal(t, fixed, events[0].Timestamp)

	audit.Emitter{}.Emit(context.Background(), audit.Event{Type: "ignored"})
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := audit.NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Emit(context.Background(), audit.Event{
		Type:      audit.AccountLocked,
		Principal: "alice",
		Origin:    "1.2.3.1",
		Metadata:  map[string]string{"failures": "5"},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "audit", line["msg"])
	require.Equal(t, "WARN", line["level"])
	require.Equal(t, audit.AccountLocked, line["event_type"])
	require.Equal(t, "alice", line["principal"])
	require.Equal(t, map[string]any{"failures": "5"}, line["metadata"])
	require.NotContains(t, line, "session_id")
}
