package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/engine/enginetest"
	"github.com/flowpbx/webphone/internal/host"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, opts Options) (*Manager, *enginetest.Engine) {
	t.Helper()
	eng := enginetest.New(16)
	if opts.BasePath == "" {
		opts.BasePath = t.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	m, err := NewManager(eng, opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, eng
}

func newTestAccount(t *testing.T, m *Manager, cfg AccountConfig) *Account {
	t.Helper()
	if cfg.Server == "" {
		cfg.Server = "example.com"
	}
	if cfg.Username == "" {
		cfg.Username = "alice"
	}
	a, err := m.NewAccount(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Register())
	return a
}

// connect drives an outbound call through ringing to confirmed media.
func connect(eng *enginetest.Engine, c *Call) {
	id := c.EngineID()
	eng.SetState(id, engine.StateCalling, 0, "")
	eng.SetState(id, engine.StateConfirmed, 200, "OK")
	eng.SetMedia(id, engine.MediaActive)
}

// events records host callbacks in delivery order.
type events struct {
	mu   sync.Mutex
	list []event
}

type event struct {
	name string
	args []any
}

func (e *events) cb(name string) host.Callback {
	return host.CallbackFunc(func(args ...any) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.list = append(e.list, event{name: name, args: args})
	})
}

func (e *events) callbacks() CallCallbacks {
	return CallCallbacks{
		OnConnected:      e.cb("connected"),
		OnRinging:        e.cb("ringing"),
		OnEnd:            e.cb("end"),
		OnTransferStatus: e.cb("transfer"),
	}
}

func (e *events) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.list))
	for i, ev := range e.list {
		out[i] = ev.name
	}
	return out
}

func (e *events) named(name string) []event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []event
	for _, ev := range e.list {
		if ev.name == name {
			out = append(out, ev)
		}
	}
	return out
}

func hangupsFor(eng *enginetest.Engine, id engine.CallID) int {
	n := 0
	for _, r := range eng.Requests("Hangup") {
		if r.Call == id {
			n++
		}
	}
	return n
}

type memRecorder struct {
	mu   sync.Mutex
	recs []CallRecord
}

func (r *memRecorder) RecordCall(_ context.Context, rec CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) records() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallRecord, len(r.recs))
	copy(out, r.recs)
	return out
}
