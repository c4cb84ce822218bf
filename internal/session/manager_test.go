package session

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/engine/enginetest"
	"github.com/flowpbx/webphone/internal/logging"
)

func TestManagerStartup(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	assert.False(t, m.TLSEnabled(), "tls needs a certificate")
	assert.True(t, eng.HasTransport(engine.TransportUDP))
	assert.Equal(t, 1, eng.Count("SetHandler"))
	assert.Equal(t, 4, eng.Bridge().SlotCount(), "device plus three ring sources")

	tls, _ := newTestManager(t, Options{TLS: engine.TransportConfig{Port: 5061, CertFile: "cert.pem", KeyFile: "key.pem"}})
	assert.True(t, tls.TLSEnabled())
}

func TestManagerStartupFailsWithoutUDP(t *testing.T) {
	eng := enginetest.New(4)
	eng.Fail("CreateTransport", errors.New("address in use"))

	m, err := NewManager(eng, Options{BasePath: t.TempDir(), Logger: discardLogger()})
	require.Error(t, err)
	assert.Nil(t, m)
	assert.True(t, eng.Closed())
}

func TestManagerCloseOrder(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	a := newTestAccount(t, m, AccountConfig{})
	c, err := a.MakeCall(CallParams{Destination: "bob"})
	require.NoError(t, err)
	connect(eng, c)

	m.Close()
	m.Close()

	assert.True(t, m.Closed())
	assert.True(t, a.Destroyed())
	assert.Equal(t, CallEnded, c.State())
	assert.True(t, eng.Closed())

	var ops []string
	for _, r := range eng.Requests("") {
		ops = append(ops, r.Op)
	}
	order := strings.Join(ops, ",")
	hangupAll := strings.Index(order, "HangupAll")
	deleteAcc := strings.Index(order, "DeleteAccount")
	closeAt := strings.Index(order, "Close")
	require.True(t, hangupAll >= 0 && deleteAcc >= 0 && closeAt >= 0, order)
	assert.Less(t, hangupAll, deleteAcc)
	assert.Less(t, deleteAcc, closeAt)

	_, err = m.NewAccount(AccountConfig{Server: "example.com"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestIncomingAfterCloseIsHungUp(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	a := newTestAccount(t, m, AccountConfig{})
	accID := a.ID()
	m.Close()

	id, err := eng.Incoming(accID, "sip:bob@example.net")
	require.NoError(t, err)
	hangups := eng.Requests("Hangup")
	require.NotEmpty(t, hangups)
	last := hangups[len(hangups)-1]
	assert.Equal(t, id, last.Call)
	assert.Zero(t, last.Code)
}

func TestIncomingForUnknownAccount(t *testing.T) {
	_, eng := newTestManager(t, Options{})
	id, err := eng.Incoming(7, "sip:bob@example.net")
	require.NoError(t, err)
	assert.Equal(t, 1, hangupsFor(eng, id))
	assert.Equal(t, 486, eng.Requests("Hangup")[0].Code)
}

func TestStaleNotificationsAreDropped(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	var ev events
	a := newTestAccount(t, m, AccountConfig{})
	c, err := a.MakeCall(CallParams{Destination: "bob", CallCallbacks: ev.callbacks()})
	require.NoError(t, err)
	id := c.EngineID()
	c.LocalEnd()

	eng.SetState(id, engine.StateConfirmed, 200, "OK")
	eng.SetMedia(id, engine.MediaActive)
	m.Loop().Drain()
	assert.Equal(t, []string{"end"}, ev.names())

	eng.SetRegState(42, 200, "OK", 0)
}

func TestReusedEngineIDResolvesNewCall(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	a := newTestAccount(t, m, AccountConfig{})

	var first, second events
	c1, err := a.MakeCall(CallParams{Destination: "bob", CallCallbacks: first.callbacks()})
	require.NoError(t, err)
	id := c1.EngineID()
	eng.Disconnect(id, 487, "Request Terminated")

	c2, err := a.MakeCall(CallParams{Destination: "carol", CallCallbacks: second.callbacks()})
	require.NoError(t, err)
	require.Equal(t, id, c2.EngineID(), "engine reuses the freed id")
	require.NotEqual(t, c1.ID(), c2.ID())

	connect(eng, c2)
	m.Loop().Drain()
	assert.Equal(t, []string{"end"}, first.names())
	assert.Equal(t, []string{"ringing", "connected"}, second.names())

	found, err := m.LookupCall(c2.ID())
	require.NoError(t, err)
	assert.Same(t, c2, found)
	_, err = m.LookupCall(c1.ID())
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestEngineLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(logging.NewHandler(&buf, "text", logging.LevelTrace))
	_, eng := newTestManager(t, Options{Logger: logger})

	eng.Log(1, "sip stack error")
	eng.Log(4, "sip stack debug")
	eng.Log(6, "sip stack trace")

	out := buf.String()
	assert.Contains(t, out, "level=ERROR msg=\"sip stack error\"")
	assert.Contains(t, out, "level=DEBUG msg=\"sip stack debug\"")
	assert.Contains(t, out, "level=TRACE msg=\"sip stack trace\"")
}

func TestAudioPassThrough(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	devices := m.AudioDevices()
	require.Len(t, devices, 1)
	require.NoError(t, m.SetAudioDevice(0, 0))
	assert.Error(t, m.SetAudioDevice(3, 0))

	require.NoError(t, m.SetVolume(2.0, 0.5))
	out, in := m.Volume()
	assert.InDelta(t, 2.0, out, 1e-9)
	assert.InDelta(t, 0.5, in, 1e-9)
	assert.Error(t, m.SetVolume(-1, 1))

	assert.Error(t, m.StartWav("missing.wav"))
	assert.False(t, m.StopWav())
}

func TestProviderLifecycle(t *testing.T) {
	var mu sync.Mutex
	var engines []*enginetest.Engine
	p := NewProvider(func() (engine.Engine, error) {
		mu.Lock()
		defer mu.Unlock()
		e := enginetest.New(4)
		engines = append(engines, e)
		return e, nil
	}, Options{BasePath: t.TempDir(), Logger: discardLogger()})

	m1, err := p.Acquire()
	require.NoError(t, err)
	m2, err := p.Acquire()
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	p.Release(m1)
	assert.False(t, m1.Closed())
	p.Release(m2)
	assert.True(t, m1.Closed())
	assert.Nil(t, p.Current())

	m3, err := p.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, m1, m3)
	require.Len(t, engines, 2)
	assert.True(t, engines[0].Closed())
	assert.False(t, engines[1].Closed())
	p.Release(m3)
}

func TestProviderFactoryError(t *testing.T) {
	p := NewProvider(func() (engine.Engine, error) {
		return nil, errors.New("no audio device")
	}, Options{Logger: discardLogger()})
	_, err := p.Acquire()
	assert.ErrorContains(t, err, "no audio device")
	assert.Nil(t, p.Current())
}

func TestClientCreatesAndDestroysAccounts(t *testing.T) {
	eng := enginetest.New(4)
	p := NewProvider(func() (engine.Engine, error) { return eng, nil },
		Options{BasePath: t.TempDir(), Logger: discardLogger()})

	client, err := NewClient(p)
	require.NoError(t, err)

	_, err = client.CreateAccount(AccountConfig{Username: "alice"})
	require.ErrorIs(t, err, ErrNoServer)
	assert.True(t, strings.HasPrefix(err.Error(), "unable to create account: "))

	a, err := client.CreateAccount(AccountConfig{Server: "example.com", Username: "alice"})
	require.NoError(t, err)
	require.Len(t, client.Accounts(), 1)

	found, err := client.Account(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, found)

	c, err := a.MakeCall(CallParams{Destination: "bob"})
	require.NoError(t, err)
	got, err := client.Call(c.ID())
	require.NoError(t, err)
	assert.Same(t, c, got)

	m := client.Manager()
	client.Close()
	assert.True(t, a.Destroyed())
	assert.Equal(t, CallEnded, c.State())
	assert.True(t, m.Closed())

	_, err = client.CreateAccount(AccountConfig{Server: "example.com"})
	assert.ErrorIs(t, err, ErrManagerClosed)
	client.Close()
}
