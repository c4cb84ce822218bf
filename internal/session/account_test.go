package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/webphone/internal/audio"
	"github.com/flowpbx/webphone/internal/engine"
)

func TestRegisterBuildsAccountConfig(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	a := newTestAccount(t, m, AccountConfig{Password: "secret"})

	cfg, ok := eng.AccountConfig(a.ID())
	require.True(t, ok)
	assert.Equal(t, "sip:alice@example.com", cfg.ID)
	assert.Equal(t, "sip:example.com", cfg.RegURI)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, 15*time.Second, cfg.RetryInterval)
	require.Len(t, cfg.Credentials, 1)
	assert.Equal(t, engine.Credential{Realm: "*", Scheme: "digest", Username: "alice", Password: "secret"}, cfg.Credentials[0])

	found, err := m.FindAccount(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, found)
}

func TestRegisterTLSAndAnonymous(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	a, err := m.NewAccount(AccountConfig{Server: "example.com", UseTLS: true})
	require.NoError(t, err)
	require.NoError(t, a.Register())

	cfg, ok := eng.AccountConfig(a.ID())
	require.True(t, ok)
	assert.Equal(t, "sip:example.com;transport=tls", cfg.RegURI)
	assert.Equal(t, "sip:example.com", cfg.ID)
	assert.Equal(t, "sip:example.com", a.URI())
	assert.Empty(t, cfg.Credentials, "no credentials without a username")
}

func TestRegisterWithoutServer(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	a, err := m.NewAccount(AccountConfig{Username: "alice"})
	require.NoError(t, err)

	assert.ErrorIs(t, a.Register(), ErrNoServer)
	assert.Equal(t, engine.InvalidAccount, a.ID())
	assert.Zero(t, eng.Count("AddAccount"))
	assert.Empty(t, m.Accounts())
}

func TestRegisterEngineRejects(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	eng.Fail("AddAccount", &engine.StatusError{Code: 400, Text: "Bad URI"})
	a, err := m.NewAccount(AccountConfig{Server: "example.com", Username: "alice"})
	require.NoError(t, err)

	err = a.Register()
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	code, text := engErr.Status()
	assert.Equal(t, 400, code)
	assert.Equal(t, "Bad URI", text)
	assert.Empty(t, m.Accounts())
	assert.Equal(t, RegUnregistered, a.RegistrationState())
}

func TestRegistrationStateMachine(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	var ev events
	a := newTestAccount(t, m, AccountConfig{OnRegState: ev.cb("reg")})
	assert.Equal(t, RegRegistering, a.RegistrationState())

	eng.SetRegState(a.ID(), 200, "OK", time.Hour)
	assert.Equal(t, RegRegistered, a.RegistrationState())
	assert.True(t, a.IsRegistered())
	assert.Equal(t, 200, a.RegistrationStatus())

	eng.SetRegState(a.ID(), 403, "Forbidden", 0)
	assert.Equal(t, RegFailed, a.RegistrationState())
	assert.False(t, a.IsRegistered())

	require.NoError(t, a.Register())
	assert.Equal(t, RegRegistering, a.RegistrationState())
	renew := eng.Requests("SetRegistration")
	require.Len(t, renew, 1)
	assert.Equal(t, "true", renew[0].Arg)
	assert.Equal(t, 1, eng.Count("AddAccount"), "re-register must not add the account again")

	eng.SetRegState(a.ID(), 200, "OK", time.Hour)
	require.NoError(t, a.Unregister())
	assert.Equal(t, RegUnregistered, a.RegistrationState())
	eng.SetRegState(a.ID(), 200, "OK", 0)
	assert.Equal(t, RegUnregistered, a.RegistrationState())

	m.Loop().Drain()
	got := ev.named("reg")
	require.Len(t, got, 4)
	assert.Same(t, a, got[0].args[0])
	assert.Equal(t, 200, got[0].args[1])
	assert.Equal(t, 403, got[1].args[1])
}

func TestAccountStatus(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	a := newTestAccount(t, m, AccountConfig{Identity: "sip:front@example.com"})
	eng.SetRegState(a.ID(), 200, "OK", 90*time.Second)

	st := a.Status()
	assert.Equal(t, int(a.ID()), st.ID)
	assert.Equal(t, "sip:alice@example.com", st.URI)
	assert.Equal(t, "example.com", st.Server)
	assert.Equal(t, "sip:front@example.com", st.Identity)
	assert.Equal(t, RegRegistered, st.State)
	assert.True(t, st.Registered)
	assert.Equal(t, int64(90), st.ExpiresInSec)
	assert.Zero(t, st.Calls)
}

func TestMakeCallRewritesDestination(t *testing.T) {
	tests := []struct {
		name   string
		useTLS bool
		want   string
	}{
		{"udp", false, "sip:bob@example.com"},
		{"tls", true, "sip:bob@example.com;transport=TLS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, eng := newTestManager(t, Options{})
			a := newTestAccount(t, m, AccountConfig{UseTLS: tt.useTLS})

			c, err := a.MakeCall(CallParams{Destination: "bob"})
			require.NoError(t, err)
			dest, _, ok := eng.CallOptions(c.EngineID())
			require.True(t, ok)
			assert.Equal(t, tt.want, dest)
			assert.Equal(t, tt.want, c.Destination())
			assert.Equal(t, tt.want, c.CallerID())
		})
	}
}

func TestMakeCallIdentity(t *testing.T) {
	tests := []struct {
		name        string
		def         string
		identity    string
		displayName string
		want        string
	}{
		{"none", "", "", "", ""},
		{"default", "sip:alice@example.com", "", "", "sip:alice@example.com"},
		{"bare", "", "1000", "", "<sip:1000@example.com>"},
		{"display name", "", "1000", "Front Desk", `"Front Desk" <sip:1000@example.com>`},
		{"uri", "sip:alice@example.com", "<sip:sales@example.com>", "", "<sip:sales@example.com>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, eng := newTestManager(t, Options{})
			a := newTestAccount(t, m, AccountConfig{Identity: tt.def})

			c, err := a.MakeCall(CallParams{Destination: "bob", Identity: tt.identity, DisplayName: tt.displayName})
			require.NoError(t, err)
			_, opts, ok := eng.CallOptions(c.EngineID())
			require.True(t, ok)
			if tt.want == "" {
				assert.Nil(t, opts)
				return
			}
			require.NotNil(t, opts)
			assert.Equal(t, tt.want, opts.Headers["P-Asserted-Identity"])
		})
	}
}

func TestMakeCallErrors(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	a := newTestAccount(t, m, AccountConfig{})

	_, err := a.MakeCall(CallParams{})
	assert.ErrorIs(t, err, ErrNoDestination)

	for _, p := range []CallParams{
		{Destination: "bob\r\nVia: x"},
		{Destination: "bob", Identity: "1000\n"},
		{Destination: "bob", DisplayName: "Front\x7fDesk"},
	} {
		_, err = a.MakeCall(p)
		assert.ErrorIs(t, err, ErrBadDestination)
	}
	assert.Zero(t, eng.Count("MakeCall"))

	eng.Fail("MakeCall", &engine.StatusError{Code: 503, Text: "Service Unavailable"})
	_, err = a.MakeCall(CallParams{Destination: "bob"})
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Empty(t, a.Calls())
	assert.Nil(t, a.RingingCall())
	assert.Zero(t, m.registry.Len())
	eng.Fail("MakeCall", nil)

	c, err := a.MakeCall(CallParams{Destination: "bob"})
	require.NoError(t, err)
	_, err = a.MakeCall(CallParams{Destination: "carol"})
	assert.ErrorIs(t, err, ErrAlreadyRinging)

	connect(eng, c)
	_, err = a.MakeCall(CallParams{Destination: "carol"})
	assert.NoError(t, err)

	unregistered, err := m.NewAccount(AccountConfig{Server: "example.com"})
	require.NoError(t, err)
	_, err = unregistered.MakeCall(CallParams{Destination: "bob"})
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestIncomingCallRings(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	var ev events
	a := newTestAccount(t, m, AccountConfig{OnIncomingCall: ev.cb("incoming")})

	id, err := eng.Incoming(a.ID(), `"Bob" <sip:bob@example.net>`)
	require.NoError(t, err)

	c := a.RingingCall()
	require.NotNil(t, c)
	assert.Equal(t, Inbound, c.Direction())
	assert.Equal(t, CallRingingIn, c.State())
	assert.Equal(t, "bob", c.CallerID())
	assert.Equal(t, id, c.EngineID())
	assert.True(t, c.IsRinging())
	assert.Equal(t, []audio.Ring{audio.RingIn}, m.Audio().Playing())
	assert.Equal(t, StatusRingingIn, c.Status().State)

	answers := eng.Requests("Answer")
	require.Len(t, answers, 1)
	assert.Equal(t, 180, answers[0].Code)

	m.Loop().Drain()
	got := ev.named("incoming")
	require.Len(t, got, 1)
	assert.Same(t, c, got[0].args[0])
	assert.Same(t, a, got[0].args[1])
}

func TestIncomingWhileRingingIsBusy(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	a := newTestAccount(t, m, AccountConfig{})

	_, err := eng.Incoming(a.ID(), "sip:bob@example.net")
	require.NoError(t, err)
	first := a.RingingCall()
	require.NotNil(t, first)

	second, err := eng.Incoming(a.ID(), "sip:carol@example.net")
	require.NoError(t, err)

	hangups := eng.Requests("Hangup")
	require.Len(t, hangups, 1)
	assert.Equal(t, second, hangups[0].Call)
	assert.Equal(t, 486, hangups[0].Code)
	assert.Len(t, a.Calls(), 1)
	assert.Same(t, first, a.RingingCall())
	assert.Equal(t, 1, m.registry.Len())
}

func TestIncomingCallWaiting(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	a := newTestAccount(t, m, AccountConfig{})

	firstID, err := eng.Incoming(a.ID(), "sip:bob@example.net")
	require.NoError(t, err)
	first := a.RingingCall()
	require.NotNil(t, first)
	assert.Equal(t, []audio.Ring{audio.RingIn}, m.Audio().Playing())

	require.NoError(t, first.Answer())
	assert.Empty(t, m.Audio().Playing(), "answering stops the ring")
	eng.SetState(firstID, engine.StateConfirmed, 200, "OK")
	eng.SetMedia(firstID, engine.MediaActive)
	assert.Equal(t, CallActive, first.State())
	assert.Nil(t, a.RingingCall())

	secondID, err := eng.Incoming(a.ID(), "sip:carol@example.net")
	require.NoError(t, err)
	second := a.RingingCall()
	require.NotNil(t, second)
	assert.Equal(t, CallRingingIn, second.State())
	assert.Equal(t, []audio.Ring{audio.RingCallWaiting}, m.Audio().Playing())

	var provisional int
	for _, r := range eng.Requests("Answer") {
		if r.Call == secondID && r.Code == 180 {
			provisional++
		}
	}
	assert.Equal(t, 1, provisional)

	eng.Disconnect(secondID, 487, "Request Terminated")
	assert.Empty(t, m.Audio().Playing())
	assert.Equal(t, CallActive, first.State())
}

func TestCallWaitingIsPerAccount(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	a := newTestAccount(t, m, AccountConfig{Username: "alice"})
	b := newTestAccount(t, m, AccountConfig{Username: "bob"})

	c, err := a.MakeCall(CallParams{Destination: "carol"})
	require.NoError(t, err)
	connect(eng, c)

	_, err = eng.Incoming(b.ID(), "sip:dave@example.net")
	require.NoError(t, err)
	assert.Equal(t, []audio.Ring{audio.RingIn}, m.Audio().Playing())
}

func TestDestroyEndsCalls(t *testing.T) {
	m, eng := newTestManager(t, Options{})
	var ev events
	a := newTestAccount(t, m, AccountConfig{InboundCallbacks: ev.callbacks()})
	accID := a.ID()

	out, err := a.MakeCall(CallParams{Destination: "bob", CallCallbacks: ev.callbacks()})
	require.NoError(t, err)
	connect(eng, out)
	outID := out.EngineID()

	inID, err := eng.Incoming(accID, "sip:carol@example.net")
	require.NoError(t, err)
	in := a.RingingCall()
	require.NotNil(t, in)

	a.Destroy()

	assert.Equal(t, CallEnded, out.State())
	assert.Equal(t, CallEnded, in.State())
	assert.Equal(t, 1, hangupsFor(eng, outID))
	assert.Equal(t, 1, hangupsFor(eng, inID))
	assert.Empty(t, a.Calls())
	assert.Nil(t, a.RingingCall())
	assert.True(t, a.Destroyed())
	assert.False(t, eng.AccountValid(accID))
	assert.Empty(t, m.Accounts())
	assert.Empty(t, m.Audio().Playing())

	_, err = m.FindAccount(accID)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	a.Destroy()
	assert.Equal(t, 1, eng.Count("DeleteAccount"))

	_, err = a.MakeCall(CallParams{Destination: "bob"})
	assert.ErrorIs(t, err, ErrAccountGone)
	assert.ErrorIs(t, a.Register(), ErrAccountGone)

	m.Loop().Drain()
	assert.Len(t, ev.named("end"), 2)

	late, err := eng.Incoming(accID, "sip:erin@example.net")
	require.NoError(t, err)
	assert.Equal(t, 1, hangupsFor(eng, late))
}

func TestCallerIDFromURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sip:bob@example.com", "bob"},
		{"<sip:bob@example.com>", "bob"},
		{`"Bob Smith" <sip:1001@example.com:5060>`, "1001"},
		{"sips:carol@example.com;transport=tls", "carol"},
		{"anonymous", "anonymous"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CallerIDFromURI(tt.in))
		})
	}
}
