package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/host"
)

// Registration states.
const (
	RegUnregistered = "unregistered"
	RegRegistering  = "registering"
	RegRegistered   = "registered"
	RegFailed       = "failed"
)

const (
	evRegister   = "register"
	evRegistered = "registered"
	evFail       = "fail"
	evUnregister = "unregister"
)

const (
	defaultRegTimeout    = 60 * time.Second
	defaultRetryInterval = 15 * time.Second
)

var lastAccountSerial atomic.Uint64

// AccountConfig configures an account. Server is required to register.
type AccountConfig struct {
	Server   string
	Username string
	Password string
	UseTLS   bool
	// Identity is the default asserted identity for outbound calls.
	Identity string

	Timeout       time.Duration
	RetryInterval time.Duration

	// OnIncomingCall receives (call, account) for every accepted inbound
	// call. OnRegState receives (account, status code).
	OnIncomingCall host.Callback
	OnRegState     host.Callback

	// InboundCallbacks are installed on every inbound call before the host
	// hears about it.
	InboundCallbacks CallCallbacks
}

// CallParams describes an outbound call.
type CallParams struct {
	Destination string
	Identity    string
	DisplayName string
	CallCallbacks
}

// AccountStatus is a snapshot of an account.
type AccountStatus struct {
	ID           int    `json:"id"`
	URI          string `json:"uri"`
	Server       string `json:"server"`
	Username     string `json:"username"`
	UseTLS       bool   `json:"useTls"`
	Identity     string `json:"identity,omitempty"`
	State        string `json:"state"`
	Status       int    `json:"status"`
	StatusText   string `json:"statusText,omitempty"`
	Registered   bool   `json:"registered"`
	Calls        int    `json:"calls"`
	RingingCall  uint64 `json:"ringingCall,omitempty"`
	ExpiresInSec int64  `json:"expires"`
}

// Account is a SIP account and the calls placed or received on it.
type Account struct {
	m      *Manager
	serial uint64
	cfg    AccountConfig
	uri    string
	logger *slog.Logger

	id atomic.Int64

	mu        sync.Mutex
	reg       *fsm.FSM
	calls     []*Call
	ringing   *Call
	destroyed bool
}

func newAccount(m *Manager, cfg AccountConfig) *Account {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRegTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	a := &Account{
		m:      m,
		serial: lastAccountSerial.Add(1),
		cfg:    cfg,
		uri:    accountURI(cfg.Username, cfg.Server),
	}
	a.id.Store(int64(engine.InvalidAccount))
	a.logger = m.logger.With("account", a.uri)
	a.reg = fsm.NewFSM(
		RegUnregistered,
		fsm.Events{
			{Name: evRegister, Src: []string{RegUnregistered, RegFailed, RegRegistered}, Dst: RegRegistering},
			{Name: evRegistered, Src: []string{RegUnregistered, RegRegistering, RegFailed}, Dst: RegRegistered},
			{Name: evFail, Src: []string{RegRegistering, RegRegistered}, Dst: RegFailed},
			{Name: evUnregister, Src: []string{RegRegistering, RegRegistered, RegFailed}, Dst: RegUnregistered},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				a.logger.Info("registration state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return a
}

// ID returns the engine account id, or engine.InvalidAccount before the
// first successful Register.
func (a *Account) ID() engine.AccountID { return engine.AccountID(a.id.Load()) }

// URI returns the account's address of record.
func (a *Account) URI() string { return a.uri }

// Server returns the registrar host.
func (a *Account) Server() string { return a.cfg.Server }

// Username returns the authentication user.
func (a *Account) Username() string { return a.cfg.Username }

// UseTLS reports whether signaling uses TLS.
func (a *Account) UseTLS() bool { return a.cfg.UseTLS }

// Identity returns the default outbound identity.
func (a *Account) Identity() string { return a.cfg.Identity }

// RegistrationState returns the registration state machine's state.
func (a *Account) RegistrationState() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg.Current()
}

// Register adds the account to the engine, or re-triggers registration if
// it was added before.
func (a *Account) Register() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return ErrAccountGone
	}

	if id := a.ID(); id != engine.InvalidAccount {
		if err := a.m.eng.SetRegistration(id, true); err != nil {
			return engineErr("renewing registration", err)
		}
		fire(a.reg, evRegister)
		return nil
	}

	if a.cfg.Server == "" {
		return ErrNoServer
	}

	cfg := engine.AccountConfig{
		ID:            a.uri,
		RegURI:        "sip:" + a.cfg.Server,
		RetryInterval: a.cfg.RetryInterval,
		Timeout:       a.cfg.Timeout,
	}
	if a.cfg.UseTLS {
		cfg.RegURI += ";transport=tls"
	}
	if a.cfg.Username != "" {
		cfg.Credentials = []engine.Credential{{
			Realm:    "*",
			Scheme:   "digest",
			Username: a.cfg.Username,
			Password: a.cfg.Password,
		}}
	}

	id, err := a.m.eng.AddAccount(cfg)
	if err != nil {
		return engineErr("adding account", err)
	}
	a.id.Store(int64(id))
	fire(a.reg, evRegister)
	if err := a.m.addAccount(a); err != nil {
		a.m.eng.DeleteAccount(id) //nolint:errcheck
		a.id.Store(int64(engine.InvalidAccount))
		fire(a.reg, evUnregister)
		return err
	}
	a.logger.Info("account added", "engine_account", int(id), "registrar", cfg.RegURI)
	return nil
}

// Unregister removes the registration but keeps the account.
func (a *Account) Unregister() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return ErrAccountGone
	}
	id := a.ID()
	if id == engine.InvalidAccount {
		return ErrNotRegistered
	}
	if err := a.m.eng.SetRegistration(id, false); err != nil {
		return engineErr("unregistering", err)
	}
	fire(a.reg, evUnregister)
	return nil
}

// Destroy ends every call, removes the account from the engine and the
// manager. It is safe to call more than once.
func (a *Account) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	calls := a.calls
	a.calls = nil
	a.ringing = nil
	a.mu.Unlock()

	for _, c := range calls {
		c.LocalEnd()
	}

	id := a.ID()
	if id != engine.InvalidAccount {
		if a.m.eng.AccountValid(id) {
			if err := a.m.eng.DeleteAccount(id); err != nil {
				a.logger.Warn("deleting account from engine", "error", err)
			}
		}
		a.m.removeAccount(a)
	}

	a.mu.Lock()
	fire(a.reg, evUnregister)
	a.mu.Unlock()
	a.logger.Info("account destroyed", "calls_ended", len(calls))
}

// Destroyed reports whether Destroy has run.
func (a *Account) Destroyed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

// Calls returns the account's live calls in creation order.
func (a *Account) Calls() []*Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// RingingCall returns the call currently ringing on the account, if any.
func (a *Account) RingingCall() *Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ringing
}

// RegistrationStatus returns the last registration status code.
func (a *Account) RegistrationStatus() int {
	info, err := a.info()
	if err != nil {
		return 0
	}
	return info.Status
}

// IsRegistered reports whether the engine holds a current registration.
func (a *Account) IsRegistered() bool {
	info, err := a.info()
	return err == nil && info.Registered()
}

func (a *Account) info() (engine.AccountInfo, error) {
	id := a.ID()
	if id == engine.InvalidAccount {
		return engine.AccountInfo{}, ErrNotRegistered
	}
	return a.m.eng.AccountInfo(id)
}

// Status returns a snapshot of the account.
func (a *Account) Status() AccountStatus {
	st := AccountStatus{
		ID:       int(a.ID()),
		URI:      a.uri,
		Server:   a.cfg.Server,
		Username: a.cfg.Username,
		UseTLS:   a.cfg.UseTLS,
		Identity: a.cfg.Identity,
	}
	if info, err := a.info(); err == nil {
		st.Status = info.Status
		st.StatusText = info.StatusText
		st.Registered = info.Registered()
		st.ExpiresInSec = int64(info.Expires / time.Second)
	}
	a.mu.Lock()
	st.State = a.reg.Current()
	st.Calls = len(a.calls)
	if a.ringing != nil {
		st.RingingCall = uint64(a.ringing.id)
	}
	a.mu.Unlock()
	return st
}

// normalizeURI turns a bare destination into a SIP URI on the account's
// server, forcing TLS transport when the account uses it.
func (a *Account) normalizeURI(dest string) string {
	uri := dest
	if !strings.HasPrefix(uri, "sip:") && !strings.HasPrefix(uri, "sips:") {
		uri = "sip:" + dest + "@" + a.cfg.Server
	}
	if a.cfg.UseTLS && !strings.Contains(uri, "transport=TLS") {
		uri += ";transport=TLS"
	}
	return uri
}

// assertedIdentity builds the P-Asserted-Identity value for a call.
func (a *Account) assertedIdentity(identity, displayName string) string {
	if identity == "" {
		identity = a.cfg.Identity
	}
	if identity == "" {
		return ""
	}
	if !strings.Contains(identity, "sip:") {
		identity = "<sip:" + identity + "@" + a.cfg.Server + ">"
	}
	if displayName != "" {
		identity = fmt.Sprintf("%q %s", displayName, identity)
	}
	return identity
}

// MakeCall places an outbound call. Only one call may ring on an account at
// a time.
func (a *Account) MakeCall(p CallParams) (*Call, error) {
	if p.Destination == "" {
		return nil, ErrNoDestination
	}
	if hasControlChars(p.Destination) || hasControlChars(p.Identity) || hasControlChars(p.DisplayName) {
		return nil, ErrBadDestination
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil, ErrAccountGone
	}
	id := a.ID()
	if id == engine.InvalidAccount {
		a.mu.Unlock()
		return nil, ErrNotRegistered
	}
	if a.ringing != nil {
		a.mu.Unlock()
		return nil, ErrAlreadyRinging
	}
	c := newCall(a, Outbound)
	c.cb = p.CallCallbacks
	a.calls = append(a.calls, c)
	a.ringing = c
	a.mu.Unlock()

	dest := a.normalizeURI(p.Destination)
	if err := c.makeCall(id, dest, a.assertedIdentity(p.Identity, p.DisplayName)); err != nil {
		c.abandon()
		a.onCallEnd(c)
		a.m.registry.Remove(c.id)
		return nil, err
	}
	return c, nil
}

// onIncomingCall takes an inbound engine call. It returns false when the
// account cannot take it, and the caller rejects it as busy.
func (a *Account) onIncomingCall(ref engine.CallID, info *engine.IncomingInfo) bool {
	a.mu.Lock()
	if a.destroyed || a.ringing != nil {
		busy := a.ringing != nil
		a.mu.Unlock()
		a.logger.Info("rejecting incoming call", "engine_call", int(ref), "busy", busy)
		return false
	}
	c := newCall(a, Inbound)
	c.cb = a.cfg.InboundCallbacks
	a.calls = append(a.calls, c)
	a.ringing = c
	callWaiting := len(a.calls) > 1
	a.mu.Unlock()

	var from string
	if info != nil {
		from = info.Contact
		if from == "" {
			from = info.From
		}
	}
	callerID := CallerIDFromURI(from)

	if !c.registerIncoming(ref, callerID) {
		c.abandon()
		a.onCallEnd(c)
		a.m.registry.Remove(c.id)
		return false
	}
	if a.Destroyed() {
		c.LocalEnd()
		return true
	}

	c.startInRinging(callWaiting)
	a.logger.Info("incoming call", "call", uint64(c.id), "caller", callerID, "call_waiting", callWaiting)
	host.Invoke(a.m.loop, a.cfg.OnIncomingCall, c, a)
	return true
}

// CallerIDFromURI returns the user part of a SIP address such as
// `"Bob" <sip:bob@example.com>`, or the input when it has none.
func CallerIDFromURI(uri string) string {
	s := uri
	if i := strings.IndexByte(s, '<'); i >= 0 {
		s = s[i+1:]
		if j := strings.IndexByte(s, '>'); j >= 0 {
			s = s[:j]
		}
	}
	i := strings.IndexByte(s, ':')
	j := strings.IndexByte(s, '@')
	if i < 0 || j < 0 || j <= i {
		return uri
	}
	return s[i+1 : j]
}

// hasControlChars reports characters that would break a SIP header line.
func hasControlChars(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r < 0x20 || r == 0x7f }) >= 0
}

// accountURI builds the address of record, omitting the user part when
// there is no username.
func accountURI(user, server string) string {
	if user == "" {
		return "sip:" + server
	}
	return "sip:" + user + "@" + server
}

// onCallRingChange keeps the ringing call in step with an outbound call's
// invite state.
func (a *Account) onCallRingChange(c *Call, info engine.CallInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if info.State == engine.StateCalling {
		// terminate clears the engine id before onCallEnd takes a.mu.
		if a.ringing == nil && c.EngineID() != engine.InvalidCall {
			a.ringing = c
		}
		return
	}
	if a.ringing == c {
		a.ringing = nil
	}
}

// onCallEnd forgets an ended call.
func (a *Account) onCallEnd(c *Call) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, cc := range a.calls {
		if cc == c {
			a.calls = append(a.calls[:i], a.calls[i+1:]...)
			break
		}
	}
	if a.ringing == c {
		a.ringing = nil
	}
}

// onRegState refreshes the registration state from the engine and tells
// the host.
func (a *Account) onRegState() {
	info, err := a.info()
	if err != nil {
		a.logger.Debug("registration state for unknown account", "error", err)
		return
	}

	a.mu.Lock()
	switch {
	case info.Registered():
		fire(a.reg, evRegistered)
	case info.Status >= 200 && info.Status < 300:
		fire(a.reg, evUnregister)
	default:
		fire(a.reg, evFail)
	}
	a.mu.Unlock()

	a.logger.Debug("registration status", "status", info.Status, "text", info.StatusText, "expires", info.Expires)
	host.Invoke(a.m.loop, a.cfg.OnRegState, a, info.Status)
}
