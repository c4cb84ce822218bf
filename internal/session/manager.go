// Package session coordinates SIP accounts and their calls on top of an
// asynchronous engine. Engine notifications arrive on engine goroutines;
// everything meant for the host is scheduled on a host.Loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowpbx/webphone/internal/audio"
	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/host"
	"github.com/flowpbx/webphone/internal/logging"
)

const recordTimeout = 5 * time.Second

// CallRecord is the history entry written when a call ends.
type CallRecord struct {
	CallID     uint64
	Account    string
	Direction  string
	Remote     string
	StartedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
	Duration   time.Duration
	EndStatus  int
	EndedBy    string
}

// Recorder persists ended calls.
type Recorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// Options configures a Manager.
type Options struct {
	// Loop delivers host notifications. When nil the manager runs its own.
	Loop *host.Loop
	// BasePath holds the ringtone and wav assets.
	BasePath   string
	EnableICE  bool
	STUNServer string

	UDP engine.TransportConfig
	TLS engine.TransportConfig

	Recorder Recorder
	Logger   *slog.Logger
}

// Manager owns the engine, the audio router and every registered account.
type Manager struct {
	eng      engine.Engine
	loop     *host.Loop
	ownLoop  bool
	audio    *audio.Router
	registry *Registry
	recorder Recorder
	logger   *slog.Logger
	engLog   *slog.Logger
	opts     Options

	tlsCapable bool

	mu       sync.RWMutex
	accounts map[engine.AccountID]*Account
	closed   bool

	recMu   sync.Mutex
	recDone bool
	recWG   sync.WaitGroup
}

// NewManager starts eng: it installs the notification handler, creates the
// transports and the audio router. A UDP transport is required; TLS is
// best-effort and only sets TLSEnabled.
func NewManager(eng engine.Engine, opts Options) (*Manager, error) {
	if eng == nil {
		panic("session: nil engine")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		eng:      eng,
		loop:     opts.Loop,
		registry: NewRegistry(),
		recorder: opts.Recorder,
		logger:   logger.With("subsystem", "session"),
		engLog:   logger.With("subsystem", "engine"),
		opts:     opts,
		accounts: make(map[engine.AccountID]*Account),
	}
	if m.loop == nil {
		m.loop = host.NewLoop(logger)
		m.ownLoop = true
	}

	eng.SetHandler(handler{m})

	if err := eng.CreateTransport(engine.TransportTLS, opts.TLS); err != nil {
		m.logger.Warn("tls transport unavailable", "error", err)
	} else {
		m.tlsCapable = true
	}
	if err := eng.CreateTransport(engine.TransportUDP, opts.UDP); err != nil {
		m.shutdownEngine()
		return nil, fmt.Errorf("creating udp transport: %w", err)
	}

	router, err := audio.New(eng, opts.BasePath, logger)
	if err != nil {
		m.shutdownEngine()
		return nil, fmt.Errorf("starting audio: %w", err)
	}
	m.audio = router

	if opts.EnableICE {
		m.logger.Info("ice enabled", "stun_server", opts.STUNServer)
	}
	m.logger.Info("session manager started", "tls", m.tlsCapable, "max_calls", eng.MaxCalls())
	return m, nil
}

func (m *Manager) shutdownEngine() {
	if err := m.eng.Close(); err != nil {
		m.logger.Warn("closing engine", "error", err)
	}
	if m.ownLoop {
		m.loop.Close()
	}
}

// Close tears everything down in order: calls, accounts, audio, engine.
// Nothing reaches the host after Close returns.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	accounts := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accounts = append(accounts, a)
	}
	m.mu.Unlock()

	m.eng.HangupAll()
	for _, a := range accounts {
		a.Destroy()
	}
	m.audio.Close()
	if err := m.eng.Close(); err != nil {
		m.logger.Warn("closing engine", "error", err)
	}

	m.recMu.Lock()
	m.recDone = true
	m.recMu.Unlock()
	m.recWG.Wait()

	if m.ownLoop {
		m.loop.Close()
	}
	m.logger.Info("session manager closed", "accounts", len(accounts))
}

// Closed reports whether Close has run.
func (m *Manager) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// NewAccount creates an account. It joins the manager when it registers.
func (m *Manager) NewAccount(cfg AccountConfig) (*Account, error) {
	if m.Closed() {
		return nil, ErrManagerClosed
	}
	return newAccount(m, cfg), nil
}

func (m *Manager) addAccount(a *Account) error {
	id := a.ID()
	if id == engine.InvalidAccount {
		panic("session: adding account without engine id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.accounts[id] = a
	return nil
}

func (m *Manager) removeAccount(a *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.accounts[a.ID()]; ok && cur == a {
		delete(m.accounts, a.ID())
	}
}

func (m *Manager) accountByRef(ref accountRef) *Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a := m.accounts[ref.id]
	if a == nil || a.serial != ref.serial {
		return nil
	}
	return a
}

func (m *Manager) account(id engine.AccountID) *Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	return m.accounts[id]
}

// FindAccount returns the account with engine id, if the engine still
// knows it.
func (m *Manager) FindAccount(id engine.AccountID) (*Account, error) {
	a := m.account(id)
	if a == nil || !m.eng.AccountValid(id) {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

// Accounts returns every registered account ordered by engine id.
func (m *Manager) Accounts() []*Account {
	m.mu.RLock()
	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// LookupCall returns the live call with the stable id.
func (m *Manager) LookupCall(id StableID) (*Call, error) {
	c, ok := m.registry.Lookup(id)
	if !ok {
		return nil, ErrCallNotFound
	}
	return c, nil
}

// Calls returns every live call.
func (m *Manager) Calls() []*Call { return m.registry.Calls() }

// TLSEnabled reports whether a TLS transport could be created.
func (m *Manager) TLSEnabled() bool { return m.tlsCapable }

// Loop returns the loop host notifications run on.
func (m *Manager) Loop() *host.Loop { return m.loop }

// Audio returns the audio router.
func (m *Manager) Audio() *audio.Router { return m.audio }

// Engine returns the underlying engine.
func (m *Manager) Engine() engine.Engine { return m.eng }

// AudioDevices lists the engine's audio devices.
func (m *Manager) AudioDevices() []engine.AudioDevice { return m.eng.AudioDevices() }

// SetAudioDevice selects the capture and playback devices.
func (m *Manager) SetAudioDevice(capture, playback int) error {
	return engineErr("setting audio device", m.eng.SetAudioDevice(capture, playback))
}

// Volume returns the microphone and speaker levels.
func (m *Manager) Volume() (out, in float64) {
	return m.eng.RxLevel(engine.DeviceSlot), m.eng.TxLevel(engine.DeviceSlot)
}

// SetVolume adjusts the microphone and speaker levels. 1.0 is unchanged.
func (m *Manager) SetVolume(out, in float64) error {
	if out < 0 || in < 0 {
		return fmt.Errorf("volume must not be negative")
	}
	if err := m.eng.AdjustRxLevel(engine.DeviceSlot, out); err != nil {
		return engineErr("setting microphone level", err)
	}
	return engineErr("setting speaker level", m.eng.AdjustTxLevel(engine.DeviceSlot, in))
}

// SignalLevel returns the last measured microphone and speaker signal.
func (m *Manager) SignalLevel() (out, in uint) {
	tx, rx := m.eng.SignalLevel(engine.DeviceSlot)
	return rx, tx
}

// StartWav plays a wav asset once.
func (m *Manager) StartWav(name string) error { return m.audio.StartWav(name) }

// StopWav stops wav playback. It reports whether a wav was playing.
func (m *Manager) StopWav() bool { return m.audio.StopWav() }

// Log writes a host-originated message.
func (m *Manager) Log(msg string) {
	m.logger.Info(msg, "source", "host")
}

func (m *Manager) record(rec CallRecord) {
	if m.recorder == nil {
		return
	}
	m.recMu.Lock()
	if m.recDone {
		m.recMu.Unlock()
		return
	}
	m.recWG.Add(1)
	m.recMu.Unlock()

	go func() {
		defer m.recWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := m.recorder.RecordCall(ctx, rec); err != nil {
			m.logger.Error("recording call", "call", rec.CallID, "error", err)
		}
	}()
}

// resolveCall maps an engine call id to its live call through the stable
// id stored as call user data.
func (m *Manager) resolveCall(id engine.CallID) (*Call, engine.CallInfo, bool) {
	info, err := m.eng.CallInfo(id)
	if err != nil {
		m.logger.Debug("notification for unknown engine call", "engine_call", int(id), "error", err)
		return nil, info, false
	}
	data, ok := m.eng.CallUserData(id)
	if !ok {
		m.logger.Debug("engine call without user data", "engine_call", int(id))
		return nil, info, false
	}
	c, ok := m.registry.Lookup(StableID(data))
	if !ok {
		m.logger.Debug("notification for ended call", "engine_call", int(id), "call", data)
		return nil, info, false
	}
	if c.owner.id != info.Account {
		m.logger.Error("engine call on unexpected account", "engine_call", int(id),
			"call", data, "account", int(info.Account))
		return nil, info, false
	}
	return c, info, true
}

// handler adapts engine notifications to the manager.
type handler struct{ m *Manager }

var _ engine.Handler = handler{}

func (h handler) OnIncomingCall(acc engine.AccountID, call engine.CallID, info *engine.IncomingInfo) {
	m := h.m
	if m.Closed() {
		m.eng.Hangup(call, 0) //nolint:errcheck
		return
	}
	a := m.account(acc)
	if a == nil {
		m.logger.Warn("incoming call for unknown account", "engine_account", int(acc))
		m.eng.Hangup(call, 486) //nolint:errcheck
		return
	}
	if !a.onIncomingCall(call, info) {
		if err := m.eng.Hangup(call, 486); err != nil {
			m.logger.Debug("rejecting incoming call", "engine_call", int(call), "error", err)
		}
	}
}

func (h handler) OnCallState(call engine.CallID) {
	if h.m.Closed() {
		return
	}
	if c, info, ok := h.m.resolveCall(call); ok {
		c.onState(info)
	}
}

func (h handler) OnCallMediaState(call engine.CallID) {
	if h.m.Closed() {
		return
	}
	if c, info, ok := h.m.resolveCall(call); ok {
		c.onMediaState(info)
	}
}

func (h handler) OnRegState(acc engine.AccountID) {
	if a := h.m.account(acc); a != nil {
		a.onRegState()
	}
}

func (h handler) OnTransportState(t engine.Transport, state string, err error) {
	if err != nil {
		h.m.logger.Warn("transport state", "transport", t.String(), "state", state, "error", err)
		return
	}
	h.m.logger.Debug("transport state", "transport", t.String(), "state", state)
}

func (h handler) OnCallTransferStatus(call engine.CallID, code int, text string, final bool) bool {
	if h.m.Closed() {
		return false
	}
	c, _, ok := h.m.resolveCall(call)
	if !ok {
		return false
	}
	c.logger.Debug("transfer status", "code", code, "text", text, "final", final)
	return c.onTransferStatus(code, final)
}

func (h handler) OnLog(level int, msg string) {
	h.m.engLog.Log(context.Background(), logging.EngineLevel(level), msg)
}

// Provider hands out one shared Manager. The last Release closes it and the
// next Acquire starts a fresh one on a new engine.
type Provider struct {
	factory func() (engine.Engine, error)
	opts    Options

	mu   sync.Mutex
	cur  *Manager
	refs int
}

// NewProvider returns a provider creating engines with factory.
func NewProvider(factory func() (engine.Engine, error), opts Options) *Provider {
	return &Provider{factory: factory, opts: opts}
}

// Acquire returns the current manager, starting one if needed.
func (p *Provider) Acquire() (*Manager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		eng, err := p.factory()
		if err != nil {
			return nil, fmt.Errorf("creating engine: %w", err)
		}
		m, err := NewManager(eng, p.opts)
		if err != nil {
			return nil, err
		}
		p.cur = m
	}
	p.refs++
	return p.cur, nil
}

// Release drops a reference taken by Acquire.
func (p *Provider) Release(m *Manager) {
	p.mu.Lock()
	if m == nil || m != p.cur {
		p.mu.Unlock()
		return
	}
	p.refs--
	if p.refs > 0 {
		p.mu.Unlock()
		return
	}
	p.cur = nil
	p.mu.Unlock()
	m.Close()
}

// Current returns the live manager without taking a reference.
func (p *Provider) Current() *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// Client is one consumer of the shared manager. Accounts it creates are
// destroyed when it closes.
type Client struct {
	p *Provider
	m *Manager

	mu       sync.Mutex
	accounts []*Account
	closed   bool
}

// NewClient acquires the provider's manager.
func NewClient(p *Provider) (*Client, error) {
	m, err := p.Acquire()
	if err != nil {
		return nil, err
	}
	return &Client{p: p, m: m}, nil
}

// Manager returns the client's manager.
func (c *Client) Manager() *Manager { return c.m }

// CreateAccount creates an account and registers it.
func (c *Client) CreateAccount(cfg AccountConfig) (*Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrManagerClosed
	}
	a, err := c.m.NewAccount(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create account: %w", err)
	}
	if err := a.Register(); err != nil {
		a.Destroy()
		return nil, fmt.Errorf("unable to create account: %w", err)
	}
	c.accounts = append(c.accounts, a)
	return a, nil
}

// Accounts returns the client's accounts that have not been destroyed.
func (c *Client) Accounts() []*Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Account, 0, len(c.accounts))
	for _, a := range c.accounts {
		if !a.Destroyed() {
			out = append(out, a)
		}
	}
	return out
}

// Account returns the client's account with engine id.
func (c *Client) Account(id engine.AccountID) (*Account, error) {
	for _, a := range c.Accounts() {
		if a.ID() == id {
			return a, nil
		}
	}
	return nil, ErrAccountNotFound
}

// Call returns a live call on one of the client's accounts.
func (c *Client) Call(id StableID) (*Call, error) {
	call, err := c.m.LookupCall(id)
	if err != nil {
		return nil, err
	}
	a := call.Account()
	if a == nil {
		return nil, ErrCallNotFound
	}
	if _, err := c.Account(a.ID()); err != nil {
		return nil, ErrCallNotFound
	}
	return call, nil
}

// Close destroys the client's accounts and releases the manager.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	accounts := c.accounts
	c.accounts = nil
	c.mu.Unlock()

	for _, a := range accounts {
		a.Destroy()
	}
	c.p.Release(c.m)
}

// IsClosed reports whether err means the manager is gone.
func IsClosed(err error) bool { return errors.Is(err, ErrManagerClosed) }
