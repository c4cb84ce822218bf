// Package sip implements engine.Engine on top of the sipgo stack: account
// registration, INVITE dialogs, in-dialog requests and RTP media mixed
// through a conference bridge.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/host"
	"github.com/flowpbx/webphone/internal/media"
)

// DefaultMaxCalls is the call slot count when Config.MaxCalls is unset.
const DefaultMaxCalls = 511

// Config configures the engine.
type Config struct {
	UserAgent string
	// Host is the address advertised in Contact and Via headers.
	Host string
	// MediaIP is the address advertised in SDP.
	MediaIP    string
	RTPPortMin int
	RTPPortMax int
	MaxCalls   int
	Trace      TraceVerbosity
	// Device is the local audio device at bridge slot 0. Nil uses a null
	// device.
	Device media.Port
	Logger *slog.Logger
}

// Engine is a SIP user agent implementing engine.Engine.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	tracer   *MessageTracer
	bridge   *media.Bridge
	sessions *media.SessionManager
	notify   *host.Loop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	handler   engine.Handler
	listeners map[engine.Transport]int // listening port per transport
	accounts  map[engine.AccountID]*account
	nextAcc   engine.AccountID
	calls     []*call
	dialogs   map[string]*call // keyed by SIP Call-ID
	device    [2]int
	closed    bool
	closeOnce sync.Once
}

var _ engine.Engine = (*Engine)(nil)

// NewEngine creates the user agent, media port pool and conference bridge.
// No transport is listening until CreateTransport.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "webphone"
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = DefaultMaxCalls
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MediaIP == "" {
		cfg.MediaIP = cfg.Host
	}
	if cfg.RTPPortMin == 0 && cfg.RTPPortMax == 0 {
		cfg.RTPPortMin, cfg.RTPPortMax = 10000, 20000
	}
	if cfg.Device == nil {
		cfg.Device = media.NullDevice{}
	}
	logger := cfg.Logger.With("subsystem", "sip")

	pool, err := media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return nil, fmt.Errorf("creating rtp port pool: %w", err)
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.Host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		ua:        ua,
		srv:       srv,
		client:    client,
		tracer:    NewMessageTracer(logger, cfg.Trace),
		bridge:    media.NewBridge(cfg.Device, logger),
		sessions:  media.NewSessionManager(pool, logger),
		notify:    host.NewLoop(logger),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[engine.Transport]int),
		accounts:  make(map[engine.AccountID]*account),
		calls:     make([]*call, cfg.MaxCalls),
		dialogs:   make(map[string]*call),
	}
	e.registerHandlers()
	e.bridge.Start(ctx)
	return e, nil
}

// SetHandler installs the notification handler.
func (e *Engine) SetHandler(h engine.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *Engine) handlerRef() engine.Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

// Close hangs up every call, unregisters every account and stops the stack.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.HangupAll()

		e.mu.Lock()
		accs := make([]*account, 0, len(e.accounts))
		for _, a := range e.accounts {
			accs = append(accs, a)
		}
		e.accounts = make(map[engine.AccountID]*account)
		e.closed = true
		e.mu.Unlock()

		for _, a := range accs {
			e.stopRegistration(a, false)
		}
		e.notify.Close()
		e.cancel()
		e.wg.Wait()

		e.bridge.Stop()
		e.sessions.ReleaseAll()
		e.client.Close()
		e.srv.Close()
		e.ua.Close()
		e.logger.Info("sip engine stopped")
	})
	return nil
}

// contactURI returns our Contact address for user over transport.
func (e *Engine) contactURI(user, transport string) sip.Uri {
	t := engine.TransportUDP
	if transport == "TLS" {
		t = engine.TransportTLS
	}
	e.mu.Lock()
	port := e.listeners[t]
	e.mu.Unlock()

	s := "sip:"
	if user != "" {
		s += user + "@"
	}
	s += net.JoinHostPort(e.cfg.Host, strconv.Itoa(port))
	if t == engine.TransportTLS {
		s += ";transport=tls"
	}
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		e.logger.Error("invalid contact uri", "uri", s, "error", err)
	}
	return u
}

// notifyReg delivers OnRegState for a.
func (e *Engine) notifyReg(a *account) {
	e.notify.Schedule(func() {
		if h := e.handlerRef(); h != nil && e.AccountValid(a.id) {
			h.OnRegState(a.id)
		}
	})
}

// notifyState delivers OnCallState for c. A disconnected call is freed once
// the handler returns.
func (e *Engine) notifyState(c *call) {
	c.mu.Lock()
	disconnected := c.state == engine.StateDisconnected
	c.mu.Unlock()

	e.notify.Schedule(func() {
		if !e.live(c) {
			return
		}
		if h := e.handlerRef(); h != nil {
			h.OnCallState(c.id)
		}
		if disconnected {
			e.freeCall(c)
		}
	})
}

// notifyMedia delivers OnCallMediaState for c.
func (e *Engine) notifyMedia(c *call) {
	e.notify.Schedule(func() {
		if !e.live(c) {
			return
		}
		if h := e.handlerRef(); h != nil {
			h.OnCallMediaState(c.id)
		}
	})
}

// notifyTransfer delivers transfer progress. When the handler declines
// further reports the call stops forwarding NOTIFY bodies.
func (e *Engine) notifyTransfer(c *call, code int, text string, final bool) {
	e.notify.Schedule(func() {
		if !e.live(c) {
			return
		}
		h := e.handlerRef()
		if h == nil {
			return
		}
		cont := h.OnCallTransferStatus(c.id, code, text, final)
		if !cont || final {
			c.mu.Lock()
			c.referActive = false
			c.mu.Unlock()
		}
	})
}

// emitLog forwards an engine message to the handler's log bridge.
func (e *Engine) emitLog(level int, msg string) {
	e.notify.Schedule(func() {
		if h := e.handlerRef(); h != nil {
			h.OnLog(level, msg)
		}
	})
}

// live reports whether c still holds its call id.
func (e *Engine) live(c *call) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(c.id) < len(e.calls) && e.calls[c.id] == c
}

// allocCall reserves the lowest free call id and a bridge slot for a new
// call. The caller fills the dialog fields.
func (e *Engine) allocCall(a *account, inbound bool, sipCallID string) (*call, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engine.ErrClosed
	}
	id := engine.InvalidCall
	for i, c := range e.calls {
		if c == nil {
			id = engine.CallID(i)
			break
		}
	}
	if id == engine.InvalidCall {
		return nil, engine.ErrTooManyCalls
	}
	if _, dup := e.dialogs[sipCallID]; dup {
		return nil, fmt.Errorf("call-id %q already in use", sipCallID)
	}

	session, err := e.sessions.Allocate(sipCallID)
	if err != nil {
		return nil, err
	}
	c := &call{
		id:        id,
		acc:       a,
		inbound:   inbound,
		sipCallID: sipCallID,
		session:   session,
		transport: a.transport,
		slot:      -1,
	}
	slot, err := e.bridge.Add(callPort{c: c})
	if err != nil {
		e.sessions.Release(sipCallID)
		return nil, err
	}
	c.slot = slot
	e.calls[id] = c
	e.dialogs[sipCallID] = c
	return c, nil
}

// freeCall releases a call's id, bridge slot and media ports.
func (e *Engine) freeCall(c *call) {
	e.mu.Lock()
	if int(c.id) < len(e.calls) && e.calls[c.id] == c {
		e.calls[c.id] = nil
	}
	if e.dialogs[c.sipCallID] == c {
		delete(e.dialogs, c.sipCallID)
	}
	e.mu.Unlock()

	c.mu.Lock()
	already := c.freed
	c.freed = true
	c.mu.Unlock()
	if already {
		return
	}
	if err := e.bridge.Remove(c.slot); err != nil {
		e.logger.Debug("removing call slot", "call", c.id, "error", err)
	}
	e.sessions.Release(c.sipCallID)
}

// call returns the live call with id.
func (e *Engine) call(id engine.CallID) (*call, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 0 || int(id) >= len(e.calls) || e.calls[id] == nil {
		return nil, engine.ErrNotFound
	}
	return e.calls[id], nil
}

// dialog returns the call owning a SIP Call-ID.
func (e *Engine) dialog(sipCallID string) *call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dialogs[sipCallID]
}

func (e *Engine) account(id engine.AccountID) (*account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return a, nil
}

// AddAccount adds an account and starts registering it.
func (e *Engine) AddAccount(cfg engine.AccountConfig) (engine.AccountID, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return engine.InvalidAccount, engine.ErrClosed
	}
	id := e.nextAcc
	a, err := newAccount(id, cfg)
	if err != nil {
		e.mu.Unlock()
		return engine.InvalidAccount, err
	}
	if a.transport == "TLS" {
		if _, ok := e.listeners[engine.TransportTLS]; !ok {
			e.mu.Unlock()
			return engine.InvalidAccount, fmt.Errorf("account %q needs tls but no tls transport is listening", cfg.ID)
		}
	}
	e.nextAcc++
	e.accounts[id] = a
	e.mu.Unlock()

	e.startRegistration(a)
	return id, nil
}

// DeleteAccount unregisters and removes an account.
func (e *Engine) DeleteAccount(id engine.AccountID) error {
	e.mu.Lock()
	a, ok := e.accounts[id]
	if ok {
		delete(e.accounts, id)
	}
	e.mu.Unlock()
	if !ok {
		return engine.ErrNotFound
	}
	e.stopRegistration(a, false)
	return nil
}

// SetRegistration renews (true) or removes (false) the registration.
func (e *Engine) SetRegistration(id engine.AccountID, renew bool) error {
	a, err := e.account(id)
	if err != nil {
		return err
	}
	if renew {
		e.startRegistration(a)
		return nil
	}
	e.stopRegistration(a, true)
	return nil
}

func (e *Engine) AccountInfo(id engine.AccountID) (engine.AccountInfo, error) {
	a, err := e.account(id)
	if err != nil {
		return engine.AccountInfo{}, err
	}
	return a.snapshot(), nil
}

func (e *Engine) AccountValid(id engine.AccountID) bool {
	_, err := e.account(id)
	return err == nil
}

func (e *Engine) CallInfo(id engine.CallID) (engine.CallInfo, error) {
	c, err := e.call(id)
	if err != nil {
		return engine.CallInfo{}, err
	}
	return c.info(), nil
}

func (e *Engine) SetCallUserData(id engine.CallID, data uint64) error {
	c, err := e.call(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userData = data
	c.hasData = true
	return nil
}

func (e *Engine) CallUserData(id engine.CallID) (uint64, bool) {
	c, err := e.call(id)
	if err != nil {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userData, c.hasData
}

func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c != nil {
			n++
		}
	}
	return n
}

func (e *Engine) MaxCalls() int { return e.cfg.MaxCalls }

func (e *Engine) IsCallActive(id engine.CallID) bool {
	_, err := e.call(id)
	return err == nil
}

// CallIDs returns the ids of every live call in ascending order.
func (e *Engine) CallIDs() []engine.CallID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []engine.CallID
	for i, c := range e.calls {
		if c != nil {
			ids = append(ids, engine.CallID(i))
		}
	}
	return ids
}

func (e *Engine) AddPort(p media.Port) (int, error) { return e.bridge.Add(p) }

func (e *Engine) RemovePort(slot int) error {
	if slot == engine.DeviceSlot {
		return media.ErrInvalidSlot
	}
	return e.bridge.Remove(slot)
}

func (e *Engine) ConnectSlots(src, dst int) error    { return e.bridge.Connect(src, dst) }
func (e *Engine) DisconnectSlots(src, dst int) error { return e.bridge.Disconnect(src, dst) }

// AudioDevices lists the single device the bridge is attached to.
func (e *Engine) AudioDevices() []engine.AudioDevice {
	name := "null"
	if _, isNull := e.cfg.Device.(media.NullDevice); !isNull {
		name = fmt.Sprintf("%T", e.cfg.Device)
	}
	return []engine.AudioDevice{{ID: 0, Name: name, Input: 1, Output: 1}}
}

// SetAudioDevice selects capture and playback devices; -1 means the default.
func (e *Engine) SetAudioDevice(capture, playback int) error {
	valid := func(id int) bool { return id == 0 || id == -1 }
	if !valid(capture) || !valid(playback) {
		return fmt.Errorf("no audio device %d/%d: %w", capture, playback, engine.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device = [2]int{capture, playback}
	return nil
}

func (e *Engine) AdjustRxLevel(slot int, level float64) error { return e.bridge.AdjustRxLevel(slot, level) }
func (e *Engine) AdjustTxLevel(slot int, level float64) error { return e.bridge.AdjustTxLevel(slot, level) }
func (e *Engine) RxLevel(slot int) float64                    { return e.bridge.RxLevel(slot) }
func (e *Engine) TxLevel(slot int) float64                    { return e.bridge.TxLevel(slot) }
func (e *Engine) SignalLevel(slot int) (tx, rx uint)          { return e.bridge.SignalLevel(slot) }

// MediaStats returns the number of allocated media sessions and the summed
// packet counters of their streams.
func (e *Engine) MediaStats() (int, media.StreamStats) {
	return e.sessions.Count(), e.sessions.Stats()
}
