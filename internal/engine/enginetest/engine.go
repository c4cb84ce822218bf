// Package enginetest provides an in-memory engine for tests. It performs no
// signaling; every request is recorded, and tests drive notifications with
// the helper methods, which invoke the handler synchronously.
package enginetest

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/media"
)

// Request is one recorded engine request.
type Request struct {
	Op      string
	Account engine.AccountID
	Call    engine.CallID
	Code    int
	Arg     string
}

type account struct {
	cfg        engine.AccountConfig
	info       engine.AccountInfo
	registered bool
}

type call struct {
	info     engine.CallInfo
	dest     string
	opts     *engine.CallOptions
	userData uint64
	hasData  bool
	connect  time.Time
}

// Engine is a scripted engine.Engine.
type Engine struct {
	mu sync.Mutex

	handler    engine.Handler
	transports map[engine.Transport]engine.TransportConfig
	accounts   map[engine.AccountID]*account
	nextAcc    engine.AccountID
	calls      map[engine.CallID]*call
	maxCalls   int
	requests   []Request
	failures   map[string]error
	closed     bool
	device     [2]int

	bridge *media.Bridge
}

var _ engine.Engine = (*Engine)(nil)

// New returns an engine allowing maxCalls simultaneous calls.
func New(maxCalls int) *Engine {
	return &Engine{
		transports: make(map[engine.Transport]engine.TransportConfig),
		accounts:   make(map[engine.AccountID]*account),
		calls:      make(map[engine.CallID]*call),
		maxCalls:   maxCalls,
		failures:   make(map[string]error),
		bridge:     media.NewBridge(media.NullDevice{}, slog.Default()),
	}
}

// Fail makes every later request named op return err until cleared with a
// nil err.
func (e *Engine) Fail(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, op)
		return
	}
	e.failures[op] = err
}

// Requests returns the recorded requests named op, or all when op is empty.
func (e *Engine) Requests(op string) []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Request
	for _, r := range e.requests {
		if op == "" || r.Op == op {
			out = append(out, r)
		}
	}
	return out
}

// Count returns how many requests named op were made.
func (e *Engine) Count(op string) int {
	return len(e.Requests(op))
}

// Bridge returns the conference bridge behind the slot methods.
func (e *Engine) Bridge() *media.Bridge { return e.bridge }

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// record notes a request and returns the failure configured for it. The
// caller holds mu.
func (e *Engine) record(r Request) error {
	e.requests = append(e.requests, r)
	if e.closed && r.Op != "Close" {
		return engine.ErrClosed
	}
	return e.failures[r.Op]
}

func (e *Engine) SetHandler(h engine.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Request{Op: "SetHandler"}) //nolint:errcheck
	e.handler = h
}

func (e *Engine) CreateTransport(t engine.Transport, cfg engine.TransportConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(Request{Op: "CreateTransport", Arg: t.String()}); err != nil {
		return err
	}
	if e.handler == nil {
		return engine.ErrHandlerRequired
	}
	if t == engine.TransportTLS && cfg.CertFile == "" {
		return fmt.Errorf("tls transport: no certificate")
	}
	e.transports[t] = cfg
	return nil
}

// HasTransport reports whether a transport of type t was created.
func (e *Engine) HasTransport(t engine.Transport) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.transports[t]
	return ok
}

func (e *Engine) AddAccount(cfg engine.AccountConfig) (engine.AccountID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(Request{Op: "AddAccount", Arg: cfg.ID}); err != nil {
		return engine.InvalidAccount, err
	}
	id := e.nextAcc
	e.nextAcc++
	e.accounts[id] = &account{
		cfg:        cfg,
		info:       engine.AccountInfo{ID: id, URI: cfg.ID},
		registered: true,
	}
	return id, nil
}

// AccountConfig returns the configuration an account was added with.
func (e *Engine) AccountConfig(acc engine.AccountID) (engine.AccountConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[acc]
	if !ok {
		return engine.AccountConfig{}, false
	}
	return a.cfg, true
}

func (e *Engine) DeleteAccount(acc engine.AccountID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(Request{Op: "DeleteAccount", Account: acc}); err != nil {
		return err
	}
	if _, ok := e.accounts[acc]; !ok {
		return engine.ErrNotFound
	}
	delete(e.accounts, acc)
	return nil
}

func (e *Engine) SetRegistration(acc engine.AccountID, renew bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	arg := "false"
	if renew {
		arg = "true"
	}
	if err := e.record(Request{Op: "SetRegistration", Account: acc, Arg: arg}); err != nil {
		return err
	}
	a, ok := e.accounts[acc]
	if !ok {
		return engine.ErrNotFound
	}
	a.registered = renew
	return nil
}

func (e *Engine) AccountInfo(acc engine.AccountID) (engine.AccountInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[acc]
	if !ok {
		return engine.AccountInfo{}, engine.ErrNotFound
	}
	return a.info, nil
}

func (e *Engine) AccountValid(acc engine.AccountID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.accounts[acc]
	return ok
}

// allocCall returns the lowest free call id. The caller holds mu.
func (e *Engine) allocCall() (engine.CallID, error) {
	for id := 0; id < e.maxCalls; id++ {
		if _, used := e.calls[engine.CallID(id)]; !used {
			return engine.CallID(id), nil
		}
	}
	return engine.InvalidCall, engine.ErrTooManyCalls
}

// newCall allocates a call with its own bridge slot. The caller holds mu.
func (e *Engine) newCall(acc engine.AccountID, state engine.InviteState) (engine.CallID, *call, error) {
	id, err := e.allocCall()
	if err != nil {
		return engine.InvalidCall, nil, err
	}
	slot, err := e.bridge.Add(media.NullDevice{})
	if err != nil {
		return engine.InvalidCall, nil, err
	}
	c := &call{info: engine.CallInfo{ID: id, Account: acc, State: state, ConfSlot: slot}}
	e.calls[id] = c
	return id, c, nil
}

func (e *Engine) MakeCall(acc engine.AccountID, dest string, userData uint64, opts *engine.CallOptions) (engine.CallID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(Request{Op: "MakeCall", Account: acc, Arg: dest}); err != nil {
		return engine.InvalidCall, err
	}
	if _, ok := e.accounts[acc]; !ok {
		return engine.InvalidCall, engine.ErrNotFound
	}
	id, c, err := e.newCall(acc, engine.StateNull)
	if err != nil {
		return engine.InvalidCall, err
	}
	c.dest = dest
	c.opts = opts
	c.userData = userData
	c.hasData = true
	c.info.RemoteInfo = dest
	c.info.RemoteContact = dest
	return id, nil
}

// CallOptions returns the options and destination a call was made with.
func (e *Engine) CallOptions(id engine.CallID) (string, *engine.CallOptions, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	if !ok {
		return "", nil, false
	}
	return c.dest, c.opts, true
}

func (e *Engine) Answer(id engine.CallID, code int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(Request{Op: "Answer", Call: id, Code: code}); err != nil {
		return err
	}
	c, ok := e.calls[id]
	if !ok {
		return engine.ErrNotFound
	}
	c.info.LastStatus = code
	if code >= 200 && code < 300 {
		c.info.State = engine.StateConnecting
	}
	return nil
}

func (e *Engine) Hangup(id engine.CallID, code int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(Request{Op: "Hangup", Call: id, Code: code}); err != nil {
		return err
	}
	if _, ok := e.calls[id]; !ok {
		return engine.ErrNotFound
	}
	return nil
}

func (e *Engine) HangupAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Request{Op: "HangupAll"}) //nolint:errcheck
}

func (e *Engine) SetHold(id engine.CallID) error {
	return e.callOp("SetHold", id, 0, "")
}

func (e *Engine) Reinvite(id engine.CallID, unhold bool) error {
	arg := ""
	if unhold {
		arg = "unhold"
	}
	return e.callOp("Reinvite", id, 0, arg)
}

func (e *Engine) DialDTMF(id engine.CallID, digits string) error {
	return e.callOp("DialDTMF", id, 0, digits)
}

func (e *Engine) Transfer(id engine.CallID, dest string) error {
	return e.callOp("Transfer", id, 0, dest)
}

func (e *Engine) TransferReplaces(id, other engine.CallID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(Request{Op: "TransferReplaces", Call: id, Code: int(other)}); err != nil {
		return err
	}
	if _, ok := e.calls[id]; !ok {
		return engine.ErrNotFound
	}
	if _, ok := e.calls[other]; !ok {
		return engine.ErrNotFound
	}
	return nil
}

func (e *Engine) callOp(op string, id engine.CallID, code int, arg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(Request{Op: op, Call: id, Code: code, Arg: arg}); err != nil {
		return err
	}
	if _, ok := e.calls[id]; !ok {
		return engine.ErrNotFound
	}
	return nil
}

func (e *Engine) CallInfo(id engine.CallID) (engine.CallInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	if !ok {
		return engine.CallInfo{}, engine.ErrNotFound
	}
	info := c.info
	if !c.connect.IsZero() {
		info.ConnectDuration = time.Since(c.connect)
	}
	return info, nil
}

func (e *Engine) SetCallUserData(id engine.CallID, data uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	if !ok {
		return engine.ErrNotFound
	}
	c.userData = data
	c.hasData = true
	return nil
}

func (e *Engine) CallUserData(id engine.CallID) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	if !ok || !c.hasData {
		return 0, false
	}
	return c.userData, true
}

func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *Engine) MaxCalls() int { return e.maxCalls }

func (e *Engine) IsCallActive(id engine.CallID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	return ok && c.info.State != engine.StateDisconnected
}

// CallIDs returns the ids of every live call in ascending order.
func (e *Engine) CallIDs() []engine.CallID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]engine.CallID, 0, len(e.calls))
	for id := range e.calls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *Engine) AddPort(p media.Port) (int, error) { return e.bridge.Add(p) }

func (e *Engine) RemovePort(slot int) error {
	if slot == engine.DeviceSlot {
		return engine.ErrInvalidOp
	}
	return e.bridge.Remove(slot)
}

func (e *Engine) ConnectSlots(src, dst int) error    { return e.bridge.Connect(src, dst) }
func (e *Engine) DisconnectSlots(src, dst int) error { return e.bridge.Disconnect(src, dst) }

func (e *Engine) AudioDevices() []engine.AudioDevice {
	return []engine.AudioDevice{{ID: 0, Name: "Null Audio", Input: 1, Output: 1}}
}

func (e *Engine) SetAudioDevice(capture, playback int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(Request{Op: "SetAudioDevice", Code: capture, Arg: fmt.Sprint(playback)}); err != nil {
		return err
	}
	if capture != 0 || playback != 0 {
		return engine.ErrNotFound
	}
	e.device = [2]int{capture, playback}
	return nil
}

func (e *Engine) AdjustRxLevel(slot int, level float64) error { return e.bridge.AdjustRxLevel(slot, level) }
func (e *Engine) AdjustTxLevel(slot int, level float64) error { return e.bridge.AdjustTxLevel(slot, level) }
func (e *Engine) RxLevel(slot int) float64                    { return e.bridge.RxLevel(slot) }
func (e *Engine) TxLevel(slot int) float64                    { return e.bridge.TxLevel(slot) }
func (e *Engine) SignalLevel(slot int) (tx, rx uint)          { return e.bridge.SignalLevel(slot) }

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(Request{Op: "Close"}) //nolint:errcheck
	e.closed = true
	return nil
}

// handlerFor returns the installed handler or panics: notifications before
// SetHandler are a test bug.
func (e *Engine) handlerFor() engine.Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handler == nil {
		panic("enginetest: no handler installed")
	}
	return e.handler
}

// Incoming allocates an inbound call on acc and delivers OnIncomingCall.
func (e *Engine) Incoming(acc engine.AccountID, from string) (engine.CallID, error) {
	e.mu.Lock()
	id, c, err := e.newCall(acc, engine.StateIncoming)
	if err != nil {
		e.mu.Unlock()
		return engine.InvalidCall, err
	}
	c.info.RemoteInfo = from
	c.info.RemoteContact = from
	e.mu.Unlock()

	e.handlerFor().OnIncomingCall(acc, id, &engine.IncomingInfo{From: from, Contact: from, CallID: fmt.Sprintf("call-%d", id)})
	return id, nil
}

// SetState changes a call's invite state and delivers OnCallState. A
// disconnected call is freed afterwards.
func (e *Engine) SetState(id engine.CallID, state engine.InviteState, status int, text string) {
	e.mu.Lock()
	c, ok := e.calls[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	c.info.State = state
	if status != 0 {
		c.info.LastStatus = status
		c.info.LastStatusText = text
	}
	if state == engine.StateConfirmed && c.connect.IsZero() {
		c.connect = time.Now()
	}
	e.mu.Unlock()

	e.handlerFor().OnCallState(id)

	if state == engine.StateDisconnected {
		e.free(id)
	}
}

// Disconnect reports the call as ended by the peer with status.
func (e *Engine) Disconnect(id engine.CallID, status int, text string) {
	e.SetState(id, engine.StateDisconnected, status, text)
}

// SetMedia changes a call's media status and delivers OnCallMediaState.
func (e *Engine) SetMedia(id engine.CallID, status engine.MediaStatus) {
	e.mu.Lock()
	c, ok := e.calls[id]
	if ok {
		c.info.MediaStatus = status
	}
	e.mu.Unlock()
	if ok {
		e.handlerFor().OnCallMediaState(id)
	}
}

// SetRegState updates an account's registration and delivers OnRegState.
func (e *Engine) SetRegState(acc engine.AccountID, status int, text string, expires time.Duration) {
	e.mu.Lock()
	a, ok := e.accounts[acc]
	if ok {
		a.info.Status = status
		a.info.StatusText = text
		a.info.Expires = expires
	}
	e.mu.Unlock()
	e.handlerFor().OnRegState(acc)
}

// TransferStatus delivers OnCallTransferStatus and returns its result.
func (e *Engine) TransferStatus(id engine.CallID, code int, text string, final bool) bool {
	return e.handlerFor().OnCallTransferStatus(id, code, text, final)
}

// Log delivers OnLog.
func (e *Engine) Log(level int, msg string) {
	e.handlerFor().OnLog(level, msg)
}

func (e *Engine) free(id engine.CallID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[id]
	if !ok {
		return
	}
	e.bridge.Remove(c.info.ConfSlot) //nolint:errcheck
	delete(e.calls, id)
}
