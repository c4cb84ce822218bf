package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/host"
)

// Call lifecycle states.
const (
	CallPending    = "pending"
	CallRingingOut = "ringing_out"
	CallRingingIn  = "ringing_in"
	CallActive     = "active"
	CallHeld       = "held"
	CallEnded      = "ended"
)

// Call lifecycle events.
const (
	evRingOut = "ring_out"
	evRingIn  = "ring_in"
	evConnect = "connect"
	evHold    = "hold"
	evUnhold  = "unhold"
	evEnd     = "end"
)

func newCallFSM(c *Call) *fsm.FSM {
	return fsm.NewFSM(
		CallPending,
		fsm.Events{
			{Name: evRingOut, Src: []string{CallPending}, Dst: CallRingingOut},
			{Name: evRingIn, Src: []string{CallPending}, Dst: CallRingingIn},
			{Name: evConnect, Src: []string{CallRingingOut, CallRingingIn}, Dst: CallActive},
			{Name: evHold, Src: []string{CallActive}, Dst: CallHeld},
			{Name: evUnhold, Src: []string{CallHeld}, Dst: CallActive},
			{Name: evEnd, Src: []string{CallPending, CallRingingOut, CallRingingIn, CallActive, CallHeld}, Dst: CallEnded},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("call state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
}

// fire applies event, ignoring events that do not apply in the current
// state. The caller holds c.mu.
func fire(f *fsm.FSM, event string) bool {
	err := f.Event(context.Background(), event)
	if err == nil {
		return true
	}
	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	if errors.As(err, &noTransition) || errors.As(err, &invalid) {
		return false
	}
	panic(fmt.Sprintf("session: call state machine: %v", err))
}

// Direction is the side that placed a call.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// StatusCode is the host-facing call status.
type StatusCode int

const (
	StatusInvalid        StatusCode = -1
	StatusActive         StatusCode = 0
	StatusHold           StatusCode = 1
	StatusRingingOut     StatusCode = 2
	StatusRingingIn      StatusCode = 3
	StatusBusy           StatusCode = 4
	StatusCannotComplete StatusCode = 5
	StatusDisconnected   StatusCode = 6
)

// CallStatus is a snapshot of a call as the host sees it.
type CallStatus struct {
	State    StatusCode `json:"state"`
	CallerID string     `json:"callerId,omitempty"`
	Duration int64      `json:"duration"` // seconds connected
}

// CallCallbacks are host handlers for call events. Each receives the call
// as its first argument; OnEnd additionally receives the final SIP status
// when the call failed with one above 400, and OnTransferStatus receives the
// transfer progress status code.
type CallCallbacks struct {
	OnConnected      host.Callback
	OnRinging        host.Callback
	OnEnd            host.Callback
	OnTransferStatus host.Callback
}

// accountRef names the owning account without holding it.
type accountRef struct {
	id     engine.AccountID
	serial uint64
}

// Call is one SIP call. It is safe for concurrent use; termination from the
// host and from the engine may race and only one of them takes effect.
type Call struct {
	id     StableID
	m      *Manager
	owner  accountRef
	dir    Direction
	aor    string
	logger *slog.Logger

	// ref is the bound engine call id, or -1. It changes from bound to
	// cleared exactly once.
	ref atomic.Int64

	mu          sync.Mutex
	fsm         *fsm.FSM
	destination string
	callerID    string
	toneOn      bool
	createdAt   time.Time
	answeredAt  time.Time
	endedAt     time.Time
	endStatus   int
	endedBy     string
	cb          CallCallbacks
}

func newCall(a *Account, dir Direction) *Call {
	c := &Call{
		id:        nextStableID(),
		m:         a.m,
		owner:     accountRef{id: a.ID(), serial: a.serial},
		dir:       dir,
		aor:       a.uri,
		createdAt: time.Now(),
	}
	c.ref.Store(int64(engine.InvalidCall))
	c.logger = a.logger.With("call", uint64(c.id), "direction", dir.String())
	c.fsm = newCallFSM(c)
	a.m.registry.Add(c)
	return c
}

// ID returns the call's stable id.
func (c *Call) ID() StableID { return c.id }

// Direction returns who placed the call.
func (c *Call) Direction() Direction { return c.dir }

// EngineID returns the bound engine call id, or engine.InvalidCall.
func (c *Call) EngineID() engine.CallID { return engine.CallID(c.ref.Load()) }

// State returns the lifecycle state.
func (c *Call) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.Current()
}

// Destination returns the rewritten target of an outbound call.
func (c *Call) Destination() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destination
}

// CallerID returns the remote party: the caller's user part for inbound
// calls, the destination for outbound ones.
func (c *Call) CallerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dir == Outbound {
		return c.destination
	}
	return c.callerID
}

// Times returns when the call was created, answered and ended. Zero values
// mean the event has not happened.
func (c *Call) Times() (created, answered, ended time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createdAt, c.answeredAt, c.endedAt
}

// Account returns the owning account, or nil once it is gone.
func (c *Call) Account() *Account {
	return c.m.accountByRef(c.owner)
}

// IsRinging reports whether this is its account's ringing call.
func (c *Call) IsRinging() bool {
	a := c.Account()
	return a != nil && a.RingingCall() == c
}

// SetCallbacks replaces the host handlers. Nil fields leave the existing
// handler in place.
func (c *Call) SetCallbacks(cb CallCallbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb.OnConnected != nil {
		c.cb.OnConnected = cb.OnConnected
	}
	if cb.OnRinging != nil {
		c.cb.OnRinging = cb.OnRinging
	}
	if cb.OnEnd != nil {
		c.cb.OnEnd = cb.OnEnd
	}
	if cb.OnTransferStatus != nil {
		c.cb.OnTransferStatus = cb.OnTransferStatus
	}
}

// bound returns the engine id and owning account, failing when the call has
// ended or the account is gone.
func (c *Call) bound() (engine.CallID, *Account, error) {
	ref := engine.CallID(c.ref.Load())
	if ref == engine.InvalidCall {
		return engine.InvalidCall, nil, ErrCallEnded
	}
	a := c.Account()
	if a == nil {
		return engine.InvalidCall, nil, ErrAccountGone
	}
	return ref, a, nil
}

func (c *Call) validRef(ref engine.CallID) bool {
	return ref >= 0 && int(ref) < c.m.eng.MaxCalls()
}

// makeCall places the outbound call. The caller has added c to its account.
func (c *Call) makeCall(acc engine.AccountID, dest, identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ref.Load() != int64(engine.InvalidCall) || c.fsm.Current() != CallPending {
		return ErrCallInProgress
	}

	var opts *engine.CallOptions
	if identity != "" {
		opts = &engine.CallOptions{Headers: map[string]string{"P-Asserted-Identity": identity}}
	}
	ref, err := c.m.eng.MakeCall(acc, dest, uint64(c.id), opts)
	if err != nil {
		return engineErr("making call", err)
	}
	c.ref.Store(int64(ref))
	c.destination = dest
	fire(c.fsm, evRingOut)
	c.startToneLocked(func() { c.m.audio.StartOutRing() })
	c.logger.Info("outbound call placed", "destination", dest, "engine_call", int(ref))
	return nil
}

// registerIncoming binds an inbound engine call, answers it provisionally
// and records the caller. Ringing starts once the account has accepted it.
func (c *Call) registerIncoming(ref engine.CallID, callerID string) bool {
	if !c.validRef(ref) {
		return false
	}
	if !c.ref.CompareAndSwap(int64(engine.InvalidCall), int64(ref)) {
		return false
	}

	c.mu.Lock()
	c.callerID = callerID
	fire(c.fsm, evRingIn)
	c.mu.Unlock()

	if err := c.m.eng.SetCallUserData(ref, uint64(c.id)); err != nil {
		c.logger.Error("binding call user data", "engine_call", int(ref), "error", err)
	}
	if err := c.m.eng.Answer(ref, 180); err != nil {
		c.logger.Warn("sending 180 ringing", "engine_call", int(ref), "error", err)
	}
	return true
}

// startInRinging plays the ring tone for an inbound call. callWaiting
// selects the call-waiting tone.
func (c *Call) startInRinging(callWaiting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startToneLocked(func() { c.m.audio.StartInRing(callWaiting) })
}

func (c *Call) startToneLocked(start func()) {
	if c.toneOn || c.fsm.Current() == CallEnded {
		return
	}
	c.toneOn = true
	start()
}

func (c *Call) stopRinging() {
	c.mu.Lock()
	on := c.toneOn
	c.toneOn = false
	c.mu.Unlock()
	if on {
		c.m.audio.StopRings()
	}
}

// abandon ends a call that never got an engine id.
func (c *Call) abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fire(c.fsm, evEnd) {
		c.endedAt = time.Now()
		c.endedBy = "local"
	}
}

// LocalEnd hangs up the call. It is idempotent and safe to race with the
// engine reporting the call ended.
func (c *Call) LocalEnd() {
	c.terminate(0, "local")
}

// remoteEnd handles the engine reporting the call disconnected.
func (c *Call) remoteEnd(info engine.CallInfo) {
	c.terminate(info.LastStatus, "remote")
}

func (c *Call) terminate(status int, by string) {
	old := engine.CallID(c.ref.Swap(int64(engine.InvalidCall)))
	if old == engine.InvalidCall || !c.validRef(old) {
		return
	}

	c.stopRinging()

	if info, err := c.m.eng.CallInfo(old); err == nil && info.ConfSlot > engine.DeviceSlot {
		c.m.audio.UnbridgeCall(info.ConfSlot)
	}
	if err := c.m.eng.Hangup(old, 0); err != nil && !errors.Is(err, engine.ErrNotFound) {
		c.logger.Debug("hangup", "engine_call", int(old), "error", err)
	}

	c.mu.Lock()
	fire(c.fsm, evEnd)
	c.endedAt = time.Now()
	c.endStatus = status
	c.endedBy = by
	onEnd := c.cb.OnEnd
	if status > 400 {
		host.Invoke(c.m.loop, onEnd, c, status)
	} else {
		host.Invoke(c.m.loop, onEnd, c)
	}
	rec := c.recordLocked()
	c.mu.Unlock()

	c.logger.Info("call ended", "by", by, "status", status)

	if a := c.Account(); a != nil {
		a.onCallEnd(c)
	}
	c.m.registry.Remove(c.id)
	c.m.record(rec)
}

// recordLocked builds the history record. The caller holds c.mu.
func (c *Call) recordLocked() CallRecord {
	remote := c.callerID
	if c.dir == Outbound {
		remote = c.destination
	}
	rec := CallRecord{
		CallID:     uint64(c.id),
		Account:    c.aor,
		Direction:  c.dir.String(),
		Remote:     remote,
		StartedAt:  c.createdAt,
		AnsweredAt: c.answeredAt,
		EndedAt:    c.endedAt,
		EndStatus:  c.endStatus,
		EndedBy:    c.endedBy,
	}
	if !c.answeredAt.IsZero() {
		rec.Duration = c.endedAt.Sub(c.answeredAt)
	}
	return rec
}

// Answer accepts an inbound call.
func (c *Call) Answer() error {
	ref, _, err := c.bound()
	if err != nil {
		return err
	}
	c.stopRinging()
	return engineErr("answering call", c.m.eng.Answer(ref, 200))
}

// Hold suspends the call's media. The state changes only if the engine
// accepts the request.
func (c *Call) Hold() error {
	ref, _, err := c.bound()
	if err != nil {
		return err
	}
	if err := c.m.eng.SetHold(ref); err != nil {
		return engineErr("holding call", err)
	}
	c.mu.Lock()
	fire(c.fsm, evHold)
	c.mu.Unlock()
	return nil
}

// Unhold resumes a held call with a re-INVITE.
func (c *Call) Unhold() error {
	ref, _, err := c.bound()
	if err != nil {
		return err
	}
	if err := c.m.eng.Reinvite(ref, true); err != nil {
		return engineErr("unholding call", err)
	}
	c.mu.Lock()
	fire(c.fsm, evUnhold)
	c.mu.Unlock()
	return nil
}

// ValidDTMF reports whether s is a single digit this layer can send.
func ValidDTMF(s string) bool {
	if len(s) != 1 {
		return false
	}
	ch := s[0]
	return ch == '#' || ch == '*' || (ch >= '0' && ch <= '9')
}

// SendDTMF sends one digit from 0-9, * or #.
func (c *Call) SendDTMF(digit string) error {
	if !ValidDTMF(digit) {
		return ErrInvalidDTMF
	}
	ref, _, err := c.bound()
	if err != nil {
		return err
	}
	return engineErr("sending dtmf", c.m.eng.DialDTMF(ref, digit))
}

// Transfer blind-transfers the call to dest, rewritten against the owning
// account's server. onStatus, when set, receives transfer progress.
func (c *Call) Transfer(dest string, onStatus host.Callback) error {
	if dest == "" {
		return ErrNoDestination
	}
	if hasControlChars(dest) {
		return ErrBadDestination
	}
	ref, a, err := c.bound()
	if err != nil {
		return err
	}
	uri := a.normalizeURI(dest)
	if onStatus != nil {
		c.mu.Lock()
		c.cb.OnTransferStatus = onStatus
		c.mu.Unlock()
	}
	if err := c.m.eng.Transfer(ref, uri); err != nil {
		return engineErr("transferring call", err)
	}
	c.logger.Info("call transferred", "destination", uri)
	return nil
}

// TransferReplace joins this call's peer to other's peer and ends this leg.
// Both calls must still belong to live accounts.
func (c *Call) TransferReplace(other *Call) error {
	if other == nil || other == c {
		return ErrInvalidCall
	}
	ref, _, err := c.bound()
	if err != nil {
		return err
	}
	otherRef, _, err := other.bound()
	if err != nil {
		return fmt.Errorf("replacing call: %w", err)
	}
	if err := c.m.eng.TransferReplaces(ref, otherRef); err != nil {
		return engineErr("transferring with replaces", err)
	}
	c.LocalEnd()
	return nil
}

// IsActive reports whether the engine still considers the call active.
func (c *Call) IsActive() bool {
	ref, _, err := c.bound()
	if err != nil {
		return false
	}
	return c.m.eng.IsCallActive(ref)
}

// Duration returns how long the call has been connected.
func (c *Call) Duration() time.Duration {
	ref := engine.CallID(c.ref.Load())
	if ref == engine.InvalidCall {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.answeredAt.IsZero() {
			return 0
		}
		return c.endedAt.Sub(c.answeredAt)
	}
	info, err := c.m.eng.CallInfo(ref)
	if err != nil {
		return 0
	}
	return info.ConnectDuration
}

// Status derives the host-facing status from the engine's view of the call.
func (c *Call) Status() CallStatus {
	ref := engine.CallID(c.ref.Load())
	if ref == engine.InvalidCall {
		return CallStatus{State: StatusInvalid}
	}
	info, err := c.m.eng.CallInfo(ref)
	if err != nil {
		return CallStatus{State: StatusInvalid}
	}
	return statusFromInfo(info)
}

func statusFromInfo(info engine.CallInfo) CallStatus {
	remote := info.RemoteContact
	if remote == "" {
		remote = info.RemoteInfo
	}
	secs := int64(info.ConnectDuration / time.Second)

	switch {
	case info.State == engine.StateDisconnected:
		return CallStatus{State: endStatusCode(info.LastStatus), CallerID: remote}
	case info.MediaStatus == engine.MediaLocalHold || info.MediaStatus == engine.MediaRemoteHold:
		return CallStatus{State: StatusHold, CallerID: remote}
	case info.MediaStatus == engine.MediaActive || info.MediaStatus == engine.MediaError ||
		(info.MediaStatus == engine.MediaNone && info.State == engine.StateConfirmed):
		return CallStatus{State: StatusActive, CallerID: remote, Duration: secs}
	case info.MediaStatus == engine.MediaNone &&
		(info.State == engine.StateCalling || info.State == engine.StateIncoming || info.State == engine.StateEarly):
		st := StatusRingingOut
		if info.State == engine.StateIncoming {
			st = StatusRingingIn
		}
		return CallStatus{State: st, CallerID: remote, Duration: secs}
	}
	return CallStatus{State: StatusInvalid}
}

// endStatusCode classifies a final SIP status.
func endStatusCode(status int) StatusCode {
	switch status {
	case 486, 600:
		return StatusBusy
	case 404, 503:
		return StatusCannotComplete
	default:
		return StatusDisconnected
	}
}

// onState handles an engine invite state change.
func (c *Call) onState(info engine.CallInfo) {
	// Wait out a makeCall still binding the engine id.
	c.mu.Lock()
	ended := c.fsm.Current() == CallEnded
	c.mu.Unlock()
	if ended {
		return
	}

	switch info.State {
	case engine.StateDisconnected:
		c.remoteEnd(info)

	case engine.StateCalling:
		c.mu.Lock()
		live := c.fsm.Current() != CallEnded
		if live {
			host.Invoke(c.m.loop, c.cb.OnRinging, c)
		}
		c.mu.Unlock()
		if !live {
			return
		}
		if a := c.Account(); a != nil {
			a.onCallRingChange(c, info)
		}

	case engine.StateConfirmed:
		c.mu.Lock()
		if fire(c.fsm, evConnect) {
			c.answeredAt = time.Now()
			host.Invoke(c.m.loop, c.cb.OnConnected, c)
		}
		c.mu.Unlock()
		c.stopRinging()
		if a := c.Account(); a != nil {
			a.onCallRingChange(c, info)
		}
	}
}

// onMediaState handles an engine media status change.
func (c *Call) onMediaState(info engine.CallInfo) {
	if engine.CallID(c.ref.Load()) == engine.InvalidCall {
		return
	}

	switch info.MediaStatus {
	case engine.MediaActive:
		c.stopRinging()
		if err := c.m.audio.BridgeCall(info.ConfSlot); err != nil {
			c.logger.Error("bridging call audio", "slot", info.ConfSlot, "error", err)
		}
		c.mu.Lock()
		fire(c.fsm, evUnhold)
		c.mu.Unlock()
	case engine.MediaLocalHold:
		c.mu.Lock()
		fire(c.fsm, evHold)
		c.mu.Unlock()
	case engine.MediaError:
		c.stopRinging()
	}
}

// onTransferStatus forwards transfer progress to the host. It reports
// whether further progress is wanted.
func (c *Call) onTransferStatus(code int, final bool) bool {
	if engine.CallID(c.ref.Load()) == engine.InvalidCall {
		return false
	}
	c.mu.Lock()
	host.Invoke(c.m.loop, c.cb.OnTransferStatus, c, code)
	c.mu.Unlock()
	return !final
}
