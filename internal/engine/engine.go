// Package engine defines the boundary between the session coordinator and
// the SIP/media stack that carries out signaling and media on its behalf.
//
// The stack owns transient account and call identifiers that are reused once
// freed. It reports every state change asynchronously through a Handler,
// usually from its own goroutines.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/webphone/internal/media"
)

// AccountID is an engine-assigned account identifier.
type AccountID int

// CallID is an engine-assigned call identifier. Call ids are reused after the
// call they named has been freed.
type CallID int

const (
	// InvalidAccount is the sentinel for "no account".
	InvalidAccount AccountID = -1
	// InvalidCall is the sentinel for "no call".
	InvalidCall CallID = -1
)

// DeviceSlot is the conference bridge slot of the local audio device.
const DeviceSlot = 0

// Transport selects the signaling transport type.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTLS
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// TransportConfig configures a listening transport.
type TransportConfig struct {
	Port     int
	CertFile string
	KeyFile  string
}

// Credential is an authentication credential attached to an account.
type Credential struct {
	Realm    string
	Scheme   string
	Username string
	Password string
}

// AccountConfig describes an account to add to the engine.
type AccountConfig struct {
	// ID is the account's address of record, e.g. "sip:alice@example.com".
	ID string
	// RegURI is the registrar URI, e.g. "sip:example.com;transport=tls".
	RegURI        string
	RetryInterval time.Duration
	Timeout       time.Duration
	Credentials   []Credential
}

// AccountInfo is a snapshot of an account's registration state.
type AccountInfo struct {
	ID         AccountID
	URI        string
	Status     int
	StatusText string
	Expires    time.Duration
}

// Registered reports whether the last registration succeeded and is current.
func (i AccountInfo) Registered() bool {
	return i.Status == 200 && i.Expires > 0
}

// InviteState is the INVITE session state of a call.
type InviteState int

const (
	StateNull InviteState = iota
	StateCalling
	StateIncoming
	StateEarly
	StateConnecting
	StateConfirmed
	StateDisconnected
)

var inviteStateNames = [...]string{
	"null", "calling", "incoming", "early", "connecting", "confirmed", "disconnected",
}

func (s InviteState) String() string {
	if int(s) >= 0 && int(s) < len(inviteStateNames) {
		return inviteStateNames[s]
	}
	return "unknown"
}

// MediaStatus is the media session status of a call.
type MediaStatus int

const (
	MediaNone MediaStatus = iota
	MediaActive
	MediaLocalHold
	MediaRemoteHold
	MediaError
)

func (m MediaStatus) String() string {
	switch m {
	case MediaNone:
		return "none"
	case MediaActive:
		return "active"
	case MediaLocalHold:
		return "local_hold"
	case MediaRemoteHold:
		return "remote_hold"
	case MediaError:
		return "error"
	default:
		return "unknown"
	}
}

// CallInfo is a snapshot of a call's engine state.
type CallInfo struct {
	ID              CallID
	Account         AccountID
	State           InviteState
	MediaStatus     MediaStatus
	LastStatus      int
	LastStatusText  string
	RemoteInfo      string
	RemoteContact   string
	ConfSlot        int
	ConnectDuration time.Duration
}

// IncomingInfo carries the details of a new inbound call.
type IncomingInfo struct {
	From    string
	Contact string
	CallID  string
}

// CallOptions holds optional parameters for MakeCall.
type CallOptions struct {
	// Headers are extra headers added to the outgoing INVITE.
	Headers map[string]string
}

// AudioDevice describes a local audio device.
type AudioDevice struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Input  int    `json:"inputChannels"`
	Output int    `json:"outputChannels"`
}

// Handler receives engine notifications. Methods are called on engine
// goroutines, possibly concurrently for different calls. Notifications for
// one call are delivered one at a time, in order, starting with
// OnIncomingCall for inbound calls. A call whose state is reported as
// StateDisconnected is freed once OnCallState returns, and its id may be
// handed out again.
type Handler interface {
	OnIncomingCall(acc AccountID, call CallID, info *IncomingInfo)
	OnCallState(call CallID)
	OnCallMediaState(call CallID)
	OnRegState(acc AccountID)
	OnTransportState(t Transport, state string, err error)
	// OnCallTransferStatus reports transfer progress. Returning false stops
	// further notifications for this transfer.
	OnCallTransferStatus(call CallID, code int, text string, final bool) bool
	OnLog(level int, msg string)
}

// Engine is the SIP/media stack used by the session coordinator. Every call
// submits a request and returns once it has been accepted or rejected; SIP
// transaction outcomes are reported later through the Handler.
type Engine interface {
	// SetHandler installs the notification handler. It must be called once,
	// before any transport is created.
	SetHandler(h Handler)

	CreateTransport(t Transport, cfg TransportConfig) error

	AddAccount(cfg AccountConfig) (AccountID, error)
	DeleteAccount(acc AccountID) error
	SetRegistration(acc AccountID, renew bool) error
	AccountInfo(acc AccountID) (AccountInfo, error)
	AccountValid(acc AccountID) bool

	MakeCall(acc AccountID, dest string, userData uint64, opts *CallOptions) (CallID, error)
	Answer(call CallID, code int) error
	// Hangup ends a call in any state. A zero code lets the engine pick the
	// usual response (603 for an unanswered inbound call, CANCEL or BYE
	// otherwise).
	Hangup(call CallID, code int) error
	HangupAll()
	SetHold(call CallID) error
	Reinvite(call CallID, unhold bool) error
	DialDTMF(call CallID, digits string) error
	Transfer(call CallID, dest string) error
	TransferReplaces(call, other CallID) error
	CallInfo(call CallID) (CallInfo, error)
	SetCallUserData(call CallID, data uint64) error
	CallUserData(call CallID) (uint64, bool)
	CallCount() int
	MaxCalls() int
	IsCallActive(call CallID) bool

	AddPort(p media.Port) (int, error)
	RemovePort(slot int) error
	ConnectSlots(src, dst int) error
	DisconnectSlots(src, dst int) error

	AudioDevices() []AudioDevice
	SetAudioDevice(capture, playback int) error
	AdjustRxLevel(slot int, level float64) error
	AdjustTxLevel(slot int, level float64) error
	RxLevel(slot int) float64
	TxLevel(slot int) float64
	SignalLevel(slot int) (tx, rx uint)

	Close() error
}

// Sentinel errors returned by engines.
var (
	ErrNotFound        = errors.New("engine: not found")
	ErrTooManyCalls    = errors.New("engine: too many calls")
	ErrInvalidOp       = errors.New("engine: invalid operation in current state")
	ErrClosed          = errors.New("engine: closed")
	ErrHandlerRequired = errors.New("engine: handler not set")
)

// StatusError is a request rejected with a SIP status.
type StatusError struct {
	Code int
	Text string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine: %d %s", e.Code, e.Text)
}
