package sip

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/webphone/internal/engine"
)

type nopHandler struct{}

func (nopHandler) OnIncomingCall(engine.AccountID, engine.CallID, *engine.IncomingInfo) {}
func (nopHandler) OnCallState(engine.CallID)                                            {}
func (nopHandler) OnCallMediaState(engine.CallID)                                       {}
func (nopHandler) OnRegState(engine.AccountID)                                          {}
func (nopHandler) OnTransportState(engine.Transport, string, error)                     {}
func (nopHandler) OnCallTransferStatus(engine.CallID, int, string, bool) bool           { return true }
func (nopHandler) OnLog(int, string)                                                    {}

func newTestEngine(t *testing.T, maxCalls int) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Host:       "127.0.0.1",
		RTPPortMin: 43000,
		RTPPortMax: 43100,
		MaxCalls:   maxCalls,
		Logger:     slog.Default(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNewEngine_Defaults(t *testing.T) {
	e := newTestEngine(t, 0)
	if e.MaxCalls() != DefaultMaxCalls {
		t.Errorf("MaxCalls = %d, want %d", e.MaxCalls(), DefaultMaxCalls)
	}
	if e.cfg.MediaIP != "127.0.0.1" {
		t.Errorf("MediaIP = %q, want host", e.cfg.MediaIP)
	}
	devs := e.AudioDevices()
	if len(devs) != 1 || devs[0].Name != "null" {
		t.Errorf("AudioDevices = %+v", devs)
	}
}

func TestNewEngine_BadPortRange(t *testing.T) {
	_, err := NewEngine(Config{RTPPortMin: 43001, RTPPortMax: 43100})
	if err == nil {
		t.Fatal("expected error for odd rtp port minimum")
	}
}

func TestCreateTransport_RequiresHandler(t *testing.T) {
	e := newTestEngine(t, 4)
	err := e.CreateTransport(engine.TransportUDP, engine.TransportConfig{Port: 0})
	if !errors.Is(err, engine.ErrHandlerRequired) {
		t.Fatalf("err = %v, want ErrHandlerRequired", err)
	}
}

func TestCreateTransport_TLSNeedsCertificate(t *testing.T) {
	e := newTestEngine(t, 4)
	e.SetHandler(nopHandler{})
	if err := e.CreateTransport(engine.TransportTLS, engine.TransportConfig{}); err == nil {
		t.Fatal("expected error for tls transport without certificate")
	}
	if e.ListenPort(engine.TransportTLS) != 0 {
		t.Error("tls listener recorded after failure")
	}
}

func TestAddAccount(t *testing.T) {
	e := newTestEngine(t, 4)

	id, err := e.AddAccount(engine.AccountConfig{ID: "sip:alice@example.com"})
	if err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	if !e.AccountValid(id) {
		t.Fatal("account not valid after add")
	}
	info, err := e.AccountInfo(id)
	if err != nil {
		t.Fatalf("AccountInfo: %v", err)
	}
	if info.URI != "sip:alice@example.com" || info.Registered() {
		t.Errorf("info = %+v", info)
	}

	if _, err := e.AddAccount(engine.AccountConfig{ID: "sip:alice@example.com", RegURI: "sip:example.com;transport=tls"}); err == nil {
		t.Error("expected error adding tls account without tls transport")
	}

	if err := e.DeleteAccount(id); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if e.AccountValid(id) {
		t.Error("account still valid after delete")
	}
	if err := e.DeleteAccount(id); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestAllocCall_LowestFreeID(t *testing.T) {
	e := newTestEngine(t, 2)
	accID, err := e.AddAccount(engine.AccountConfig{ID: "sip:alice@example.com"})
	if err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	a, _ := e.account(accID)

	c0, err := e.allocCall(a, true, "call-a")
	if err != nil {
		t.Fatalf("allocCall: %v", err)
	}
	c1, err := e.allocCall(a, true, "call-b")
	if err != nil {
		t.Fatalf("allocCall: %v", err)
	}
	if c0.id != 0 || c1.id != 1 {
		t.Fatalf("ids = %d, %d, want 0, 1", c0.id, c1.id)
	}
	if c0.slot == engine.DeviceSlot || c0.slot == c1.slot {
		t.Errorf("slots = %d, %d", c0.slot, c1.slot)
	}
	if _, err := e.allocCall(a, true, "call-c"); !errors.Is(err, engine.ErrTooManyCalls) {
		t.Errorf("third call err = %v, want ErrTooManyCalls", err)
	}
	if e.CallCount() != 2 {
		t.Errorf("CallCount = %d, want 2", e.CallCount())
	}

	e.freeCall(c0)
	if e.IsCallActive(0) {
		t.Error("call 0 still active after free")
	}
	if e.dialog("call-a") != nil {
		t.Error("dialog still indexed after free")
	}

	c2, err := e.allocCall(a, false, "call-d")
	if err != nil {
		t.Fatalf("allocCall after free: %v", err)
	}
	if c2.id != 0 {
		t.Errorf("reused id = %d, want 0", c2.id)
	}
	if ids := e.CallIDs(); len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("CallIDs = %v", ids)
	}

	e.freeCall(c1)
	e.freeCall(c2)
}

func TestAllocCall_DuplicateCallID(t *testing.T) {
	e := newTestEngine(t, 4)
	accID, _ := e.AddAccount(engine.AccountConfig{ID: "sip:alice@example.com"})
	a, _ := e.account(accID)

	c, err := e.allocCall(a, true, "dup")
	if err != nil {
		t.Fatalf("allocCall: %v", err)
	}
	defer e.freeCall(c)
	if _, err := e.allocCall(a, true, "dup"); err == nil {
		t.Error("expected error for duplicate call-id")
	}
}

func TestCallUserData(t *testing.T) {
	e := newTestEngine(t, 4)
	accID, _ := e.AddAccount(engine.AccountConfig{ID: "sip:alice@example.com"})
	a, _ := e.account(accID)
	c, err := e.allocCall(a, true, "ud")
	if err != nil {
		t.Fatalf("allocCall: %v", err)
	}
	defer e.freeCall(c)

	if _, ok := e.CallUserData(c.id); ok {
		t.Error("user data set on a new call")
	}
	if err := e.SetCallUserData(c.id, 42); err != nil {
		t.Fatalf("SetCallUserData: %v", err)
	}
	if v, ok := e.CallUserData(c.id); !ok || v != 42 {
		t.Errorf("CallUserData = %d, %v", v, ok)
	}
	if err := e.SetCallUserData(7, 1); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("unknown call err = %v, want ErrNotFound", err)
	}
	info, err := e.CallInfo(c.id)
	if err != nil {
		t.Fatalf("CallInfo: %v", err)
	}
	if info.Account != accID || info.ConfSlot != c.slot {
		t.Errorf("info = %+v", info)
	}
}

func TestAccountFor(t *testing.T) {
	e := newTestEngine(t, 4)
	alice, _ := e.AddAccount(engine.AccountConfig{ID: "sip:alice@example.com"})
	bob, _ := e.AddAccount(engine.AccountConfig{ID: "sip:bob@example.com"})

	req := sip.NewRequest(sip.INVITE, mustURI(t, "sip:bob@127.0.0.1:5060"))
	if a := e.accountFor(req); a == nil || a.id != bob {
		t.Errorf("request-uri match = %v, want bob", a)
	}

	req = sip.NewRequest(sip.INVITE, mustURI(t, "sip:127.0.0.1:5060"))
	req.AppendHeader(&sip.ToHeader{Address: mustURI(t, "sip:bob@example.com")})
	if a := e.accountFor(req); a == nil || a.id != bob {
		t.Errorf("to match = %v, want bob", a)
	}

	req = sip.NewRequest(sip.INVITE, mustURI(t, "sip:carol@127.0.0.1:5060"))
	if a := e.accountFor(req); a == nil || a.id != alice {
		t.Errorf("fallback = %v, want alice", a)
	}
}

func TestCallOperations_UnknownCall(t *testing.T) {
	e := newTestEngine(t, 4)
	e.SetHandler(nopHandler{})

	if err := e.Answer(3, 200); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Answer err = %v", err)
	}
	if err := e.Hangup(3, 0); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Hangup err = %v", err)
	}
	if err := e.SetHold(3); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("SetHold err = %v", err)
	}
	if err := e.DialDTMF(3, "1"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("DialDTMF err = %v", err)
	}
	if err := e.Transfer(3, "sip:carol@example.com"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Transfer err = %v", err)
	}
	if _, err := e.MakeCall(9, "sip:carol@example.com", 0, nil); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("MakeCall err = %v", err)
	}
}

func TestCallOperations_WrongState(t *testing.T) {
	e := newTestEngine(t, 4)
	accID, _ := e.AddAccount(engine.AccountConfig{ID: "sip:alice@example.com"})
	a, _ := e.account(accID)
	c, err := e.allocCall(a, false, "state")
	if err != nil {
		t.Fatalf("allocCall: %v", err)
	}
	defer e.freeCall(c)

	if err := e.Answer(c.id, 200); !errors.Is(err, engine.ErrInvalidOp) {
		t.Errorf("Answer on outbound call err = %v, want ErrInvalidOp", err)
	}
	if err := e.SetHold(c.id); !errors.Is(err, engine.ErrInvalidOp) {
		t.Errorf("SetHold before confirm err = %v, want ErrInvalidOp", err)
	}
	if err := e.DialDTMF(c.id, "12"); !errors.Is(err, engine.ErrInvalidOp) {
		t.Errorf("DialDTMF before confirm err = %v, want ErrInvalidOp", err)
	}
	if err := e.DialDTMF(c.id, "1x"); !errors.Is(err, engine.ErrInvalidOp) {
		t.Errorf("DialDTMF invalid digit err = %v, want ErrInvalidOp", err)
	}
	if err := e.Transfer(c.id, "sip:carol@example.com"); !errors.Is(err, engine.ErrInvalidOp) {
		t.Errorf("Transfer before confirm err = %v, want ErrInvalidOp", err)
	}
}

func TestBridgeSlots(t *testing.T) {
	e := newTestEngine(t, 4)
	if err := e.RemovePort(engine.DeviceSlot); err == nil {
		t.Error("expected error removing the device slot")
	}
	if err := e.SetAudioDevice(-1, 0); err != nil {
		t.Errorf("SetAudioDevice(-1, 0): %v", err)
	}
	if err := e.SetAudioDevice(5, 0); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("SetAudioDevice(5, 0) err = %v, want ErrNotFound", err)
	}
}

func TestContactURI(t *testing.T) {
	e := newTestEngine(t, 4)
	e.mu.Lock()
	e.listeners[engine.TransportUDP] = 5070
	e.listeners[engine.TransportTLS] = 5071
	e.mu.Unlock()

	u := e.contactURI("alice", "UDP")
	if u.User != "alice" || u.Host != "127.0.0.1" || u.Port != 5070 {
		t.Errorf("udp contact = %s", u.String())
	}
	u = e.contactURI("alice", "TLS")
	if u.Port != 5071 || uriTransport(u) != "TLS" {
		t.Errorf("tls contact = %s", u.String())
	}
}
