package media

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
)

// constPort produces a constant frame and records what it is given.
type constPort struct {
	mu    sync.Mutex
	value int16
	quiet bool
	got   [][]int16
}

func (p *constPort) GetFrame(frame []int16) bool {
	if p.quiet {
		return false
	}
	for i := range frame {
		frame[i] = p.value
	}
	return true
}

func (p *constPort) PutFrame(frame []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, append([]int16(nil), frame...))
}

func (p *constPort) frames() [][]int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.got
}

func TestBridgeConnectAndMix(t *testing.T) {
	dev := &constPort{quiet: true}
	b := NewBridge(dev, slog.Default())

	a := &constPort{value: 100}
	c := &constPort{value: 250}
	slotA, err := b.Add(a)
	if err != nil {
		t.Fatal(err)
	}
	slotC, err := b.Add(c)
	if err != nil {
		t.Fatal(err)
	}
	if slotA != 1 || slotC != 2 {
		t.Fatalf("slots = %d, %d; want 1, 2", slotA, slotC)
	}

	// Nothing connected: nobody receives audio.
	b.Tick()
	if len(dev.frames()) != 0 {
		t.Fatal("device received audio without a connection")
	}

	if err := b.Connect(slotA, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(slotC, 0); err != nil {
		t.Fatal(err)
	}
	b.Tick()

	frames := dev.frames()
	if len(frames) != 1 {
		t.Fatalf("device got %d frames, want 1", len(frames))
	}
	if frames[0][0] != 350 {
		t.Errorf("mixed sample = %d, want 350", frames[0][0])
	}
	if !b.Connected(slotA, 0) || b.Connected(0, slotA) {
		t.Error("connections are not directional")
	}

	if err := b.Disconnect(slotC, 0); err != nil {
		t.Fatal(err)
	}
	b.Tick()
	frames = dev.frames()
	if frames[len(frames)-1][0] != 100 {
		t.Errorf("sample after disconnect = %d, want 100", frames[len(frames)-1][0])
	}
}

func TestBridgeRemoveDropsConnections(t *testing.T) {
	b := NewBridge(NullDevice{}, slog.Default())
	p := &constPort{value: 1}
	slot, err := b.Add(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(slot, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(0, slot); err != nil {
		t.Fatal(err)
	}

	if err := b.Remove(slot); err != nil {
		t.Fatal(err)
	}
	if b.Connected(0, slot) {
		t.Error("device still connected to removed slot")
	}
	if err := b.Connect(slot, 0); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("Connect on removed slot: err = %v, want ErrInvalidSlot", err)
	}
	if err := b.Remove(0); err == nil {
		t.Error("expected error removing device slot")
	}

	// The freed slot is reused.
	again, err := b.Add(&constPort{})
	if err != nil {
		t.Fatal(err)
	}
	if again != slot {
		t.Errorf("reused slot = %d, want %d", again, slot)
	}
	if b.SlotCount() != 2 {
		t.Errorf("SlotCount = %d, want 2", b.SlotCount())
	}
}

func TestBridgeLevels(t *testing.T) {
	dev := &constPort{quiet: true}
	b := NewBridge(dev, slog.Default())
	p := &constPort{value: 1000}
	slot, _ := b.Add(p)
	if err := b.Connect(slot, 0); err != nil {
		t.Fatal(err)
	}

	if err := b.AdjustRxLevel(slot, 2.0); err != nil {
		t.Fatal(err)
	}
	if err := b.AdjustTxLevel(0, 0.5); err != nil {
		t.Fatal(err)
	}
	if err := b.AdjustTxLevel(0, -1); err == nil {
		t.Error("expected error for negative level")
	}
	b.Tick()

	frames := dev.frames()
	if len(frames) != 1 || frames[0][0] != 1000 {
		t.Fatalf("device sample = %v, want 1000 (x2 rx, x0.5 tx)", frames)
	}
	if b.RxLevel(slot) != 2.0 || b.TxLevel(0) != 0.5 {
		t.Errorf("levels = %v/%v", b.RxLevel(slot), b.TxLevel(0))
	}

	tx, rx := b.SignalLevel(0)
	if tx == 0 {
		t.Error("device tx signal level should be non-zero")
	}
	if rx != 0 {
		t.Errorf("device rx signal = %d, want 0 (null capture)", rx)
	}
	if _, rx := b.SignalLevel(slot); rx == 0 {
		t.Error("port rx signal level should be non-zero")
	}
}

func TestBridgeClamps(t *testing.T) {
	dev := &constPort{quiet: true}
	b := NewBridge(dev, slog.Default())
	for i := 0; i < 3; i++ {
		slot, _ := b.Add(&constPort{value: 20000})
		b.Connect(slot, 0) //nolint:errcheck
	}
	b.Tick()
	if got := dev.frames()[0][0]; got != 32767 {
		t.Errorf("clamped sample = %d, want 32767", got)
	}
}

func TestBridgeStopWithoutStart(t *testing.T) {
	b := NewBridge(NullDevice{}, slog.Default())
	b.Stop()
	b.Stop()
}
