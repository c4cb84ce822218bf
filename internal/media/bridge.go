package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MaxSlots is the number of ports the bridge can hold at once.
const MaxSlots = 1024

// Port is a media endpoint attached to the conference bridge. The bridge
// calls GetFrame and PutFrame from its mix goroutine once per tick.
type Port interface {
	// GetFrame fills frame with the port's next 20ms of audio. It returns
	// false when the port has nothing to contribute this tick.
	GetFrame(frame []int16) bool
	// PutFrame delivers the mix of every source connected to this port.
	PutFrame(frame []int16)
}

// ErrInvalidSlot is returned for operations on an empty or out-of-range slot.
var ErrInvalidSlot = errors.New("invalid bridge slot")

type bridgeSlot struct {
	port Port

	// sinks is the set of slots this slot transmits to.
	sinks map[int]struct{}

	// rxLevel scales audio received from the port, txLevel scales audio
	// transmitted to it. 1.0 leaves the signal unchanged.
	rxLevel float64
	txLevel float64

	// Last measured signal levels (0-255).
	rxSignal uint
	txSignal uint
}

// Bridge is an N-way audio switch. Each port occupies a slot; audio flows
// from a source slot to a sink slot only while they are connected. Slot 0 is
// reserved for the local audio device.
//
// Every 20ms the bridge reads one frame from each port that has at least one
// sink, sums the frames per sink, and writes the mix to the sink port.
type Bridge struct {
	logger *slog.Logger

	mu    sync.Mutex
	slots []*bridgeSlot

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewBridge creates a bridge with device attached at slot 0.
func NewBridge(device Port, logger *slog.Logger) *Bridge {
	b := &Bridge{
		logger: logger.With("subsystem", "conf-bridge"),
		slots:  make([]*bridgeSlot, 1, 16),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.slots[0] = newBridgeSlot(device)
	return b
}

func newBridgeSlot(p Port) *bridgeSlot {
	return &bridgeSlot{
		port:    p,
		sinks:   make(map[int]struct{}),
		rxLevel: 1.0,
		txLevel: 1.0,
	}
}

// Start runs the mix loop until ctx is cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(b.done)

		ticker := time.NewTicker(FrameDuration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-ticker.C:
				b.Tick()
			}
		}
	}()
	b.logger.Info("conference bridge started")
}

// Stop halts the mix loop and waits for it to exit. It is safe to call
// Stop on a bridge that was never started.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		if b.started.Load() {
			<-b.done
			b.logger.Info("conference bridge stopped")
		}
	})
}

// Add attaches a port to the lowest free slot above the device slot.
func (b *Bridge) Add(p Port) (int, error) {
	if p == nil {
		return -1, fmt.Errorf("adding port: nil port")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 1; i < len(b.slots); i++ {
		if b.slots[i] == nil {
			b.slots[i] = newBridgeSlot(p)
			return i, nil
		}
	}
	if len(b.slots) >= MaxSlots {
		return -1, fmt.Errorf("adding port: all %d bridge slots in use", MaxSlots)
	}
	b.slots = append(b.slots, newBridgeSlot(p))
	return len(b.slots) - 1, nil
}

// Remove detaches the port in slot and drops every connection to or from it.
func (b *Bridge) Remove(slot int) error {
	if slot == 0 {
		return fmt.Errorf("removing slot 0: device slot is permanent")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.slotLocked(slot); err != nil {
		return err
	}
	b.slots[slot] = nil
	for _, s := range b.slots {
		if s != nil {
			delete(s.sinks, slot)
		}
	}
	return nil
}

// Connect starts audio flowing from src to dst. Connecting an already
// connected pair is a no-op.
func (b *Bridge) Connect(src, dst int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.slotLocked(src)
	if err != nil {
		return err
	}
	if _, err := b.slotLocked(dst); err != nil {
		return err
	}
	s.sinks[dst] = struct{}{}
	return nil
}

// Disconnect stops audio flowing from src to dst.
func (b *Bridge) Disconnect(src, dst int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.slotLocked(src)
	if err != nil {
		return err
	}
	if _, err := b.slotLocked(dst); err != nil {
		return err
	}
	delete(s.sinks, dst)
	return nil
}

// Connected reports whether audio flows from src to dst.
func (b *Bridge) Connected(src, dst int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.slotLocked(src)
	if err != nil {
		return false
	}
	_, ok := s.sinks[dst]
	return ok
}

// SlotCount returns the number of occupied slots, the device included.
func (b *Bridge) SlotCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, s := range b.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// AdjustRxLevel scales the audio received from the port in slot.
func (b *Bridge) AdjustRxLevel(slot int, level float64) error {
	return b.adjust(slot, level, func(s *bridgeSlot) { s.rxLevel = level })
}

// AdjustTxLevel scales the audio transmitted to the port in slot.
func (b *Bridge) AdjustTxLevel(slot int, level float64) error {
	return b.adjust(slot, level, func(s *bridgeSlot) { s.txLevel = level })
}

func (b *Bridge) adjust(slot int, level float64, set func(*bridgeSlot)) error {
	if level < 0 || math.IsNaN(level) {
		return fmt.Errorf("invalid level %v", level)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.slotLocked(slot)
	if err != nil {
		return err
	}
	set(s)
	return nil
}

// RxLevel returns the receive level adjustment of slot (1.0 when unknown).
func (b *Bridge) RxLevel(slot int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.slotLocked(slot)
	if err != nil {
		return 1.0
	}
	return s.rxLevel
}

// TxLevel returns the transmit level adjustment of slot (1.0 when unknown).
func (b *Bridge) TxLevel(slot int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.slotLocked(slot)
	if err != nil {
		return 1.0
	}
	return s.txLevel
}

// SignalLevel returns the last measured transmit and receive signal levels
// of slot on a 0-255 scale.
func (b *Bridge) SignalLevel(slot int) (tx, rx uint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.slotLocked(slot)
	if err != nil {
		return 0, 0
	}
	return s.txSignal, s.rxSignal
}

func (b *Bridge) slotLocked(slot int) (*bridgeSlot, error) {
	if slot < 0 || slot >= len(b.slots) || b.slots[slot] == nil {
		return nil, fmt.Errorf("slot %d: %w", slot, ErrInvalidSlot)
	}
	return b.slots[slot], nil
}

// tickSlot is the per-tick working copy of one slot.
type tickSlot struct {
	index   int
	port    Port
	sinks   []int
	rxLevel float64
	txLevel float64
	frame   [SamplesPerFrame]int16
	has     bool
	mix     [SamplesPerFrame]int32
	inputs  int
}

// Tick runs one mix cycle. Start calls it every 20ms; tests call it
// directly to step the bridge deterministically.
func (b *Bridge) Tick() {
	b.mu.Lock()
	work := make([]*tickSlot, len(b.slots))
	for i, s := range b.slots {
		if s == nil {
			continue
		}
		ts := &tickSlot{index: i, port: s.port, rxLevel: s.rxLevel, txLevel: s.txLevel}
		for dst := range s.sinks {
			ts.sinks = append(ts.sinks, dst)
		}
		work[i] = ts
	}
	b.mu.Unlock()

	// Read one frame from every port that feeds at least one sink.
	for _, ts := range work {
		if ts == nil || len(ts.sinks) == 0 {
			continue
		}
		ts.has = ts.port.GetFrame(ts.frame[:])
		if ts.has && ts.rxLevel != 1.0 {
			scale(ts.frame[:], ts.rxLevel)
		}
	}

	// Sum sources per sink.
	for _, src := range work {
		if src == nil || !src.has {
			continue
		}
		for _, dst := range src.sinks {
			d := work[dst]
			if d == nil {
				continue
			}
			d.inputs++
			for i, v := range src.frame {
				d.mix[i] += int32(v)
			}
		}
	}

	rx := make(map[int]uint, len(work))
	tx := make(map[int]uint, len(work))
	var out [SamplesPerFrame]int16
	for _, ts := range work {
		if ts == nil {
			continue
		}
		if ts.has {
			rx[ts.index] = signalLevel(ts.frame[:])
		} else {
			rx[ts.index] = 0
		}
		if ts.inputs == 0 {
			tx[ts.index] = 0
			continue
		}
		for i, v := range ts.mix {
			out[i] = clamp16(v)
		}
		if ts.txLevel != 1.0 {
			scale(out[:], ts.txLevel)
		}
		tx[ts.index] = signalLevel(out[:])
		ts.port.PutFrame(out[:])
	}

	b.mu.Lock()
	for i, s := range b.slots {
		if s == nil || work[i] == nil || s.port != work[i].port {
			continue
		}
		s.rxSignal = rx[i]
		s.txSignal = tx[i]
	}
	b.mu.Unlock()
}

func scale(frame []int16, level float64) {
	for i, v := range frame {
		frame[i] = clamp16(int32(float64(v) * level))
	}
}

// signalLevel maps the mean absolute amplitude of frame onto 0-255.
func signalLevel(frame []int16) uint {
	if len(frame) == 0 {
		return 0
	}
	var sum int64
	for _, v := range frame {
		if v < 0 {
			sum -= int64(v)
		} else {
			sum += int64(v)
		}
	}
	level := uint(sum / int64(len(frame)) >> 7)
	if level > 255 {
		level = 255
	}
	return level
}

// NullDevice is an audio device that captures silence and discards playback.
type NullDevice struct{}

// GetFrame implements Port.
func (NullDevice) GetFrame([]int16) bool { return false }

// PutFrame implements Port.
func (NullDevice) PutFrame([]int16) {}
