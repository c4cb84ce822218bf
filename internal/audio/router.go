// Package audio routes ring tones, one-shot wav playback, and call media to
// the local audio device through the engine's conference bridge.
package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/media"
)

// RingtoneFile is the wav asset played for incoming calls when present in
// the base path.
const RingtoneFile = "ringtone.wav"

// Bridge is the part of the engine the router drives.
type Bridge interface {
	AddPort(p media.Port) (int, error)
	RemovePort(slot int) error
	ConnectSlots(src, dst int) error
	DisconnectSlots(src, dst int) error
}

// Errors returned by the router.
var (
	ErrWavActive  = errors.New("a wav file is already playing")
	ErrInvalidWav = errors.New("invalid wav file name")
	ErrClosed     = errors.New("audio router closed")
)

// Ring identifies one of the router's tone sources.
type Ring int

const (
	RingNone Ring = iota
	RingOut
	RingIn
	RingCallWaiting
)

func (r Ring) String() string {
	switch r {
	case RingOut:
		return "out"
	case RingIn:
		return "in"
	case RingCallWaiting:
		return "call_waiting"
	default:
		return "none"
	}
}

// Ring cadences at 8 kHz.
var (
	inRingTones = []media.Tone{
		{Freq1: 440, Freq2: 480, On: 2000 * time.Millisecond, Off: 1000 * time.Millisecond},
	}
	outRingTones = []media.Tone{
		{Freq1: 440, Freq2: 480, On: 2000 * time.Millisecond, Off: 4000 * time.Millisecond},
		{Freq1: 440, Freq2: 480, On: 2000 * time.Millisecond, Off: 4000 * time.Millisecond},
		{Freq1: 440, Freq2: 480, On: 2000 * time.Millisecond, Off: 3000 * time.Millisecond},
	}
	callWaitTones = []media.Tone{
		{Freq1: 440, On: 500 * time.Millisecond, Off: 2000 * time.Millisecond},
		{Freq1: 440, On: 500 * time.Millisecond, Off: 4000 * time.Millisecond},
	}
)

// rewinder is a source that can restart from its beginning.
type rewinder interface {
	media.Port
	rewind()
}

type toneSource struct{ *media.ToneGenerator }

func (t toneSource) rewind() { t.Rewind() }

type playerSource struct{ *media.Player }

func (p playerSource) rewind() { p.SetPos(0) }

type source struct {
	port      rewinder
	slot      int
	connected bool
}

// Router owns the ring sources and the wav slot.
type Router struct {
	bridge   Bridge
	basePath string
	logger   *slog.Logger

	mu        sync.Mutex
	sources   map[Ring]*source
	inRingWav bool
	wav       *media.Player
	wavSlot   int
	closed    bool
}

// New creates the three ring sources and attaches them to the bridge. The
// incoming ring uses basePath/ringtone.wav when it can be opened and a
// synthesized tone otherwise.
func New(bridge Bridge, basePath string, logger *slog.Logger) (*Router, error) {
	r := &Router{
		bridge:   bridge,
		basePath: basePath,
		logger:   logger.With("subsystem", "audio"),
		sources:  make(map[Ring]*source, 3),
		wavSlot:  -1,
	}

	var in rewinder
	ringPath := filepath.Join(basePath, RingtoneFile)
	if p, err := media.OpenWAV(ringPath, true); err == nil {
		in = playerSource{p}
		r.inRingWav = true
	} else {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("ringtone unusable, falling back to tone", "path", ringPath, "error", err)
		}
		in = toneSource{media.NewToneGenerator(inRingTones, true)}
	}

	ports := []struct {
		ring Ring
		port rewinder
	}{
		{RingIn, in},
		{RingOut, toneSource{media.NewToneGenerator(outRingTones, true)}},
		{RingCallWaiting, toneSource{media.NewToneGenerator(callWaitTones, true)}},
	}
	for _, p := range ports {
		slot, err := bridge.AddPort(p.port)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("adding %s ring port: %w", p.ring, err)
		}
		r.sources[p.ring] = &source{port: p.port, slot: slot}
	}

	r.logger.Debug("audio router ready", "ringtone_wav", r.inRingWav)
	return r, nil
}

// RingtoneIsWav reports whether incoming calls ring with the wav asset.
func (r *Router) RingtoneIsWav() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inRingWav
}

// StartOutRing plays the ringback tone. It is a no-op while it already plays.
func (r *Router) StartOutRing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectLocked(RingOut)
}

// StartInRing plays the incoming ring, or the call-waiting tone when
// callWaiting is set. It is a no-op while either already plays.
func (r *Router) StartInRing(callWaiting bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.playingLocked(RingIn) || r.playingLocked(RingCallWaiting) {
		return
	}
	if callWaiting {
		r.connectLocked(RingCallWaiting)
	} else {
		r.connectLocked(RingIn)
	}
}

// StopRings silences every ring source and rewinds it so the next ring
// starts from the top of its cadence.
func (r *Router) StopRings() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ring, s := range r.sources {
		if s.connected {
			if err := r.bridge.DisconnectSlots(s.slot, engine.DeviceSlot); err != nil {
				r.logger.Debug("disconnecting ring source", "ring", ring.String(), "error", err)
			}
			s.connected = false
		}
		s.port.rewind()
	}
}

// Playing returns the ring sources currently connected to the device.
func (r *Router) Playing() []Ring {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Ring
	for _, ring := range []Ring{RingOut, RingIn, RingCallWaiting} {
		if r.playingLocked(ring) {
			out = append(out, ring)
		}
	}
	return out
}

func (r *Router) playingLocked(ring Ring) bool {
	s, ok := r.sources[ring]
	return ok && s.connected
}

func (r *Router) connectLocked(ring Ring) {
	s, ok := r.sources[ring]
	if !ok || s.connected || r.closed {
		return
	}
	if err := r.bridge.ConnectSlots(s.slot, engine.DeviceSlot); err != nil {
		r.logger.Error("connecting ring source", "ring", ring.String(), "error", err)
		return
	}
	s.connected = true
}

// StartWav plays name from the base path once. Only one wav plays at a
// time; a finished wav no longer counts as playing.
func (r *Router) StartWav(name string) error {
	if name == "" || filepath.Base(name) != name || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidWav, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.wav != nil {
		if !r.wav.Done() {
			return ErrWavActive
		}
		r.releaseWavLocked()
	}

	p, err := media.OpenWAV(filepath.Join(r.basePath, name), false)
	if err != nil {
		return fmt.Errorf("opening wav: %w", err)
	}
	slot, err := r.bridge.AddPort(p)
	if err != nil {
		return fmt.Errorf("adding wav port: %w", err)
	}
	if err := r.bridge.ConnectSlots(slot, engine.DeviceSlot); err != nil {
		r.bridge.RemovePort(slot) //nolint:errcheck
		return fmt.Errorf("connecting wav port: %w", err)
	}
	r.wav = p
	r.wavSlot = slot
	r.logger.Debug("wav started", "file", name, "duration", p.Duration())
	return nil
}

// StopWav stops the playing wav. It reports whether one was active.
func (r *Router) StopWav() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wav == nil {
		return false
	}
	r.releaseWavLocked()
	return true
}

// WavPlaying reports whether a wav is still producing audio.
func (r *Router) WavPlaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wav != nil && !r.wav.Done()
}

func (r *Router) releaseWavLocked() {
	r.bridge.DisconnectSlots(r.wavSlot, engine.DeviceSlot) //nolint:errcheck
	if err := r.bridge.RemovePort(r.wavSlot); err != nil {
		r.logger.Debug("removing wav port", "slot", r.wavSlot, "error", err)
	}
	r.wav = nil
	r.wavSlot = -1
}

// BridgeCall connects a call's media slot to the device in both directions.
func (r *Router) BridgeCall(slot int) error {
	if slot <= engine.DeviceSlot {
		return fmt.Errorf("bridging call: invalid slot %d", slot)
	}
	if err := r.bridge.ConnectSlots(slot, engine.DeviceSlot); err != nil {
		return fmt.Errorf("connecting call to device: %w", err)
	}
	if err := r.bridge.ConnectSlots(engine.DeviceSlot, slot); err != nil {
		return fmt.Errorf("connecting device to call: %w", err)
	}
	return nil
}

// UnbridgeCall disconnects a call's media slot from the device.
func (r *Router) UnbridgeCall(slot int) {
	if slot <= engine.DeviceSlot {
		return
	}
	r.bridge.DisconnectSlots(slot, engine.DeviceSlot) //nolint:errcheck
	r.bridge.DisconnectSlots(engine.DeviceSlot, slot) //nolint:errcheck
}

// Close stops all playback and detaches every port the router added.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	if r.wav != nil {
		r.releaseWavLocked()
	}
	for ring, s := range r.sources {
		if s.connected {
			r.bridge.DisconnectSlots(s.slot, engine.DeviceSlot) //nolint:errcheck
		}
		if err := r.bridge.RemovePort(s.slot); err != nil {
			r.logger.Debug("removing ring port", "ring", ring.String(), "error", err)
		}
	}
	r.sources = make(map[Ring]*source)
	r.logger.Debug("audio router closed")
}
