package media

import (
	"math"
	"sync"
	"time"
)

// Tone is one on/off segment of a tone cadence. Freq2 may be zero for a
// single-frequency tone.
type Tone struct {
	Freq1 int
	Freq2 int
	On    time.Duration
	Off   time.Duration
}

// toneAmplitude is the peak amplitude of each tone component.
const toneAmplitude = 4096

// ToneGenerator is a Port that plays a tone cadence, optionally looping.
type ToneGenerator struct {
	mu      sync.Mutex
	tones   []Tone
	loop    bool
	pos     int // sample offset into the cadence
	total   int
	playing bool
}

// NewToneGenerator creates a generator that starts playing tones immediately.
func NewToneGenerator(tones []Tone, loop bool) *ToneGenerator {
	g := &ToneGenerator{
		tones:   append([]Tone(nil), tones...),
		loop:    loop,
		playing: len(tones) > 0,
	}
	for _, t := range g.tones {
		g.total += durationSamples(t.On) + durationSamples(t.Off)
	}
	if g.total == 0 {
		g.playing = false
	}
	return g
}

func durationSamples(d time.Duration) int {
	return int(d * ClockRate / time.Second)
}

// Rewind restarts the cadence from the first tone.
func (g *ToneGenerator) Rewind() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pos = 0
	g.playing = g.total > 0
}

// Playing reports whether the generator still has audio to produce.
func (g *ToneGenerator) Playing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.playing
}

// GetFrame implements Port.
func (g *ToneGenerator) GetFrame(frame []int16) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.playing {
		return false
	}
	for i := range frame {
		if !g.playing {
			frame[i] = 0
			continue
		}
		frame[i] = g.sampleAt(g.pos)
		g.pos++
		if g.pos >= g.total {
			if g.loop {
				g.pos = 0
			} else {
				g.playing = false
			}
		}
	}
	return true
}

// PutFrame implements Port. Tone generators have no sink side.
func (g *ToneGenerator) PutFrame([]int16) {}

// sampleAt returns the sample at cadence offset pos. Each segment's phase
// starts at zero so a rewound generator always sounds the same.
func (g *ToneGenerator) sampleAt(pos int) int16 {
	for _, t := range g.tones {
		on := durationSamples(t.On)
		off := durationSamples(t.Off)
		if pos < on {
			ts := float64(pos) / ClockRate
			v := math.Sin(2 * math.Pi * float64(t.Freq1) * ts)
			if t.Freq2 > 0 {
				v += math.Sin(2 * math.Pi * float64(t.Freq2) * ts)
			}
			return int16(v * toneAmplitude)
		}
		pos -= on
		if pos < off {
			return 0
		}
		pos -= off
	}
	return 0
}
