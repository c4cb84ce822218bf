package audio

import (
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/webphone/internal/media"
)

// testBridge exposes a media.Bridge through the engine method names.
type testBridge struct {
	*media.Bridge
}

func (b testBridge) AddPort(p media.Port) (int, error) { return b.Add(p) }
func (b testBridge) RemovePort(slot int) error          { return b.Remove(slot) }
func (b testBridge) ConnectSlots(src, dst int) error    { return b.Connect(src, dst) }
func (b testBridge) DisconnectSlots(src, dst int) error { return b.Disconnect(src, dst) }

// captureDevice records whether the device received any audio.
type captureDevice struct {
	frames int
	peak   int16
}

func (d *captureDevice) GetFrame([]int16) bool { return false }

func (d *captureDevice) PutFrame(frame []int16) {
	d.frames++
	for _, v := range frame {
		if v > d.peak {
			d.peak = v
		}
	}
}

func newTestRouter(t *testing.T, basePath string) (*Router, testBridge, *captureDevice) {
	t.Helper()
	dev := &captureDevice{}
	b := testBridge{media.NewBridge(dev, slog.Default())}
	r, err := New(b, basePath, slog.Default())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, b, dev
}

// writeWAV writes an 8 kHz mono 16-bit wav of n samples at a constant level.
func writeWAV(t *testing.T, path string, n int, level int16) {
	t.Helper()
	data := make([]byte, 44+2*n)
	copy(data[0:], "RIFF")
	binary.LittleEndian.PutUint32(data[4:], uint32(36+2*n))
	copy(data[8:], "WAVE")
	copy(data[12:], "fmt ")
	binary.LittleEndian.PutUint32(data[16:], 16)
	binary.LittleEndian.PutUint16(data[20:], 1)
	binary.LittleEndian.PutUint16(data[22:], 1)
	binary.LittleEndian.PutUint32(data[24:], 8000)
	binary.LittleEndian.PutUint32(data[28:], 16000)
	binary.LittleEndian.PutUint16(data[32:], 2)
	binary.LittleEndian.PutUint16(data[34:], 16)
	copy(data[36:], "data")
	binary.LittleEndian.PutUint32(data[40:], uint32(2*n))
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(data[44+2*i:], uint16(level))
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestNewAddsRingSources(t *testing.T) {
	r, b, _ := newTestRouter(t, t.TempDir())
	assert.Equal(t, 4, b.SlotCount(), "device plus three ring sources")
	assert.False(t, r.RingtoneIsWav())
	assert.Empty(t, r.Playing())
}

func TestRingtoneWav(t *testing.T) {
	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, RingtoneFile), 800, 1000)

	r, _, _ := newTestRouter(t, dir)
	assert.True(t, r.RingtoneIsWav())
}

func TestStartInRingSelectsTone(t *testing.T) {
	r, b, dev := newTestRouter(t, t.TempDir())

	r.StartInRing(false)
	assert.Equal(t, []Ring{RingIn}, r.Playing())

	// Already ringing: a second request is ignored.
	r.StartInRing(true)
	assert.Equal(t, []Ring{RingIn}, r.Playing())

	b.Tick()
	b.Tick()
	assert.Equal(t, 2, dev.frames)
	assert.Greater(t, dev.peak, int16(0))

	r.StopRings()
	assert.Empty(t, r.Playing())

	r.StartInRing(true)
	assert.Equal(t, []Ring{RingCallWaiting}, r.Playing())
}

func TestStartOutRingIdempotent(t *testing.T) {
	r, _, _ := newTestRouter(t, t.TempDir())
	r.StartOutRing()
	r.StartOutRing()
	assert.Equal(t, []Ring{RingOut}, r.Playing())

	r.StopRings()
	r.StopRings()
	assert.Empty(t, r.Playing())
}

func TestStopRingsRewinds(t *testing.T) {
	r, b, _ := newTestRouter(t, t.TempDir())

	r.StartOutRing()
	out := r.sources[RingOut]
	frame := make([]int16, media.SamplesPerFrame)
	out.port.GetFrame(frame)
	for i := 0; i < 10; i++ {
		b.Tick()
	}

	r.StopRings()
	again := make([]int16, media.SamplesPerFrame)
	out.port.GetFrame(again)
	assert.Equal(t, frame, again, "ring restarts from the top of its cadence")
}

func TestStartWav(t *testing.T) {
	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, "hello.wav"), 320, 2000)

	r, b, dev := newTestRouter(t, dir)

	require.NoError(t, r.StartWav("hello.wav"))
	assert.True(t, r.WavPlaying())
	assert.ErrorIs(t, r.StartWav("hello.wav"), ErrWavActive)

	b.Tick()
	assert.Equal(t, int16(2000), dev.peak)

	// Two frames of audio: the wav is finished after the second tick.
	b.Tick()
	assert.False(t, r.WavPlaying())
	require.NoError(t, r.StartWav("hello.wav"), "finished wav frees the slot")

	assert.True(t, r.StopWav())
	assert.False(t, r.StopWav())
}

func TestStartWavRejectsPaths(t *testing.T) {
	r, _, _ := newTestRouter(t, t.TempDir())
	for _, name := range []string{"", "../secret.wav", "sub/file.wav", ".."} {
		assert.ErrorIs(t, r.StartWav(name), ErrInvalidWav, name)
	}
	assert.Error(t, r.StartWav("missing.wav"))
	assert.False(t, r.WavPlaying())
}

func TestBridgeCall(t *testing.T) {
	r, b, _ := newTestRouter(t, t.TempDir())

	slot, err := b.AddPort(media.NullDevice{})
	require.NoError(t, err)

	require.NoError(t, r.BridgeCall(slot))
	assert.True(t, b.Connected(slot, 0))
	assert.True(t, b.Connected(0, slot))

	r.UnbridgeCall(slot)
	assert.False(t, b.Connected(slot, 0))
	assert.False(t, b.Connected(0, slot))

	assert.Error(t, r.BridgeCall(0))
}

func TestCloseRemovesPorts(t *testing.T) {
	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, "hello.wav"), 8000, 100)

	dev := &captureDevice{}
	b := testBridge{media.NewBridge(dev, slog.Default())}
	r, err := New(b, dir, slog.Default())
	require.NoError(t, err)

	r.StartOutRing()
	require.NoError(t, r.StartWav("hello.wav"))
	r.Close()
	r.Close()

	assert.Equal(t, 1, b.SlotCount())
	assert.ErrorIs(t, r.StartWav("hello.wav"), ErrClosed)
}

func TestRingString(t *testing.T) {
	assert.Equal(t, "call_waiting", RingCallWaiting.String())
	assert.Equal(t, "none", RingNone.String())
}
