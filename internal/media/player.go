package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// WAV format codes accepted by the player.
const (
	wavFormatPCM  = 1 // 16-bit linear PCM
	wavFormatPCMA = 6 // G.711 a-law (PCMA)
	wavFormatPCMU = 7 // G.711 u-law (PCMU)
)

// wavHeader holds the parsed fields from a WAV file header that we need
// to decode the audio.
type wavHeader struct {
	AudioFormat   uint16 // 1 = PCM, 6 = A-law, 7 = u-law
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32 // size of the "data" chunk in bytes
}

// parseWAVHeader reads and validates a WAV file header, returning the
// format information and positioning the reader at the start of audio data.
func parseWAVHeader(r io.ReadSeeker) (*wavHeader, error) {
	// RIFF header: "RIFF" + size + "WAVE"
	var riffHeader [12]byte
	if _, err := io.ReadFull(r, riffHeader[:]); err != nil {
		return nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" {
		return nil, errors.New("not a RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return nil, errors.New("not a WAVE file")
	}

	// Walk chunks to find "fmt " and "data".
	hdr := &wavHeader{}
	foundFmt := false
	foundData := false

	for !foundData {
		var chunkID [4]byte
		var chunkSize uint32

		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.AudioFormat); err != nil {
				return nil, fmt.Errorf("reading audio format: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.NumChannels); err != nil {
				return nil, fmt.Errorf("reading num channels: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.SampleRate); err != nil {
				return nil, fmt.Errorf("reading sample rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.ByteRate); err != nil {
				return nil, fmt.Errorf("reading byte rate: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BlockAlign); err != nil {
				return nil, fmt.Errorf("reading block align: %w", err)
			}
			if err := binary.Read(r, binary.LittleEndian, &hdr.BitsPerSample); err != nil {
				return nil, fmt.Errorf("reading bits per sample: %w", err)
			}
			// Skip any extra fmt bytes.
			if chunkSize > 16 {
				if _, err := r.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true

		case "data":
			hdr.DataSize = chunkSize
			foundData = true
			// Reader is now positioned at the start of audio data.

		default:
			// Skip unknown chunks. RIFF chunks are padded to an even size.
			skip := int64(chunkSize)
			if chunkSize%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping chunk %q: %w", string(chunkID[:]), err)
			}
		}
	}

	if !foundFmt {
		return nil, errors.New("wav file missing fmt chunk")
	}
	if !foundData {
		return nil, errors.New("wav file missing data chunk")
	}

	return hdr, nil
}

// decodeWAV validates the header and decodes the data chunk into linear
// samples. Only 8 kHz mono files are accepted.
func decodeWAV(r io.ReadSeeker) ([]int16, error) {
	hdr, err := parseWAVHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.NumChannels != 1 {
		return nil, fmt.Errorf("wav file must be mono, got %d channels", hdr.NumChannels)
	}
	if hdr.SampleRate != ClockRate {
		return nil, fmt.Errorf("wav file must be %d Hz, got %d Hz", ClockRate, hdr.SampleRate)
	}

	data := make([]byte, hdr.DataSize)
	n, err := io.ReadFull(r, data)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("reading wav data: %w", err)
	}
	data = data[:n]

	switch hdr.AudioFormat {
	case wavFormatPCM:
		if hdr.BitsPerSample != 16 {
			return nil, fmt.Errorf("pcm wav file must be 16-bit, got %d-bit", hdr.BitsPerSample)
		}
		samples := make([]int16, len(data)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
		}
		return samples, nil
	case wavFormatPCMU, wavFormatPCMA:
		if hdr.BitsPerSample != 8 {
			return nil, fmt.Errorf("g.711 wav file must be 8-bit, got %d-bit", hdr.BitsPerSample)
		}
		pt := PayloadPCMU
		if hdr.AudioFormat == wavFormatPCMA {
			pt = PayloadPCMA
		}
		samples := make([]int16, len(data))
		Decode(pt, data, samples)
		return samples, nil
	default:
		return nil, fmt.Errorf("unsupported wav format %d: only PCM (1), a-law (6) and u-law (7) are supported", hdr.AudioFormat)
	}
}

// Player is a Port that plays a decoded WAV file.
type Player struct {
	path    string
	mu      sync.Mutex
	samples []int16
	pos     int
	loop    bool
	done    bool
}

// OpenWAV loads the WAV file at path into a player. When loop is set the
// player restarts at the end of the file, otherwise it stops.
func OpenWAV(path string, loop bool) (*Player, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wav file: %w", err)
	}
	defer f.Close()

	samples, err := decodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &Player{path: path, samples: samples, loop: loop, done: len(samples) == 0}, nil
}

// NewPlayerFromWAV builds a player from in-memory WAV data.
func NewPlayerFromWAV(data []byte, loop bool) (*Player, error) {
	samples, err := decodeWAV(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid wav: %w", err)
	}
	return &Player{samples: samples, loop: loop, done: len(samples) == 0}, nil
}

// Path returns the file the player was opened from.
func (p *Player) Path() string { return p.path }

// Duration returns the playback length of the file.
func (p *Player) Duration() time.Duration {
	return time.Duration(len(p.samples)) * time.Second / ClockRate
}

// SetPos moves the playback position to the given sample offset.
func (p *Player) SetPos(sample int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sample < 0 {
		sample = 0
	}
	if sample > len(p.samples) {
		sample = len(p.samples)
	}
	p.pos = sample
	p.done = p.pos >= len(p.samples)
}

// Pos returns the current playback position in samples.
func (p *Player) Pos() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// Done reports whether a non-looping player reached the end of the file.
func (p *Player) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// GetFrame implements Port.
func (p *Player) GetFrame(frame []int16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return false
	}
	for i := range frame {
		if p.pos >= len(p.samples) {
			if p.loop && len(p.samples) > 0 {
				p.pos = 0
			} else {
				p.done = true
				for j := i; j < len(frame); j++ {
					frame[j] = 0
				}
				break
			}
		}
		frame[i] = p.samples[p.pos]
		p.pos++
	}
	if !p.loop && p.pos >= len(p.samples) {
		p.done = true
	}
	return true
}

// PutFrame implements Port. Players have no sink side.
func (p *Player) PutFrame([]int16) {}
