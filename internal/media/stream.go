package media

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// maxRTPPacket is the largest UDP datagram read from a media socket.
	maxRTPPacket = 1500

	// rxQueueFrames bounds the receive queue. Older frames are dropped
	// when the bridge falls behind.
	rxQueueFrames = 8

	// dtmfEventPackets is how many packets a telephone-event is spread over
	// before the three end packets.
	dtmfEventPackets = 5
)

// atomicAddr provides thread-safe storage for a UDP address.
// Used for symmetric RTP where the remote address is learned from the
// first incoming packet rather than relying solely on the SDP-signaled address.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	a.v.Store(addr)
	return a
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

// update atomically replaces the stored address and returns true if it changed.
func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// StreamConfig configures an RTP stream.
type StreamConfig struct {
	Conn            *net.UDPConn
	Remote          *net.UDPAddr
	PayloadType     int
	DTMFPayloadType int // -1 when the peer did not offer telephone-event
	Direction       Direction
	// OnDTMF is called from the receive goroutine for each completed
	// telephone-event digit.
	OnDTMF func(digit string)
	Logger *slog.Logger
}

// StreamStats holds packet counters for a stream.
type StreamStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsDropped  uint64
}

// Stream is a Port that carries one call's audio as G.711 over RTP.
// Received packets are decoded into a short frame queue drained by the
// bridge; frames put by the bridge are encoded and sent immediately.
type Stream struct {
	conn   *net.UDPConn
	remote *atomicAddr
	logger *slog.Logger
	onDTMF func(string)

	pt        atomic.Int32
	dtmfPT    atomic.Int32
	direction atomic.Value // Direction

	sendMu sync.Mutex
	ssrc   uint32
	seq    uint16
	ts     uint32
	marker bool

	rx chan [SamplesPerFrame]int16

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewStream creates a stream and starts its receive goroutine.
func NewStream(cfg StreamConfig) *Stream {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		conn:   cfg.Conn,
		remote: newAtomicAddr(cfg.Remote),
		logger: logger.With("subsystem", "rtp-stream"),
		onDTMF: cfg.OnDTMF,
		ssrc:   rand.Uint32(),
		seq:    uint16(rand.UintN(65536)),
		ts:     rand.Uint32(),
		marker: true,
		rx:     make(chan [SamplesPerFrame]int16, rxQueueFrames),
		done:   make(chan struct{}),
	}
	s.pt.Store(int32(cfg.PayloadType))
	s.dtmfPT.Store(int32(cfg.DTMFPayloadType))
	dir := cfg.Direction
	if dir == "" {
		dir = SendRecv
	}
	s.direction.Store(dir)

	go s.readLoop()
	return s
}

// LocalAddr returns the local RTP address.
func (s *Stream) LocalAddr() *net.UDPAddr {
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Remote returns the current remote RTP address.
func (s *Stream) Remote() *net.UDPAddr { return s.remote.load() }

// Update applies a renegotiated remote description.
func (s *Stream) Update(rm *RemoteMedia, dir Direction) {
	if rm != nil {
		s.remote.update(rm.Addr)
		s.pt.Store(int32(rm.PayloadType))
		s.dtmfPT.Store(int32(rm.DTMFPayloadType))
	}
	s.SetDirection(dir)
}

// SetDirection changes the local media direction.
func (s *Stream) SetDirection(dir Direction) {
	s.direction.Store(dir)
}

// Direction returns the local media direction.
func (s *Stream) Direction() Direction {
	return s.direction.Load().(Direction)
}

// SupportsDTMF reports whether the peer negotiated telephone-event.
func (s *Stream) SupportsDTMF() bool { return s.dtmfPT.Load() >= 0 }

// Stats returns a snapshot of the packet counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		PacketsSent:     s.sent.Load(),
		PacketsReceived: s.received.Load(),
		PacketsDropped:  s.dropped.Load(),
	}
}

// GetFrame implements Port.
func (s *Stream) GetFrame(frame []int16) bool {
	if !s.Direction().CanReceive() {
		return false
	}
	select {
	case f := <-s.rx:
		copy(frame, f[:])
		return true
	default:
		return false
	}
}

// PutFrame implements Port.
func (s *Stream) PutFrame(frame []int16) {
	if !s.Direction().CanSend() {
		return
	}
	pt := int(s.pt.Load())
	payload := Encode(pt, frame, make([]byte, 0, len(frame)))

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.writePacket(uint8(pt), s.marker, s.ts, payload)
	s.marker = false
	s.seq++
	s.ts += uint32(len(frame))
}

// writePacket sends one RTP packet. The caller holds sendMu.
func (s *Stream) writePacket(pt uint8, marker bool, ts uint32, payload []byte) {
	remote := s.remote.load()
	if remote == nil {
		return
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: s.seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		s.logger.Debug("rtp marshal failed", "error", err)
		return
	}
	if _, err := s.conn.WriteToUDP(buf, remote); err != nil {
		s.logger.Debug("rtp write failed", "remote", remote.String(), "error", err)
		return
	}
	s.sent.Add(1)
}

// SendDTMF transmits digit as an RFC 2833 telephone-event. The packets are
// paced in the background; SendDTMF returns once they are scheduled.
func (s *Stream) SendDTMF(digit rune, d time.Duration) error {
	code, ok := DTMFEventCode(digit)
	if !ok {
		return errors.New("invalid dtmf digit")
	}
	pt := s.dtmfPT.Load()
	if pt < 0 {
		return errors.New("peer did not negotiate telephone-event")
	}
	step := uint16(SamplesPerFrame)
	if d <= 0 {
		d = dtmfEventPackets * FrameDuration
	}
	packets := int(d / FrameDuration)
	if packets < 1 {
		packets = 1
	}

	go func() {
		s.sendMu.Lock()
		ts := s.ts
		s.sendMu.Unlock()

		ticker := time.NewTicker(FrameDuration)
		defer ticker.Stop()

		var duration uint16
		for i := 0; i < packets+3; i++ {
			end := i >= packets
			if !end {
				duration += step
			}
			ev := &DTMFEvent{Event: code, End: end, Volume: 10, Duration: duration}

			s.sendMu.Lock()
			s.writePacket(uint8(pt), i == 0, ts, ev.Marshal())
			s.seq++
			s.sendMu.Unlock()

			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}

		s.sendMu.Lock()
		s.ts += uint32(duration)
		s.sendMu.Unlock()
	}()
	return nil
}

// Close stops the receive goroutine. The socket itself belongs to the
// caller and is released through the PortPool.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.SetReadDeadline(time.Now()) //nolint:errcheck
	})
}

func (s *Stream) readLoop() {
	buf := make([]byte, maxRTPPacket)
	var lastEventTS uint32
	haveEvent := false

	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.dropped.Add(1)
			continue
		}
		s.received.Add(1)

		// Symmetric RTP: follow the address the peer actually sends from.
		if s.remote.update(src) {
			s.logger.Debug("rtp remote learned", "remote", src.String())
		}

		switch int32(pkt.PayloadType) {
		case s.pt.Load():
			var frame [SamplesPerFrame]int16
			Decode(int(pkt.PayloadType), pkt.Payload, frame[:])
			s.enqueue(frame)

		case s.dtmfPT.Load():
			ev := ParseDTMFEvent(pkt.Payload)
			if ev == nil || !ev.End {
				continue
			}
			// End packets are sent three times with the same timestamp.
			if haveEvent && pkt.Timestamp == lastEventTS {
				continue
			}
			haveEvent = true
			lastEventTS = pkt.Timestamp
			if s.onDTMF != nil {
				s.onDTMF(DTMFEventName(ev.Event))
			}

		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Stream) enqueue(frame [SamplesPerFrame]int16) {
	for {
		select {
		case s.rx <- frame:
			return
		default:
		}
		select {
		case <-s.rx:
			s.dropped.Add(1)
		default:
		}
	}
}
