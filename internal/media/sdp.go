package media

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// PayloadTelephoneEvent is the dynamic payload type offered for RFC 2833
// telephone-event (DTMF).
const PayloadTelephoneEvent = 101

// Direction is an SDP media direction attribute.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// Reverse returns the direction as seen from the other side.
func (d Direction) Reverse() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	default:
		return d
	}
}

// CanSend reports whether the local side may transmit in direction d.
func (d Direction) CanSend() bool { return d == SendRecv || d == SendOnly }

// CanReceive reports whether the local side expects audio in direction d.
func (d Direction) CanReceive() bool { return d == SendRecv || d == RecvOnly }

// DefaultCodecs is the offered codec preference order.
var DefaultCodecs = []int{PayloadPCMU, PayloadPCMA}

// LocalMedia describes the local end of an audio session.
type LocalMedia struct {
	IP        string
	Port      int
	SessionID uint64
	Version   uint64
	// Codecs lists the payload types to offer, in preference order.
	Codecs    []int
	DTMF      bool
	Direction Direction
}

// RemoteMedia is the negotiated view of a peer's audio description.
type RemoteMedia struct {
	Addr        *net.UDPAddr
	PayloadType int
	// DTMFPayloadType is the peer's telephone-event payload type, or -1.
	DTMFPayloadType int
	Direction       Direction
	// Codecs lists every supported payload type the peer offered, in its order.
	Codecs []int
}

// BuildSDP renders a single-audio-stream session description.
func BuildSDP(local LocalMedia) ([]byte, error) {
	if local.Direction == "" {
		local.Direction = SendRecv
	}
	codecs := local.Codecs
	if len(codecs) == 0 {
		codecs = DefaultCodecs
	}

	addrType := "IP4"
	if ip := net.ParseIP(local.IP); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}

	formats := make([]string, 0, len(codecs)+1)
	attrs := make([]sdp.Attribute, 0, len(codecs)+4)
	for _, pt := range codecs {
		name := CodecName(pt)
		if name == "" {
			return nil, fmt.Errorf("unsupported payload type %d", pt)
		}
		formats = append(formats, strconv.Itoa(pt))
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d %s/%d", pt, name, ClockRate)})
	}
	if local.DTMF {
		formats = append(formats, strconv.Itoa(PayloadTelephoneEvent))
		attrs = append(attrs,
			sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/%d", PayloadTelephoneEvent, ClockRate)},
			sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-16", PayloadTelephoneEvent)},
		)
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: strconv.Itoa(int(FrameDuration.Milliseconds()))},
		sdp.Attribute{Key: string(local.Direction)},
	)

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      local.SessionID,
			SessionVersion: local.Version,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: local.IP,
		},
		SessionName: "webphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: local.IP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: local.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	return sd.Marshal()
}

// ParseSDP extracts the first audio stream of a session description and
// picks the first offered codec this side supports.
func ParseSDP(body []byte) (*RemoteMedia, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, fmt.Errorf("sdp has no active audio stream")
	}

	host := ""
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		host = audio.ConnectionInformation.Address.Address
	} else if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		host = sd.ConnectionInformation.Address.Address
	}
	// Strip a TTL or address count suffix.
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("sdp connection address %q is not an ip address", host)
	}

	rm := &RemoteMedia{
		Addr:            &net.UDPAddr{IP: ip, Port: audio.MediaName.Port.Value},
		PayloadType:     -1,
		DTMFPayloadType: -1,
		Direction:       mediaDirection(sd, audio),
	}
	// c=0.0.0.0 is the RFC 2543 way of putting a stream on hold.
	if ip.IsUnspecified() && rm.Direction == SendRecv {
		rm.Direction = SendOnly
	}

	dynamic := rtpmaps(audio)
	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		name := dynamic[pt]
		switch {
		case pt == PayloadPCMU || pt == PayloadPCMA:
			rm.Codecs = append(rm.Codecs, pt)
			if rm.PayloadType < 0 {
				rm.PayloadType = pt
			}
		case strings.EqualFold(name, "telephone-event"):
			rm.DTMFPayloadType = pt
		}
	}
	if rm.PayloadType < 0 {
		return nil, fmt.Errorf("no common codec in offer %v", audio.MediaName.Formats)
	}
	return rm, nil
}

// rtpmaps returns the encoding name of every rtpmap attribute, keyed by
// payload type.
func rtpmaps(md *sdp.MediaDescription) map[int]string {
	out := make(map[int]string)
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		ptStr, rest, ok := strings.Cut(a.Value, " ")
		if !ok {
			continue
		}
		pt, err := strconv.Atoi(ptStr)
		if err != nil {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		out[pt] = name
	}
	return out
}

// mediaDirection resolves the direction attribute of md, falling back to
// the session-level attribute and then to sendrecv.
func mediaDirection(sd *sdp.SessionDescription, md *sdp.MediaDescription) Direction {
	for _, d := range []Direction{SendRecv, SendOnly, RecvOnly, Inactive} {
		if _, ok := md.Attribute(string(d)); ok {
			return d
		}
	}
	for _, d := range []Direction{SendRecv, SendOnly, RecvOnly, Inactive} {
		if _, ok := sd.Attribute(string(d)); ok {
			return d
		}
	}
	return SendRecv
}
