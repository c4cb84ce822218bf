package media

import "time"

const (
	// RTP payload types for supported codecs.
	PayloadPCMU = 0 // G.711 u-law
	PayloadPCMA = 8 // G.711 a-law

	// ClockRate is the sample rate of every port on the bridge.
	ClockRate = 8000

	// SamplesPerFrame is the number of samples in one 20ms frame at 8 kHz.
	SamplesPerFrame = 160

	// FrameDuration is the bridge tick and RTP packetization interval.
	FrameDuration = 20 * time.Millisecond
)

// G.711 u-law (PCMU) decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// G.711 a-law (PCMA) decoding table: maps each a-law byte to a 16-bit linear PCM sample.
var alawToLinear [256]int16

// G.711 encoding tables indexed by the 16-bit sample reinterpreted as uint16.
var linearToUlaw [65536]uint8
var linearToAlaw [65536]uint8

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	u = ^u
	sign := int16(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	sample := int16(((mantissa<<3)+0x84)<<uint(exponent) - 0x84)
	return sign * sample
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	sign := int16(1)
	if a&0x80 != 0 {
		a &= 0x7F
	} else {
		sign = -1
	}
	exponent := int((a >> 4) & 0x07)
	mantissa := int(a & 0x0F)
	var sample int16
	if exponent == 0 {
		sample = int16(mantissa<<4 | 0x08)
	} else {
		sample = int16((mantissa<<4 | 0x108) << uint(exponent-1))
	}
	return sign * sample
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte.
func encodeUlaw(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	sign := uint8(0)
	s := int32(sample)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := 7
	mask := int32(0x4000)
	for exponent > 0 {
		if s&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (s >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// encodeAlaw converts a 16-bit linear PCM sample to an a-law byte.
func encodeAlaw(sample int16) uint8 {
	sign := uint8(0xD5)
	s := int32(sample)
	if s < 0 {
		s = -s - 1
		sign = 0x55
	}
	// A-law operates on 13-bit magnitude.
	s >>= 3
	if s > 4095 {
		s = 4095
	}

	var exponent, mantissa int32
	if s < 32 {
		exponent = 0
		mantissa = s >> 1
	} else {
		exponent = 1
		for v := s >> 5; v > 1; v >>= 1 {
			exponent++
		}
		mantissa = (s >> uint(exponent)) & 0x0F
	}

	return uint8(exponent<<4|mantissa) ^ sign
}

// Decode converts a G.711 payload into linear samples. dst must hold at
// least len(payload) samples. Returns the number of samples written.
func Decode(pt int, payload []byte, dst []int16) int {
	n := len(payload)
	if n > len(dst) {
		n = len(dst)
	}
	switch pt {
	case PayloadPCMU:
		for i := 0; i < n; i++ {
			dst[i] = ulawToLinear[payload[i]]
		}
	case PayloadPCMA:
		for i := 0; i < n; i++ {
			dst[i] = alawToLinear[payload[i]]
		}
	default:
		return 0
	}
	return n
}

// Encode converts linear samples into a G.711 payload appended to dst.
func Encode(pt int, samples []int16, dst []byte) []byte {
	switch pt {
	case PayloadPCMU:
		for _, s := range samples {
			dst = append(dst, linearToUlaw[uint16(s)])
		}
	case PayloadPCMA:
		for _, s := range samples {
			dst = append(dst, linearToAlaw[uint16(s)])
		}
	}
	return dst
}

// CodecName returns the SDP encoding name of a static payload type.
func CodecName(pt int) string {
	switch pt {
	case PayloadPCMU:
		return "PCMU"
	case PayloadPCMA:
		return "PCMA"
	default:
		return ""
	}
}

// clamp16 saturates a 32-bit accumulator to the int16 range.
func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
