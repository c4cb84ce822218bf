package media

import "testing"

func TestG711RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32767, -32768}

	for _, pt := range []int{PayloadPCMU, PayloadPCMA} {
		encoded := Encode(pt, samples, nil)
		if len(encoded) != len(samples) {
			t.Fatalf("pt %d: encoded %d bytes, want %d", pt, len(encoded), len(samples))
		}
		decoded := make([]int16, len(samples))
		if n := Decode(pt, encoded, decoded); n != len(samples) {
			t.Fatalf("pt %d: decoded %d samples, want %d", pt, n, len(samples))
		}
		for i, want := range samples {
			got := decoded[i]
			diff := int32(got) - int32(want)
			if diff < 0 {
				diff = -diff
			}
			// G.711 quantization error grows with magnitude; allow ~6%.
			limit := int32(want)
			if limit < 0 {
				limit = -limit
			}
			limit = limit/16 + 16
			if diff > limit {
				t.Errorf("pt %d: sample %d decoded as %d (diff %d > %d)", pt, want, got, diff, limit)
			}
		}
	}
}

func TestG711SignPreserved(t *testing.T) {
	for _, pt := range []int{PayloadPCMU, PayloadPCMA} {
		out := make([]int16, 2)
		Decode(pt, Encode(pt, []int16{5000, -5000}, nil), out)
		if out[0] <= 0 || out[1] >= 0 {
			t.Errorf("pt %d: signs lost: %v", pt, out)
		}
	}
}

func TestDecodeUnknownPayload(t *testing.T) {
	if n := Decode(18, []byte{1, 2, 3}, make([]int16, 3)); n != 0 {
		t.Errorf("Decode(G729) = %d, want 0", n)
	}
	if got := Encode(18, []int16{1, 2}, nil); len(got) != 0 {
		t.Errorf("Encode(G729) produced %d bytes", len(got))
	}
}

func TestCodecName(t *testing.T) {
	if CodecName(PayloadPCMU) != "PCMU" || CodecName(PayloadPCMA) != "PCMA" || CodecName(3) != "" {
		t.Error("unexpected codec names")
	}
}
