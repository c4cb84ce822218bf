package media

import (
	"strings"
	"testing"
)

func TestBuildParseSDP(t *testing.T) {
	body, err := BuildSDP(LocalMedia{
		IP:        "192.0.2.10",
		Port:      20000,
		SessionID: 42,
		Version:   1,
		DTMF:      true,
	})
	if err != nil {
		t.Fatalf("BuildSDP: %v", err)
	}
	s := string(body)
	for _, want := range []string{
		"c=IN IP4 192.0.2.10",
		"m=audio 20000 RTP/AVP 0 8 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=sendrecv",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("sdp missing %q:\n%s", want, s)
		}
	}

	rm, err := ParseSDP(body)
	if err != nil {
		t.Fatalf("ParseSDP: %v", err)
	}
	if rm.Addr.String() != "192.0.2.10:20000" {
		t.Errorf("addr = %s", rm.Addr)
	}
	if rm.PayloadType != PayloadPCMU {
		t.Errorf("payload type = %d, want %d", rm.PayloadType, PayloadPCMU)
	}
	if rm.DTMFPayloadType != PayloadTelephoneEvent {
		t.Errorf("dtmf payload type = %d, want %d", rm.DTMFPayloadType, PayloadTelephoneEvent)
	}
	if rm.Direction != SendRecv {
		t.Errorf("direction = %s, want sendrecv", rm.Direction)
	}
	if len(rm.Codecs) != 2 {
		t.Errorf("codecs = %v, want [0 8]", rm.Codecs)
	}
}

func TestBuildSDPHold(t *testing.T) {
	body, err := BuildSDP(LocalMedia{IP: "192.0.2.10", Port: 20000, Codecs: []int{PayloadPCMA}, Direction: SendOnly})
	if err != nil {
		t.Fatal(err)
	}
	rm, err := ParseSDP(body)
	if err != nil {
		t.Fatal(err)
	}
	if rm.Direction != SendOnly {
		t.Errorf("direction = %s, want sendonly", rm.Direction)
	}
	if rm.Direction.Reverse() != RecvOnly {
		t.Errorf("reverse = %s, want recvonly", rm.Direction.Reverse())
	}
	if rm.PayloadType != PayloadPCMA || rm.DTMFPayloadType != -1 {
		t.Errorf("pt = %d dtmf = %d", rm.PayloadType, rm.DTMFPayloadType)
	}
}

func TestBuildSDPUnsupportedCodec(t *testing.T) {
	if _, err := BuildSDP(LocalMedia{IP: "192.0.2.10", Port: 20000, Codecs: []int{18}}); err == nil {
		t.Error("expected error for unsupported codec")
	}
}

func TestParseSDPNullAddressHold(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 2 IN IP4 0.0.0.0\r\n" +
		"s=-\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"t=0 0\r\n" +
		"m=audio 30000 RTP/AVP 8\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n"

	rm, err := ParseSDP([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if rm.Direction != SendOnly {
		t.Errorf("direction = %s, want sendonly for null connection address", rm.Direction)
	}
}

func TestParseSDPNoCommonCodec(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 2 IN IP4 198.51.100.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 198.51.100.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 30000 RTP/AVP 18 96\r\n" +
		"a=rtpmap:18 G729/8000\r\n" +
		"a=rtpmap:96 telephone-event/8000\r\n"

	if _, err := ParseSDP([]byte(body)); err == nil {
		t.Fatal("expected no common codec error")
	}
}

func TestParseSDPMediaLevelConnection(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 2 IN IP4 198.51.100.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 0 RTP/AVP 96\r\n" +
		"m=audio 30002 RTP/AVP 8 0 97\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"a=rtpmap:97 telephone-event/8000\r\n" +
		"a=recvonly\r\n"

	rm, err := ParseSDP([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if rm.Addr.String() != "198.51.100.7:30002" {
		t.Errorf("addr = %s", rm.Addr)
	}
	if rm.PayloadType != PayloadPCMA {
		t.Errorf("payload type = %d, want first offered (8)", rm.PayloadType)
	}
	if rm.DTMFPayloadType != 97 {
		t.Errorf("dtmf payload type = %d, want 97", rm.DTMFPayloadType)
	}
	if rm.Direction != RecvOnly {
		t.Errorf("direction = %s, want recvonly", rm.Direction)
	}
}

func TestParseSDPGarbage(t *testing.T) {
	if _, err := ParseSDP([]byte("not sdp")); err == nil {
		t.Error("expected parse error")
	}
}
