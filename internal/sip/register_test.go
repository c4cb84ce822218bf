package sip

import (
	"testing"
	"time"

	"github.com/flowpbx/webphone/internal/engine"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	b := newBackoff(5 * time.Second)

	// Base delay is 5s, each attempt doubles: 5, 10, 20, 40, 80, 160, 300(max).
	expectedBase := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second, // capped at maxDelay
		300 * time.Second, // remains at max
	}

	for i, expected := range expectedBase {
		d := b.next()
		// Allow ±20% jitter tolerance.
		low := time.Duration(float64(expected) * 0.75)
		high := time.Duration(float64(expected) * 1.25)
		if d < low || d > high {
			t.Errorf("attempt %d: got %v, want %v ±20%% (range %v to %v)",
				i, d, expected, low, high)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := newBackoff(5 * time.Second)

	for i := 0; i < 5; i++ {
		b.next()
	}

	b.reset()

	if b.attempt != 0 {
		t.Errorf("after reset: attempt = %d, want 0", b.attempt)
	}

	d := b.next()
	low := time.Duration(float64(5*time.Second) * 0.75)
	high := time.Duration(float64(5*time.Second) * 1.25)
	if d < low || d > high {
		t.Errorf("after reset: got %v, want ~5s (range %v to %v)", d, low, high)
	}
}

func TestBackoff_MaxDelayCap(t *testing.T) {
	b := newBackoff(5 * time.Second)

	for i := 0; i < 20; i++ {
		b.next()
	}

	d := b.current()
	maxWithJitter := time.Duration(float64(5*time.Minute) * 1.25)
	if d > maxWithJitter {
		t.Errorf("delay %v exceeds max delay with jitter %v", d, maxWithJitter)
	}
}

func TestBackoff_JitterVariance(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		b := newBackoff(5 * time.Second)
		seen[b.next()] = true
	}

	if len(seen) < 2 {
		t.Errorf("expected jitter to produce varying delays, got %d unique values", len(seen))
	}
}

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"<sip:user@host>;expires=3600", 3600},
		{"<sip:user@host>;Expires=120", 120},
		{"<sip:user@host>", 0},
		{"<sip:user@host>;expires=0", 0},
		{"<sip:user@host>;expires=60;q=0.5", 60},
		{"", 0},
	}

	for _, tt := range tests {
		got := parseContactExpires(tt.input)
		if got != tt.want {
			t.Errorf("parseContactExpires(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseExpiresHeader(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"3600", 3600},
		{" 120 ", 120},
		{"", 0},
		{"abc", 0},
	}

	for _, tt := range tests {
		got := parseExpiresHeader(tt.input)
		if got != tt.want {
			t.Errorf("parseExpiresHeader(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestNewAccount(t *testing.T) {
	a, err := newAccount(3, engine.AccountConfig{
		ID:     "sip:alice@example.com",
		RegURI: "sip:example.com;transport=tls",
		Credentials: []engine.Credential{
			{Realm: "*", Scheme: "digest", Username: "alice", Password: "secret"},
		},
	})
	if err != nil {
		t.Fatalf("newAccount: %v", err)
	}
	if a.aor.User != "alice" || a.aor.Host != "example.com" {
		t.Errorf("aor = %s, want sip:alice@example.com", a.aor.String())
	}
	if a.transport != "TLS" {
		t.Errorf("transport = %q, want TLS", a.transport)
	}
	if a.expiry() != int(defaultExpiry/time.Second) {
		t.Errorf("expiry = %d, want default %d", a.expiry(), int(defaultExpiry/time.Second))
	}
	cred, ok := a.credential()
	if !ok || cred.Username != "alice" {
		t.Errorf("credential = %+v, %v", cred, ok)
	}
	if info := a.snapshot(); info.ID != 3 || info.URI != "sip:alice@example.com" {
		t.Errorf("snapshot = %+v", info)
	}
}

func TestNewAccount_NoRegistrar(t *testing.T) {
	a, err := newAccount(0, engine.AccountConfig{
		ID:      "sip:bob@example.com",
		Timeout: 60 * time.Second,
	})
	if err != nil {
		t.Fatalf("newAccount: %v", err)
	}
	if a.transport != "UDP" {
		t.Errorf("transport = %q, want UDP", a.transport)
	}
	if a.expiry() != 60 {
		t.Errorf("expiry = %d, want 60", a.expiry())
	}
	if _, ok := a.credential(); ok {
		t.Error("expected no credential")
	}
}

func TestAccountSetInfo(t *testing.T) {
	a, err := newAccount(0, engine.AccountConfig{ID: "sip:bob@example.com"})
	if err != nil {
		t.Fatalf("newAccount: %v", err)
	}

	a.setInfo(200, "OK", 300*time.Second)
	if !a.registered {
		t.Error("expected registered after 200 with expiry")
	}
	if info := a.snapshot(); info.Status != 200 || info.Expires != 300*time.Second {
		t.Errorf("snapshot = %+v", info)
	}

	a.setInfo(200, "OK", 0)
	if a.registered {
		t.Error("expected unregistered after expiry 0")
	}

	a.setInfo(403, "Forbidden", 0)
	if info := a.snapshot(); info.Status != 403 || info.StatusText != "Forbidden" {
		t.Errorf("snapshot = %+v", info)
	}
}
