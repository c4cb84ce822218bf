package media

import (
	"log/slog"
	"net"
	"testing"
)

func TestSessionManagerAllocateRelease(t *testing.T) {
	logger := slog.Default()

	pool, err := NewPortPool(18000, 18100, logger)
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}
	mgr := NewSessionManager(pool, logger)

	s1, err := mgr.Allocate("call-1")
	if err != nil {
		t.Fatalf("Allocate call-1: %v", err)
	}
	if s1.State() != SessionStateNew {
		t.Errorf("state = %v, want new", s1.State())
	}
	if _, err := mgr.Allocate("call-1"); err == nil {
		t.Error("expected error for duplicate session id")
	}

	s2, err := mgr.Allocate("call-2")
	if err != nil {
		t.Fatalf("Allocate call-2: %v", err)
	}
	if s1.LocalPort() == s2.LocalPort() {
		t.Errorf("sessions share rtp port %d", s1.LocalPort())
	}
	if mgr.Count() != 2 {
		t.Errorf("Count = %d, want 2", mgr.Count())
	}
	if pool.AllocatedCount() != 2 {
		t.Errorf("AllocatedCount = %d, want 2", pool.AllocatedCount())
	}

	mgr.Release("call-1")
	if mgr.Get("call-1") != nil {
		t.Error("call-1 still registered after release")
	}
	if s1.State() != SessionStateStopped {
		t.Errorf("released state = %v, want stopped", s1.State())
	}

	mgr.ReleaseAll()
	if mgr.Count() != 0 || pool.AllocatedCount() != 0 {
		t.Errorf("after ReleaseAll: count=%d allocated=%d", mgr.Count(), pool.AllocatedCount())
	}
}

func TestSessionStart(t *testing.T) {
	logger := slog.Default()
	pool, err := NewPortPool(18200, 18300, logger)
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}
	mgr := NewSessionManager(pool, logger)
	defer mgr.ReleaseAll()

	s, err := mgr.Allocate("call-1")
	if err != nil {
		t.Fatal(err)
	}
	rm := &RemoteMedia{
		Addr:            &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
		PayloadType:     PayloadPCMU,
		DTMFPayloadType: -1,
	}
	st := s.Start(rm, SendRecv, nil, logger)
	if st == nil || s.Stream() != st {
		t.Fatal("expected stream after Start")
	}
	if s.State() != SessionStateActive {
		t.Errorf("state = %v, want active", s.State())
	}

	// Starting again renegotiates the same stream.
	again := s.Start(rm, SendOnly, nil, logger)
	if again != st {
		t.Error("second Start created a new stream")
	}
	if st.Direction() != SendOnly {
		t.Errorf("direction = %q, want sendonly", st.Direction())
	}
}

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{SessionStateNew, "new"},
		{SessionStateActive, "active"},
		{SessionStateStopped, "stopped"},
		{SessionState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
