package media

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionState represents the lifecycle state of a call's media session.
type SessionState int

const (
	SessionStateNew     SessionState = iota // ports allocated, no remote yet
	SessionStateActive                      // stream running
	SessionStateStopped                     // stopped, awaiting release
)

func (s SessionState) String() string {
	switch s {
	case SessionStateNew:
		return "new"
	case SessionStateActive:
		return "active"
	case SessionStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is the media side of a single call: one RTP/RTCP socket pair and,
// once the remote description is known, the stream running on it.
type Session struct {
	ID        string
	Pair      *SocketPair
	CreatedAt time.Time

	mu     sync.RWMutex
	state  SessionState
	stream *Stream
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stream returns the running stream, or nil before Start.
func (s *Session) Stream() *Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream
}

// LocalPort returns the local RTP port.
func (s *Session) LocalPort() int {
	return s.Pair.Ports.RTP
}

// Start creates the RTP stream for the negotiated remote media. Calling
// Start on an active session updates the existing stream instead.
func (s *Session) Start(rm *RemoteMedia, dir Direction, onDTMF func(string), logger *slog.Logger) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		s.stream.Update(rm, dir)
		return s.stream
	}
	s.stream = NewStream(StreamConfig{
		Conn:            s.Pair.RTPConn,
		Remote:          rm.Addr,
		PayloadType:     rm.PayloadType,
		DTMFPayloadType: rm.DTMFPayloadType,
		Direction:       dir,
		OnDTMF:          onDTMF,
		Logger:          logger,
	})
	s.state = SessionStateActive
	return s.stream
}

// stop closes the stream and marks the session stopped.
func (s *Session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.stream.Close()
	}
	s.state = SessionStateStopped
}

// SessionManager handles allocation and tracking of call media sessions.
// It uses the underlying PortPool to allocate port pairs and maintains a
// registry of active sessions.
type SessionManager struct {
	pool   *PortPool
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session ID
}

// NewSessionManager creates a session manager backed by the given pool.
func NewSessionManager(pool *PortPool, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		pool:     pool,
		logger:   logger.With("subsystem", "media-sessions"),
		sessions: make(map[string]*Session),
	}
}

// Allocate creates a new media session by allocating one port pair. The
// session is registered and returned in the New state.
func (m *SessionManager) Allocate(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return nil, fmt.Errorf("session %q already exists", sessionID)
	}

	pair, err := m.pool.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocating media ports: %w", err)
	}

	session := &Session{
		ID:        sessionID,
		Pair:      pair,
		CreatedAt: time.Now(),
		state:     SessionStateNew,
	}
	m.sessions[sessionID] = session

	m.logger.Debug("media session allocated",
		"session_id", sessionID,
		"rtp_port", pair.Ports.RTP,
	)
	return session, nil
}

// Release stops and releases all resources for a session, returning its port
// pair to the pool.
func (m *SessionManager) Release(sessionID string) {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	session.stop()
	m.pool.Release(session.Pair)

	m.logger.Debug("media session released", "session_id", sessionID)
}

// Get returns a session by ID, or nil if not found.
func (m *SessionManager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Count returns the number of active sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats sums the packet counters of every running stream.
func (m *SessionManager) Stats() StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total StreamStats
	for _, s := range m.sessions {
		if st := s.Stream(); st != nil {
			ss := st.Stats()
			total.PacketsSent += ss.PacketsSent
			total.PacketsReceived += ss.PacketsReceived
			total.PacketsDropped += ss.PacketsDropped
		}
	}
	return total
}

// ReleaseAll stops and releases all sessions. Used during shutdown.
func (m *SessionManager) ReleaseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Release(id)
	}

	m.logger.Info("all media sessions released", "count", len(ids))
}
