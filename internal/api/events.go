package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/webphone/internal/host"
	"github.com/flowpbx/webphone/internal/session"
)

// Event names streamed to subscribers.
const (
	EventIncomingCall       = "incomingCall"
	EventRegState           = "regState"
	EventCallRinging        = "callRinging"
	EventCallConnected      = "callConnected"
	EventCallEnd            = "callEnd"
	EventCallTransferStatus = "callTransferStatus"
)

const (
	subscriberBuffer = 64
	keepAlive        = 25 * time.Second
)

// Event is one notification delivered to subscribers.
type Event struct {
	ID   uint64
	Type string
	Data any
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// Hub fans host notifications out to event stream subscribers. Publish
// never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[uuid.UUID]*subscriber
	seq    uint64
	closed bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[uuid.UUID]*subscriber),
	}
}

// Subscribe registers a subscriber. The channel is closed by Unsubscribe
// or Close.
func (h *Hub) Subscribe() (uuid.UUID, <-chan Event) {
	id := uuid.New()
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = &subscriber{ch: ch}
	return id, ch
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish sends an event to every subscriber.
func (h *Hub) Publish(typ string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	ev := Event{ID: h.seq, Type: typ, Data: data}
	for id, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped++
			h.logger.Warn("event subscriber lagging, event dropped",
				"subscriber", id.String(),
				"event", typ,
				"dropped", s.dropped,
			)
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}

// handleEvents streams hub events as server-sent events until the client
// goes away or the hub closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	id, events := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The stream outlives the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("event stream: write deadline not cleared", "error", err)
	}

	fmt.Fprintf(w, ": subscribed %s\n\n", id)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream: response cannot be flushed", "error", err)
		return
	}
	s.logger.Debug("event stream opened", "subscriber", id.String())

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event stream closed by client", "subscriber", id.String())
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Warn("event stream write failed", "subscriber", id.String(), "error", err)
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeEvent renders one event in text/event-stream framing.
func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", strconv.FormatUint(ev.ID, 10), ev.Type, data)
	return err
}

// incomingCallEvent is published when an account accepts an inbound call.
type incomingCallEvent struct {
	Account int          `json:"account"`
	Call    callResponse `json:"call"`
}

type regStateEvent struct {
	Account int `json:"account"`
	Status  int `json:"status"`
}

type callEvent struct {
	Call callResponse `json:"call"`
	// Status is the final SIP status on callEnd, or the progress status on
	// callTransferStatus.
	Status int `json:"status,omitempty"`
}

// accountCallbacks builds the host callbacks that publish account
// notifications.
func (s *Server) accountCallbacks() (onIncoming, onRegState host.Callback) {
	onIncoming = host.CallbackFunc(func(args ...any) {
		c, _ := argAt[*session.Call](args, 0)
		a, _ := argAt[*session.Account](args, 1)
		if c == nil || a == nil {
			return
		}
		s.events.Publish(EventIncomingCall, incomingCallEvent{
			Account: int(a.ID()),
			Call:    toCallResponse(c),
		})
	})
	onRegState = host.CallbackFunc(func(args ...any) {
		a, _ := argAt[*session.Account](args, 0)
		status, _ := argAt[int](args, 1)
		if a == nil {
			return
		}
		s.events.Publish(EventRegState, regStateEvent{Account: int(a.ID()), Status: status})
	})
	return onIncoming, onRegState
}

// callCallbacks builds the host callbacks that publish call notifications.
func (s *Server) callCallbacks() session.CallCallbacks {
	publish := func(typ string) host.Callback {
		return host.CallbackFunc(func(args ...any) {
			c, _ := argAt[*session.Call](args, 0)
			if c == nil {
				return
			}
			status, _ := argAt[int](args, 1)
			s.events.Publish(typ, callEvent{Call: toCallResponse(c), Status: status})
		})
	}
	return session.CallCallbacks{
		OnConnected:      publish(EventCallConnected),
		OnRinging:        publish(EventCallRinging),
		OnEnd:            publish(EventCallEnd),
		OnTransferStatus: publish(EventCallTransferStatus),
	}
}

// argAt returns args[i] as a T.
func argAt[T any](args []any, i int) (T, bool) {
	var zero T
	if i >= len(args) {
		return zero, false
	}
	v, ok := args[i].(T)
	return v, ok
}
