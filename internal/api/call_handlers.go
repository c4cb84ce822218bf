package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/webphone/internal/session"
	"github.com/flowpbx/webphone/internal/store"
)

// callResponse is the JSON view of a live call.
type callResponse struct {
	ID          uint64             `json:"id"`
	Account     int                `json:"account"`
	Direction   string             `json:"direction"`
	State       string             `json:"state"`
	CallerID    string             `json:"callerId"`
	Destination string             `json:"destination,omitempty"`
	Status      session.CallStatus `json:"status"`
	Active      bool               `json:"active"`
	CreatedAt   string             `json:"createdAt"`
	AnsweredAt  *string            `json:"answeredAt,omitempty"`
}

func toCallResponse(c *session.Call) callResponse {
	resp := callResponse{
		ID:          uint64(c.ID()),
		Account:     -1,
		Direction:   c.Direction().String(),
		State:       c.State(),
		CallerID:    c.CallerID(),
		Destination: c.Destination(),
		Status:      c.Status(),
		Active:      c.IsActive(),
	}
	if a := c.Account(); a != nil {
		resp.Account = int(a.ID())
	}
	created, answered, _ := c.Times()
	resp.CreatedAt = created.UTC().Format(time.RFC3339)
	if !answered.IsZero() {
		t := answered.UTC().Format(time.RFC3339)
		resp.AnsweredAt = &t
	}
	return resp
}

type makeCallRequest struct {
	Destination string `json:"destination"`
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

type dtmfRequest struct {
	Digit string `json:"digit"`
}

type transferRequest struct {
	Destination string `json:"destination"`
}

type replaceRequest struct {
	CallID uint64 `json:"callId"`
}

// callFromURL resolves {callID} to a live call of the API client. It writes
// the error response and returns nil when there is none.
func (s *Server) callFromURL(w http.ResponseWriter, r *http.Request) *session.Call {
	id, err := strconv.ParseUint(chi.URLParam(r, "callID"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return nil
	}
	c, err := s.client.Call(session.StableID(id))
	if err != nil {
		s.writeSessionError(w, "looking up call", err)
		return nil
	}
	return c
}

// handleListCalls returns every live call on the API's accounts.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls := []callResponse{}
	for _, a := range s.client.Accounts() {
		for _, c := range a.Calls() {
			calls = append(calls, toCallResponse(c))
		}
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleMakeCall places an outbound call on {id}.
func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	a := s.accountFromURL(w, r)
	if a == nil {
		return
	}

	var req makeCallRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := firstError(
		validateRequiredStringLen("destination", req.Destination, maxDestinationLen),
		validateNoControlChars("destination", req.Destination),
		validateStringLen("identity", req.Identity, maxNameLen),
		validateNoControlChars("identity", req.Identity),
		validateStringLen("displayName", req.DisplayName, maxNameLen),
		validateNoControlChars("displayName", req.DisplayName),
	); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	c, err := a.MakeCall(session.CallParams{
		Destination:   req.Destination,
		Identity:      req.Identity,
		DisplayName:   req.DisplayName,
		CallCallbacks: s.callCallbacks(),
	})
	if err != nil {
		s.writeSessionError(w, "making call", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCallResponse(c))
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	c := s.callFromURL(w, r)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(c))
}

// callAction adapts a call operation with no request body to a handler.
func (s *Server) callAction(op string, fn func(*session.Call) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := s.callFromURL(w, r)
		if c == nil {
			return
		}
		if err := fn(c); err != nil {
			s.writeSessionError(w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, toCallResponse(c))
	}
}

func (s *Server) handleAnswerCall() http.HandlerFunc {
	return s.callAction("answering call", (*session.Call).Answer)
}

func (s *Server) handleHoldCall() http.HandlerFunc {
	return s.callAction("holding call", (*session.Call).Hold)
}

func (s *Server) handleUnholdCall() http.HandlerFunc {
	return s.callAction("resuming call", (*session.Call).Unhold)
}

func (s *Server) handleHangupCall() http.HandlerFunc {
	return s.callAction("hanging up", func(c *session.Call) error {
		c.LocalEnd()
		return nil
	})
}

// handleSendDTMF sends one digit.
func (s *Server) handleSendDTMF(w http.ResponseWriter, r *http.Request) {
	c := s.callFromURL(w, r)
	if c == nil {
		return
	}
	var req dtmfRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := c.SendDTMF(req.Digit); err != nil {
		s.writeSessionError(w, "sending dtmf", err)
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(c))
}

// handleTransferCall blind-transfers the call. Progress is streamed as
// callTransferStatus events.
func (s *Server) handleTransferCall(w http.ResponseWriter, r *http.Request) {
	c := s.callFromURL(w, r)
	if c == nil {
		return
	}
	var req transferRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := firstError(
		validateRequiredStringLen("destination", req.Destination, maxDestinationLen),
		validateNoControlChars("destination", req.Destination),
	); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := c.Transfer(req.Destination, nil); err != nil {
		s.writeSessionError(w, "transferring call", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toCallResponse(c))
}

// handleReplaceCall performs an attended transfer onto callId.
func (s *Server) handleReplaceCall(w http.ResponseWriter, r *http.Request) {
	c := s.callFromURL(w, r)
	if c == nil {
		return
	}
	var req replaceRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.CallID == 0 {
		writeError(w, http.StatusBadRequest, "callId is required")
		return
	}
	other, err := s.client.Call(session.StableID(req.CallID))
	if err != nil {
		s.writeSessionError(w, "looking up replacement call", err)
		return
	}
	if err := c.TransferReplace(other); err != nil {
		s.writeSessionError(w, "replacing call", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toCallResponse(other))
}

// historyResponse is the JSON view of one call history entry.
type historyResponse struct {
	ID          int64   `json:"id"`
	CallID      uint64  `json:"callId"`
	Account     string  `json:"account"`
	Direction   string  `json:"direction"`
	Remote      string  `json:"remote"`
	StartedAt   string  `json:"startedAt"`
	AnsweredAt  *string `json:"answeredAt,omitempty"`
	EndedAt     string  `json:"endedAt"`
	DurationSec int64   `json:"duration"`
	EndStatus   int     `json:"endStatus"`
	EndedBy     string  `json:"endedBy"`
}

func toHistoryResponse(e *store.CallEntry) historyResponse {
	resp := historyResponse{
		ID:          e.ID,
		CallID:      e.CallID,
		Account:     e.Account,
		Direction:   e.Direction,
		Remote:      e.Remote,
		StartedAt:   e.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:     e.EndedAt.UTC().Format(time.RFC3339),
		DurationSec: int64(e.Duration / time.Second),
		EndStatus:   e.EndStatus,
		EndedBy:     e.EndedBy,
	}
	if e.AnsweredAt != nil {
		t := e.AnsweredAt.UTC().Format(time.RFC3339)
		resp.AnsweredAt = &t
	}
	return resp
}

// handleListHistory returns ended calls, newest first.
// Query params: limit, offset, account, direction, since, until (RFC 3339).
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history is not available")
		return
	}
	pg, msg := parsePagination(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	q := r.URL.Query()
	filter := store.HistoryFilter{
		Account:   q.Get("account"),
		Direction: q.Get("direction"),
		Limit:     pg.Limit,
		Offset:    pg.Offset,
	}
	if filter.Direction != "" && filter.Direction != "inbound" && filter.Direction != "outbound" {
		writeError(w, http.StatusBadRequest, "direction must be \"inbound\" or \"outbound\"")
		return
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, p.name+" must be an RFC 3339 timestamp")
			return
		}
		*p.dst = t
	}

	entries, total, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list call history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list call history")
		return
	}
	items := make([]historyResponse, len(entries))
	for i := range entries {
		items[i] = toHistoryResponse(&entries[i])
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetHistory returns one history entry by its row id.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history is not available")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "entryID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid history id")
		return
	}
	e, err := s.history.Get(r.Context(), id)
	if err != nil {
		s.writeSessionError(w, "reading call history", err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponse(e))
}
