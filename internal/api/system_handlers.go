package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/webphone/internal/api/middleware"
)

type statusResponse struct {
	Version     string `json:"version"`
	TLSEnabled  bool   `json:"tlsEnabled"`
	Accounts    int    `json:"accounts"`
	Calls       int    `json:"calls"`
	MaxCalls    int    `json:"maxCalls"`
	Subscribers int    `json:"subscribers"`
	UptimeSec   int64  `json:"uptimeSec"`
	Client      string `json:"client,omitempty"`
}

type logRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports the phone's transport capability and load.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	m := s.client.Manager()
	writeJSON(w, http.StatusOK, statusResponse{
		Version:     s.cfg.Version,
		TLSEnabled:  m.TLSEnabled(),
		Accounts:    len(s.client.Accounts()),
		Calls:       len(m.Calls()),
		MaxCalls:    m.Engine().MaxCalls(),
		Subscribers: s.events.Subscribers(),
		UptimeSec:   int64(time.Since(s.startedAt) / time.Second),
		Client:      middleware.SubjectFromContext(r.Context()),
	})
}

// handleLog writes a message from the host into the service log.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := firstError(
		validateRequiredStringLen("message", req.Message, maxMessageLen),
		validateNoControlChars("message", req.Message),
	); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	s.client.Manager().Log(req.Message)
	w.WriteHeader(http.StatusNoContent)
}
