package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/session"
)

type createAccountRequest struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseTLS   bool   `json:"useTls"`
	Identity string `json:"identity"`
}

func (req *createAccountRequest) validate() string {
	return firstError(
		validateHost("host", req.Host),
		validateSIPUser("username", req.Username),
		validateStringLen("password", req.Password, maxPasswordLen),
		validateNoControlChars("password", req.Password),
		validateStringLen("identity", req.Identity, maxNameLen),
		validateNoControlChars("identity", req.Identity),
	)
}

// accountFromURL resolves {id} to one of the API client's accounts. It
// writes the error response and returns nil when there is none.
func (s *Server) accountFromURL(w http.ResponseWriter, r *http.Request) *session.Account {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return nil
	}
	a, err := s.client.Account(engine.AccountID(id))
	if err != nil {
		s.writeSessionError(w, "looking up account", err)
		return nil
	}
	return a
}

// handleCreateAccount creates an account and starts registering it.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	onIncoming, onRegState := s.accountCallbacks()
	a, err := s.client.CreateAccount(session.AccountConfig{
		Server:           req.Host,
		Username:         req.Username,
		Password:         req.Password,
		UseTLS:           req.UseTLS,
		Identity:         req.Identity,
		OnIncomingCall:   onIncoming,
		OnRegState:       onRegState,
		InboundCallbacks: s.callCallbacks(),
	})
	if err != nil {
		s.writeSessionError(w, "creating account", err)
		return
	}
	s.logger.Info("account created via api", "account", a.URI(), "id", int(a.ID()))
	writeJSON(w, http.StatusCreated, a.Status())
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.client.Accounts()
	out := make([]session.AccountStatus, len(accounts))
	for i, a := range accounts {
		out[i] = a.Status()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a := s.accountFromURL(w, r)
	if a == nil {
		return
	}
	writeJSON(w, http.StatusOK, a.Status())
}

// handleDeleteAccount destroys the account, ending its calls.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	a := s.accountFromURL(w, r)
	if a == nil {
		return
	}
	a.Destroy()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	a := s.accountFromURL(w, r)
	if a == nil {
		return
	}
	if err := a.Register(); err != nil {
		s.writeSessionError(w, "registering account", err)
		return
	}
	writeJSON(w, http.StatusOK, a.Status())
}

func (s *Server) handleUnregisterAccount(w http.ResponseWriter, r *http.Request) {
	a := s.accountFromURL(w, r)
	if a == nil {
		return
	}
	if err := a.Unregister(); err != nil {
		s.writeSessionError(w, "unregistering account", err)
		return
	}
	writeJSON(w, http.StatusOK, a.Status())
}
