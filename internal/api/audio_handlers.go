package api

import (
	"net/http"

	"github.com/flowpbx/webphone/internal/engine"
)

type audioDeviceRequest struct {
	Capture  int `json:"capture"`
	Playback int `json:"playback"`
}

type volumeResponse struct {
	Microphone float64 `json:"microphone"`
	Speaker    float64 `json:"speaker"`
}

type signalResponse struct {
	Microphone uint `json:"microphone"`
	Speaker    uint `json:"speaker"`
}

type levelsResponse struct {
	Volume volumeResponse `json:"volume"`
	Signal signalResponse `json:"signal"`
}

type wavRequest struct {
	File string `json:"file"`
}

func (s *Server) handleAudioDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.client.Manager().AudioDevices()
	if devices == nil {
		devices = []engine.AudioDevice{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleSetAudioDevice(w http.ResponseWriter, r *http.Request) {
	var req audioDeviceRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.client.Manager().SetAudioDevice(req.Capture, req.Playback); err != nil {
		s.writeSessionError(w, "setting audio device", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) volume() volumeResponse {
	out, in := s.client.Manager().Volume()
	return volumeResponse{Microphone: out, Speaker: in}
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.volume())
}

// handleSetVolume adjusts microphone and speaker levels; 1.0 leaves the
// signal unchanged.
func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeResponse
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := firstError(
		validateVolume("microphone", req.Microphone),
		validateVolume("speaker", req.Speaker),
	); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.client.Manager().SetVolume(req.Microphone, req.Speaker); err != nil {
		s.writeSessionError(w, "setting volume", err)
		return
	}
	writeJSON(w, http.StatusOK, s.volume())
}

func (s *Server) handleAudioLevels(w http.ResponseWriter, r *http.Request) {
	out, in := s.client.Manager().SignalLevel()
	writeJSON(w, http.StatusOK, levelsResponse{
		Volume: s.volume(),
		Signal: signalResponse{Microphone: out, Speaker: in},
	})
}

// handleStartWav plays a wav asset from the base path once.
func (s *Server) handleStartWav(w http.ResponseWriter, r *http.Request) {
	var req wavRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("file", req.File, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.client.Manager().StartWav(req.File); err != nil {
		s.writeSessionError(w, "starting wav", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"file": req.File, "playing": true})
}

func (s *Server) handleStopWav(w http.ResponseWriter, r *http.Request) {
	stopped := s.client.Manager().StopWav()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}
