// Package api provides HTTP API handlers for the Darshan face recognition system.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ayusman/darshan/internal/capture"
	"github.com/ayusman/darshan/internal/session"
	"github.com/ayusman/darshan/internal/store"
)

// errorResponse is the JSON body for error responses.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent; nothing useful left to do.
		return
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// CameraHandler handles camera source configuration and probing.
type CameraHandler struct {
	store *store.Store
}

// NewCameraHandler creates a new CameraHandler with the given store.
func NewCameraHandler(s *store.Store) *CameraHandler {
	return &CameraHandler{store: s}
}

// Settings handles GET and POST /api/camera/settings.
func (h *CameraHandler) Settings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cs, err := h.store.Settings().CameraSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load camera settings")
			return
		}
		writeJSON(w, http.StatusOK, cs)
	case http.MethodPost:
		var cs store.CameraSettings
		if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if err := validateSettings(cs); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := h.store.Settings().SaveCameraSettings(cs); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save camera settings")
			return
		}
		writeJSON(w, http.StatusOK, cs)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func validateSettings(cs store.CameraSettings) error {
	switch cs.Source {
	case store.CameraSourceDefault, store.CameraSourceDevice:
	case store.CameraSourceRTSP:
		if cs.RTSPURL == "" {
			return errors.New("rtsp source requires rtsp_url")
		}
	default:
		return errors.New("source must be one of default, device, rtsp")
	}
	if cs.DeviceID < 0 {
		return errors.New("device_id must not be negative")
	}
	return nil
}

// testResult is the camera probe response.
type testResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Test handles POST /api/camera/test: a one-shot open and read against the
// submitted source, without touching the persisted settings.
func (h *CameraHandler) Test(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cs store.CameraSettings
	if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := validateSettings(cs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var src capture.Source
	switch cs.Source {
	case store.CameraSourceDevice:
		src = capture.DeviceSource{Index: cs.DeviceID}
	case store.CameraSourceRTSP:
		src = capture.RTSPSource{URL: cs.RTSPURL}
	default:
		// Browser-sourced frames arrive over the control channel; there is
		// nothing server-side to probe.
		writeJSON(w, http.StatusOK, testResult{Success: true, Message: "browser camera is tested client-side"})
		return
	}

	if err := capture.Probe(src); err != nil {
		writeJSON(w, http.StatusOK, testResult{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, testResult{Success: true, Message: src.Describe() + " is reachable"})
}

// StreamsHandler exposes admin teardown of server-side capture pipelines.
type StreamsHandler struct {
	manager *session.Manager
}

// NewStreamsHandler creates a new StreamsHandler with the given manager.
func NewStreamsHandler(m *session.Manager) *StreamsHandler {
	return &StreamsHandler{manager: m}
}

type stoppedResponse struct {
	Stopped int `json:"stopped"`
}

// StopWebcam handles POST /api/streams/stop-webcam.
func (h *StreamsHandler) StopWebcam(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := h.manager.StopKind(func(src capture.Source) bool {
		_, ok := src.(capture.DeviceSource)
		return ok
	})
	writeJSON(w, http.StatusOK, stoppedResponse{Stopped: n})
}

// StopRTSP handles POST /api/streams/stop-rtsp.
func (h *StreamsHandler) StopRTSP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := h.manager.StopKind(func(src capture.Source) bool {
		_, ok := src.(capture.RTSPSource)
		return ok
	})
	writeJSON(w, http.StatusOK, stoppedResponse{Stopped: n})
}
