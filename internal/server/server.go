package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ayusman/darshan/internal/hub"
	"github.com/ayusman/darshan/internal/recognize"
	"github.com/ayusman/darshan/internal/server/api"
	"github.com/ayusman/darshan/internal/session"
	"github.com/ayusman/darshan/internal/store"
)

// Config holds the server configuration.
type Config struct {
	StaticDir  string
	Store      *store.Store
	Manager    *session.Manager
	Hub        *hub.Hub
	Recognizer recognize.Recognizer

	// LoadGallery backs the one-shot detect endpoint, which matches against
	// the gallery as stored at request time.
	LoadGallery session.GalleryLoader
}

// Server represents the HTTP server for the Darshan application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Store != nil {
		cameraHandler := api.NewCameraHandler(s.config.Store)
		s.mux.HandleFunc("/api/camera/settings", cameraHandler.Settings)
		s.mux.HandleFunc("/api/camera/test", cameraHandler.Test)
	}

	if s.config.Store != nil && s.config.Recognizer != nil {
		personsHandler := api.NewPersonsHandler(s.config.Store, s.config.Recognizer)
		s.mux.Handle("/api/persons", personsHandler)
		s.mux.Handle("/api/persons/", personsHandler)
	}

	if s.config.Manager != nil {
		streamsHandler := api.NewStreamsHandler(s.config.Manager)
		s.mux.HandleFunc("/api/streams/stop-webcam", streamsHandler.StopWebcam)
		s.mux.HandleFunc("/api/streams/stop-rtsp", streamsHandler.StopRTSP)
		s.mux.HandleFunc("/api/detection/status", s.handleDetectionStatus)
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Manager))
	}

	if s.config.Hub != nil {
		s.mux.HandleFunc("/api/recognition/latest", s.handleLatestRecognition)
	}

	if s.config.Recognizer != nil && s.config.LoadGallery != nil {
		recognitionHandler := api.NewRecognitionHandler(s.config.Recognizer, s.config.LoadGallery)
		s.mux.HandleFunc("/api/recognition/detect", recognitionHandler.Detect)
	}

	if s.config.Manager != nil && s.config.Hub != nil && s.config.Store != nil {
		control := NewControlHandler(s.config.Manager, s.config.Hub, s.config.Store)
		s.mux.Handle("/api/ws", control)
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// handleDetectionStatus handles GET /api/detection/status. A reloading admin
// page uses it to decide whether detection should auto-resume.
func (s *Server) handleDetectionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := s.config.Manager.ActiveCount()
	response := map[string]interface{}{
		"active":    active > 0,
		"pipelines": active,
	}
	if s.config.Hub != nil {
		response["welcome_displays"] = s.config.Hub.WelcomeCount()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// handleLatestRecognition handles GET /api/recognition/latest, serving the
// hub's cached event so pollers and the push path agree on what was last seen.
func (s *Server) handleLatestRecognition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	ev, ok := s.config.Hub.LatestRecognition()
	if !ok {
		json.NewEncoder(w).Encode(map[string]interface{}{"available": false})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"available":   true,
		"recognition": ev,
	})
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}
