// Package app provides the main application wiring for the Darshan face recognition system.
package app

import (
	"log"
	"os"
	"path/filepath"

	"github.com/ayusman/darshan/internal/capture"
	"github.com/ayusman/darshan/internal/hub"
	"github.com/ayusman/darshan/internal/recognize"
	"github.com/ayusman/darshan/internal/server"
	"github.com/ayusman/darshan/internal/session"
	"github.com/ayusman/darshan/internal/store"
)

// Config holds configuration options for the application.
type Config struct {
	// DataDir is where the database lives. Empty means ~/.darshan.
	DataDir   string
	StaticDir string

	// Recognizer overrides the recognizer; tests inject mocks here. When
	// nil, the ONNX models are loaded, falling back to a mock recognizer
	// if they are not installed.
	Recognizer recognize.Recognizer

	Session session.Config
}

// App wires the store, recognizer, broadcast hub, and session manager into
// one unit behind the HTTP server.
type App struct {
	config     Config
	store      *store.Store
	recognizer recognize.Recognizer
	hub        *hub.Hub
	locks      *capture.LockRegistry
	manager    *session.Manager
	server     *server.Server
}

// New creates a new App instance with the given configuration.
func New(config Config) (*App, error) {
	dataDir := config.DataDir
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(homeDir, ".darshan")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	st, err := store.New(filepath.Join(dataDir, "darshan.db"))
	if err != nil {
		return nil, err
	}

	recognizer := config.Recognizer
	if recognizer == nil {
		// Try the ONNX models first, fall back to a mock recognizer so the
		// server still comes up on machines without them.
		if yn, err := recognize.NewYuNetRecognizer(recognize.DefaultConfig()); err == nil {
			recognizer = yn
			log.Println("Using YuNet face detection")
		} else {
			log.Printf("Face models not available (%v), using mock recognizer", err)
			recognizer = recognize.NewMockRecognizer()
		}
	}

	a := &App{
		config:     config,
		store:      st,
		recognizer: recognizer,
		hub:        hub.New(0),
		locks:      capture.NewLockRegistry(),
	}

	sessionCfg := config.Session
	if sessionCfg.OpenStream == nil {
		sessionCfg = session.DefaultConfig()
	}
	a.manager = session.NewManager(sessionCfg, recognizer, a.hub, a.locks, a.loadGallery)

	a.server = server.New(server.Config{
		StaticDir:   config.StaticDir,
		Store:       st,
		Manager:     a.manager,
		Hub:         a.hub,
		Recognizer:  recognizer,
		LoadGallery: a.loadGallery,
	})
	return a, nil
}

// loadGallery builds the known-identity gallery from registered persons.
// Called at every pipeline start, so new registrations apply to sessions
// started afterwards.
func (a *App) loadGallery() (*recognize.Gallery, error) {
	persons, err := a.store.Persons().List()
	if err != nil {
		return nil, err
	}

	entries := make([]recognize.Entry, 0, len(persons))
	for _, p := range persons {
		feature, err := recognize.FeatureFromBytes(p.Embedding)
		if err != nil {
			feature.Close()
			log.Printf("Skipping person %s: bad embedding: %v", p.ID, err)
			continue
		}
		entries = append(entries, recognize.Entry{ID: p.ID, Name: p.Name, Feature: feature})
	}

	log.Printf("Loaded %d registered persons", len(entries))
	return recognize.NewGallery(entries), nil
}

// SetEnabled enables or disables face detection globally.
func (a *App) SetEnabled(enabled bool) {
	a.manager.SetEnabled(enabled)
}

// IsEnabled returns whether face detection is currently enabled.
func (a *App) IsEnabled() bool {
	return a.manager.Enabled()
}

// Server returns the HTTP server.
func (a *App) Server() *server.Server {
	return a.server
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Hub returns the broadcast hub.
func (a *App) Hub() *hub.Hub {
	return a.hub
}

// Store returns the persistence layer.
func (a *App) Store() *store.Store {
	return a.store
}

// Close stops all pipelines and releases resources.
func (a *App) Close() {
	a.manager.StopKind(func(capture.Source) bool { return true })

	if err := a.recognizer.Close(); err != nil {
		log.Printf("Error closing recognizer: %v", err)
	}
	if err := a.store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}
}
