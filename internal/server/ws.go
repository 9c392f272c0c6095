// Package server provides the HTTP server for the Darshan face recognition system.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ayusman/darshan/internal/capture"
	"github.com/ayusman/darshan/internal/hub"
	"github.com/ayusman/darshan/internal/session"
	"github.com/ayusman/darshan/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// envelope is the wire format for every control channel message, both
// directions: a named event plus its payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type stopDetectionData struct {
	AdminStop bool `json:"admin_stop"`
}

type processFrameData struct {
	Frame string `json:"frame"`
}

type detectionStartedData struct {
	PipelineID string `json:"pipeline_id"`
	Source     string `json:"source"`
}

type errorData struct {
	Error string `json:"error"`
}

type welcomeRegisteredData struct {
	Primary bool `json:"primary"`
}

// recognitionData is the recognition_result payload: a single user for plain
// recognition events, a users list for batch events.
type recognitionData struct {
	Type      string               `json:"type"`
	User      *hub.RecognizedUser  `json:"user,omitempty"`
	Users     []hub.RecognizedUser `json:"users,omitempty"`
	IsNew     bool                 `json:"is_new"`
	Timestamp time.Time            `json:"timestamp"`
}

// ControlHandler owns the WebSocket control channel: detection start/stop,
// browser frame ingestion, and welcome screen registration. Each connection
// gets its own identity, which doubles as the session ID in the manager.
type ControlHandler struct {
	manager *session.Manager
	hub     *hub.Hub
	store   *store.Store

	mu    sync.RWMutex
	conns map[string]*controlConn
}

// NewControlHandler creates a ControlHandler and wires the manager's
// asynchronous error reporting back to the owning connections.
func NewControlHandler(m *session.Manager, h *hub.Hub, s *store.Store) *ControlHandler {
	c := &ControlHandler{
		manager: m,
		hub:     h,
		store:   s,
		conns:   make(map[string]*controlConn),
	}
	m.OnError(c.notifyError)
	return c
}

// controlConn is one connected control client.
type controlConn struct {
	id string
	ws *websocket.Conn

	// writeMu serializes writes; event pumps and the read loop both send.
	writeMu sync.Mutex

	mu        sync.Mutex
	dashboard *hub.Subscriber
	welcome   *hub.Subscriber
}

func (c *controlConn) send(event string, data interface{}) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = b
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(envelope{Event: event, Data: raw})
}

// ServeHTTP upgrades the connection and runs its read loop until disconnect.
func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	conn := &controlConn{id: uuid.NewString(), ws: ws}
	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	log.Printf("control connection %s opened", conn.id)
	defer h.cleanup(conn)

	for {
		var msg envelope
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("control connection %s read error: %v", conn.id, err)
			}
			return
		}
		h.dispatch(conn, msg)
	}
}

// cleanup runs on disconnect. The session reference is released rather than
// stopped, so a capture that welcome displays still watch keeps running.
func (h *ControlHandler) cleanup(conn *controlConn) {
	h.mu.Lock()
	delete(h.conns, conn.id)
	h.mu.Unlock()

	h.manager.Release(conn.id)

	conn.mu.Lock()
	dashboard, welcome := conn.dashboard, conn.welcome
	conn.dashboard, conn.welcome = nil, nil
	conn.mu.Unlock()

	h.hub.Unsubscribe(dashboard)
	h.hub.Unsubscribe(welcome)

	conn.ws.Close()
	log.Printf("control connection %s closed", conn.id)
}

func (h *ControlHandler) dispatch(conn *controlConn, msg envelope) {
	switch msg.Event {
	case "start_detection":
		h.startDetection(conn)
	case "stop_detection":
		var data stopDetectionData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				log.Printf("connection %s: bad stop_detection payload: %v", conn.id, err)
			}
		}
		h.stopDetection(conn, data.AdminStop)
	case "process_frame":
		var data processFrameData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			log.Printf("connection %s: bad process_frame payload: %v", conn.id, err)
			return
		}
		h.processFrame(conn, data.Frame)
	case "register_welcome_screen":
		h.registerWelcome(conn)
	case "unregister_welcome_screen":
		h.unregisterWelcome(conn)
	default:
		log.Printf("connection %s: unknown event %q", conn.id, msg.Event)
	}
}

// startDetection resolves the configured camera source and starts (or joins)
// its pipeline, then subscribes the connection to per-frame results.
func (h *ControlHandler) startDetection(conn *controlConn) {
	settings, err := h.store.Settings().CameraSettings()
	if err != nil {
		conn.send("detection_error", errorData{Error: "failed to load camera settings"})
		return
	}
	source := sourceFor(settings, conn.id)

	sess, err := h.manager.Start(conn.id, source)
	if err != nil {
		log.Printf("connection %s: start detection: %v", conn.id, err)
		conn.send("detection_error", errorData{Error: err.Error()})
		return
	}

	conn.mu.Lock()
	prev := conn.dashboard
	sub := h.hub.Subscribe(sess.PipelineID(), hub.Dashboard)
	conn.dashboard = sub
	conn.mu.Unlock()

	// A restart with a new source leaves a stale subscription behind.
	h.hub.Unsubscribe(prev)
	go h.pump(conn, sub)

	conn.send("detection_started", detectionStartedData{
		PipelineID: sess.PipelineID(),
		Source:     source.Describe(),
	})
}

func (h *ControlHandler) stopDetection(conn *controlConn, adminStop bool) {
	h.manager.Stop(conn.id, adminStop)

	conn.mu.Lock()
	sub := conn.dashboard
	conn.dashboard = nil
	conn.mu.Unlock()
	h.hub.Unsubscribe(sub)

	conn.send("detection_stopped", nil)
}

// processFrame feeds one browser-pushed frame into the session's stream.
// Decode failures are frame-local: logged and skipped, never fatal.
func (h *ControlHandler) processFrame(conn *controlConn, frame string) {
	raw, err := decodeFrame(frame)
	if err != nil {
		log.Printf("connection %s: bad frame payload: %v", conn.id, err)
		return
	}
	if err := h.manager.PushFrame(conn.id, raw); err != nil {
		if errors.Is(err, capture.ErrBadFrame) {
			log.Printf("connection %s: undecodable frame dropped", conn.id)
			return
		}
		conn.send("detection_error", errorData{Error: err.Error()})
	}
}

func (h *ControlHandler) registerWelcome(conn *controlConn) {
	conn.mu.Lock()
	prev := conn.welcome
	sub := h.hub.Subscribe(hub.AllPipelines, hub.WelcomeDisplay)
	conn.welcome = sub
	conn.mu.Unlock()

	// Re-registering refreshes the subscription; an admin stop may have
	// torn down the previous one.
	h.hub.Unsubscribe(prev)

	go h.pump(conn, sub)
	log.Printf("connection %s registered as welcome screen", conn.id)
	conn.send("welcome_screen_registered", welcomeRegisteredData{Primary: h.hub.IsPrimary(sub)})
}

func (h *ControlHandler) unregisterWelcome(conn *controlConn) {
	conn.mu.Lock()
	sub := conn.welcome
	conn.welcome = nil
	conn.mu.Unlock()

	h.hub.Unsubscribe(sub)
	conn.send("welcome_screen_unregistered", nil)
}

// pump forwards hub events to the client until the hub closes the
// subscription channel.
func (h *ControlHandler) pump(conn *controlConn, sub *hub.Subscriber) {
	for ev := range sub.Events() {
		switch e := ev.(type) {
		case hub.DetectionEvent:
			if err := conn.send("face_detection_result", e); err != nil {
				return
			}
		case hub.RecognitionEvent:
			data := recognitionData{Type: e.Type, IsNew: e.IsNew, Timestamp: e.Timestamp}
			if e.Type == hub.TypeBatchRecognition {
				data.Users = e.Users
			} else {
				data.User = e.User()
			}
			if err := conn.send("recognition_result", data); err != nil {
				return
			}
		}
	}
}

// notifyError surfaces an asynchronous pipeline failure to the owning
// connection and drops its now-dead dashboard subscription.
func (h *ControlHandler) notifyError(connID string, err error) {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	sub := conn.dashboard
	conn.dashboard = nil
	conn.mu.Unlock()
	h.hub.Unsubscribe(sub)

	conn.send("detection_error", errorData{Error: err.Error()})
}

// sourceFor maps persisted camera settings to a capture source. The default
// source is the client's own browser camera, scoped to its connection.
func sourceFor(cs store.CameraSettings, connID string) capture.Source {
	switch cs.Source {
	case store.CameraSourceDevice:
		return capture.DeviceSource{Index: cs.DeviceID}
	case store.CameraSourceRTSP:
		return capture.RTSPSource{URL: cs.RTSPURL}
	default:
		return capture.BrowserSource{SessionID: connID}
	}
}

// decodeFrame strips an optional data URL prefix and base64-decodes the
// JPEG payload the browser captured.
func decodeFrame(frame string) ([]byte, error) {
	if i := strings.Index(frame, ","); i >= 0 && strings.HasPrefix(frame, "data:") {
		frame = frame[i+1:]
	}
	return base64.StdEncoding.DecodeString(frame)
}
