package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ayusman/darshan/internal/capture"
	"github.com/ayusman/darshan/internal/session"
)

// StreamHandler serves an MJPEG feed of the active device or RTSP pipeline
// with detection overlays burned in. Browser-sourced pipelines are excluded;
// the browser already has the frames it pushed.
type StreamHandler struct {
	manager *session.Manager
}

// NewStreamHandler creates a new StreamHandler backed by the session manager.
func NewStreamHandler(m *session.Manager) *StreamHandler {
	return &StreamHandler{manager: m}
}

// isServerSource reports whether a source is captured server-side.
func isServerSource(src capture.Source) bool {
	switch src.(type) {
	case capture.DeviceSource, capture.RTSPSource:
		return true
	}
	return false
}

// ServeHTTP streams MJPEG frames to connected clients.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pipelineID, ok := h.manager.FindPipeline(isServerSource)
	if !ok || !h.manager.AddViewer(pipelineID) {
		http.Error(w, "No active camera stream", http.StatusNotFound)
		return
	}
	defer h.manager.RemoveViewer(pipelineID)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var lastSeq uint64
	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		jpeg, seq, ok := h.manager.Snapshot(pipelineID)
		if !ok {
			// Pipeline stopped underneath us.
			return
		}
		if jpeg == nil || seq == lastSeq {
			time.Sleep(33 * time.Millisecond)
			continue
		}
		lastSeq = seq

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(jpeg))
		if _, err := w.Write(jpeg); err != nil {
			return
		}
		fmt.Fprintf(w, "\r\n")

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}
