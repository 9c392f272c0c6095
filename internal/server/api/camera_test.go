package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/darshan/internal/capture"
	"github.com/ayusman/darshan/internal/hub"
	"github.com/ayusman/darshan/internal/recognize"
	"github.com/ayusman/darshan/internal/session"
	"github.com/ayusman/darshan/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "darshan.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCameraHandler_Settings(t *testing.T) {
	h := NewCameraHandler(testStore(t))

	t.Run("defaults to browser source", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/camera/settings", nil)
		rec := httptest.NewRecorder()
		h.Settings(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		var cs store.CameraSettings
		if err := json.NewDecoder(rec.Body).Decode(&cs); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if cs.Source != store.CameraSourceDefault {
			t.Errorf("source = %q, want %q", cs.Source, store.CameraSourceDefault)
		}
	})

	t.Run("saves and reloads", func(t *testing.T) {
		body := `{"source":"rtsp","rtsp_url":"rtsp://cam.local/stream"}`
		req := httptest.NewRequest(http.MethodPost, "/api/camera/settings", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Settings(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
		}

		req = httptest.NewRequest(http.MethodGet, "/api/camera/settings", nil)
		rec = httptest.NewRecorder()
		h.Settings(rec, req)

		var cs store.CameraSettings
		if err := json.NewDecoder(rec.Body).Decode(&cs); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if cs.Source != store.CameraSourceRTSP || cs.RTSPURL != "rtsp://cam.local/stream" {
			t.Errorf("unexpected settings after save: %+v", cs)
		}
	})

	t.Run("rejects invalid payloads", func(t *testing.T) {
		cases := map[string]string{
			"unknown source":   `{"source":"carrier-pigeon"}`,
			"rtsp without url": `{"source":"rtsp"}`,
			"negative device":  `{"source":"device","device_id":-2}`,
			"not json":         `nope`,
		}
		for name, body := range cases {
			req := httptest.NewRequest(http.MethodPost, "/api/camera/settings", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.Settings(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status %d, got %d", name, http.StatusBadRequest, rec.Code)
			}
		}
	})
}

func TestCameraHandler_TestBrowserSource(t *testing.T) {
	h := NewCameraHandler(testStore(t))

	req := httptest.NewRequest(http.MethodPost, "/api/camera/test", strings.NewReader(`{"source":"default"}`))
	rec := httptest.NewRecorder()
	h.Test(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var result testResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !result.Success {
		t.Errorf("browser source probe should succeed: %+v", result)
	}
}

func testManager(t *testing.T) *session.Manager {
	t.Helper()

	mat := gocv.NewMatWithSize(capture.DefaultHeight, capture.DefaultWidth, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { mat.Close() })

	cfg := session.DefaultConfig()
	cfg.CameraFPS = 100
	cfg.StartupTimeout = time.Second
	cfg.OpenStream = func(capture.Source) (capture.Stream, error) {
		return capture.NewMockStream([]gocv.Mat{mat}, true), nil
	}
	loader := func() (*recognize.Gallery, error) {
		return recognize.NewGallery(nil), nil
	}
	return session.NewManager(cfg, recognize.NewMockRecognizer(), hub.New(0), capture.NewLockRegistry(), loader)
}

func TestStreamsHandler_StopWebcam(t *testing.T) {
	m := testManager(t)
	h := NewStreamsHandler(m)

	if _, err := m.Start("conn-1", capture.DeviceSource{Index: 0}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := m.Start("conn-2", capture.RTSPSource{URL: "rtsp://cam.local/stream"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/streams/stop-webcam", nil)
	rec := httptest.NewRecorder()
	h.StopWebcam(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var result stoppedResponse
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Stopped != 1 {
		t.Errorf("stopped = %d, want 1", result.Stopped)
	}
	if got := m.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() after stop-webcam = %d, want 1", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/streams/stop-rtsp", nil)
	rec = httptest.NewRecorder()
	h.StopRTSP(rec, req)

	if got := m.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() after stop-rtsp = %d, want 0", got)
	}
}

func TestStreamsHandler_MethodNotAllowed(t *testing.T) {
	h := NewStreamsHandler(testManager(t))

	req := httptest.NewRequest(http.MethodGet, "/api/streams/stop-webcam", nil)
	rec := httptest.NewRecorder()
	h.StopWebcam(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}
