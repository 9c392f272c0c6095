package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ayusman/darshan/internal/recognize"
)

func testGalleryLoader() (*recognize.Gallery, error) {
	return recognize.NewGallery(nil), nil
}

func detectBody(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf(`{"image_data":%q}`, enrollmentImage(t))
}

func TestRecognitionHandler_Detect(t *testing.T) {
	rec := recognize.NewMockRecognizer()
	rec.SetObservations([]recognize.Observation{
		{Box: [4]int{10, 20, 110, 140}, Confidence: 0.97, Recognized: true, PersonID: "p1", PersonName: "Asha", MatchScore: 0.81},
		{Box: [4]int{200, 30, 280, 120}, Confidence: 0.92},
	})
	h := NewRecognitionHandler(rec, testGalleryLoader)

	req := httptest.NewRequest(http.MethodPost, "/api/recognition/detect", strings.NewReader(detectBody(t)))
	w := httptest.NewRecorder()
	h.Detect(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp detectResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Errorf("success = false, message %q", resp.Message)
	}
	if len(resp.Faces) != 2 {
		t.Fatalf("expected 2 faces, got %d", len(resp.Faces))
	}
	if resp.Faces[0].PersonName != "Asha" || !resp.Faces[0].Recognized {
		t.Errorf("unexpected first face: %+v", resp.Faces[0])
	}
	if resp.Faces[1].Recognized {
		t.Errorf("second face should be unrecognized: %+v", resp.Faces[1])
	}
	if resp.Timestamp == "" {
		t.Error("expected a timestamp")
	}
	if rec.Calls() != 1 {
		t.Errorf("recognizer called %d times, want 1", rec.Calls())
	}
}

func TestRecognitionHandler_DetectDataURLPrefix(t *testing.T) {
	rec := recognize.NewMockRecognizer()
	h := NewRecognitionHandler(rec, testGalleryLoader)

	body := fmt.Sprintf(`{"image_data":"data:image/jpeg;base64,%s"}`, enrollmentImage(t))
	req := httptest.NewRequest(http.MethodPost, "/api/recognition/detect", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Detect(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp detectResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || len(resp.Faces) != 0 {
		t.Errorf("expected success with no faces, got %+v", resp)
	}
}

func TestRecognitionHandler_DetectBadRequests(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", "{"},
		{"missing image", "{}"},
		{"undecodable image", `{"image_data":"bm90IGFuIGltYWdl"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewRecognitionHandler(recognize.NewMockRecognizer(), testGalleryLoader)

			req := httptest.NewRequest(http.MethodPost, "/api/recognition/detect", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			h.Detect(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
			var resp detectResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Success {
				t.Error("success = true on a bad request")
			}
			if resp.Faces == nil || len(resp.Faces) != 0 {
				t.Errorf("expected an empty faces list, got %+v", resp.Faces)
			}
		})
	}
}

func TestRecognitionHandler_DetectRecognizerFault(t *testing.T) {
	rec := recognize.NewMockRecognizer()
	rec.SetError(errors.New("model runtime fault"))
	h := NewRecognitionHandler(rec, testGalleryLoader)

	req := httptest.NewRequest(http.MethodPost, "/api/recognition/detect", strings.NewReader(detectBody(t)))
	w := httptest.NewRecorder()
	h.Detect(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp detectResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Success {
		t.Error("success = true on a recognizer fault")
	}
	if !strings.Contains(resp.Message, "Recognition failed") {
		t.Errorf("message %q should mention the recognition failure", resp.Message)
	}
	if len(resp.Faces) != 0 {
		t.Errorf("expected no faces, got %+v", resp.Faces)
	}
}

func TestRecognitionHandler_MethodNotAllowed(t *testing.T) {
	h := NewRecognitionHandler(recognize.NewMockRecognizer(), testGalleryLoader)

	req := httptest.NewRequest(http.MethodGet, "/api/recognition/detect", nil)
	w := httptest.NewRecorder()
	h.Detect(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}
