package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gocv.io/x/gocv"

	"github.com/ayusman/darshan/internal/recognize"
)

func enrollmentImage(t *testing.T) string {
	t.Helper()
	mat := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	defer mat.Close()
	buf, err := gocv.IMEncode(".jpg", mat)
	if err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	defer buf.Close()
	return base64.StdEncoding.EncodeToString(buf.GetBytes())
}

func registerBody(t *testing.T, id, name string) string {
	t.Helper()
	body, err := json.Marshal(registerPersonRequest{
		PersonID:   id,
		PersonName: name,
		Image:      enrollmentImage(t),
	})
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	return string(body)
}

func TestPersonsHandler_RegisterAndList(t *testing.T) {
	rec := recognize.NewMockRecognizer()
	rec.SetFeature([]byte{1, 2, 3, 4}, nil)
	h := NewPersonsHandler(testStore(t), rec)

	req := httptest.NewRequest(http.MethodPost, "/api/persons", strings.NewReader(registerBody(t, "p1", "Asha")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	var created personResponse
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.ID != "p1" || created.Name != "Asha" {
		t.Errorf("unexpected person: %+v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/persons", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var persons []personResponse
	if err := json.NewDecoder(w.Body).Decode(&persons); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(persons) != 1 || persons[0].ID != "p1" {
		t.Errorf("unexpected person list: %+v", persons)
	}
}

func TestPersonsHandler_RegisterGeneratesID(t *testing.T) {
	rec := recognize.NewMockRecognizer()
	rec.SetFeature([]byte{1, 2, 3, 4}, nil)
	h := NewPersonsHandler(testStore(t), rec)

	req := httptest.NewRequest(http.MethodPost, "/api/persons", strings.NewReader(registerBody(t, "", "Ravi")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	var created personResponse
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.ID == "" {
		t.Error("expected a generated person ID")
	}
}

func TestPersonsHandler_RegisterRejectsBadPhotos(t *testing.T) {
	cases := []struct {
		name       string
		extractErr error
		want       string
	}{
		{"no face", recognize.ErrNoFace, "No face"},
		{"multiple faces", recognize.ErrMultipleFaces, "Multiple faces"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := recognize.NewMockRecognizer()
			rec.SetFeature(nil, tc.extractErr)
			h := NewPersonsHandler(testStore(t), rec)

			req := httptest.NewRequest(http.MethodPost, "/api/persons", strings.NewReader(registerBody(t, "p1", "Asha")))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
			if !strings.Contains(w.Body.String(), tc.want) {
				t.Errorf("error body %q should mention %q", w.Body.String(), tc.want)
			}
		})
	}
}

func TestPersonsHandler_RegisterRejectsUndecodableImage(t *testing.T) {
	rec := recognize.NewMockRecognizer()
	rec.SetFeature([]byte{1}, nil)
	h := NewPersonsHandler(testStore(t), rec)

	body := fmt.Sprintf(`{"person_name":"Asha","image":%q}`, base64.StdEncoding.EncodeToString([]byte("not an image")))
	req := httptest.NewRequest(http.MethodPost, "/api/persons", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestPersonsHandler_DuplicateID(t *testing.T) {
	rec := recognize.NewMockRecognizer()
	rec.SetFeature([]byte{1, 2, 3, 4}, nil)
	h := NewPersonsHandler(testStore(t), rec)

	for i, want := range []int{http.StatusCreated, http.StatusConflict} {
		req := httptest.NewRequest(http.MethodPost, "/api/persons", strings.NewReader(registerBody(t, "p1", "Asha")))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("attempt %d: expected status %d, got %d", i+1, want, w.Code)
		}
	}
}

func TestPersonsHandler_Delete(t *testing.T) {
	rec := recognize.NewMockRecognizer()
	rec.SetFeature([]byte{1, 2, 3, 4}, nil)
	h := NewPersonsHandler(testStore(t), rec)

	req := httptest.NewRequest(http.MethodPost, "/api/persons", strings.NewReader(registerBody(t, "p1", "Asha")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("setup failed: %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/persons/p1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d", http.StatusNoContent, w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/persons/p1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}
