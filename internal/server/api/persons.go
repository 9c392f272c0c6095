package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/ayusman/darshan/internal/capture"
	"github.com/ayusman/darshan/internal/recognize"
	"github.com/ayusman/darshan/internal/store"
)

// PersonsHandler handles HTTP requests for registered person resources.
// Registration extracts the face embedding from an enrollment photo; the
// embedding becomes visible to detection sessions started afterwards.
type PersonsHandler struct {
	store      *store.Store
	recognizer recognize.Recognizer
}

// NewPersonsHandler creates a new PersonsHandler.
func NewPersonsHandler(s *store.Store, r recognize.Recognizer) *PersonsHandler {
	return &PersonsHandler{store: s, recognizer: r}
}

// ServeHTTP implements the http.Handler interface and routes requests to appropriate methods.
func (h *PersonsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Expected paths: /api/persons or /api/persons/{id}
	path := strings.TrimPrefix(r.URL.Path, "/api/persons")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodPost:
			h.register(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	id := path
	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type registerPersonRequest struct {
	PersonID   string `json:"person_id"`
	PersonName string `json:"person_name"`
	// Image is the enrollment photo, base64 encoded, optionally with a
	// data URL prefix.
	Image string `json:"image"`
}

type personResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func toPersonResponse(p *store.Person) personResponse {
	return personResponse{ID: p.ID, Name: p.Name, CreatedAt: p.CreatedAt}
}

// list handles GET /api/persons.
func (h *PersonsHandler) list(w http.ResponseWriter, r *http.Request) {
	persons, err := h.store.Persons().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list persons")
		return
	}

	response := make([]personResponse, 0, len(persons))
	for _, p := range persons {
		response = append(response, toPersonResponse(p))
	}
	writeJSON(w, http.StatusOK, response)
}

// get handles GET /api/persons/{id}.
func (h *PersonsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	p, err := h.store.Persons().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Person not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get person")
		return
	}
	writeJSON(w, http.StatusOK, toPersonResponse(p))
}

// register handles POST /api/persons: decode the enrollment photo, require
// exactly one face, and persist the embedding.
func (h *PersonsHandler) register(w http.ResponseWriter, r *http.Request) {
	var req registerPersonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.PersonName == "" {
		writeError(w, http.StatusBadRequest, "person_name is required")
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	frame, err := decodeImage(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Image could not be decoded")
		return
	}
	defer frame.Close()

	embedding, err := h.recognizer.ExtractFeature(frame)
	if err != nil {
		switch {
		case errors.Is(err, recognize.ErrNoFace):
			writeError(w, http.StatusBadRequest, "No face detected in image")
		case errors.Is(err, recognize.ErrMultipleFaces):
			writeError(w, http.StatusBadRequest, "Multiple faces detected in image; submit a photo with exactly one face")
		default:
			writeError(w, http.StatusInternalServerError, "Failed to extract face embedding")
		}
		return
	}

	id := req.PersonID
	if id == "" {
		id = uuid.NewString()
	}
	person := &store.Person{ID: id, Name: req.PersonName, Embedding: embedding}
	if err := h.store.Persons().Create(person); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			writeError(w, http.StatusConflict, "Person ID already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to save person")
		return
	}

	writeJSON(w, http.StatusCreated, toPersonResponse(person))
}

// delete handles DELETE /api/persons/{id}.
func (h *PersonsHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.Persons().Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Person not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete person")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeImage turns a base64 payload (with optional data URL prefix) into a
// capture frame.
func decodeImage(data string) (*capture.Frame, error) {
	if i := strings.Index(data, ","); i >= 0 && strings.HasPrefix(data, "data:") {
		data = data[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	mat, err := gocv.IMDecode(raw, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	if mat.Empty() {
		mat.Close()
		return nil, errors.New("image decoded to empty matrix")
	}

	return &capture.Frame{
		Mat:       mat,
		Width:     mat.Cols(),
		Height:    mat.Rows(),
		Timestamp: time.Now(),
	}, nil
}
