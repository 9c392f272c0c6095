package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ayusman/darshan/internal/recognize"
	"github.com/ayusman/darshan/internal/session"
)

// RecognitionHandler serves one-shot recognition of an uploaded image. It
// runs outside any detection session, so each request matches against a
// freshly loaded gallery.
type RecognitionHandler struct {
	recognizer  recognize.Recognizer
	loadGallery session.GalleryLoader
}

// NewRecognitionHandler creates a new RecognitionHandler.
func NewRecognitionHandler(r recognize.Recognizer, loadGallery session.GalleryLoader) *RecognitionHandler {
	return &RecognitionHandler{recognizer: r, loadGallery: loadGallery}
}

type detectRequest struct {
	// ImageData is the image, base64 encoded, optionally with a data URL
	// prefix.
	ImageData string `json:"image_data"`
}

type detectResponse struct {
	Success   bool                    `json:"success"`
	Message   string                  `json:"message,omitempty"`
	Faces     []recognize.Observation `json:"faces"`
	Timestamp string                  `json:"timestamp,omitempty"`
}

func detectFailure(message string) detectResponse {
	return detectResponse{Message: message, Faces: []recognize.Observation{}}
}

// Detect handles POST /api/recognition/detect: decode the uploaded image and
// report every face found, with its gallery match if any.
func (h *RecognitionHandler) Detect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, detectFailure("Invalid JSON"))
		return
	}
	if req.ImageData == "" {
		writeJSON(w, http.StatusBadRequest, detectFailure("image_data is required"))
		return
	}

	frame, err := decodeImage(req.ImageData)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, detectFailure("Image could not be decoded"))
		return
	}
	defer frame.Close()

	gallery, err := h.loadGallery()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, detectFailure("Failed to load gallery"))
		return
	}
	defer gallery.Close()

	observations, err := h.recognizer.DetectAndRecognize(frame, gallery)
	if err != nil {
		writeJSON(w, http.StatusOK, detectFailure("Recognition failed: "+err.Error()))
		return
	}
	if observations == nil {
		observations = []recognize.Observation{}
	}

	writeJSON(w, http.StatusOK, detectResponse{
		Success:   true,
		Faces:     observations,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
