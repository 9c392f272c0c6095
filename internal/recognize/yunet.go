package recognize

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/darshan/internal/capture"
)

// Model file names, as shipped with the product.
const (
	detectorModelFile   = "face_detection_yunet_2023mar.onnx"
	recognizerModelFile = "face_recognizer_fast.onnx"
)

// YuNetRecognizer implements Recognizer with OpenCV's YuNet face detector and
// SFace embedding model.
type YuNetRecognizer struct {
	config   Config
	mu       sync.Mutex // the underlying models are not concurrency-safe
	detector gocv.FaceDetectorYN
	sface    gocv.FaceRecognizerSF
	closed   bool
}

// NewYuNetRecognizer loads the detection and recognition models from the
// model directory. It fails if the model files cannot be found.
func NewYuNetRecognizer(config Config) (*YuNetRecognizer, error) {
	modelDir := findModelDir()
	if modelDir == "" {
		return nil, fmt.Errorf("model directory not found")
	}

	detectorPath := filepath.Join(modelDir, detectorModelFile)
	recognizerPath := filepath.Join(modelDir, recognizerModelFile)
	for _, p := range []string{detectorPath, recognizerPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("model file missing: %s", p)
		}
	}

	detector := gocv.NewFaceDetectorYN(detectorPath, "", image.Pt(capture.DefaultWidth, capture.DefaultHeight))
	detector.SetScoreThreshold(config.DetectionThreshold)

	r := &YuNetRecognizer{
		config:   config,
		detector: detector,
		sface:    gocv.NewFaceRecognizerSF(recognizerPath, ""),
	}
	return r, nil
}

// findModelDir searches for the model directory in common locations.
// It checks "model", "../model", "../../model", and ~/.darshan/model.
func findModelDir() string {
	relativePaths := []string{"model", "../model", "../../model"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeModelDir := filepath.Join(homeDir, ".darshan", "model")
	if info, err := os.Stat(homeModelDir); err == nil && info.IsDir() {
		return homeModelDir
	}

	return ""
}

// DetectAndRecognize locates faces in the frame and matches each against the
// gallery by cosine similarity. A corrupt frame yields an empty list rather
// than an error so the processing loop is never stalled by one bad frame.
func (r *YuNetRecognizer) DetectAndRecognize(frame *capture.Frame, gallery *Gallery) ([]Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("recognizer is closed")
	}
	if frame == nil || frame.Mat.Empty() {
		return []Observation{}, nil
	}

	img, scale, cleanup := r.prepare(frame.Mat)
	defer cleanup()

	r.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	r.detector.Detect(img, &faces)

	observations := make([]Observation, 0, faces.Rows())
	for row := 0; row < faces.Rows(); row++ {
		obs := r.observe(img, faces, row, scale, gallery)
		observations = append(observations, obs)
	}
	return observations, nil
}

// prepare scales oversized frames down before detection. It returns the image
// to detect on, the factor that maps detection coordinates back to the
// original frame, and a cleanup func.
func (r *YuNetRecognizer) prepare(src gocv.Mat) (gocv.Mat, float64, func()) {
	maxH := r.config.MaxInputHeight
	if maxH <= 0 || src.Rows() <= maxH {
		return src, 1.0, func() {}
	}

	// Oversized frames are scaled to half the cutoff height before
	// detection; detection quality is unaffected at that size.
	f := float64(maxH) / 2 / float64(src.Rows())
	scaled := gocv.NewMat()
	gocv.Resize(src, &scaled, image.Point{}, f, f, gocv.InterpolationLinear)
	return scaled, 1 / f, func() { scaled.Close() }
}

// observe builds the Observation for one detected face row.
func (r *YuNetRecognizer) observe(img, faces gocv.Mat, row int, scale float64, gallery *Gallery) Observation {
	x := float64(faces.GetFloatAt(row, 0))
	y := float64(faces.GetFloatAt(row, 1))
	w := float64(faces.GetFloatAt(row, 2))
	h := float64(faces.GetFloatAt(row, 3))
	score := float64(faces.GetFloatAt(row, 14))

	obs := Observation{
		Box: [4]int{
			int(x * scale),
			int(y * scale),
			int((x + w) * scale),
			int((y + h) * scale),
		},
		Confidence: score,
	}

	if gallery == nil || gallery.Len() == 0 {
		return obs
	}

	faceRow := faces.RowRange(row, row+1)
	defer faceRow.Close()

	aligned := gocv.NewMat()
	defer aligned.Close()
	r.sface.AlignCrop(img, faceRow, &aligned)

	feature := gocv.NewMat()
	defer feature.Close()
	r.sface.Feature(aligned, &feature)

	bestScore := float32(0)
	var best *Entry
	for i := range gallery.Entries() {
		e := &gallery.Entries()[i]
		s := r.sface.MatchWithParams(feature, e.Feature, gocv.FaceRecognizerSFDisTypeCosine)
		if s >= r.config.MatchThreshold && s > bestScore {
			bestScore = s
			best = e
		}
	}

	if best != nil {
		obs.Recognized = true
		obs.PersonID = best.ID
		obs.PersonName = best.Name
		obs.MatchScore = float64(bestScore)
	}
	return obs
}

// ExtractFeature computes the embedding for an enrollment image containing
// exactly one face.
func (r *YuNetRecognizer) ExtractFeature(frame *capture.Frame) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("recognizer is closed")
	}
	if frame == nil || frame.Mat.Empty() {
		return nil, ErrNoFace
	}

	img, _, cleanup := r.prepare(frame.Mat)
	defer cleanup()

	r.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	r.detector.Detect(img, &faces)

	switch {
	case faces.Rows() == 0:
		return nil, ErrNoFace
	case faces.Rows() > 1:
		return nil, ErrMultipleFaces
	}

	faceRow := faces.RowRange(0, 1)
	defer faceRow.Close()

	aligned := gocv.NewMat()
	defer aligned.Close()
	r.sface.AlignCrop(img, faceRow, &aligned)

	feature := gocv.NewMat()
	defer feature.Close()
	r.sface.Feature(aligned, &feature)

	return FeatureBytes(feature), nil
}

// Close releases the models.
func (r *YuNetRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.detector.Close()
	r.sface.Close()
	return nil
}
