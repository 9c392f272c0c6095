package recognize

import (
	"sync"

	"github.com/ayusman/darshan/internal/capture"
)

// MockRecognizer is a test implementation of the Recognizer interface.
// It lets tests script the observations returned per call.
type MockRecognizer struct {
	mu           sync.Mutex
	observations [][]Observation
	calls        int
	err          error
	feature      []byte
	featureErr   error
}

// NewMockRecognizer creates a new MockRecognizer instance.
func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{}
}

// SetObservations scripts the per-call results. Each call to
// DetectAndRecognize consumes the next entry; past the end, the last entry
// repeats.
func (m *MockRecognizer) SetObservations(perCall ...[]Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = perCall
	m.calls = 0
}

// SetError makes DetectAndRecognize return err.
func (m *MockRecognizer) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetFeature scripts the result of ExtractFeature.
func (m *MockRecognizer) SetFeature(feature []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feature = feature
	m.featureErr = err
}

// Calls returns the number of DetectAndRecognize invocations.
func (m *MockRecognizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// DetectAndRecognize returns the scripted observations or error.
func (m *MockRecognizer) DetectAndRecognize(frame *capture.Frame, gallery *Gallery) ([]Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if len(m.observations) == 0 {
		return []Observation{}, nil
	}

	i := m.calls - 1
	if i >= len(m.observations) {
		i = len(m.observations) - 1
	}
	return m.observations[i], nil
}

// ExtractFeature returns the scripted feature or error.
func (m *MockRecognizer) ExtractFeature(frame *capture.Frame) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.featureErr != nil {
		return nil, m.featureErr
	}
	if m.feature == nil {
		return nil, ErrNoFace
	}
	return m.feature, nil
}

// Close is a no-op for the mock recognizer.
func (m *MockRecognizer) Close() error {
	return nil
}
