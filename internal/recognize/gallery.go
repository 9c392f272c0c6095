package recognize

import (
	"encoding/binary"
	"fmt"
	"math"

	"gocv.io/x/gocv"
)

// Entry is one known identity: a person and their face embedding.
type Entry struct {
	ID      string
	Name    string
	Feature gocv.Mat // 1xN CV_32F row vector
}

// Gallery is the set of known embeddings a session matches against. It is
// immutable once built: a reload produces a whole new Gallery, and sessions
// keep the one they started with, so registration of new people takes effect
// only for sessions started afterwards.
type Gallery struct {
	entries []Entry
}

// NewGallery builds a gallery from entries. The gallery takes ownership of
// the entry feature Mats.
func NewGallery(entries []Entry) *Gallery {
	return &Gallery{entries: entries}
}

// Entries returns the identities for matching. Callers must not mutate the
// features.
func (g *Gallery) Entries() []Entry {
	return g.entries
}

// Len returns the number of known identities.
func (g *Gallery) Len() int {
	return len(g.entries)
}

// Close releases the feature Mats. Only the owner of the gallery (the session
// that loaded it) may call this, and only after its loop has exited.
func (g *Gallery) Close() {
	for i := range g.entries {
		g.entries[i].Feature.Close()
	}
	g.entries = nil
}

// FeatureFromBytes rebuilds a feature row vector from its stored form.
func FeatureFromBytes(data []byte) (gocv.Mat, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return gocv.NewMat(), fmt.Errorf("invalid feature blob: %d bytes", len(data))
	}

	n := len(data) / 4
	mat := gocv.NewMatWithSize(1, n, gocv.MatTypeCV32F)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		mat.SetFloatAt(0, i, math.Float32frombits(bits))
	}
	return mat, nil
}

// FeatureBytes encodes a feature row vector for storage as a little-endian
// float32 blob.
func FeatureBytes(feature gocv.Mat) []byte {
	n := feature.Cols()
	data := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(feature.GetFloatAt(0, i)))
	}
	return data
}
