package session

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/ayusman/darshan/internal/capture"
	"github.com/ayusman/darshan/internal/recognize"
)

var (
	overlayKnown   = color.RGBA{G: 255, A: 255}
	overlayUnknown = color.RGBA{R: 255, A: 255}
)

// annotateJPEG burns detection boxes and name labels into the frame and
// returns it encoded as JPEG. The frame Mat is drawn on in place; callers
// hand frames over after publishing, so nothing downstream sees the overlay.
func annotateJPEG(frame *capture.Frame, observations []recognize.Observation) ([]byte, error) {
	for _, obs := range observations {
		clr := overlayUnknown
		label := "Unknown"
		if obs.Recognized {
			clr = overlayKnown
			label = fmt.Sprintf("%s (%.2f)", obs.PersonName, obs.MatchScore)
		}

		rect := image.Rect(obs.Box[0], obs.Box[1], obs.Box[2], obs.Box[3])
		gocv.Rectangle(&frame.Mat, rect, clr, 2)

		labelAt := image.Pt(rect.Min.X, rect.Min.Y-8)
		if labelAt.Y < 12 {
			labelAt.Y = rect.Max.Y + 16
		}
		gocv.PutText(&frame.Mat, label, labelAt, gocv.FontHersheySimplex, 0.6, clr, 2)
	}

	buf, err := gocv.IMEncode(".jpg", frame.Mat)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	jpeg := make([]byte, buf.Len())
	copy(jpeg, buf.GetBytes())
	return jpeg, nil
}
