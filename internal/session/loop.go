package session

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ayusman/darshan/internal/capture"
	"github.com/ayusman/darshan/internal/hub"
)

// run is the frame processing loop for one pipeline. Each tick it pulls the
// latest frame, skips the cycle if nothing new arrived, recognizes, and
// publishes. The throttle bounds CPU under bursty arrival; backlog is never
// queued because the streams only ever hold the newest frame.
//
// Every exit path releases the camera lock and the stream, so no lock
// outlives its loop.
func (m *Manager) run(pipe *pipeline) {
	defer close(pipe.doneCh)
	defer pipe.lock.Release()
	defer pipe.stream.Close()
	defer pipe.gallery.Close()

	ticker := time.NewTicker(pipe.throttle)
	defer ticker.Stop()

	started := time.Now()
	gotFrame := false
	failures := 0

	for {
		select {
		case <-pipe.stopCh:
			return
		case <-ticker.C:
			frame, err := pipe.stream.Next()
			if err != nil {
				switch {
				case errors.Is(err, capture.ErrNoFrame):
					// Nothing new this cycle. A stream that never
					// produces a single good frame escalates.
					if !gotFrame && m.config.StartupTimeout > 0 && time.Since(started) > m.config.StartupTimeout {
						m.failPipeline(pipe, fmt.Errorf("%w: no frame within %s", capture.ErrSourceUnavailable, m.config.StartupTimeout))
						return
					}
				case errors.Is(err, capture.ErrStreamClosed):
					return
				case errors.Is(err, capture.ErrStreamUnavailable):
					m.failPipeline(pipe, err)
					return
				default:
					log.Printf("pipeline %s: read frame: %v", pipe.id, err)
				}
				continue
			}

			gotFrame = true
			observations, err := m.recognizer.DetectAndRecognize(frame, pipe.gallery)
			size := hub.FrameSize{Width: frame.Width, Height: frame.Height}
			ts := frame.Timestamp

			if err != nil {
				frame.Close()
				failures++
				log.Printf("pipeline %s: recognition failed (%d consecutive): %v", pipe.id, failures, err)
				if failures >= m.config.MaxRecognitionFailures {
					m.failPipeline(pipe, fmt.Errorf("%w: %v", ErrTooManyFailures, err))
					return
				}
				continue
			}
			failures = 0

			pipe.markFrame(ts)
			m.hub.Publish(pipe.id, observations, size, ts)

			if pipe.viewers.Load() > 0 {
				if jpeg, err := annotateJPEG(frame, observations); err == nil {
					pipe.storeSnapshot(jpeg)
				} else {
					log.Printf("pipeline %s: encode snapshot: %v", pipe.id, err)
				}
			}
			frame.Close()
		}
	}
}
