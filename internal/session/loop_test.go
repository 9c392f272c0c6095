package session

import (
	"testing"
	"time"

	"github.com/ayusman/darshan/internal/capture"
	"github.com/ayusman/darshan/internal/hub"
	"github.com/ayusman/darshan/internal/recognize"
)

func TestLoop_PublishesObservations(t *testing.T) {
	rec := recognize.NewMockRecognizer()
	rec.SetObservations([]recognize.Observation{
		{
			Box:        [4]int{10, 20, 110, 120},
			Confidence: 0.97,
			Recognized: true,
			PersonID:   "alice",
			PersonName: "Alice",
			MatchScore: 0.8,
		},
		{
			Box:        [4]int{200, 20, 300, 120},
			Confidence: 0.93,
		},
	})

	m, h := testManager(t, rec, openMock(t))

	sess, err := m.Start("conn-1", capture.DeviceSource{Index: 0})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop("conn-1", true)

	dash := h.Subscribe(sess.PipelineID(), hub.Dashboard)
	defer h.Unsubscribe(dash)
	welcome := h.Subscribe(hub.AllPipelines, hub.WelcomeDisplay)
	defer h.Unsubscribe(welcome)

	// Dashboard sees the raw per-frame result, two faces, matched and not.
	select {
	case ev := <-dash.Events():
		det, ok := ev.(hub.DetectionEvent)
		if !ok {
			t.Fatalf("dashboard event type = %T, want DetectionEvent", ev)
		}
		if len(det.Faces) != 2 {
			t.Fatalf("faces = %d, want 2", len(det.Faces))
		}
		if !det.Faces[0].Recognized || det.Faces[0].PersonID != "alice" {
			t.Errorf("first face = %+v, want recognized alice", det.Faces[0])
		}
		if det.Faces[1].Recognized {
			t.Errorf("second face = %+v, want unrecognized", det.Faces[1])
		}
		if det.FrameSize.Width != capture.DefaultWidth || det.FrameSize.Height != capture.DefaultHeight {
			t.Errorf("frame size = %+v, want %dx%d", det.FrameSize, capture.DefaultWidth, capture.DefaultHeight)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no detection event published")
	}

	// Welcome display sees the recognition with the novelty flag.
	select {
	case ev := <-welcome.Events():
		rec, ok := ev.(hub.RecognitionEvent)
		if !ok {
			t.Fatalf("welcome event type = %T, want RecognitionEvent", ev)
		}
		if rec.Type != hub.TypeRecognition {
			t.Errorf("type = %q, want %q", rec.Type, hub.TypeRecognition)
		}
		if u := rec.User(); u == nil || u.PersonID != "alice" || !u.IsNew {
			t.Errorf("user = %+v, want new alice", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no recognition event published")
	}

	if sess.LastFrame().IsZero() {
		t.Error("LastFrame() still zero after publishing")
	}
}

func TestLoop_StopWithinThrottleInterval(t *testing.T) {
	m, _ := testManager(t, recognize.NewMockRecognizer(), openMock(t))

	if _, err := m.Start("conn-1", capture.DeviceSource{Index: 0}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.Stop("conn-1", true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not take effect within the grace period")
	}
}
