package capture

import (
	"testing"
	"time"
)

func TestReconnectConfig_BackoffDelay(t *testing.T) {
	cfg := DefaultReconnectConfig()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := cfg.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestSourceKeys(t *testing.T) {
	tests := []struct {
		name string
		src  Source
		want string
	}{
		{"device", DeviceSource{Index: 0}, "device:0"},
		{"device nonzero", DeviceSource{Index: 2}, "device:2"},
		{"rtsp", RTSPSource{URL: "rtsp://cam.local/live"}, "rtsp:rtsp://cam.local/live"},
		{"rtsp trimmed", RTSPSource{URL: " rtsp://cam.local/live "}, "rtsp:rtsp://cam.local/live"},
		{"browser", BrowserSource{SessionID: "abc"}, "browser:abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.src.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}
