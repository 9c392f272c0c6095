package store

import (
	"database/sql"
	"encoding/json"
	"errors"
)

// Camera source selection values persisted in settings.
const (
	CameraSourceDefault = "default"
	CameraSourceDevice  = "device"
	CameraSourceRTSP    = "rtsp"
)

// cameraSettingsKey is the settings-table key for the camera configuration.
const cameraSettingsKey = "camera"

// CameraSettings is the operator-configured capture source, read by the core
// at session start.
type CameraSettings struct {
	Source   string `json:"source"`
	DeviceID int    `json:"device_id"`
	RTSPURL  string `json:"rtsp_url"`
}

// DefaultCameraSettings returns the out-of-the-box configuration: browser
// frames pushed over the control channel.
func DefaultCameraSettings() CameraSettings {
	return CameraSettings{Source: CameraSourceDefault}
}

// SettingsRepository provides key-value settings storage.
type SettingsRepository struct {
	db *sql.DB
}

// Settings returns the settings repository for this store.
func (s *Store) Settings() *SettingsRepository {
	return &SettingsRepository{db: s.db}
}

// Get retrieves a raw setting value by key.
func (r *SettingsRepository) Get(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}

// Set stores a raw setting value, replacing any existing one.
func (r *SettingsRepository) Set(key, value string) error {
	_, err := r.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// CameraSettings loads the configured camera source, falling back to the
// default when none was saved yet.
func (r *SettingsRepository) CameraSettings() (CameraSettings, error) {
	raw, err := r.Get(cameraSettingsKey)
	if errors.Is(err, ErrNotFound) {
		return DefaultCameraSettings(), nil
	}
	if err != nil {
		return CameraSettings{}, err
	}

	var cs CameraSettings
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return CameraSettings{}, err
	}
	return cs, nil
}

// SaveCameraSettings persists the camera source configuration.
func (r *SettingsRepository) SaveCameraSettings(cs CameraSettings) error {
	raw, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return r.Set(cameraSettingsKey, string(raw))
}
