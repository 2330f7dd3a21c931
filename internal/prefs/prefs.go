// Package prefs implements the User Preferences record (spec §4.9): a
// small JSON-shaped default-device preference persisted under the
// user-local data directory. Load is tolerant of a missing or malformed
// file (falls back to zero-value defaults); Save is best-effort and never
// surfaces failures to the scan path.
package prefs

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/logging"
)

// Preferences is the persisted record (spec §4.9).
type Preferences struct {
	DefaultDeviceID string `json:"defaultDeviceId,omitempty"`
	DefaultBackend  string `json:"defaultBackend,omitempty"`
}

// Store loads and saves Preferences under a fixed path.
type Store struct {
	path string
	log  *logrus.Entry
}

// NewStore constructs a Store rooted at dataDir/user-settings.json (spec
// §6, "Persisted state layout").
func NewStore(dataDir string) *Store {
	return &Store{
		path: filepath.Join(dataDir, "user-settings.json"),
		log:  logging.For("prefs"),
	}
}

// Load returns the persisted preferences, or zero-value defaults if the
// file is missing or malformed — never an error (spec §4.9).
func (s *Store) Load() Preferences {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Preferences{}
	}
	var p Preferences
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.WithError(err).Warn("malformed user-settings.json, using defaults")
		return Preferences{}
	}
	return p
}

// Save persists p best-effort; failures are logged, never returned, so a
// preferences write can never interrupt the scan path (spec §4.9).
func (s *Store) Save(p Preferences) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		s.log.WithError(err).Warn("failed to encode preferences")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		s.log.WithError(err).Warn("failed to create preferences directory")
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		s.log.WithError(err).Warn("failed to save preferences")
	}
}
