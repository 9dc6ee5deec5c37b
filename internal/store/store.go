package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/registry"
)

// Settings maps device id to that driver's persisted settings.
type Settings map[string]map[string]any

type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the settings file. A missing file yields empty settings.
func (s *Store) Load() (Settings, error) {
	file, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var settings Settings
	if err := json.NewDecoder(file).Decode(&settings); err != nil {
		return nil, err
	}
	if settings == nil {
		settings = Settings{}
	}
	return settings, nil
}

// Save writes settings atomically through a temp file and rename.
func (s *Store) Save(settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmpPath := s.path + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(settings); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := syncFile(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}

	return os.Rename(tmpPath, s.path)
}

// syncFile is swapped in tests.
var syncFile = (*os.File).Sync

// Snapshot collects settings from every registered driver that has any.
func Snapshot(reg *registry.Registry) Settings {
	out := Settings{}
	for _, id := range reg.IDs() {
		drv, err := reg.Lookup(id)
		if err != nil {
			continue
		}
		if s, ok := drv.(device.Settings); ok {
			out[id] = s.Settings()
		}
	}
	return out
}

// Apply pushes saved settings back into registered drivers. Unknown devices
// and rejected settings are logged and skipped.
func Apply(reg *registry.Registry, settings Settings) {
	for id, values := range settings {
		drv, err := reg.Lookup(id)
		if err != nil {
			log.Warn().Str("device", id).Msg("Ignoring settings for unknown device")
			continue
		}
		s, ok := drv.(device.Settings)
		if !ok {
			continue
		}
		if err := s.ApplySettings(values); err != nil {
			log.Warn().Err(err).Str("device", id).Msg("Failed to apply saved settings")
			continue
		}
		log.Info().Str("device", id).Interface("settings", values).Msg("Applied saved settings")
	}
}
