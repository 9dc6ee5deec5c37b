package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/drivers/ads7828"
	"github.com/soildesigngroup/cm5-maker-desk/internal/registry"
)

func TestLoadMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope.json"))
	settings, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, settings)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "settings.json")
	s := New(path)

	require.NoError(t, s.Save(Settings{"adc": {"vref": 2.5}}))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 2.5, got["adc"]["vref"])
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := New(path).Load()
	assert.Error(t, err)
}

func TestSnapshotAndApply(t *testing.T) {
	reg := registry.New()
	adc := ads7828.New(device.Spec{ID: "adc", Bus: 10, Address: 0x48}, 3.3)
	require.NoError(t, reg.Register(adc.Descriptor(), adc))

	assert.Equal(t, Settings{"adc": {"vref": 3.3}}, Snapshot(reg))

	Apply(reg, Settings{"adc": {"vref": 2.048}, "ghost": {"x": 1}})
	assert.Equal(t, 2.048, adc.Vref())

	Apply(reg, Settings{"adc": {"vref": 99.0}})
	assert.Equal(t, 2.048, adc.Vref(), "out of range settings are rejected")
}

func TestSaveSyncFailureKeepsPreviousFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := New(path)
	require.NoError(t, s.Save(Settings{"adc": {"vref": 2.5}}))

	orig := syncFile
	syncFile = func(*os.File) error { return errors.New("input/output error") }
	t.Cleanup(func() { syncFile = orig })

	err := s.Save(Settings{"adc": {"vref": 3.3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to sync")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 2.5, got["adc"]["vref"])
}
