package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Place, cfg.Place)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "porto.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
place = "/var/lib/porto/volumes"
default_volume_space = "10GiB"
quota_enabled = false
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/porto/volumes", cfg.Place)
	assert.False(t, cfg.QuotaEnabled)
	assert.Equal(t, uint64(10*1024*1024*1024), cfg.DefaultVolumeSpaceBytes)
	assert.Equal(t, Default().VolumesDir, cfg.VolumesDir, "unset fields keep their default")
}

func TestValidateRejectsMissingPlace(t *testing.T) {
	cfg := Default()
	cfg.Place = ""
	assert.Error(t, cfg.Validate())
}
