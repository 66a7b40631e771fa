//go:build linux

package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPlaceCreatesLayout(t *testing.T) {
	root := t.TempDir()
	p := &Place{Root: root, VolumesDir: "volumes", LayersDir: "layers"}

	require.NoError(t, CheckPlace(p))

	assert.DirExists(t, p.VolumesPath())
	assert.DirExists(t, p.LayersPath())
	assert.DirExists(t, p.TmpLayersPath())
}

func TestCheckPlaceIdempotent(t *testing.T) {
	root := t.TempDir()
	p := &Place{Root: root, VolumesDir: "volumes", LayersDir: "layers"}

	require.NoError(t, CheckPlace(p))
	require.NoError(t, CheckPlace(p), "re-running against an already-prepared place must not fail")
}

func TestCheckPlaceUnknownGroupFails(t *testing.T) {
	root := t.TempDir()
	p := &Place{Root: root, VolumesDir: "volumes", LayersDir: "layers", OwnerGroup: "no-such-group-xyz"}

	err := CheckPlace(p)
	assert.Error(t, err)
}

func TestTmpLayersPathUnderLayersDir(t *testing.T) {
	p := &Place{Root: "/place", VolumesDir: "volumes", LayersDir: "layers"}
	assert.Equal(t, filepath.Join("/place", "layers", "_tmp_"), p.TmpLayersPath())
	assert.Equal(t, filepath.Join("/place", "volumes"), p.VolumesPath())
}

func TestCheckPlacePreservesExistingTmpContents(t *testing.T) {
	root := t.TempDir()
	p := &Place{Root: root, VolumesDir: "volumes", LayersDir: "layers"}
	require.NoError(t, CheckPlace(p))

	marker := filepath.Join(p.TmpLayersPath(), "leftover")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0644))

	require.NoError(t, CheckPlace(p))
	assert.FileExists(t, marker)
}
