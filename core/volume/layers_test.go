//go:build linux

package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSanitizeWhiteoutsMerging(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("top"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("hidden"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".wh.b"), nil, 0644))

	require.NoError(t, sanitizeWhiteouts(root, true))

	assert.FileExists(t, filepath.Join(root, "a"))
	assert.NoFileExists(t, filepath.Join(root, "b"))
	assert.NoFileExists(t, filepath.Join(root, ".wh.b"))
}

func TestSanitizeWhiteoutsNonMergingCreatesCharDevice(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".wh.gone"), nil, 0644))

	require.NoError(t, sanitizeWhiteouts(root, false))

	var st unix.Stat_t
	require.NoError(t, unix.Lstat(filepath.Join(root, "gone"), &st))
	assert.Equal(t, uint32(unix.S_IFCHR), st.Mode&unix.S_IFMT)
}

func TestSanitizeWhiteoutsDiscardsMetaMarkers(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".wh..wh..opq"), nil, 0644))

	require.NoError(t, sanitizeWhiteouts(root, false))

	assert.NoFileExists(t, filepath.Join(root, ".wh..wh..opq"))
}

func TestSanitizeWhiteoutsRecursesIntoDirs(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "x"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, ".wh.x"), nil, 0644))

	require.NoError(t, sanitizeWhiteouts(root, true))

	assert.NoFileExists(t, filepath.Join(sub, "x"))
}

func TestEscapeLowerdir(t *testing.T) {
	assert.Equal(t, `a\:b`, escapeLowerdir("a:b"))
	assert.Equal(t, "plain", escapeLowerdir("plain"))
}
