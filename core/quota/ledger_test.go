package quota

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRoundTrip(t *testing.T) {
	l, err := OpenLedger(filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Record("/place/volumes/1/native", 100042, 1<<20, 1000))

	id, ok := l.Lookup("/place/volumes/1/native")
	require.True(t, ok)
	assert.Equal(t, uint32(100042), id)

	paths, err := l.Paths()
	require.NoError(t, err)
	assert.Contains(t, paths, "/place/volumes/1/native")

	require.NoError(t, l.Forget("/place/volumes/1/native"))
	_, ok = l.Lookup("/place/volumes/1/native")
	assert.False(t, ok)
}

func TestLedgerLookupMiss(t *testing.T) {
	l, err := OpenLedger(filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	defer l.Close()

	_, ok := l.Lookup("/nowhere")
	assert.False(t, ok)
}
