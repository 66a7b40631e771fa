package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	r := &Record{
		ID:             "7",
		Path:           "/place/volumes/7/volume",
		Backend:        "native",
		Ready:          true,
		Containers:     JoinEscaped([]string{"ct1", "ct2"}),
		Layers:         JoinEscaped([]string{"ubuntu", "app"}),
		SpaceLimit:     1 << 30,
		SpaceGuarantee: 1 << 20,
	}

	data, err := r.Encode()
	require.NoError(t, err)

	out, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, r.ID, out.ID)
	assert.Equal(t, r.Path, out.Path)
	assert.Equal(t, r.Backend, out.Backend)
	assert.True(t, out.Ready)
	assert.Equal(t, []string{"ct1", "ct2"}, SplitEscaped(out.Containers))
	assert.Equal(t, []string{"ubuntu", "app"}, SplitEscaped(out.Layers))
	assert.Equal(t, r.SpaceLimit, out.SpaceLimit)
}

func TestJoinSplitEscapedHandlesSpecialChars(t *testing.T) {
	in := []string{"a;b", `c\d`, "plain"}
	joined := JoinEscaped(in)
	assert.Equal(t, in, SplitEscaped(joined))
}

func TestSplitEscapedEmpty(t *testing.T) {
	assert.Nil(t, SplitEscaped(""))
}

func TestDirKVStoreLifecycle(t *testing.T) {
	store, err := NewDirKVStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("1", []byte("hello")))
	data, err := store.Load("1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids)

	require.NoError(t, store.Delete("1"))
	require.NoError(t, store.Delete("1"), "delete is idempotent")

	_, err = store.Load("1")
	assert.Error(t, err)
}

func TestMemKVStoreLifecycle(t *testing.T) {
	store := NewMemKVStore()
	require.NoError(t, store.Save("a", []byte("x")))
	data, err := store.Load("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)

	_, err = store.Load("missing")
	assert.Error(t, err)
}
