//go:build linux

package volume

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct{ known map[string]bool }

func (f fakeResolver) Resolve(name string) bool { return f.known[name] }

func newRecoveryFixture(t *testing.T) (*Recovery, *Place, KVStore) {
	place := newTestPlace(t)
	kv, err := NewDirKVStore(t.TempDir())
	require.NoError(t, err)
	holder := NewVolumeHolder(kv, QuotaConfig{Enabled: true}, nil, place)
	r := &Recovery{Holder: holder, Place: place, KV: kv}
	return r, place, kv
}

func saveReadyRecord(t *testing.T, kv KVStore, place *Place, id, path string, containers []string) {
	storage := filepath.Join(place.VolumesPath(), id)
	require.NoError(t, os.MkdirAll(storage, 0755))
	require.NoError(t, os.MkdirAll(path, 0755))

	rec := &Record{
		ID:          id,
		Path:        path,
		AutoPath:    true,
		Storage:     storage,
		AutoStorage: true,
		Backend:     string(BackendPlain),
		Ready:       true,
		Containers:  JoinEscaped(containers),
		LoopDev:     -1,
	}
	data, err := rec.Encode()
	require.NoError(t, err)
	require.NoError(t, kv.Save(id, data))
}

func TestRecoveryRestoresReadyVolumes(t *testing.T) {
	r, place, kv := newRecoveryFixture(t)
	path := filepath.Join(t.TempDir(), "vol")
	saveReadyRecord(t, kv, place, "5", path, nil)

	require.NoError(t, r.Run(context.Background()))

	v, ok := r.Holder.Find(path)
	require.True(t, ok)
	assert.Equal(t, "5", v.ID)
	assert.True(t, v.IsReady)
}

func TestRecoveryDropsUnreadyRecords(t *testing.T) {
	r, place, kv := newRecoveryFixture(t)
	storage := filepath.Join(place.VolumesPath(), "6")
	require.NoError(t, os.MkdirAll(storage, 0755))
	rec := &Record{ID: "6", Path: filepath.Join(t.TempDir(), "vol"), Backend: string(BackendPlain), Ready: false}
	data, err := rec.Encode()
	require.NoError(t, err)
	require.NoError(t, kv.Save("6", data))

	require.NoError(t, r.Run(context.Background()))

	_, err = kv.Load("6")
	assert.Error(t, err, "an unready record must be dropped, never replayed")
}

func TestRecoveryDropsUndecodableRecords(t *testing.T) {
	r, _, kv := newRecoveryFixture(t)
	require.NoError(t, kv.Save("7", []byte("not valid toml {{{")))

	require.NoError(t, r.Run(context.Background()))

	_, err := kv.Load("7")
	assert.Error(t, err)
}

func TestRecoveryUnlinksStaleContainersAndDestroysAbandonedVolume(t *testing.T) {
	r, place, kv := newRecoveryFixture(t)
	path := filepath.Join(t.TempDir(), "vol")
	saveReadyRecord(t, kv, place, "8", path, []string{"gone-container"})
	r.Resolver = fakeResolver{known: map[string]bool{}}

	require.NoError(t, r.Run(context.Background()))

	_, ok := r.Holder.Find(path)
	assert.False(t, ok, "a volume whose only container no longer exists must be destroyed during recovery")
	_, err := kv.Load("8")
	assert.Error(t, err)
}

func TestRecoveryKeepsVolumeWithLiveContainer(t *testing.T) {
	r, place, kv := newRecoveryFixture(t)
	path := filepath.Join(t.TempDir(), "vol")
	saveReadyRecord(t, kv, place, "9", path, []string{"live-container"})
	r.Resolver = fakeResolver{known: map[string]bool{"live-container": true}}

	require.NoError(t, r.Run(context.Background()))

	v, ok := r.Holder.Find(path)
	require.True(t, ok)
	assert.Equal(t, []string{"live-container"}, v.Containers)
}

func TestRecoverySweepsOrphanedVolumeDirectories(t *testing.T) {
	r, place, _ := newRecoveryFixture(t)
	orphan := filepath.Join(place.VolumesPath(), "orphan-id")
	require.NoError(t, os.MkdirAll(orphan, 0755))

	require.NoError(t, r.Run(context.Background()))

	assert.NoDirExists(t, orphan)
}

func TestRecoveryAdvancesNextIDPastRestoredVolumes(t *testing.T) {
	r, place, kv := newRecoveryFixture(t)
	path := filepath.Join(t.TempDir(), "vol")
	saveReadyRecord(t, kv, place, "42", path, nil)

	require.NoError(t, r.Run(context.Background()))

	next := r.Holder.Create()
	assert.Equal(t, "43", next.ID)
}
