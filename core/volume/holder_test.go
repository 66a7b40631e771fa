//go:build linux

package volume

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlace(t *testing.T) *Place {
	root := t.TempDir()
	p := &Place{Root: root, VolumesDir: "volumes", LayersDir: "layers"}
	require.NoError(t, CheckPlace(p))
	return p
}

func newFakeVolume(t *testing.T, place *Place, id string, backend BackendType, guarantee uint64) *Volume {
	v := NewVolume(id, nil, nil)
	v.Place = place
	v.Backend = backend
	v.StoragePath = filepath.Join(place.VolumesPath(), id)
	require.NoError(t, os.MkdirAll(v.StoragePath, 0755))
	v.SpaceGuarantee = guarantee
	return v
}

func TestRegisterConflictThenUnregisterSucceeds(t *testing.T) {
	h := NewVolumeHolder(nil, QuotaConfig{Enabled: true}, nil, nil)
	place := newTestPlace(t)
	v1 := newFakeVolume(t, place, "1", BackendPlain, 0)
	v1.Path = "/vol/a"
	require.NoError(t, h.Register(v1))

	v2 := newFakeVolume(t, place, "2", BackendPlain, 0)
	v2.Path = "/vol/a"
	err := h.Register(v2)
	assert.Error(t, err)

	h.Unregister(v1)
	assert.NoError(t, h.Register(v2))
}

func TestCheckGuaranteeRejectsAbsurdlyLargeRequest(t *testing.T) {
	h := NewVolumeHolder(nil, QuotaConfig{Enabled: true}, nil, nil)
	place := newTestPlace(t)
	v := newFakeVolume(t, place, "1", BackendNative, 0)

	err := h.CheckGuarantee(v, math.MaxUint64/2, 0)
	assert.Error(t, err)
}

func TestCheckGuaranteeAcceptsModestRequest(t *testing.T) {
	h := NewVolumeHolder(nil, QuotaConfig{Enabled: true}, nil, nil)
	place := newTestPlace(t)
	v := newFakeVolume(t, place, "1", BackendNative, 0)

	err := h.CheckGuarantee(v, 1024, 0)
	assert.NoError(t, err)
}

func TestCheckGuaranteeAccountsForOtherVolumesOnSameDevice(t *testing.T) {
	h := NewVolumeHolder(nil, QuotaConfig{Enabled: true}, nil, nil)
	place := newTestPlace(t)

	other := newFakeVolume(t, place, "1", BackendNative, math.MaxUint64/2)
	other.Path = "/vol/other"
	require.NoError(t, h.Register(other))

	v := newFakeVolume(t, place, "2", BackendNative, 0)
	err := h.CheckGuarantee(v, 1024, 0)
	assert.Error(t, err, "other volume's huge guarantee should exhaust the device")
}

func TestCheckGuaranteeSkipsRBDAndPlainSiblings(t *testing.T) {
	h := NewVolumeHolder(nil, QuotaConfig{Enabled: true}, nil, nil)
	place := newTestPlace(t)

	other := newFakeVolume(t, place, "1", BackendRBD, math.MaxUint64/2)
	other.Path = "/vol/other"
	require.NoError(t, h.Register(other))

	plain := newFakeVolume(t, place, "3", BackendPlain, math.MaxUint64/2)
	plain.Path = "/vol/plain"
	require.NoError(t, h.Register(plain))

	v := newFakeVolume(t, place, "2", BackendNative, 0)
	assert.NoError(t, h.CheckGuarantee(v, 1024, 0), "rbd and plain siblings are excluded from accounting")
}

func TestCreateAssignsHolderDefaultPlace(t *testing.T) {
	place := newTestPlace(t)
	h := NewVolumeHolder(nil, QuotaConfig{Enabled: true}, nil, place)

	v1 := h.Create()
	assert.Same(t, place, v1.Place)

	v2 := h.Create()
	assert.Equal(t, "2", v2.ID, "ids increment across calls")
}
