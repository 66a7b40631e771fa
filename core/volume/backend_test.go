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

func TestQuotaBackendConfigureRejectsAutoPath(t *testing.T) {
	v := NewVolume("1", nil, nil)
	v.IsAutoPath = true
	v.SpaceLimit = 1 << 20
	b := &quotaBackend{}
	assert.Error(t, b.Configure(v))
}

func TestQuotaBackendConfigureRejectsLayers(t *testing.T) {
	v := NewVolume("1", nil, nil)
	v.SpaceLimit = 1 << 20
	v.Layers = []string{"base"}
	b := &quotaBackend{}
	assert.Error(t, b.Configure(v))
}

func TestQuotaBackendConfigureRejectsNoSpaceLimit(t *testing.T) {
	v := NewVolume("1", nil, nil)
	b := &quotaBackend{}
	assert.Error(t, b.Configure(v))
}

func TestQuotaBackendConfigureAcceptsValidVolume(t *testing.T) {
	v := NewVolume("1", nil, nil)
	v.SpaceLimit = 1 << 20
	b := &quotaBackend{}
	assert.NoError(t, b.Configure(v))
}

func TestNativeBackendConfigureRejectsQuotaWhenDisabled(t *testing.T) {
	v := NewVolume("1", nil, fakeQuotaProvider{enabled: false})
	v.SpaceLimit = 1 << 20
	b := &nativeBackend{}
	assert.Error(t, b.Configure(v))
}

func TestNativeBackendConfigureAllowsNoQuota(t *testing.T) {
	v := NewVolume("1", nil, fakeQuotaProvider{enabled: false})
	b := &nativeBackend{}
	assert.NoError(t, b.Configure(v))
}

func TestPlainBackendConfigureRejectsQuota(t *testing.T) {
	v := NewVolume("1", nil, nil)
	v.SpaceLimit = 1 << 20
	b := &plainBackend{}
	assert.Error(t, b.Configure(v))
}

func TestTmpfsBackendConfigureRequiresSpaceLimitAndAutoStorage(t *testing.T) {
	v := NewVolume("1", nil, nil)
	b := &tmpfsBackend{}
	assert.Error(t, b.Configure(v), "tmpfs requires a space_limit")

	v.SpaceLimit = 1 << 20
	v.IsAutoStorage = false
	assert.Error(t, b.Configure(v), "tmpfs rejects a storage override")

	v.IsAutoStorage = true
	assert.NoError(t, b.Configure(v))
}

func TestTmpfsBackendBuildAndDestroy(t *testing.T) {
	place := newTestPlace(t)
	v := newBuildableVolume(t, place, "1")
	v.SpaceLimit = 16 << 20

	req := ConfigureRequest{
		Properties:  map[string]string{"backend": "tmpfs"},
		CreatorCred: Credential{UID: os.Getuid(), GID: os.Getgid()},
	}
	require.NoError(t, v.Configure(context.Background(), req, noopGuarantees{}))
	require.NoError(t, v.Build(context.Background()))
	assert.DirExists(t, v.Path)

	require.NoError(t, v.Destroy(context.Background()))
}

func TestLoopBackendResizeUnsupported(t *testing.T) {
	v := NewVolume("1", nil, nil)
	b := &loopBackend{}
	err := b.Resize(context.Background(), v, 1<<20, 0)
	assert.Error(t, err)
}

func TestRBDBackendResizeUnsupported(t *testing.T) {
	v := NewVolume("1", nil, nil)
	b := &rbdBackend{}
	err := b.Resize(context.Background(), v, 1<<20, 0)
	assert.Error(t, err)
}

func TestParseRBDSpecValidAndInvalid(t *testing.T) {
	spec, err := parseRBDSpec("admin@rbd/myimage")
	require.NoError(t, err)
	assert.Equal(t, "admin", spec.ClientID)
	assert.Equal(t, "rbd", spec.Pool)
	assert.Equal(t, "myimage", spec.Image)

	_, err = parseRBDSpec("garbage")
	assert.Error(t, err)
}

func TestRBDBackendConfigureRejectsAutoStorage(t *testing.T) {
	v := NewVolume("1", nil, nil)
	v.Storage = "admin@rbd/myimage"
	v.IsAutoStorage = true
	b := &rbdBackend{}
	assert.Error(t, b.Configure(v))
}

func TestOverlaySupportedCachesProbeResult(t *testing.T) {
	first := OverlaySupported()
	second := OverlaySupported()
	assert.Equal(t, first, second)
}

func TestOverlayBackendConfigureGatesOnKernelSupport(t *testing.T) {
	b := &overlayBackend{}
	v := NewVolume("1", nil, nil)
	err := b.Configure(v)
	if OverlaySupported() {
		assert.NoError(t, err)
	} else {
		assert.Error(t, err)
	}
}

func TestOverlayBackendResolveLayerRejectsEscapingAbsolutePath(t *testing.T) {
	place := newTestPlace(t)
	v := NewVolume("1", nil, nil)
	v.Place = place
	v.CreatorRoot = filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.MkdirAll(v.CreatorRoot, 0755))

	b := &overlayBackend{}
	_, err := b.resolveLayer(v, "/etc/passwd")
	assert.Error(t, err)
}

func TestOverlayBackendResolveLayerAcceptsNamedLayer(t *testing.T) {
	place := newTestPlace(t)
	layerDir := filepath.Join(place.LayersPath(), "mylayer")
	require.NoError(t, os.MkdirAll(layerDir, 0755))

	v := NewVolume("1", nil, nil)
	v.Place = place

	b := &overlayBackend{}
	resolved, err := b.resolveLayer(v, "mylayer")
	require.NoError(t, err)
	assert.Equal(t, layerDir, resolved)
}

func TestOverlayBackendResolveLayerRejectsUnknownNamedLayer(t *testing.T) {
	place := newTestPlace(t)
	v := NewVolume("1", nil, nil)
	v.Place = place

	b := &overlayBackend{}
	_, err := b.resolveLayer(v, "missing")
	assert.Error(t, err)
}
