//go:build linux

package volume

import (
	"context"

	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
)

// BackendType names one of the seven volume materialization strategies.
type BackendType string

const (
	BackendPlain   BackendType = "plain"
	BackendTmpfs   BackendType = "tmpfs"
	BackendQuota   BackendType = "quota"
	BackendNative  BackendType = "native"
	BackendLoop    BackendType = "loop"
	BackendOverlay BackendType = "overlay"
	BackendRBD     BackendType = "rbd"
)

// Backend is the tagged-variant contract every strategy implements. Each
// concrete backend is a stateless value; every method receives the Volume
// it acts on. Embedding baseBackend supplies sensible defaults so a
// backend need only override what makes it different.
type Backend interface {
	// Configure validates the resolved Volume beyond what Volume.Configure
	// already checked, rejecting combinations this backend cannot serve.
	Configure(v *Volume) error
	// Build materializes the backend. v.Path, v.StoragePath and v's
	// internal work directory already exist on entry.
	Build(ctx context.Context, v *Volume) error
	// Clear empties the user-visible contents of the volume.
	Clear(ctx context.Context, v *Volume) error
	// Destroy reverses Build. Must be idempotent and safe on a
	// partially-built volume.
	Destroy(ctx context.Context, v *Volume) error
	// Resize changes space/inode limits in place.
	Resize(ctx context.Context, v *Volume, spaceLimit, inodeLimit uint64) error
	// StatFS reports space/inode usage and availability for the volume.
	StatFS(v *Volume) (pathops.StatFS, error)
	// Save returns backend-private fields to fold into the volume record
	// (e.g. the loop device index).
	Save(v *Volume) map[string]string
	// Restore re-applies backend-private fields loaded from a record.
	Restore(v *Volume, fields map[string]string) error
}

// baseBackend implements the default for every Backend method except
// Build and Destroy, which each concrete backend supplies itself.
type baseBackend struct{}

func (baseBackend) Configure(v *Volume) error { return nil }

func (baseBackend) Clear(ctx context.Context, v *Volume) error {
	return pathops.ClearDir(v.Path)
}

func (baseBackend) Resize(ctx context.Context, v *Volume, spaceLimit, inodeLimit uint64) error {
	return porterr.NotSupported("backend %s does not support resize", v.Backend)
}

func (baseBackend) Save(v *Volume) map[string]string { return nil }

func (baseBackend) Restore(v *Volume, fields map[string]string) error { return nil }

func (baseBackend) StatFS(v *Volume) (pathops.StatFS, error) {
	return pathops.Statfs(v.Path)
}

// NewBackend constructs the Backend value for t.
func NewBackend(t BackendType) (Backend, error) {
	switch t {
	case BackendPlain:
		return &plainBackend{}, nil
	case BackendTmpfs:
		return &tmpfsBackend{}, nil
	case BackendQuota:
		return &quotaBackend{}, nil
	case BackendNative:
		return &nativeBackend{}, nil
	case BackendLoop:
		return &loopBackend{}, nil
	case BackendOverlay:
		return &overlayBackend{}, nil
	case BackendRBD:
		return &rbdBackend{}, nil
	default:
		return nil, porterr.InvalidValue("unknown volume backend %q", t)
	}
}
