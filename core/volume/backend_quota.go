//go:build linux

package volume

import (
	"context"

	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
)

// quotaBackend applies a project quota directly to the volume path with no
// mount at all. It requires a caller-supplied path (not
// auto-assigned), a space_limit, no layers, no storage override, and a
// read-write volume.
type quotaBackend struct{ baseBackend }

func (b *quotaBackend) Configure(v *Volume) error {
	if v.IsAutoPath {
		return porterr.InvalidValue("quota backend requires an explicit path")
	}
	if v.SpaceLimit == 0 {
		return porterr.InvalidValue("quota backend requires space_limit")
	}
	if len(v.Layers) > 0 {
		return porterr.InvalidValue("quota backend does not support layers")
	}
	if !v.IsAutoStorage {
		return porterr.InvalidValue("quota backend does not accept a storage override")
	}
	if v.IsReadOnly {
		return porterr.InvalidValue("quota backend does not support read_only")
	}
	return nil
}

func (b *quotaBackend) Build(ctx context.Context, v *Volume) error {
	driver, err := v.quotaDriverFor(v.Path)
	if err != nil {
		return err
	}
	return driver.Create(v.Path, v.SpaceLimit, v.InodeLimit)
}

func (b *quotaBackend) Destroy(ctx context.Context, v *Volume) error {
	driver, err := v.quotaDriverFor(v.Path)
	if err != nil {
		return err
	}
	return driver.Destroy(v.Path)
}

func (b *quotaBackend) Resize(ctx context.Context, v *Volume, spaceLimit, inodeLimit uint64) error {
	driver, err := v.quotaDriverFor(v.Path)
	if err != nil {
		return err
	}
	return driver.Resize(v.Path, spaceLimit, inodeLimit)
}

func (b *quotaBackend) StatFS(v *Volume) (pathops.StatFS, error) {
	return pathops.Statfs(v.Path)
}
