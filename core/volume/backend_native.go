//go:build linux

package volume

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
)

// nativeBackend combines a project quota on the storage directory with a
// bind-mount onto the volume path.
type nativeBackend struct{ baseBackend }

func (b *nativeBackend) Configure(v *Volume) error {
	if v.HaveQuota() && !v.quotaFeatureEnabled() {
		return porterr.NotSupported("native backend: project quota support is disabled")
	}
	return nil
}

func (b *nativeBackend) Build(ctx context.Context, v *Volume) error {
	if v.HaveQuota() {
		driver, err := v.quotaDriverFor(v.StoragePath)
		if err != nil {
			return err
		}
		if err := driver.Create(v.StoragePath, v.SpaceLimit, v.InodeLimit); err != nil {
			return err
		}
	}
	if err := pathops.MkdirOwned(v.StoragePath, v.Perms, v.OwnerUID, v.OwnerGID); err != nil {
		return err
	}
	return pathops.BindMount(v.StoragePath, v.Path, true, v.IsReadOnly, 0)
}

func (b *nativeBackend) Destroy(ctx context.Context, v *Volume) error {
	err := pathops.UnmountAll(v.Path, unix.MNT_DETACH)
	if v.HaveQuota() {
		if driver, derr := v.quotaDriverFor(v.StoragePath); derr == nil {
			if qerr := driver.Destroy(v.StoragePath); qerr != nil && err == nil {
				err = qerr
			}
		}
	}
	return err
}

// Resize creates the quota if the volume was built without one and one is
// now requested, or adjusts the existing quota otherwise. Driver.Create
// is idempotent over the underlying project id, so both cases share one
// code path.
func (b *nativeBackend) Resize(ctx context.Context, v *Volume, spaceLimit, inodeLimit uint64) error {
	driver, err := v.quotaDriverFor(v.StoragePath)
	if err != nil {
		return err
	}
	return driver.Resize(v.StoragePath, spaceLimit, inodeLimit)
}

func (b *nativeBackend) StatFS(v *Volume) (pathops.StatFS, error) {
	return pathops.Statfs(v.StoragePath)
}
