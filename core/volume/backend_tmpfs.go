//go:build linux

package volume

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
)

// tmpfsBackend mounts a size-limited tmpfs at the volume path. It requires a space_limit and an auto-managed storage
// directory (tmpfs has no backing directory of its own to point storage
// at).
type tmpfsBackend struct{ baseBackend }

func (b *tmpfsBackend) Configure(v *Volume) error {
	if v.SpaceLimit == 0 {
		return porterr.InvalidValue("tmpfs backend requires space_limit")
	}
	if !v.IsAutoStorage {
		return porterr.InvalidValue("tmpfs backend does not accept a storage override")
	}
	return nil
}

func (b *tmpfsBackend) tmpfsOptions(v *Volume) string {
	return fmt.Sprintf("size=%d,uid=%d,gid=%d,mode=%o", v.SpaceLimit, v.OwnerUID, v.OwnerGID, v.Perms)
}

func (b *tmpfsBackend) Build(ctx context.Context, v *Volume) error {
	return pathops.Mount("porto_tmpfs", v.Path, "tmpfs", 0, b.tmpfsOptions(v))
}

func (b *tmpfsBackend) Destroy(ctx context.Context, v *Volume) error {
	return pathops.UnmountAll(v.Path, unix.MNT_DETACH)
}

func (b *tmpfsBackend) Resize(ctx context.Context, v *Volume, spaceLimit, inodeLimit uint64) error {
	opts := fmt.Sprintf("size=%d,uid=%d,gid=%d,mode=%o", spaceLimit, v.OwnerUID, v.OwnerGID, v.Perms)
	return pathops.Mount("porto_tmpfs", v.Path, "tmpfs", unix.MS_REMOUNT, opts)
}
