//go:build linux

package volume

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/blockspacer/porto/core/loop"
	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
)

// loopBackend builds an ext4 image file under storage and loop-mounts it
// at the volume path. Resize is unsupported: growing a pre-existing image
// requires an offline resize2fs invocation this backend does not carry,
// so it fails explicitly instead of silently accepting the old size.
type loopBackend struct{ baseBackend }

func (b *loopBackend) imagePath(v *Volume) string {
	return filepath.Join(v.StoragePath, "loop.img")
}

// makeImage creates the sparse image file, truncated to spaceLimit, with
// guarantee bytes pre-allocated via fallocate(KEEP_SIZE) so later writes up
// to the guarantee cannot ENOSPC. On fallocate failure the partially
// created image is removed.
func makeImage(path string, uid, gid int, spaceLimit, guarantee uint64) (retErr error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return porterr.Kernel("create", path, err)
	}
	defer func() {
		f.Close()
		if retErr != nil {
			os.Remove(path)
		}
	}()

	if err := f.Chown(uid, gid); err != nil {
		return porterr.Kernel("fchown", path, err)
	}
	if err := f.Truncate(int64(spaceLimit)); err != nil {
		return porterr.Kernel("ftruncate", path, err)
	}
	if guarantee > 0 {
		if err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, int64(guarantee)); err != nil {
			if err == unix.ENOSPC {
				return porterr.ResourceNotAvailable("no space to pre-allocate %d byte guarantee for %s", guarantee, path)
			}
			return porterr.Kernel("fallocate", path, err)
		}
	}
	return nil
}

func (b *loopBackend) Build(ctx context.Context, v *Volume) (retErr error) {
	image := b.imagePath(v)

	if err := makeImage(image, v.OwnerUID, v.OwnerGID, v.SpaceLimit, v.SpaceGuarantee); err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			os.Remove(image)
		}
	}()

	if err := loop.MkfsExt4(image); err != nil {
		return err
	}

	dev, err := loop.AttachFile(image)
	if err != nil {
		return err
	}
	v.LoopDev = loop.Index(dev)
	defer func() {
		if retErr != nil {
			loop.Detach(dev)
			v.LoopDev = -1
		}
	}()

	if err := pathops.Mount(dev, v.Path, "ext4", 0, ""); err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			pathops.UnmountAll(v.Path, unix.MNT_DETACH)
		}
	}()

	if !v.IsReadOnly {
		if err := pathops.MkdirOwned(v.Path, v.Perms, v.OwnerUID, v.OwnerGID); err != nil {
			return err
		}
	}
	return nil
}

func (b *loopBackend) Destroy(ctx context.Context, v *Volume) error {
	err := pathops.UnmountAll(v.Path, unix.MNT_DETACH)
	if v.LoopDev >= 0 {
		if derr := loop.Detach(loop.DevicePath(v.LoopDev)); derr != nil && err == nil {
			err = derr
		}
		v.LoopDev = -1
	}
	if rerr := pathops.RemoveAll(b.imagePath(v)); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (b *loopBackend) Resize(ctx context.Context, v *Volume, spaceLimit, inodeLimit uint64) error {
	return porterr.NotSupported("loop backend does not support resize (growing an ext4 image requires resize2fs)")
}

func (b *loopBackend) Save(v *Volume) map[string]string {
	return map[string]string{"loop_dev": strconv.Itoa(v.LoopDev)}
}

func (b *loopBackend) Restore(v *Volume, fields map[string]string) error {
	if s, ok := fields["loop_dev"]; ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return porterr.InvalidValue("invalid loop_dev %q", s)
		}
		v.LoopDev = n
	}
	return nil
}

func (b *loopBackend) StatFS(v *Volume) (pathops.StatFS, error) {
	return pathops.Statfs(v.Path)
}
