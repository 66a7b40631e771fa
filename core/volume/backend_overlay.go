//go:build linux

package volume

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
)

var (
	overlaySupportOnce sync.Once
	overlaySupported   bool
)

// probeOverlaySupport attempts a sentinel overlay mount with no lowerdir,
// which the kernel rejects with EINVAL iff overlayfs is compiled in and
// recognizes the "overlay" fstype at all. Any other
// outcome (ENODEV, the mount unexpectedly succeeding) means no support,
// so a kernel that rejects the probe with any errno other than EINVAL is
// reported as unsupported.
func probeOverlaySupport() bool {
	overlaySupportOnce.Do(func() {
		dir, err := os.MkdirTemp("", "porto-overlay-probe-")
		if err != nil {
			return
		}
		defer os.RemoveAll(dir)
		err = pathops.Mount("overlay", dir, "overlay", 0, "")
		if err == nil {
			pathops.Unmount(dir, unix.MNT_DETACH)
			return
		}
		overlaySupported = err == unix.EINVAL || strings.Contains(err.Error(), "invalid argument")
	})
	return overlaySupported
}

// OverlaySupported reports whether the kernel accepts overlay mounts,
// memoized after the first call.
func OverlaySupported() bool { return probeOverlaySupport() }

// overlayBackend assembles a lowerdir/upperdir/workdir union mount from the
// volume's configured layers.
type overlayBackend struct{ baseBackend }

func (b *overlayBackend) Configure(v *Volume) error {
	if !OverlaySupported() {
		return porterr.NotSupported("overlay backend: kernel does not support overlayfs")
	}
	return nil
}

func (b *overlayBackend) upperPath(v *Volume) string { return filepath.Join(v.StoragePath, "upper") }
func (b *overlayBackend) workPath(v *Volume) string  { return filepath.Join(v.StoragePath, "work") }
func (b *overlayBackend) stagePath(v *Volume, i int) string {
	return filepath.Join(v.InternalPath(), fmt.Sprintf("stage_%d", i))
}

// resolveLayer returns the filesystem path a configured layer entry reads
// from: either an in-place chroot path (must live under creator_root) or a
// named layer under the place's layer directory.
func (b *overlayBackend) resolveLayer(v *Volume, layer string) (string, error) {
	if filepath.IsAbs(layer) {
		root := v.CreatorRoot
		if root == "" {
			root = "/"
		}
		full := filepath.Clean(filepath.Join(root, layer))
		if !strings.HasPrefix(full, filepath.Clean(root)+string(filepath.Separator)) && full != filepath.Clean(root) {
			return "", porterr.Permission("layer path %q escapes creator root %q", layer, root)
		}
		if _, err := os.Stat(full); err != nil {
			return "", porterr.InvalidValue("layer path %q: %v", layer, err)
		}
		return full, nil
	}
	full := filepath.Join(v.Place.LayersPath(), layer)
	if _, err := os.Stat(full); err != nil {
		return "", porterr.LayerNotFound(layer)
	}
	return full, nil
}

func (b *overlayBackend) Build(ctx context.Context, v *Volume) (retErr error) {
	if v.HaveQuota() {
		driver, err := v.quotaDriverFor(v.StoragePath)
		if err != nil {
			return err
		}
		if err := driver.Create(v.StoragePath, v.SpaceLimit, v.InodeLimit); err != nil {
			return err
		}
		defer func() {
			if retErr != nil {
				driver.Destroy(v.StoragePath)
			}
		}()
	}

	stages := make([]string, 0, len(v.Layers))
	defer func() {
		if retErr != nil {
			for _, s := range stages {
				pathops.UnmountAll(s, unix.MNT_DETACH)
			}
		}
	}()
	for i, layer := range v.Layers {
		src, err := b.resolveLayer(v, layer)
		if err != nil {
			return err
		}
		stage := b.stagePath(v, i)
		if err := os.MkdirAll(stage, 0755); err != nil {
			return porterr.Kernel("mkdir", stage, err)
		}
		if err := pathops.BindMount(src, stage, true, true, unix.MS_NODEV); err != nil {
			return err
		}
		if err := pathops.MakePrivate(stage); err != nil {
			return err
		}
		stages = append(stages, stage)
	}

	upper := b.upperPath(v)
	work := b.workPath(v)
	if err := pathops.MkdirOwned(upper, v.Perms, v.OwnerUID, v.OwnerGID); err != nil {
		return err
	}
	if err := os.MkdirAll(work, 0700); err != nil {
		return porterr.Kernel("mkdir", work, err)
	}

	// v.Layers is ordered top layer first, which is exactly the lowerdir
	// mount option's own ordering (leftmost = highest priority).
	lowerdirs := make([]string, len(stages))
	for i, s := range stages {
		lowerdirs[i] = escapeLowerdir(s)
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(lowerdirs, ":"), upper, work)
	if err := pathops.Mount("overlay", v.Path, "overlay", 0, opts); err != nil {
		return err
	}
	return nil
}

func (b *overlayBackend) Clear(ctx context.Context, v *Volume) error {
	return pathops.ClearDir(b.upperPath(v))
}

func (b *overlayBackend) Destroy(ctx context.Context, v *Volume) error {
	var err error
	if e := pathops.UnmountAll(v.Path, unix.MNT_DETACH); e != nil && err == nil {
		err = e
	}
	for i := range v.Layers {
		if e := pathops.UnmountAll(b.stagePath(v, i), unix.MNT_DETACH); e != nil && err == nil {
			err = e
		}
	}
	if e := pathops.RemoveAll(b.workPath(v)); e != nil && err == nil {
		err = e
	}
	if v.HaveQuota() {
		if driver, derr := v.quotaDriverFor(v.StoragePath); derr == nil {
			if qerr := driver.Destroy(v.StoragePath); qerr != nil && err == nil {
				err = qerr
			}
		}
	}
	return err
}

func (b *overlayBackend) StatFS(v *Volume) (pathops.StatFS, error) {
	return pathops.Statfs(v.StoragePath)
}
