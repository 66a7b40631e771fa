//go:build linux

package volume

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/blockspacer/porto/core/loop"
	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
)

// rbdBackend maps a ceph-rbd block device and mounts it as ext4. Grounded on core/loop's exec.Command-wraps-a-CLI idiom, applied
// here to the `rbd` client tool instead of losetup.
type rbdBackend struct{ baseBackend }

// rbdSpec is a parsed "<id>@<pool>/<image>" storage string.
type rbdSpec struct {
	ClientID string
	Pool     string
	Image    string
}

func parseRBDSpec(storage string) (rbdSpec, error) {
	id, rest, ok := strings.Cut(storage, "@")
	if !ok {
		return rbdSpec{}, porterr.InvalidValue("rbd storage %q: expected \"<id>@<pool>/<image>\"", storage)
	}
	pool, image, ok := strings.Cut(rest, "/")
	if !ok || pool == "" || image == "" {
		return rbdSpec{}, porterr.InvalidValue("rbd storage %q: expected \"<id>@<pool>/<image>\"", storage)
	}
	return rbdSpec{ClientID: id, Pool: pool, Image: image}, nil
}

func (b *rbdBackend) Configure(v *Volume) error {
	if _, err := parseRBDSpec(v.Storage); err != nil {
		return err
	}
	if v.IsAutoStorage {
		return porterr.InvalidValue("rbd backend requires an explicit storage spec")
	}
	return nil
}

func rbdMap(spec rbdSpec) (string, error) {
	args := []string{"map", spec.Pool + "/" + spec.Image}
	if spec.ClientID != "" {
		args = append(args, "--id", spec.ClientID)
	}
	out, err := exec.Command("rbd", args...).CombinedOutput()
	if err != nil {
		return "", porterr.ResourceNotAvailable("rbd map %s/%s: %v: %s", spec.Pool, spec.Image, err, out)
	}
	return strings.TrimSpace(string(out)), nil
}

func rbdUnmap(device string) error {
	if device == "" {
		return nil
	}
	if err := exec.Command("rbd", "unmap", device).Run(); err != nil {
		return errors.Wrapf(err, "rbd unmap %s", device)
	}
	return nil
}

func (b *rbdBackend) Build(ctx context.Context, v *Volume) (retErr error) {
	spec, err := parseRBDSpec(v.Storage)
	if err != nil {
		return err
	}
	device, err := rbdMap(spec)
	if err != nil {
		return err
	}
	v.LoopDev = loop.Index(device)
	defer func() {
		if retErr != nil {
			rbdUnmap(device)
			v.LoopDev = -1
		}
	}()

	if err := pathops.Mount(device, v.Path, "ext4", 0, ""); err != nil {
		return err
	}
	if !v.IsReadOnly {
		if err := pathops.MkdirOwned(v.Path, v.Perms, v.OwnerUID, v.OwnerGID); err != nil {
			return err
		}
	}
	return nil
}

func (b *rbdBackend) devicePath(v *Volume) string {
	if v.LoopDev < 0 {
		return ""
	}
	return "/dev/rbd" + strconv.Itoa(v.LoopDev)
}

func (b *rbdBackend) Destroy(ctx context.Context, v *Volume) error {
	err := pathops.UnmountAll(v.Path, unix.MNT_DETACH)
	if v.LoopDev >= 0 {
		if uerr := rbdUnmap(b.devicePath(v)); uerr != nil && err == nil {
			err = uerr
		}
		v.LoopDev = -1
	}
	return err
}

func (b *rbdBackend) Resize(ctx context.Context, v *Volume, spaceLimit, inodeLimit uint64) error {
	return porterr.NotSupported("rbd backend does not support resize")
}

func (b *rbdBackend) Save(v *Volume) map[string]string {
	return map[string]string{"loop_dev": strconv.Itoa(v.LoopDev)}
}

func (b *rbdBackend) Restore(v *Volume, fields map[string]string) error {
	if s, ok := fields["loop_dev"]; ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return porterr.InvalidValue("invalid loop_dev %q", s)
		}
		v.LoopDev = n
	}
	return nil
}

func (b *rbdBackend) StatFS(v *Volume) (pathops.StatFS, error) {
	return pathops.Statfs(v.Path)
}
