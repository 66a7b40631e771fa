//go:build linux

package volume

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
)

// plainBackend bind-mounts the storage directory onto the volume path
//. It cannot enforce a quota.
type plainBackend struct{ baseBackend }

func (b *plainBackend) Configure(v *Volume) error {
	if v.HaveQuota() {
		return porterr.NotSupported("plain backend does not support quotas")
	}
	return nil
}

func (b *plainBackend) Build(ctx context.Context, v *Volume) error {
	return pathops.BindMount(v.StoragePath, v.Path, true, v.IsReadOnly, 0)
}

func (b *plainBackend) Destroy(ctx context.Context, v *Volume) error {
	return pathops.UnmountAll(v.Path, unix.MNT_DETACH)
}

func (b *plainBackend) StatFS(v *Volume) (pathops.StatFS, error) {
	return pathops.Statfs(v.StoragePath)
}
