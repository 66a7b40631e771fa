//go:build linux

// Package pathops collects the filesystem primitives every volume backend
// and the cgroup tree build on: directory lifecycle, bind/remount, recursive
// umount, statfs, and xattr access.
package pathops

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mount performs a single mount(2) call.
func Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return errors.Wrapf(err, "mount %s -> %s (type=%s)", source, target, fstype)
	}
	return nil
}

// BindMount bind-mounts source onto target, optionally recursive, then
// remounts with the requested read-only/nodev/etc flags. mount(2) cannot
// set most flags in the same call as MS_BIND, so a bind mount with
// non-default flags always takes two syscalls.
func BindMount(source, target string, recursive, readOnly bool, extraFlags uintptr) error {
	bindFlags := uintptr(unix.MS_BIND)
	if recursive {
		bindFlags |= unix.MS_REC
	}
	if err := Mount(source, target, "", bindFlags, ""); err != nil {
		return err
	}
	remountFlags := unix.MS_BIND | unix.MS_REMOUNT | extraFlags
	if readOnly {
		remountFlags |= unix.MS_RDONLY
	}
	if err := Mount(source, target, "", uintptr(remountFlags), ""); err != nil {
		Unmount(target, unix.MNT_DETACH)
		return err
	}
	return nil
}

// MakePrivate marks target (already mounted) MS_PRIVATE so later mount
// events on it do not propagate to the parent namespace, mirroring the
// private internal overlay lowerdir stages.
func MakePrivate(target string) error {
	return Mount("none", target, "", unix.MS_PRIVATE, "")
}

// unmount retries on EBUSY up to maxRetries times, to ride out short-lived
// contention from a reader that hasn't released the mount yet.
func unmount(target string, flags int) error {
	const maxRetries = 50
	const retryDelay = 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := unix.Unmount(target, flags)
		if err == nil {
			return nil
		}
		if err == unix.EBUSY {
			time.Sleep(retryDelay)
			continue
		}
		return fmt.Errorf("failed to unmount %s: %w", target, err)
	}
	return fmt.Errorf("failed to unmount %s after %d retries: %w", target, maxRetries, unix.EBUSY)
}

// Unmount unmounts target, treating EINVAL (not a mountpoint) as success.
func Unmount(target string, flags int) error {
	if err := unmount(target, flags); err != nil && !errors.Is(err, unix.EINVAL) {
		return err
	}
	return nil
}

// UnmountAll repeatedly unmounts target until unmount reports EINVAL,
// undoing a stack of mounts layered on the same path. It is a no-op for an
// empty path or a path that doesn't exist.
func UnmountAll(target string, flags int) error {
	if target == "" {
		return nil
	}
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return nil
	}
	for {
		if err := unmount(target, flags); err != nil {
			if errors.Is(err, unix.EINVAL) {
				return nil
			}
			return err
		}
	}
}
