//go:build linux

package pathops

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MkdirOwned creates dir (and any missing parents) with mode, then chowns
// the leaf to uid:gid. Parents created along the way keep the default
// umask-adjusted mode; only the leaf is chowned, matching CgroupTree.create
// ensuring parents exist before materializing the node itself.
func MkdirOwned(dir string, mode os.FileMode, uid, gid int) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return errors.Wrapf(err, "mkdir parents of %s", dir)
	}
	if err := os.Mkdir(dir, mode); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	if err := os.Chmod(dir, mode); err != nil {
		return errors.Wrapf(err, "chmod %s", dir)
	}
	if uid >= 0 && gid >= 0 {
		if err := os.Chown(dir, uid, gid); err != nil {
			return errors.Wrapf(err, "chown %s", dir)
		}
	}
	return nil
}

// RemoveAll removes path and everything beneath it, tolerating a path that
// no longer exists.
func RemoveAll(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}

// ClearDir empties the contents of dir without removing dir itself, used by
// baseBackend.Clear's default implementation.
func ClearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "read dir %s", dir)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return errors.Wrapf(err, "clear %s", filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

// StatFS is the subset of statfs(2) the volume and quota layers need.
type StatFS struct {
	SpaceTotal uint64
	SpaceAvail uint64
	SpaceUsed  uint64
	InodeTotal uint64
	InodeAvail uint64
	InodeUsed  uint64
	DeviceID   uint64
}

// Statfs wraps unix.Statfs, deriving used bytes/inodes from total-minus-free
// the way every caller here needs them.
func Statfs(path string) (StatFS, error) {
	var buf unix.Statfs_t
	if err := unix.Statfs(path, &buf); err != nil {
		return StatFS{}, errors.Wrapf(err, "statfs %s", path)
	}
	bsize := uint64(buf.Bsize)
	total := buf.Blocks * bsize
	avail := buf.Bavail * bsize
	return StatFS{
		SpaceTotal: total,
		SpaceAvail: avail,
		SpaceUsed:  total - buf.Bfree*bsize,
		InodeTotal: buf.Files,
		InodeAvail: buf.Ffree,
		InodeUsed:  buf.Files - buf.Ffree,
		DeviceID:   uint64(buf.Fsid.Val[0])<<32 | uint64(uint32(buf.Fsid.Val[1])),
	}, nil
}

// Writable approximates the kernel's access(2) write check for uid/gid
// against path's owner, group and mode bits, without requiring the
// calling process to actually run as that credential. uid 0 always
// passes.
func Writable(path string, uid, gid int) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, errors.Wrapf(err, "stat %s", path)
	}
	if uid == 0 {
		return true, nil
	}
	switch {
	case int(st.Uid) == uid:
		return st.Mode&unix.S_IWUSR != 0, nil
	case int(st.Gid) == gid:
		return st.Mode&unix.S_IWGRP != 0, nil
	default:
		return st.Mode&unix.S_IWOTH != 0, nil
	}
}

// DeviceOf returns a stable identifier for the device backing path,
// suitable for grouping volumes that share storage in check_guarantee.
func DeviceOf(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, errors.Wrapf(err, "stat %s", path)
	}
	return uint64(st.Dev), nil
}

// SetXattr sets an extended attribute, used to mark opaque overlay
// directories (trusted.overlay.opaque=y).
func SetXattr(path, name, value string) error {
	if err := unix.Lsetxattr(path, name, []byte(value), 0); err != nil {
		return errors.Wrapf(err, "setxattr %s %s", path, name)
	}
	return nil
}

// MknodCharWhiteout creates the aufs-style character-device whiteout node
// used by layer sanitization when layers are not being merged into overlay.
func MknodCharWhiteout(path string) error {
	if err := unix.Mknod(path, unix.S_IFCHR, 0); err != nil {
		return errors.Wrapf(err, "mknod whiteout %s", path)
	}
	return nil
}
