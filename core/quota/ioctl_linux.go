//go:build linux

// Package quota implements the project-quota primitives volumes build on:
// test support, create, resize, destroy, statfs-by-project. The low-level
// ioctls are the same FS_IOC_FSGETXATTR/FS_IOC_FSSETXATTR +
// Q_XGETQUOTA/Q_XSETQLIM pair plugins/snapshots/overlay/quota/projectquota.go
// wraps in the upstream containerd tree; that file ships without its ioctl
// companion here, so this file reconstructs the well-known upstream
// implementation (moby's daemon/graphdriver/quota/projectquota_linux.go,
// which containerd's own copy is itself derived from) that
// projectquota.go's setProjectQuota, setProjectID and getProjectID call
// into.
package quota

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	fsIOCFSGetXattr = 0x801c581f
	fsIOCFSSetXattr = 0x401c5820
	fsXflagProjInherit = 0x00000200

	// XFS/generic project quota subcommands for the quotactl(2) syscall,
	// as defined by <linux/quota.h> / <linux/dqblk_xfs.h>.
	qXGetQuota = 0x5803 // Q_XGETQUOTA operating on XFS-family quota
	qXSetQLim  = 0x5804 // Q_XSETQLIM
	projectQuotaFmt = 2   // XFS_PROJ_QUOTA / generic project quota id-type
)

// fsXattr mirrors struct fsxattr from <linux/fs.h>.
type fsXattr struct {
	fsXFlags     uint32
	fsExtSize    uint32
	fsNExtents   uint32
	fsProjID     uint32
	fsCowExtSize uint32
	fsPad        [8]uint32
}

// fsDiskQuota mirrors struct fs_disk_quota from <linux/dqblk_xfs.h>,
// trimmed to the fields SetProjectQuota/GetProjectQuota need.
type fsDiskQuota struct {
	dVersion   int8
	dFlags     int8
	dFieldmask uint16
	dID        uint32
	dBlkHardlimit uint64
	dBlkSoftlimit uint64
	dInoHardlimit uint64
	dInoSoftlimit uint64
	dBCount    uint64
	dICount    uint64
	dITimer    int32
	dBTimer    int32
	dIWarns    uint16
	dBWarns    uint16
	dPad2      int32
	dRtbHardlimit uint64
	dRtbSoftlimit uint64
	dRtbCount  uint64
	dRtbTimer  int32
	dRtbWarns  uint16
	dPadding2  int16
	dPadding3  int64
	dPadding4  [8]byte
}

const (
	fieldMaskBHard = 0x00000008
	fieldMaskIHard = 0x00000002
)

func getProjectID(targetPath string) (uint32, error) {
	dir, err := os.Open(targetPath)
	if err != nil {
		return 0, err
	}
	defer dir.Close()

	var attr fsXattr
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, dir.Fd(), fsIOCFSGetXattr, uintptr(unsafe.Pointer(&attr))); errno != 0 {
		return 0, fmt.Errorf("failed to get xattr on %s: %w", targetPath, errno)
	}
	return attr.fsProjID, nil
}

func setProjectID(targetPath string, projectID uint32) error {
	dir, err := os.Open(targetPath)
	if err != nil {
		return err
	}
	defer dir.Close()

	var attr fsXattr
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, dir.Fd(), fsIOCFSGetXattr, uintptr(unsafe.Pointer(&attr))); errno != 0 {
		return fmt.Errorf("failed to get xattr on %s: %w", targetPath, errno)
	}
	attr.fsProjID = projectID
	attr.fsXFlags |= fsXflagProjInherit
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, dir.Fd(), fsIOCFSSetXattr, uintptr(unsafe.Pointer(&attr))); errno != 0 {
		return fmt.Errorf("failed to set xattr on %s: %w", targetPath, errno)
	}
	return nil
}

// setProjectQuota sets the block and inode hard limits for projectID on
// the filesystem backed by backingFsBlockDev. spaceBytes/inodes of 0 mean
// unlimited (clears the limit).
func setProjectQuota(backingFsBlockDev string, projectID uint32, spaceBytes, inodes uint64) error {
	var d fsDiskQuota
	d.dVersion = 1
	d.dID = projectID
	d.dFlags = projectQuotaFmt
	d.dFieldmask = fieldMaskBHard | fieldMaskIHard
	d.dBlkHardlimit = spaceBytes / 512
	d.dInoHardlimit = inodes

	cs, err := unix.BytePtrFromString(backingFsBlockDev)
	if err != nil {
		return err
	}
	if _, _, errno := unix.Syscall6(unix.SYS_QUOTACTL, uintptr(qXSetQLim<<8|projectQuotaFmt), uintptr(unsafe.Pointer(cs)), uintptr(projectID), uintptr(unsafe.Pointer(&d)), 0, 0); errno != 0 {
		return fmt.Errorf("failed to set project quota for id %d on %s: %w", projectID, backingFsBlockDev, errno)
	}
	return nil
}

// getProjectQuotaUsage returns the current block/inode usage and hard
// limits recorded for projectID.
func getProjectQuotaUsage(backingFsBlockDev string, projectID uint32) (spaceUsed, spaceLimit, inodesUsed, inodeLimit uint64, err error) {
	var d fsDiskQuota
	cs, err := unix.BytePtrFromString(backingFsBlockDev)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if _, _, errno := unix.Syscall6(unix.SYS_QUOTACTL, uintptr(qXGetQuota<<8|projectQuotaFmt), uintptr(unsafe.Pointer(cs)), uintptr(projectID), uintptr(unsafe.Pointer(&d)), 0, 0); errno != 0 {
		return 0, 0, 0, 0, fmt.Errorf("failed to get project quota for id %d on %s: %w", projectID, backingFsBlockDev, errno)
	}
	return d.dBCount * 512, d.dBlkHardlimit * 512, d.dICount, d.dInoHardlimit, nil
}

// makeBackingFsDev creates (or refreshes) the block-special file quotactl
// needs to name the filesystem backing home.
func makeBackingFsDev(home string) (string, error) {
	fi, err := os.Stat(home)
	if err != nil {
		return "", err
	}
	dev := home + "/.backingFsBlockDev"
	_ = unix.Unlink(dev)
	st, ok := fi.Sys().(*unix.Stat_t)
	if !ok {
		return "", fmt.Errorf("failed to stat backing device for %s", home)
	}
	if err := unix.Mknod(dev, unix.S_IFBLK|0600, int(st.Dev)); err != nil {
		return "", fmt.Errorf("failed to mknod %s: %w", dev, err)
	}
	return dev, nil
}
