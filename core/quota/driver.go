//go:build linux

package quota

import (
	"hash/fnv"
	"sync"

	"github.com/pkg/errors"

	"github.com/blockspacer/porto/core/porterr"
)

// projectIDFloor is the smallest project id the driver will ever assign,
// keeping well clear of any project id already reserved for the
// filesystem itself by an administrator.
const projectIDFloor = 100000

// Driver applies and removes per-directory project quotas on a single
// backing filesystem. One Driver instance is constructed per distinct
// backing device; NewDriver's probe fails
// fast if the filesystem doesn't support project quotas.
type Driver struct {
	mu                sync.Mutex
	backingFsBlockDev string
	ledger            *Ledger
}

// NewDriver probes basePath for project-quota support by clearing the
// limits of a probe project id on the filesystem backing basePath, and returns a Driver scoped to
// that filesystem. ledger may be nil, in which case the driver keeps
// state in memory only (used by tests and by backends that never need to
// survive a restart on their own, since Volume.Save/Restore round-trips
// the limits anyway).
func NewDriver(basePath string, ledger *Ledger) (*Driver, error) {
	dev, err := makeBackingFsDev(basePath)
	if err != nil {
		return nil, errors.Wrapf(err, "quota: failed to create backing device node for %s", basePath)
	}

	probeID := deterministicProjectID(basePath) + 1
	if err := setProjectQuota(dev, probeID, 0, 0); err != nil {
		return nil, porterr.NotSupported("quota: filesystem backing %s does not support project quotas: %v", basePath, err)
	}

	return &Driver{backingFsBlockDev: dev, ledger: ledger}, nil
}

// deterministicProjectID derives a stable, collision-resistant project id
// from path so that two processes (or a restarted daemon with no ledger)
// agree on the same id without needing to negotiate one.
func deterministicProjectID(path string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return projectIDFloor + (h.Sum32() % 1000000)
}

func (d *Driver) projectIDFor(path string) uint32 {
	if d.ledger != nil {
		if id, ok := d.ledger.Lookup(path); ok {
			return id
		}
	}
	return deterministicProjectID(path)
}

// Create assigns path a project id and sets its space/inode hard limits.
// spaceBytes/inodes of 0 mean unlimited.
func (d *Driver) Create(path string, spaceBytes, inodes uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.projectIDFor(path)
	if err := setProjectID(path, id); err != nil {
		return porterr.Kernel("setProjectID", path, err)
	}
	if err := setProjectQuota(d.backingFsBlockDev, id, spaceBytes, inodes); err != nil {
		return porterr.Kernel("setProjectQuota", path, err)
	}
	if d.ledger != nil {
		if err := d.ledger.Record(path, id, spaceBytes, inodes); err != nil {
			return err
		}
	}
	return nil
}

// Resize changes the limits for an already-quota'd path.
func (d *Driver) Resize(path string, spaceBytes, inodes uint64) error {
	return d.Create(path, spaceBytes, inodes)
}

// Destroy clears the quota on path (limits set to zero/unlimited). The
// directory keeps its project id; a future Create on the same path
// reassigns the same deterministic id.
func (d *Driver) Destroy(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.projectIDFor(path)
	if err := setProjectQuota(d.backingFsBlockDev, id, 0, 0); err != nil {
		return porterr.Kernel("setProjectQuota", path, err)
	}
	if d.ledger != nil {
		return d.ledger.Forget(path)
	}
	return nil
}

// Usage is the space/inode usage and hard limit pair for a quota'd path.
type Usage struct {
	SpaceUsed  uint64
	SpaceLimit uint64
	InodesUsed uint64
	InodeLimit uint64
}

// StatFSByProject reports usage and limits for path's project id.
func (d *Driver) StatFSByProject(path string) (Usage, error) {
	id := d.projectIDFor(path)
	spaceUsed, spaceLimit, inodesUsed, inodeLimit, err := getProjectQuotaUsage(d.backingFsBlockDev, id)
	if err != nil {
		return Usage{}, porterr.Kernel("getProjectQuota", path, err)
	}
	return Usage{SpaceUsed: spaceUsed, SpaceLimit: spaceLimit, InodesUsed: inodesUsed, InodeLimit: inodeLimit}, nil
}
