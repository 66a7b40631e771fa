//go:build linux

package volume

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
	"github.com/blockspacer/porto/core/quota"
)

func renameLayer(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return porterr.Kernel("rename", src, err)
	}
	return nil
}

// VolumeHolder owns the registry of live volumes and the cross-volume
// guarantee accounting that spans them. One coarse lock
// protects the map and the guarantee check; long-running backend work
// (build, mount, copy) happens outside it.
type VolumeHolder struct {
	mu sync.Mutex

	byPath map[string]*Volume
	nextID uint64

	kv           KVStore
	quotaCfg     QuotaConfig
	drivers      map[uint64]*quota.Driver
	ledger       *quota.Ledger
	defaultPlace *Place
}

// QuotaConfig is the subset of daemon configuration VolumeHolder needs to
// build project-quota Drivers on demand.
type QuotaConfig struct {
	Enabled bool
}

// NewVolumeHolder constructs an empty holder. ledger may be nil, in which
// case quota drivers keep their project-id assignments in memory only.
// defaultPlace is the place newly created volumes start with before a
// "place" property, if any, resolves them onto a custom one.
func NewVolumeHolder(kv KVStore, cfg QuotaConfig, ledger *quota.Ledger, defaultPlace *Place) *VolumeHolder {
	return &VolumeHolder{
		byPath:       map[string]*Volume{},
		kv:           kv,
		quotaCfg:     cfg,
		drivers:      map[uint64]*quota.Driver{},
		ledger:       ledger,
		defaultPlace: defaultPlace,
	}
}

// Enabled implements QuotaProvider.
func (h *VolumeHolder) Enabled() bool { return h.quotaCfg.Enabled }

// DriverFor implements QuotaProvider, caching one Driver per backing
// device so repeated Create/Destroy calls on different volumes of the
// same filesystem share project-id bookkeeping.
func (h *VolumeHolder) DriverFor(basePath string) (*quota.Driver, error) {
	dev, err := pathops.DeviceOf(basePath)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	d, ok := h.drivers[dev]
	h.mu.Unlock()
	if ok {
		return d, nil
	}

	d, err = quota.NewDriver(basePath, h.ledger)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if existing, ok := h.drivers[dev]; ok {
		h.mu.Unlock()
		return existing, nil
	}
	h.drivers[dev] = d
	h.mu.Unlock()
	return d, nil
}

// Create allocates an id and constructs a Volume, returning it
// unregistered with the holder's default place. Configure may still swap
// that place for a custom one via the "place" property.
func (h *VolumeHolder) Create() *Volume {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	place := h.defaultPlace
	h.mu.Unlock()
	v := NewVolume(strconv.FormatUint(id, 10), h.kv, h)
	v.Place = place
	return v
}

// Register inserts v by its path, failing if the path is already taken.
func (h *VolumeHolder) Register(v *Volume) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byPath[v.Path]; exists {
		return porterr.VolumeAlreadyExists(v.Path)
	}
	h.byPath[v.Path] = v
	return nil
}

// Unregister removes v by path.
func (h *VolumeHolder) Unregister(v *Volume) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byPath, v.Path)
}

// Find looks up the volume registered at path.
func (h *VolumeHolder) Find(path string) (*Volume, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.byPath[path]
	return v, ok
}

// ListPaths returns every registered volume path, used by callers that
// need to enumerate volumes outside the holder lock.
func (h *VolumeHolder) ListPaths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.byPath))
	for p := range h.byPath {
		out = append(out, p)
	}
	return out
}

// LayerInUse reports whether any registered volume rooted at place
// references the named layer.
func (h *VolumeHolder) LayerInUse(name string, place *Place) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range h.byPath {
		if v.Place == nil || v.Place.Root != place.Root {
			continue
		}
		for _, l := range v.Layers {
			if l == name {
				return true
			}
		}
	}
	return false
}

// RemoveLayer stages name for removal under the holder lock (rejecting a
// layer still in use), then does the actual filesystem move outside it
//. The caller is responsible for removing the
// staged copy from place's _tmp_ directory once it returns successfully.
func (h *VolumeHolder) RemoveLayer(name string, place *Place) (staged string, err error) {
	h.mu.Lock()
	inUse := h.layerInUseLocked(name, place)
	h.mu.Unlock()
	if inUse {
		return "", porterr.Busy("layer %q is in use", name)
	}

	src := filepath.Join(place.LayersPath(), name)
	dst := filepath.Join(place.TmpLayersPath(), name)
	if err := pathops.RemoveAll(dst); err != nil {
		return "", err
	}
	if err := renameLayer(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (h *VolumeHolder) layerInUseLocked(name string, place *Place) bool {
	for _, v := range h.byPath {
		if v.Place == nil || v.Place.Root != place.Root {
			continue
		}
		for _, l := range v.Layers {
			if l == name {
				return true
			}
		}
	}
	return false
}

// CheckGuarantee implements GuaranteeChecker. It accounts for every other
// volume sharing the same backing device, contributing each one's own
// guarantee, not the caller's, to the running totals.
func (h *VolumeHolder) CheckGuarantee(v *Volume, wantSpace, wantInodes uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	total, err := pathops.Statfs(v.Place.VolumesPath())
	if err != nil {
		return porterr.Kernel("statfs", v.Place.VolumesPath(), err)
	}

	var current pathops.StatFS
	if v.IsReady {
		if c, err := v.StatFS(); err == nil {
			current = c
		}
	}

	if total.SpaceAvail+current.SpaceUsed < wantSpace {
		return porterr.NoSpace("volume %s: not enough space for a %d byte guarantee", v.ID, wantSpace)
	}
	if v.Backend != BackendLoop && total.InodeAvail+current.InodeUsed < wantInodes {
		return porterr.NoSpace("volume %s: not enough inodes for a %d inode guarantee", v.ID, wantInodes)
	}

	dev, err := pathops.DeviceOf(v.StoragePath)
	if err != nil {
		return porterr.Kernel("stat", v.StoragePath, err)
	}

	var spaceGuaranteed, spaceClaimed, inodesGuaranteed, inodesClaimed uint64
	for _, other := range h.byPath {
		if other == v || other.Backend == BackendRBD || other.Backend == BackendPlain {
			continue
		}
		otherDev, err := pathops.DeviceOf(other.StoragePath)
		if err != nil || otherDev != dev {
			continue
		}
		spaceGuaranteed += other.SpaceGuarantee
		inodesGuaranteed += other.InodeGuarantee

		var usage pathops.StatFS
		if other.IsReady {
			if u, err := other.StatFS(); err == nil {
				usage = u
			}
		}
		spaceClaimed += min64(usage.SpaceUsed, other.SpaceGuarantee)
		inodesClaimed += min64(usage.InodeUsed, other.InodeGuarantee)
	}

	if total.SpaceAvail+current.SpaceUsed+spaceClaimed < wantSpace+spaceGuaranteed {
		return porterr.NoSpace("volume %s: guarantee %d would overcommit shared device", v.ID, wantSpace)
	}
	if v.Backend != BackendLoop && total.InodeAvail+current.InodeUsed+inodesClaimed < wantInodes+inodesGuaranteed {
		return porterr.NoSpace("volume %s: inode guarantee %d would overcommit shared device", v.ID, wantInodes)
	}
	return nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
