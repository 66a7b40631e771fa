//go:build linux

package volume

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
)

// Place is a resolved storage root: the default place from config, or a
// caller-supplied alternate.
type Place struct {
	Root       string
	VolumesDir string
	LayersDir  string
	OwnerGroup string

	// ChrootPortoDir names the directory under a chrooted creator's root
	// where that creator's auto-assigned volume paths live, mirroring
	// the place's own volumes_dir for a container that cannot see the
	// host place at all.
	ChrootPortoDir string
}

func (p *Place) VolumesPath() string { return filepath.Join(p.Root, p.VolumesDir) }
func (p *Place) LayersPath() string  { return filepath.Join(p.Root, p.LayersDir) }

// TmpLayersPath is where remove_layer stages a layer for unlinked removal
// outside the holder lock; pre-created by
// CheckPlace at startup.
func (p *Place) TmpLayersPath() string { return filepath.Join(p.LayersPath(), "_tmp_") }

// CheckPlace ensures the place's volumes and layers directories exist
// with the right ownership and mode: root:<portogroup> 0755 for volumes,
// 0700 for layers (the layer tree holds full container rootfs images and
// must not be group-readable).
func CheckPlace(p *Place) error {
	gid, err := groupID(p.OwnerGroup)
	if err != nil {
		return err
	}
	if err := pathops.MkdirOwned(p.VolumesPath(), 0755, 0, gid); err != nil {
		return porterr.Kernel("check_place volumes_dir", p.VolumesPath(), err)
	}
	if err := pathops.MkdirOwned(p.LayersPath(), 0700, 0, 0); err != nil {
		return porterr.Kernel("check_place layers_dir", p.LayersPath(), err)
	}
	if err := os.MkdirAll(p.TmpLayersPath(), 0700); err != nil {
		return porterr.Kernel("check_place tmp layers_dir", p.TmpLayersPath(), err)
	}
	return nil
}

func groupID(name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, porterr.InvalidValue("unknown volume owner group %q: %v", name, err)
	}
	return strconv.Atoi(g.Gid)
}
