// Package config loads the daemon-wide settings the core packages need:
// the default place, the KV root, and the recovery/quota knobs. Grounded
// on snapshots/devmapper/config.go's toml.DecodeFile + Validate() ->
// *multierror.Error shape.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Config is the daemon's on-disk configuration.
type Config struct {
	// Place is the default root directory under which volumes and
	// layers are stored.
	Place string `toml:"place"`
	// VolumesDir and LayersDir are Place-relative subdirectories.
	VolumesDir string `toml:"volumes_dir"`
	LayersDir  string `toml:"layers_dir"`
	// KVRoot holds one file per persisted volume record.
	KVRoot string `toml:"kv_root"`

	// RemoveTimeout bounds how long cgroup removal retries kill+thaw
	// before rmdir'ing regardless. Written in a
	// human duration string, e.g. "30s".
	RemoveTimeout string `toml:"remove_timeout"`

	// DefaultVolumeSpace is a default volume space limit written as a
	// human size string (e.g. "10GiB" or "10G"), parsed into
	// DefaultVolumeSpaceBytes; zero/empty means unlimited. There is no
	// inode counterpart, and nothing in this module applies the value to
	// new volumes.
	DefaultVolumeSpace string `toml:"default_volume_space"`

	// QuotaEnabled gates the native backend's use of project quotas.
	QuotaEnabled bool `toml:"quota_enabled"`

	// VolumeOwnerGroup is the group new volume directories are chowned
	// to.
	VolumeOwnerGroup string `toml:"volume_owner_group"`

	// ChrootPortoDir names the directory under a chrooted creator's root
	// where that creator's auto-assigned volume paths are placed.
	ChrootPortoDir string `toml:"chroot_porto_dir"`

	// parsed derived fields.
	DefaultVolumeSpaceBytes uint64        `toml:"-"`
	RemoveTimeoutDuration   time.Duration `toml:"-"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Place:            "/place/porto_volumes",
		VolumesDir:       "volumes",
		LayersDir:        "layers",
		KVRoot:           "/place/porto_kv/volumes",
		RemoveTimeout:    "30s",
		QuotaEnabled:     true,
		VolumeOwnerGroup: "portogroup",
		ChrootPortoDir:   "porto",
	}
}

// Load reads path and overlays it onto Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if err := cfg.parse(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode config %q", path)
	}
	if err := cfg.parse(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse() error {
	var result *multierror.Error
	if c.DefaultVolumeSpace != "" {
		n, err := units.RAMInBytes(c.DefaultVolumeSpace)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to parse default_volume_space %q", c.DefaultVolumeSpace))
		} else {
			c.DefaultVolumeSpaceBytes = uint64(n)
		}
	}
	if c.RemoveTimeout != "" {
		d, err := time.ParseDuration(c.RemoveTimeout)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to parse remove_timeout %q", c.RemoveTimeout))
		} else {
			c.RemoveTimeoutDuration = d
		}
	}
	return result.ErrorOrNil()
}

// Validate checks required fields are present.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Place == "" {
		result = multierror.Append(result, errors.New("place is required"))
	}
	if c.VolumesDir == "" {
		result = multierror.Append(result, errors.New("volumes_dir is required"))
	}
	if c.LayersDir == "" {
		result = multierror.Append(result, errors.New("layers_dir is required"))
	}
	if c.KVRoot == "" {
		result = multierror.Append(result, errors.New("kv_root is required"))
	}
	return result.ErrorOrNil()
}
