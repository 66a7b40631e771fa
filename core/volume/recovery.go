//go:build linux

package volume

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/log"

	"github.com/blockspacer/porto/core/pathops"
)

// ContainerResolver lets Recovery reattach restored volumes to the
// containers that referenced them without importing the container
// package. Resolve reports whether name currently
// names a live container.
type ContainerResolver interface {
	Resolve(name string) (known bool)
}

// Recovery replays persisted volume records at startup, tolerating any
// state a crash mid-operation could have left behind.
type Recovery struct {
	Holder    *VolumeHolder
	Place     *Place
	KV        KVStore
	Resolver  ContainerResolver
}

// Run executes the four-step recovery sequence.
func (r *Recovery) Run(ctx context.Context) error {
	if err := CheckPlace(r.Place); err != nil {
		return err
	}
	if err := pathops.ClearDir(r.Place.TmpLayersPath()); err != nil {
		return err
	}

	live := map[string]bool{}
	ids, err := r.KV.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		restored, err := r.restoreOne(ctx, id)
		if err != nil {
			log.G(ctx).WithError(err).WithField("id", id).Warn("failed to recover volume, dropping")
			continue
		}
		if restored {
			live[id] = true
		}
	}

	return r.sweepOrphans(live)
}

// restoreOne replays the record stored under id, reporting whether a live
// volume now exists in the holder under it (false for dropped, unready,
// or abandoned-during-relink records, all of which the caller must not
// count toward sweepOrphans' live set).
func (r *Recovery) restoreOne(ctx context.Context, id string) (bool, error) {
	data, err := r.KV.Load(id)
	if err != nil {
		return false, err
	}
	record, err := DecodeRecord(data)
	if err != nil {
		_ = r.KV.Delete(id)
		return false, err
	}
	if !record.Ready {
		_ = r.KV.Delete(id)
		return false, nil
	}

	v := NewVolume(record.ID, r.KV, r.Holder)
	v.Place = r.Place
	if err := v.FromRecord(record); err != nil {
		_ = r.KV.Delete(id)
		return false, err
	}

	if n, err := strconv.ParseUint(record.ID, 10, 64); err == nil && n >= r.Holder.nextID {
		r.Holder.nextID = n
	}

	if err := r.Holder.Register(v); err != nil {
		v.Destroy(ctx)
		return false, err
	}

	if !r.relinkContainers(ctx, v) {
		return false, nil
	}

	return true, v.Save()
}

// relinkContainers reports whether v is still live afterward (false once
// it has been destroyed and unregistered because its last container is
// gone).
func (r *Recovery) relinkContainers(ctx context.Context, v *Volume) bool {
	if r.Resolver == nil {
		return true
	}
	var live []string
	for _, name := range v.Containers {
		if r.Resolver.Resolve(name) {
			live = append(live, name)
			continue
		}
		empty, err := v.UnlinkContainer(name)
		if err != nil {
			log.G(ctx).WithError(err).WithField("volume", v.ID).Warn("failed to unlink stale container")
			continue
		}
		if empty {
			if err := v.Destroy(ctx); err != nil {
				log.G(ctx).WithError(err).WithField("volume", v.ID).Warn("failed to destroy abandoned volume")
			}
			r.Holder.Unregister(v)
			return false
		}
	}
	v.Containers = live
	return true
}

func (r *Recovery) sweepOrphans(live map[string]bool) error {
	entries, err := os.ReadDir(r.Place.VolumesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || live[e.Name()] {
			continue
		}
		dir := filepath.Join(r.Place.VolumesPath(), e.Name())
		pathops.UnmountAll(filepath.Join(dir, "volume"), 0)
		if err := pathops.RemoveAll(dir); err != nil {
			return err
		}
	}
	return nil
}
