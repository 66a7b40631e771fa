// Package mounttable snapshots the kernel's active mount table and answers
// equality/containment queries over it.
package mounttable

import (
	"sort"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
)

// Entry is one row of the mount table: a (source, mountpoint, type,
// flag-set) tuple. Two entries compare equal iff all four fields match;
// the flag set is unordered.
type Entry struct {
	Source     string
	Mountpoint string
	Type       string
	Flags      []string
}

// Equal reports whether e and o name the same mount, ignoring flag order.
func (e Entry) Equal(o Entry) bool {
	if e.Source != o.Source || e.Mountpoint != o.Mountpoint || e.Type != o.Type {
		return false
	}
	return sameSet(e.Flags, o.Flags)
}

// HasFlag reports whether flag is present in the entry's flag set.
func (e Entry) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, f := range a {
		seen[f]++
	}
	for _, f := range b {
		seen[f]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// Table is an unordered snapshot of the kernel's mount listing, taken once
// per call to Snapshot. Callers must retake a snapshot whenever mount
// state may have changed; Table does not cache between calls.
type Table struct {
	entries []Entry
}

// Snapshot reads /proc/self/mountinfo and returns a fresh Table.
func Snapshot() (*Table, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read mount table")
	}
	t := &Table{entries: make([]Entry, 0, len(infos))}
	for _, m := range infos {
		t.entries = append(t.entries, Entry{
			Source:     m.Source,
			Mountpoint: m.Mountpoint,
			Type:       m.FSType,
			Flags:      splitOptions(m.VFSOptions, m.Options),
		})
	}
	return t, nil
}

// SnapshotUnder is Snapshot restricted to mounts at or below prefix,
// grounded on mount.UnmountRecursive's use of mountinfo.PrefixFilter.
func SnapshotUnder(prefix string) (*Table, error) {
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(prefix))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read mount table under %q", prefix)
	}
	t := &Table{entries: make([]Entry, 0, len(infos))}
	for _, m := range infos {
		t.entries = append(t.entries, Entry{
			Source:     m.Source,
			Mountpoint: m.Mountpoint,
			Type:       m.FSType,
			Flags:      splitOptions(m.VFSOptions, m.Options),
		})
	}
	return t, nil
}

func splitOptions(sets ...string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, set := range sets {
		start := 0
		for i := 0; i <= len(set); i++ {
			if i == len(set) || set[i] == ',' {
				if i > start {
					opt := set[start:i]
					if _, ok := seen[opt]; !ok {
						seen[opt] = struct{}{}
						out = append(out, opt)
					}
				}
				start = i + 1
			}
		}
	}
	return out
}

// Entries returns the entries in the snapshot, in no particular order.
func (t *Table) Entries() []Entry {
	return t.entries
}

// Contains reports whether an entry equal to e is present in the snapshot.
func (t *Table) Contains(e Entry) bool {
	for _, got := range t.entries {
		if got.Equal(e) {
			return true
		}
	}
	return false
}

// MountpointsDeepestFirst returns the sorted, deduplicated set of mountpoints present
// in the snapshot, deepest-first, the order mount.UnmountRecursive needs
// to tear down a stack of nested mounts.
func (t *Table) MountpointsDeepestFirst() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, e := range t.entries {
		if _, ok := seen[e.Mountpoint]; !ok {
			seen[e.Mountpoint] = struct{}{}
			out = append(out, e.Mountpoint)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// Under returns the entries whose mountpoint is at or below prefix.
func (t *Table) Under(prefix string) []Entry {
	var out []Entry
	for _, e := range t.entries {
		if isUnderOrEqual(e.Mountpoint, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func isUnderOrEqual(path, prefix string) bool {
	if path == prefix {
		return true
	}
	if len(path) <= len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}
