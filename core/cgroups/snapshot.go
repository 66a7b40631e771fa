//go:build linux

package cgroups

import (
	"os"
	"path/filepath"

	"github.com/blockspacer/porto/core/mounttable"
)

// AppRootName is the well-known top-level cgroup name the daemon owns.
// When Snapshot walks a mount that predates this process (or is shared
// with other cgroup users on the host), it only descends into subtrees
// rooted at this name.
const AppRootName = "porto"

// Snapshot discovers every cgroup hierarchy on the host that intersects
// the registry's known controllers, and returns the App-owned root Node
// for each, with children populated by a recursive directory walk.
func Snapshot(registry *Registry, known *SubsystemRegistry) ([]*Node, error) {
	table, err := mounttable.Snapshot()
	if err != nil {
		return nil, err
	}

	var roots []*Node
	seen := map[string]struct{}{}

	for _, e := range table.Entries() {
		if e.Type != "cgroup" && e.Type != "cgroup2" {
			continue
		}
		if _, ok := seen[e.Mountpoint]; ok {
			continue
		}

		var names []Name
		for _, c := range known.All() {
			if e.HasFlag(string(c.Name())) {
				names = append(names, c.Name())
			}
		}
		if len(names) == 0 {
			continue
		}
		seen[e.Mountpoint] = struct{}{}

		set := NewSet(names...)
		root := registry.RootFor(e.Mountpoint, set)
		if err := walkChildren(root, e.Mountpoint); err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}

	return roots, nil
}

// walkChildren recursively populates node's children from the on-disk
// cgroup directory tree, ignoring any top-level entry that is not the
// application's own root, see AppRootName.
func walkChildren(root *Node, mountpoint string) error {
	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() != AppRootName {
			continue
		}
		appRoot := root.Child(e.Name())
		appRoot.setState(stateMaterialized)
		if err := walkSubdirs(appRoot, filepath.Join(mountpoint, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func walkSubdirs(node *Node, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child := node.Child(e.Name())
		child.setState(stateMaterialized)
		if err := walkSubdirs(child, filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
