//go:build linux

package cgroups

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootForInterning(t *testing.T) {
	reg := NewCgroupRegistry()
	set := NewSet(Memory, Cpu)

	a := reg.RootFor("/sys/fs/porto-cgroup", set)
	b := reg.RootFor("/sys/fs/porto-cgroup", set)
	assert.Same(t, a, b, "two lookups for the same (mount, controller-set) must return the same node")

	other := reg.RootFor("/sys/fs/porto-cgroup", NewSet(Freezer))
	assert.NotSame(t, a, other)
}

func TestChildIdempotent(t *testing.T) {
	reg := NewCgroupRegistry()
	root := reg.RootFor("/sys/fs/porto-cgroup", NewSet(Memory))

	c1 := root.Child("porto")
	c2 := root.Child("porto")
	assert.Same(t, c1, c2)
}

func TestChildPrunesDeadEntry(t *testing.T) {
	reg := NewCgroupRegistry()
	root := reg.RootFor("/sys/fs/porto-cgroup", NewSet(Memory))

	c1 := root.Child("gone-container")
	c1.setState(stateGone)

	c2 := root.Child("gone-container")
	assert.NotSame(t, c1, c2, "a Gone child must be pruned and replaced on next lookup")
}

func TestPathComposition(t *testing.T) {
	reg := NewCgroupRegistry()
	root := reg.RootFor("/sys/fs/porto-cgroup/memory", NewSet(Memory))
	require.Equal(t, "/sys/fs/porto-cgroup/memory", root.Path())

	app := root.Child("porto")
	assert.Equal(t, filepath.Join("/sys/fs/porto-cgroup/memory", "porto"), app.Path())

	container := app.Child("my-container")
	assert.Equal(t, filepath.Join("/sys/fs/porto-cgroup/memory", "porto", "my-container"), container.Path())
}

func TestControllersInheritedFromRoot(t *testing.T) {
	reg := NewCgroupRegistry()
	set := NewSet(Freezer, Memory)
	root := reg.RootFor("/sys/fs/porto-cgroup", set)
	child := root.Child("app").Child("leaf")

	assert.Equal(t, set.Key(), child.Controllers().Key())
}

func TestAttachToRootIsNoop(t *testing.T) {
	reg := NewCgroupRegistry()
	root := reg.RootFor("/sys/fs/porto-cgroup", NewSet(Memory))
	assert.NoError(t, root.Attach(1234))
}

func TestKillRootIsNoop(t *testing.T) {
	reg := NewCgroupRegistry()
	root := reg.RootFor("/sys/fs/porto-cgroup", NewSet(Freezer))
	assert.NoError(t, root.Kill(9))
}
