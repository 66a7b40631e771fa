package cgroups

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetCanonicalOrderIndependence(t *testing.T) {
	a := NewSet(Memory, Cpu, Freezer)
	b := NewSet(Freezer, Cpu, Memory)
	assert.Equal(t, a.Key(), b.Key())
}

func TestSetHas(t *testing.T) {
	s := NewSet(Memory, Devices)
	assert.True(t, s.Has(Memory))
	assert.False(t, s.Has(Cpu))
}

func TestRegistryFind(t *testing.T) {
	r := NewSubsystemRegistry()
	c, ok := r.Find(Memory)
	require.True(t, ok)
	assert.True(t, c.NeedsHierarchy())

	_, ok = r.Find(Name("bogus"))
	assert.False(t, ok)
}

func TestFreezerSupportsFreeze(t *testing.T) {
	r := NewSubsystemRegistry()
	c, ok := r.Find(Freezer)
	require.True(t, ok)
	assert.True(t, c.SupportsFreeze())

	c, ok = r.Find(Cpu)
	require.True(t, ok)
	assert.False(t, c.SupportsFreeze())
}

func TestKnobsFromResourcesUnknownController(t *testing.T) {
	c := Controller{name: Blkio}
	assert.Nil(t, c.KnobsFromResources(&specs.LinuxResources{}))
}
