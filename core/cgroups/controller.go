// Package cgroups builds, attaches processes to, freezes, kills, and tears
// down a hierarchical cgroup tree spanning the resource controllers
// discovered at runtime.
package cgroups

import (
	"sort"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Name is a typed cgroup controller name, grounded on the same enumeration
// other cgroup managers in the ecosystem use (other_examples's
// containerd-cgroups subsystem list) plus the porto-specific named
// hierarchy.
type Name string

const (
	Cpuset    Name = "cpuset"
	Cpu       Name = "cpu"
	Cpuacct   Name = "cpuacct"
	Memory    Name = "memory"
	Devices   Name = "devices"
	Freezer   Name = "freezer"
	NetCLS    Name = "net_cls"
	NetPrio   Name = "net_prio"
	Blkio     Name = "blkio"
	PerfEvent Name = "perf_event"
	Hugetlb   Name = "hugetlb"
	// NameSystemd is the "named" hierarchy systemd and porto both use to
	// track membership without a resource controller attached.
	NameSystemd Name = "name=systemd"
)

// Controller describes one kernel resource controller: its name plus the
// controller-specific knob helpers a few controllers need beyond the
// generic knob I/O every node supports.
type Controller struct {
	name Name
}

// Name returns the controller's kernel name.
func (c Controller) Name() Name { return c.name }

// NeedsHierarchy reports whether the controller requires
// memory.use_hierarchy=1 to be set once at root creation time.
func (c Controller) NeedsHierarchy() bool { return c.name == Memory }

// SupportsFreeze reports whether the controller exposes freezer.state.
func (c Controller) SupportsFreeze() bool { return c.name == Freezer }

// KnobsFromResources projects an OCI LinuxResources struct onto the bare
// knob writes this controller understands. Controllers with no structured
// mapping return nil; callers fall back to raw SetKnob.
func (c Controller) KnobsFromResources(r *specs.LinuxResources) map[string]string {
	if r == nil {
		return nil
	}
	switch c.name {
	case Memory:
		if r.Memory == nil {
			return nil
		}
		knobs := map[string]string{}
		if r.Memory.Limit != nil {
			knobs["memory.limit_in_bytes"] = strconv.FormatInt(*r.Memory.Limit, 10)
		}
		if r.Memory.Swap != nil {
			knobs["memory.memsw.limit_in_bytes"] = strconv.FormatInt(*r.Memory.Swap, 10)
		}
		return knobs
	case Cpu:
		if r.CPU == nil {
			return nil
		}
		knobs := map[string]string{}
		if r.CPU.Shares != nil {
			knobs["cpu.shares"] = strconv.FormatUint(*r.CPU.Shares, 10)
		}
		if r.CPU.Quota != nil {
			knobs["cpu.cfs_quota_us"] = strconv.FormatInt(*r.CPU.Quota, 10)
		}
		if r.CPU.Period != nil {
			knobs["cpu.cfs_period_us"] = strconv.FormatUint(*r.CPU.Period, 10)
		}
		return knobs
	case Cpuset:
		if r.CPU == nil {
			return nil
		}
		knobs := map[string]string{}
		if r.CPU.Cpus != "" {
			knobs["cpuset.cpus"] = r.CPU.Cpus
		}
		if r.CPU.Mems != "" {
			knobs["cpuset.mems"] = r.CPU.Mems
		}
		return knobs
	default:
		return nil
	}
}

// SubsystemRegistry enumerates the fixed set of controllers the daemon
// knows about. Grounded on other_examples's Subsystems() helper, extended
// with the named systemd hierarchy.
type SubsystemRegistry struct {
	all []Controller
}

// NewSubsystemRegistry returns a registry over the canonical controller set.
func NewSubsystemRegistry() *SubsystemRegistry {
	names := []Name{
		Cpuset, Cpu, Cpuacct, Memory, Devices, Freezer,
		NetCLS, NetPrio, Blkio, PerfEvent, Hugetlb, NameSystemd,
	}
	r := &SubsystemRegistry{all: make([]Controller, 0, len(names))}
	for _, n := range names {
		r.all = append(r.all, Controller{name: n})
	}
	return r
}

// All returns every known controller.
func (r *SubsystemRegistry) All() []Controller {
	out := make([]Controller, len(r.all))
	copy(out, r.all)
	return out
}

// Find returns the controller registered under name, if known.
func (r *SubsystemRegistry) Find(name Name) (Controller, bool) {
	for _, c := range r.all {
		if c.name == name {
			return c, true
		}
	}
	return Controller{}, false
}

// Set is an immutable, order-independent set of controller names, the key
// used to intern cgroup roots.
type Set struct {
	canonical string
	names     []Name
}

// NewSet builds a Set from names, canonicalizing order so two sets with the
// same members always compare equal.
func NewSet(names ...Name) Set {
	sorted := make([]string, len(names))
	for i, n := range names {
		sorted[i] = string(n)
	}
	sort.Strings(sorted)
	out := make([]Name, len(sorted))
	for i, s := range sorted {
		out[i] = Name(s)
	}
	return Set{canonical: strings.Join(sorted, ","), names: out}
}

// Key returns a canonical string usable as a map key.
func (s Set) Key() string { return s.canonical }

// Names returns the controller names in canonical order.
func (s Set) Names() []Name {
	out := make([]Name, len(s.names))
	copy(out, s.names)
	return out
}

// Has reports whether name is a member of the set.
func (s Set) Has(name Name) bool {
	for _, n := range s.names {
		if n == name {
			return true
		}
	}
	return false
}
