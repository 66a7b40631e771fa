package cgroups

import (
	"sync"

	"github.com/google/uuid"
)

// registryKey interns a root by the mount it lives under plus its
// controller set, so two lookups for the same (mount, controller-set) are
// guaranteed to hand back the same *Node: equality of two handles implies
// identity of the underlying kernel cgroup.
type registryKey struct {
	mountpoint string
	controllers string
}

// Registry is the process-wide interner for cgroup roots. Per the design notes it is not a
// package-level global: main constructs one and threads it through.
type Registry struct {
	mu    sync.Mutex
	roots map[registryKey]*Node
}

// NewCgroupRegistry constructs an empty interner.
func NewCgroupRegistry() *Registry {
	return &Registry{roots: make(map[registryKey]*Node)}
}

// RootFor returns the unique root Node for the given mountpoint and
// controller set, creating the in-memory node (but not the kernel mount,
// that happens lazily in Node.Create) if this is the first lookup for the
// key.
func (r *Registry) RootFor(mountpoint string, controllers Set) *Node {
	key := registryKey{mountpoint: mountpoint, controllers: controllers.Key()}

	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.roots[key]; ok && n.state != stateGone {
		return n
	}

	n := &Node{
		registry:    r,
		name:        "/",
		mountpoint:  mountpoint,
		controllers: controllers,
		generation:  uuid.NewString(),
		children:    make(map[string]*Node),
	}
	r.roots[key] = n
	return n
}

// release drops a root from the interner once its last holder has removed
// it, so a future RootFor call for the same key rebuilds from scratch
// instead of handing back a Gone node.
func (r *Registry) release(n *Node) {
	if n.parent != nil {
		return
	}
	key := registryKey{mountpoint: n.mountpoint, controllers: n.controllers.Key()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.roots[key]; ok && cur == n {
		delete(r.roots, key)
	}
}
