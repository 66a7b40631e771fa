//go:build linux

package cgroups

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/blockspacer/porto/core/pathops"
	"github.com/blockspacer/porto/core/porterr"
)

// state is the per-node lifecycle: Unmaterialized -> Materialized ->
// Dismantling -> Gone.
type state int

const (
	stateUnmaterialized state = iota
	stateMaterialized
	stateDismantling
	stateGone
)

// RemoveTimeout bounds how long Remove retries kill+thaw before giving up
// and rmdir'ing regardless.
var RemoveTimeout = 30 * time.Second

const removeRetryInterval = 100 * time.Millisecond

// Node is one cgroup: either the root of a controller-set mount, or a
// named child under it. Non-root nodes hold a strong reference to their
// parent; parents reach children only through the weak (prune-on-access)
// children map, avoiding a reference cycle a garbage collector would
// otherwise have to break.
type Node struct {
	registry *Registry

	mu   sync.Mutex
	name string
	// parent is nil only for roots.
	parent *Node
	state  state

	// root-only fields.
	mountpoint  string
	controllers Set
	// generation distinguishes this root instance from whatever root the
	// registry hands out after a release+rebuild of the same key, so log
	// lines about a stale *Node don't get confused with its replacement.
	generation string

	children map[string]*Node
}

// IsRoot reports whether n is the root of its controller-set mount.
func (n *Node) IsRoot() bool { return n.parent == nil }

// Name returns the node's local name ("/" for roots).
func (n *Node) Name() string { return n.name }

// Controllers returns the controller set of the tree n belongs to.
func (n *Node) Controllers() Set {
	if n.parent == nil {
		return n.controllers
	}
	return n.parent.Controllers()
}

// Path returns the absolute cgroup directory: the recursive concatenation
// of names up the parent chain, rooted at the controller mount's
// mountpoint.
func (n *Node) Path() string {
	if n.parent == nil {
		return n.mountpoint
	}
	return filepath.Join(n.parent.Path(), n.name)
}

// Child returns the (possibly newly created) child named name. Idempotent:
// repeated calls with the same name and a live child return that child.
// A previously removed (Gone) child of the same name is pruned and
// replaced.
func (n *Node) Child(name string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	if c, ok := n.children[name]; ok {
		if c.stateSnapshot() != stateGone {
			return c
		}
		delete(n.children, name)
	}

	c := &Node{
		registry: n.registry,
		name:     name,
		parent:   n,
		children: make(map[string]*Node),
	}
	n.children[name] = c
	return c
}

func (n *Node) stateSnapshot() state {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) setState(s state) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Create ensures the backing cgroup directory exists. For a root it also
// performs the tmpfs+cgroup mount dance if the mount is not already there.
// Parents are created first. If memory is in the controller set,
// use_hierarchy is enabled once, at root-creation time only.
func (n *Node) Create(ctx context.Context) error {
	if n.stateSnapshot() == stateMaterialized {
		return nil
	}

	if n.parent != nil {
		if err := n.parent.Create(ctx); err != nil {
			return err
		}
	} else {
		if err := n.mountRoot(ctx); err != nil {
			return err
		}
	}

	path := n.Path()
	if err := os.MkdirAll(path, 0755); err != nil {
		return porterr.Kernel("mkdir", path, err)
	}

	if n.parent == nil && n.controllers.Has(Memory) {
		if err := n.SetKnob("memory.use_hierarchy", "1", false); err != nil {
			log.G(ctx).WithError(err).WithField("path", path).Warn("failed to enable memory.use_hierarchy")
		}
	}

	n.setState(stateMaterialized)
	return nil
}

// mountRoot mounts a tmpfs at the well-known parent directory (idempotent:
// a second call is a no-op if already mounted) and then one cgroup mount
// per controller group under it.
func (n *Node) mountRoot(ctx context.Context) error {
	parent := filepath.Dir(n.mountpoint)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return porterr.Kernel("mkdir", parent, err)
	}

	mounted, err := isMountpoint(parent)
	if err != nil {
		return err
	}
	if !mounted {
		if err := pathops.Mount("porto-cgroup", parent, "tmpfs", uintptr(unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV), "mode=755"); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(n.controllers.Names()))
	for _, c := range n.controllers.Names() {
		names = append(names, string(c))
	}
	opts := strings.Join(names, ",")

	if err := os.MkdirAll(n.mountpoint, 0755); err != nil {
		return porterr.Kernel("mkdir", n.mountpoint, err)
	}
	mounted, err = isMountpoint(n.mountpoint)
	if err != nil {
		return err
	}
	if err := pathops.Mount("cgroup", n.mountpoint, "cgroup", 0, opts); err != nil {
		if !mounted {
			return err
		}
	}
	log.G(ctx).WithField("mountpoint", n.mountpoint).WithField("controllers", opts).WithField("generation", n.generation).Debug("cgroup root mounted")
	return nil
}

func isMountpoint(path string) (bool, error) {
	self, err := os.Stat(path)
	if err != nil {
		return false, porterr.Kernel("stat", path, err)
	}
	parent, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return false, porterr.Kernel("stat", filepath.Dir(path), err)
	}
	selfSys, ok1 := self.Sys().(*unix.Stat_t)
	parentSys, ok2 := parent.Sys().(*unix.Stat_t)
	if !ok1 || !ok2 {
		return false, nil
	}
	return selfSys.Dev != parentSys.Dev, nil
}

// Remove tears the node down. Root nodes are unmounted. Non-root nodes are
// emptied by killing every task and thawing the freezer, retried for up to
// RemoveTimeout, then rmdir'd regardless of whether emptying succeeded.
// The kernel rejects rmdir on a non-empty cgroup, which self-heals on the
// next attempt.
func (n *Node) Remove(ctx context.Context) error {
	if n.stateSnapshot() == stateGone {
		return nil
	}
	n.setState(stateDismantling)

	path := n.Path()

	if n.parent == nil {
		err := pathops.UnmountAll(n.mountpoint, unix.MNT_DETACH)
		n.setState(stateGone)
		n.registry.release(n)
		return err
	}

	deadline := time.Now().Add(RemoveTimeout)
	for time.Now().Before(deadline) {
		empty, err := n.emptyOnce(ctx)
		if err != nil {
			log.G(ctx).WithError(err).WithField("path", path).Debug("cgroup remove: transient error, retrying")
		}
		if empty {
			break
		}
		time.Sleep(removeRetryInterval)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.G(ctx).WithError(err).WithField("path", path).Warn("failed to rmdir cgroup, will retry on next attempt")
	}

	n.setState(stateGone)
	if n.parent != nil {
		n.parent.mu.Lock()
		delete(n.parent.children, n.name)
		n.parent.mu.Unlock()
	}
	return nil
}

func (n *Node) emptyOnce(ctx context.Context) (bool, error) {
	if err := n.Kill(unix.SIGKILL); err != nil {
		return false, err
	}
	if err := n.thawIfFrozen(); err != nil {
		return false, err
	}
	return n.IsEmpty()
}

func (n *Node) thawIfFrozen() error {
	if !n.Controllers().Has(Freezer) {
		return nil
	}
	if !n.HasKnob("freezer.state") {
		return nil
	}
	state, err := n.GetKnob("freezer.state")
	if err != nil {
		return err
	}
	if strings.TrimSpace(state) == "FROZEN" {
		return n.SetKnob("freezer.state", "THAWED", false)
	}
	return nil
}

// Attach writes pid into cgroup.procs. Attaching to the root is a no-op,
// every process on the host is implicitly a member of the root cgroup.
func (n *Node) Attach(pid int) error {
	if n.parent == nil {
		return nil
	}
	if n.stateSnapshot() != stateMaterialized {
		return errors.Errorf("cgroups: cannot attach to %s: not materialized", n.Path())
	}
	return n.SetKnob("cgroup.procs", strconv.Itoa(pid), true)
}

// Kill delivers signal to every task listed in "tasks". Killing the root is
// a no-op.
func (n *Node) Kill(signal unix.Signal) error {
	if n.parent == nil {
		return nil
	}
	pids, err := n.Tasks()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, pid := range pids {
		if err := unix.Kill(pid, signal); err != nil && err != unix.ESRCH {
			return porterr.Kernel("kill", strconv.Itoa(pid), err)
		}
	}
	return nil
}

// Processes reads cgroup.procs as a list of pids.
func (n *Node) Processes() ([]int, error) {
	return n.readPidKnob("cgroup.procs")
}

// Tasks reads "tasks" as a list of pids.
func (n *Node) Tasks() ([]int, error) {
	return n.readPidKnob("tasks")
}

func (n *Node) readPidKnob(knob string) ([]int, error) {
	lines, err := n.GetKnobLines(knob)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		pid, err := strconv.Atoi(l)
		if err != nil {
			continue
		}
		out = append(out, pid)
	}
	return out, nil
}

// IsEmpty reports whether Tasks() yields no pids.
func (n *Node) IsEmpty() (bool, error) {
	tasks, err := n.Tasks()
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(tasks) == 0, nil
}

// HasKnob reports whether the given knob file exists under this cgroup.
func (n *Node) HasKnob(name string) bool {
	_, err := os.Stat(filepath.Join(n.Path(), name))
	return err == nil
}

// GetKnob returns the raw contents of a knob file.
func (n *Node) GetKnob(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(n.Path(), name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetKnobLines returns a knob file's contents split into non-empty lines.
func (n *Node) GetKnobLines(name string) ([]string, error) {
	f, err := os.Open(filepath.Join(n.Path(), name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		if l := scanner.Text(); l != "" {
			lines = append(lines, l)
		}
	}
	return lines, scanner.Err()
}

// SetKnob writes value to a knob file, appending rather than truncating
// when append is true (used for cgroup.procs, which only accepts one pid
// per write and must not be truncated between writes).
func (n *Node) SetKnob(name, value string, appendWrite bool) error {
	flags := os.O_WRONLY
	if appendWrite {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	path := filepath.Join(n.Path(), name)
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return porterr.Kernel("open", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(value); err != nil {
		return porterr.Kernel("write", path, err)
	}
	return nil
}
