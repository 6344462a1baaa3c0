// Package mount implements the device half of path resolution: splitting
// a "dev:/path" string and looking the device name up in a table of
// registered roots, each held with one reference for as long as it stays
// mounted (§4.F "obtain its root vnode, incrementing the refcount" /
// "the mount table holds one reference per mounted name").
package mount

import (
	"strings"
	"sync"

	"vkernel/internal/defs"
	"vkernel/internal/vfs"
)

// Table maps a device name ("hd0") to the root vnode of whatever
// filesystem or device driver is mounted there.
type Table struct {
	mu      sync.Mutex
	devices map[string]*vfs.Vnode
}

// New returns an empty mount table.
func New() *Table {
	return &Table{devices: make(map[string]*vfs.Vnode)}
}

// Register mounts root under name, taking one reference on it. EALREADY
// if the name is already taken.
func (t *Table) Register(name string, root *vfs.Vnode) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[name]; ok {
		return defs.EALREADY
	}
	root.Ref()
	t.devices[name] = root
	return 0
}

// Unregister drops the table's reference on name's root vnode. ENODEV if
// name was never mounted.
func (t *Table) Unregister(name string) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, ok := t.devices[name]
	if !ok {
		return defs.ENODEV
	}
	delete(t.devices, name)
	root.Unref()
	return 0
}

// Lookup returns name's mounted root, without taking an additional
// reference — callers that hand the vnode onward to vfs.Resolve rely on
// Resolve's own refcounting to produce the caller's reference.
func (t *Table) Lookup(name string) (*vfs.Vnode, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, ok := t.devices[name]
	if !ok {
		return nil, defs.ENODEV
	}
	return root, 0
}

// Split separates a "dev:/path" string into its device name and the
// remaining path (with the leading slash, if any, stripped). A bare
// "dev:" or "dev:/" leaves an empty remainder, which Resolve and Open
// pass on to vfs, where an empty path is EINVAL; such a path does not
// resolve to the device's root. A path with no colon is
// returned as an empty device name, leaving the caller's own cwd/root in
// effect.
func Split(path string) (dev, rest string) {
	idx := strings.IndexByte(path, ':')
	if idx < 0 {
		return "", path
	}
	dev = path[:idx]
	rest = strings.TrimPrefix(path[idx+1:], "/")
	return dev, rest
}

// Resolve splits the device prefix off path if present, looks its root
// up in the table, and resolves the remainder under that root (§4.F's
// resolution algorithm, "split off the device; look it up in the mount
// table; obtain its root vnode"). A path with no device prefix resolves
// relative to procRoot/procCwd instead — the process's own filesystem
// context, not the mount table's. A device path's remainder is resolved
// relative to the device root, and a relative path without a device
// relative to procCwd; in both cases vfs.Resolve stops ".." at that
// starting vnode.
func (t *Table) Resolve(procRoot, procCwd *vfs.Vnode, path string) (*vfs.Vnode, defs.Err_t) {
	dev, rest := Split(path)
	if dev == "" {
		return vfs.Resolve(procRoot, procCwd, rest)
	}
	root, err := t.Lookup(dev)
	if err != 0 {
		return nil, err
	}
	return vfs.Resolve(root, root, rest)
}

// Open is the mount-table-aware entry point for §4.F's Open operation:
// it splits off any "dev:" prefix the same way Resolve does, then hands
// off to vfs.Open under whichever root the prefix (or the process's own
// root/cwd, for a bare relative path) selects.
func (t *Table) Open(procRoot, procCwd *vfs.Vnode, path string, flags int, mode int) (*vfs.OpenFile, defs.Err_t) {
	dev, rest := Split(path)
	if dev == "" {
		return vfs.Open(procRoot, procCwd, rest, flags, mode)
	}
	root, err := t.Lookup(dev)
	if err != 0 {
		return nil, err
	}
	return vfs.Open(root, root, rest, flags, mode)
}

// ResolveParent is Resolve's sibling for operations (create, unlink)
// that need the parent directory and final component name split apart.
func (t *Table) ResolveParent(procRoot, procCwd *vfs.Vnode, path string) (parent *vfs.Vnode, name string, err defs.Err_t) {
	dev, rest := Split(path)
	if dev == "" {
		return vfs.ResolveParent(procRoot, procCwd, rest)
	}
	root, err := t.Lookup(dev)
	if err != 0 {
		return nil, "", err
	}
	return vfs.ResolveParent(root, root, rest)
}
