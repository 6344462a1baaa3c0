// Package memfs is an in-memory, writable filesystem implementing
// vfs.VnodeOps, grounded on the teacher's Ufs_t/fs.Fs_t pairing (biscuit's
// fs package) but without an on-disk log or block cache — every inode
// lives as a Go value for the hosted demo and test suite. Readdir is
// wired directly through the vnode contract (each directory inode keeps
// its own ordered child-name list), resolving the spec's documented open
// question about readdir's interaction with the vnode layer rather than
// preserving the distillation's ENOSYS stub (§4.F).
package memfs

import (
	"sync"

	"vkernel/internal/defs"
	"vkernel/internal/sched"
	"vkernel/internal/vfs"
)

type inode struct {
	mu       sync.Mutex
	isDir    bool
	data     []byte
	children []string
	nodes    map[string]*vfs.Vnode
	ino      uint64
}

var inoCounter uint64

func nextIno() uint64 {
	inoCounter++
	return inoCounter
}

// FS is an in-memory filesystem; its root directory is ready to mount as
// a vfs.Vnode.
type FS struct {
	Root *vfs.Vnode
}

// New creates an empty filesystem with one directory at the root.
func New() *FS {
	root := &inode{isDir: true, nodes: make(map[string]*vfs.Vnode), ino: nextIno()}
	return &FS{Root: vfs.NewVnode(vfs.TypeDirectory, root)}
}

// MountDevice grafts an externally-owned vnode (a device, e.g. from
// internal/vfs/devconsole or internal/vfs/devpipe) into the root
// directory under name, the in-memory analogue of a real filesystem's
// /dev directory entries pointing at character-device vnodes rather
// than file data. The filesystem takes one reference on v, matching the
// reference Create would have handed back for a freshly made inode.
func (f *FS) MountDevice(name string, v *vfs.Vnode) defs.Err_t {
	root := f.Root.Ops.(*inode)
	root.mu.Lock()
	defer root.mu.Unlock()
	if _, exists := root.nodes[name]; exists {
		return defs.EEXIST
	}
	v.Ref()
	root.nodes[name] = v
	root.children = append(root.children, name)
	return 0
}

func (n *inode) Read(_ *sched.Thread, dst []byte, offset int64) (int, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isDir {
		return 0, defs.EISDIR
	}
	if offset < 0 || offset > int64(len(n.data)) {
		return 0, 0
	}
	c := copy(dst, n.data[offset:])
	return c, 0
}

func (n *inode) Write(_ *sched.Thread, src []byte, offset int64) (int, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isDir {
		return 0, defs.EISDIR
	}
	if offset < 0 {
		return 0, defs.EINVAL
	}
	end := offset + int64(len(src))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[offset:end], src)
	return len(src), 0
}

func (n *inode) Lookup(name string) (*vfs.Vnode, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isDir {
		return nil, defs.ENOTDIR
	}
	v, ok := n.nodes[name]
	if !ok {
		return nil, defs.ENOENT
	}
	v.Ref()
	return v, 0
}

func (n *inode) Create(name string, isDir bool) (*vfs.Vnode, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isDir {
		return nil, defs.ENOTDIR
	}
	if _, exists := n.nodes[name]; exists {
		return nil, defs.EEXIST
	}
	child := &inode{isDir: isDir, ino: nextIno()}
	if isDir {
		child.nodes = make(map[string]*vfs.Vnode)
	}
	typ := vfs.TypeRegular
	if isDir {
		typ = vfs.TypeDirectory
	}
	v := vfs.NewVnode(typ, child)
	n.nodes[name] = v
	n.children = append(n.children, name)
	v.Ref()
	return v, 0
}

func (n *inode) Readdir(idx int) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isDir || idx < 0 || idx >= len(n.children) {
		return "", false
	}
	return n.children[idx], true
}

func (n *inode) Truncate(size int64) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isDir {
		return defs.EISDIR
	}
	if size < 0 {
		return defs.EINVAL
	}
	if int64(len(n.data)) == size {
		return 0
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return 0
}

func (n *inode) Stat() (vfs.Stat, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	mode := uint32(0)
	if n.isDir {
		mode = 1
	}
	return vfs.Stat{Ino: n.ino, Mode: mode, Size: int64(len(n.data))}, 0
}

func (n *inode) IsSeekable() bool { return !n.isDir }
func (n *inode) IsTTY() bool      { return false }
func (n *inode) Close() defs.Err_t { return 0 }
