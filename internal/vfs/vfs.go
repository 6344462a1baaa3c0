// Package vfs implements component F: the vnode layer, path resolution,
// and the open-file/descriptor tables that sit on top of it. Grounded on
// the teacher's fd/fdops package pair (an Fdops_i interface implemented
// per descriptor kind, and an Fd_t wrapping one with permission bits) and
// generalized per the spec into a vnode abstraction so multiple mounted
// filesystems and device kinds share one path-resolution algorithm
// (§4.F), restoring the console and pipe devices original_source/ shows
// the distillation dropped (dev/console.c, dev/pipe.c).
package vfs

import (
	"sync"

	"vkernel/internal/defs"
	"vkernel/internal/sched"
)

// FileType distinguishes the handful of vnode kinds this module supports.
type FileType int

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeCharDevice
	TypeFIFO
)

// Stat mirrors the subset of file metadata the spec's stat-family
// syscalls need, grounded on the teacher's Stat_t accessor shape (§4.F).
type Stat struct {
	Ino  uint64
	Mode uint32
	Size int64
	Rdev uint
}

// VnodeOps is the per-filesystem operations table implemented by each
// concrete backing store (memfs, devpipe, devconsole): a Go interface is
// this module's vtable, playing the same role the teacher's Fdops_i
// interface plays per open descriptor, but scoped to the vnode rather
// than the descriptor so multiple open files on one vnode share state
// (§9: composition over inheritance).
// t identifies the calling kernel thread so an implementation that needs
// to block (devpipe, devconsole) can park it through the scheduler's own
// Semaphore rather than stalling the whole simulated CPU; memfs and other
// never-blocking backends simply ignore it.
type VnodeOps interface {
	Read(t *sched.Thread, dst []byte, offset int64) (int, defs.Err_t)
	Write(t *sched.Thread, src []byte, offset int64) (int, defs.Err_t)
	// Lookup resolves one path component below a directory vnode.
	Lookup(name string) (*Vnode, defs.Err_t)
	// Create makes a new child (file, unless isDir) below a directory
	// vnode and returns it already looked up.
	Create(name string, isDir bool) (*Vnode, defs.Err_t)
	// Readdir returns the name at directory offset idx, or ("", false) at
	// end of directory.
	Readdir(idx int) (name string, ok bool)
	Truncate(size int64) defs.Err_t
	Stat() (Stat, defs.Err_t)
	IsSeekable() bool
	IsTTY() bool
	Close() defs.Err_t
}

// Vnode is one filesystem object: a refcounted handle onto a VnodeOps
// implementation (§4.F). Refcounting errors are fatal: an Unref that
// would take the count below zero (a double drop) panics, as does a Ref
// of a vnode whose count has already reached zero. No other check is made
// on whether a vnode is still in use when a reference is dropped.
type Vnode struct {
	mu   sync.Mutex
	refs int
	Type FileType
	Ops  VnodeOps
}

// NewVnode wraps ops in a vnode with one reference, as returned by a
// Lookup/Create call.
func NewVnode(typ FileType, ops VnodeOps) *Vnode {
	return &Vnode{Type: typ, Ops: ops, refs: 1}
}

// Ref adds a reference to v.
func (v *Vnode) Ref() {
	v.mu.Lock()
	if v.refs <= 0 {
		panic("vfs: ref of a vnode with no outstanding references")
	}
	v.refs++
	v.mu.Unlock()
}

// Unref drops a reference, closing the underlying store once the count
// reaches zero. Dropping more references than were taken is fatal.
func (v *Vnode) Unref() {
	v.mu.Lock()
	if v.refs <= 0 {
		v.mu.Unlock()
		panic("vfs: double Unref of vnode")
	}
	v.refs--
	last := v.refs == 0
	v.mu.Unlock()
	if last {
		v.Ops.Close()
	}
}

const (
	maxPathLen = 2000
	maxNameLen = 256
)

// Resolve walks path, starting from root if path is absolute or cwd
// otherwise, following "." and ".." components and returning the final
// vnode with one reference owned by the caller (§4.F path resolution
// algorithm). Backtracking above the filesystem root ("/..") is a silent
// no-op rather than an error, matching the original source's behavior
// (original_source/_INDEX.md: vfs/copyinout.c's path walker). A relative
// path starts at cwd with no parents recorded, so its ".." components
// never climb above cwd. An empty path is EINVAL.
func Resolve(root, cwd *Vnode, path string) (*Vnode, defs.Err_t) {
	if len(path) == 0 {
		return nil, defs.EINVAL
	}
	if len(path) > maxPathLen {
		return nil, defs.ENAMETOOLONG
	}

	cur := cwd
	if len(path) > 0 && path[0] == '/' {
		cur = root
	}
	cur.Ref()

	// parents is a stack of ancestor vnodes so ".." can pop back up
	// without re-walking from the root (§4.F).
	var parents []*Vnode

	start := 0
	for start <= len(path) {
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		comp := path[start:end]
		start = end + 1

		switch comp {
		case "":
			// leading/trailing/doubled slash; nothing to do.
		case ".":
			// stay put.
		case "..":
			if len(parents) > 0 {
				cur.Unref()
				cur = parents[len(parents)-1]
				parents = parents[:len(parents)-1]
			}
			// at the root already: silent no-op (§4.F edge case).
		default:
			if len(comp) > maxNameLen {
				cur.Unref()
				for _, p := range parents {
					p.Unref()
				}
				return nil, defs.ENAMETOOLONG
			}
			next, err := cur.Ops.Lookup(comp)
			if err != 0 {
				cur.Unref()
				for _, p := range parents {
					p.Unref()
				}
				return nil, err
			}
			parents = append(parents, cur)
			cur = next
		}

		if end >= len(path) {
			break
		}
	}

	for _, p := range parents {
		p.Unref()
	}
	return cur, 0
}

// ResolveParent resolves all but the final component of path, returning
// the parent directory vnode and the final component's name — the shape
// Create/Unlink-style operations need (look up the directory, then act
// on one name within it).
func ResolveParent(root, cwd *Vnode, path string) (parent *Vnode, name string, err defs.Err_t) {
	if len(path) == 0 {
		return nil, "", defs.EINVAL
	}
	i := len(path) - 1
	for i >= 0 && path[i] == '/' {
		i--
	}
	if i < 0 {
		return nil, "", defs.EINVAL
	}
	trimmed := path[:i+1]
	slash := -1
	for j := i; j >= 0; j-- {
		if trimmed[j] == '/' {
			slash = j
			break
		}
	}
	if slash < 0 {
		dirPath := "."
		if len(path) > 0 && path[0] == '/' {
			dirPath = "/"
		}
		p, err := Resolve(root, cwd, dirPath)
		return p, trimmed, err
	}
	dirPath := trimmed[:slash]
	if dirPath == "" {
		dirPath = "/"
	}
	name = trimmed[slash+1:]
	if len(name) > maxNameLen {
		return nil, "", defs.ENAMETOOLONG
	}
	p, err := Resolve(root, cwd, dirPath)
	return p, name, err
}

// Open resolves path and returns a reference-counted OpenFile over it
// (§4.F "Open"): it may resolve to the parent and create the final
// component if OCreat is set and the name does not already exist,
// rejects OExcl|OCreat on an existing name, truncates a regular file
// opened with OTrunc, and refuses to open a directory for writing
// (either EISDIR or EROFS is spec-acceptable; this implementation
// returns EISDIR, matching §8 scenario 3). The returned OpenFile carries
// one reference; the caller is responsible for installing it into a
// descriptor table and Unref'ing on close.
func Open(root, cwd *Vnode, path string, flags int, mode int) (*OpenFile, defs.Err_t) {
	var v *Vnode
	var err defs.Err_t

	if flags&OCreat != 0 {
		var parent *Vnode
		var name string
		parent, name, err = ResolveParent(root, cwd, path)
		if err != 0 {
			return nil, err
		}
		if existing, lerr := parent.Ops.Lookup(name); lerr == 0 {
			parent.Unref()
			if flags&OExcl != 0 {
				existing.Unref()
				return nil, defs.EEXIST
			}
			v = existing
		} else {
			created, cerr := parent.Ops.Create(name, flags&ODir != 0)
			parent.Unref()
			if cerr != 0 {
				return nil, cerr
			}
			v = created
		}
	} else {
		v, err = Resolve(root, cwd, path)
		if err != 0 {
			return nil, err
		}
	}

	wantWrite := flags&(OWronly|ORdwr) != 0
	if v.Type == TypeDirectory && wantWrite {
		v.Unref()
		return nil, defs.EISDIR
	}

	if flags&OTrunc != 0 && wantWrite && v.Type == TypeRegular {
		if terr := v.Ops.Truncate(0); terr != 0 {
			v.Unref()
			return nil, terr
		}
	}

	return NewOpenFile(v, flags), 0
}
