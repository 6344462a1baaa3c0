// Package proc supplements the spec's process data model with the
// container wiring that ties one address space, one descriptor table,
// and a thread list together under a single process id, and the fork
// orchestration that drives internal/vas's copy-on-write duplication
// (§9 Processes, supplementing spec.md §3's bare data model).
//
// No single teacher file owns exactly this aggregation (biscuit spreads
// the equivalent across its proc/sched packages), so Process is written
// directly against internal/vas, internal/vfs, and internal/sched's own
// public APIs, in the same short-comment, invariant-first voice as those
// leaf packages.
package proc

import (
	"sync"
	"sync/atomic"

	"vkernel/internal/defs"
	"vkernel/internal/mem"
	"vkernel/internal/sched"
	"vkernel/internal/vas"
	"vkernel/internal/vfs"
)

var nextPid int64

func allocPid() defs.Pid_t {
	return defs.Pid_t(atomic.AddInt64(&nextPid, 1))
}

// brkBase is the fixed user-space address a process's heap grows from,
// chosen well below vas.KernelBase.
const brkBase uintptr = 0x10000000

// Process aggregates one *vas.Vas, one *vfs.FDTable, an sbrk watermark,
// and its thread list (§9 Processes).
type Process struct {
	ID   defs.Pid_t
	Vas  *vas.Vas
	FD   *vfs.FDTable
	Root *vfs.Vnode
	Cwd  *vfs.Vnode

	mu      sync.Mutex
	brk     uintptr
	threads []*sched.Thread
	s       *sched.Scheduler
}

// New creates a fresh top-level process: an empty address space, an
// empty descriptor table, and one reference each on root and cwd.
func New(s *sched.Scheduler, mm *mem.Allocator, kernel *vas.KernelHalf, root, cwd *vfs.Vnode) *Process {
	root.Ref()
	cwd.Ref()
	return &Process{
		ID:   allocPid(),
		Vas:  vas.New(mm, kernel),
		FD:   vfs.NewFDTable(),
		Root: root,
		Cwd:  cwd,
		brk:  brkBase,
		s:    s,
	}
}

// Spawn starts the process's first (or an additional) thread running
// entry on this process's address space.
func (p *Process) Spawn(priority uint8, entry func(self *sched.Thread)) *sched.Thread {
	th := p.s.Spawn(priority, p.Vas, entry)
	p.mu.Lock()
	p.threads = append(p.threads, th)
	p.mu.Unlock()
	return th
}

// Threads returns the process's thread list, for a reaper loop to wait
// on.
func (p *Process) Threads() []*sched.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*sched.Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

// Sbrk adjusts the program break by delta bytes and returns its value
// from *before* the adjustment, matching sbrk(2). New pages are reserved
// allocate-on-access (demand-paged through component G on first touch)
// rather than eagerly backed, the user-space analogue of
// internal/kalloc's watermark allocator but operating on this process's
// own VAS instead of the shared kernel half.
func (p *Process) Sbrk(delta int) (uintptr, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.brk
	if delta == 0 {
		return old, 0
	}
	newBrk := uintptr(int64(old) + int64(delta))
	if newBrk < brkBase {
		return 0, defs.EINVAL
	}
	if newBrk >= vas.KernelBase {
		return 0, defs.ENOMEM
	}

	if delta > 0 {
		first := mem.PageAlign(old)
		if old%mem.PageSize != 0 {
			first += mem.PageSize
		}
		last := mem.PageAlign(newBrk - 1)
		p.Vas.Lock()
		for pg := first; pg <= last; pg += mem.PageSize {
			p.Vas.Reserve(pg, vas.Present|vas.User|vas.Writable|vas.AllocOnAccess)
		}
		p.Vas.Unlock()
	} else {
		firstFree := mem.PageAlign(newBrk)
		if newBrk%mem.PageSize != 0 {
			firstFree += mem.PageSize
		}
		last := mem.PageAlign(old - 1)
		p.Vas.Lock()
		for pg := firstFree; pg <= last; pg += mem.PageSize {
			p.Vas.Unmap(pg)
		}
		p.Vas.Unlock()
	}

	p.brk = newBrk
	return old, 0
}

// Fork duplicates p into a new process via copy-on-write (internal/vas's
// Copy) and a copied descriptor table whose slots share the parent's open
// files (fork(2) semantics),
// then spawns the child's first thread. threadEntry receives the child
// Process and its own new thread so it can, for instance, report
// "child returns 0" up through whatever syscall surface drove the fork
// (§9: parent-returns-child-pid / child-returns-0 is the caller's
// responsibility, not this package's).
func (p *Process) Fork(resolver vas.SwapResolver, priority uint8, threadEntry func(child *Process, self *sched.Thread)) *Process {
	p.mu.Lock()
	childVas := p.Vas.Copy(resolver)
	childFD := p.FD.ForkCopy()
	p.mu.Unlock()

	p.Root.Ref()
	p.Cwd.Ref()
	child := &Process{
		ID:   allocPid(),
		Vas:  childVas,
		FD:   childFD,
		Root: p.Root,
		Cwd:  p.Cwd,
		brk:  p.brk,
		s:    p.s,
	}

	th := p.s.SpawnForked(priority, childVas, func(self *sched.Thread) func(*sched.Thread) {
		return func(_ *sched.Thread) { threadEntry(child, self) }
	})
	child.mu.Lock()
	child.threads = append(child.threads, th)
	child.mu.Unlock()
	return child
}

// Terminate releases the process's file descriptors and its references
// on root/cwd. It does not destroy the address space: that must wait
// until the process's threads have actually left the scheduler's
// "current" slot, via ReapVas.
func (p *Process) Terminate() {
	for fd := 0; fd < vfs.NumFds; fd++ {
		p.FD.Close(fd)
	}
	p.Root.Unref()
	p.Cwd.Unref()
}

// ReapVas frees every physical frame still mapped in the process's
// address space. The caller is responsible for ensuring this process's
// VAS is no longer the scheduler's currently loaded one.
func (p *Process) ReapVas() {
	p.Vas.Destroy(false)
}
