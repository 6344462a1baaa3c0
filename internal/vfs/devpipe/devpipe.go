// Package devpipe implements an anonymous pipe pair, restoring the
// functionality original_source/'s dev/pipe.c provides that spec.md's
// distillation dropped (see SPEC_FULL.md's restored-devices section).
// Built on internal/circbuf for the byte ring and internal/sched's
// Semaphore for blocking reader/writer backpressure, the same pairing
// the teacher's own console buffer uses (a Circbuf_t plus a condition
// signaled through the scheduler) — generalized here into a symmetric
// two-endpoint object instead of console's single always-open buffer.
package devpipe

import (
	"sync"

	"vkernel/internal/circbuf"
	"vkernel/internal/defs"
	"vkernel/internal/sched"
	"vkernel/internal/vfs"
)

const capacity = 4096

// pipe is the shared state between a pipe's read and write endpoints.
type pipe struct {
	buf       *circbuf.Circbuf
	dataReady *sched.Semaphore // signaled when bytes become available
	spaceFree *sched.Semaphore // signaled when space frees up
	mu        sync.Mutex
	readers   int
	writers   int
}

// endpoint is one side (read or write) of a pipe, each a distinct vnode.
type endpoint struct {
	p        *pipe
	isWriter bool
	s        *sched.Scheduler
}

// New creates a connected pipe pair: a read-only vnode and a write-only
// vnode sharing one underlying buffer.
func New(s *sched.Scheduler) (readEnd, writeEnd *vfs.Vnode) {
	p := &pipe{
		buf:       circbuf.New(capacity),
		dataReady: sched.NewSemaphore(s, 0),
		spaceFree: sched.NewSemaphore(s, 0),
		readers:   1,
		writers:   1,
	}
	r := &endpoint{p: p, isWriter: false, s: s}
	w := &endpoint{p: p, isWriter: true, s: s}
	return vfs.NewVnode(vfs.TypeFIFO, r), vfs.NewVnode(vfs.TypeFIFO, w)
}

// Read blocks the calling thread (via the scheduler, never the host
// goroutine) until at least one byte is available or every writer has
// closed its end.
func (e *endpoint) Read(t *sched.Thread, dst []byte, offset int64) (int, defs.Err_t) {
	if e.isWriter {
		return 0, defs.EINVAL
	}
	for {
		n := e.p.buf.Read(dst)
		if n > 0 {
			e.p.spaceFree.Release()
			return n, 0
		}
		e.p.mu.Lock()
		writers := e.p.writers
		e.p.mu.Unlock()
		if writers == 0 {
			return 0, 0 // EOF: no writers remain
		}
		if killed := e.p.dataReady.Acquire(t); killed {
			return 0, defs.EINTR
		}
	}
}

// Write blocks until room is available in the buffer, matching a pipe's
// backpressure on a full ring rather than a short write.
func (e *endpoint) Write(t *sched.Thread, src []byte, offset int64) (int, defs.Err_t) {
	if !e.isWriter {
		return 0, defs.EINVAL
	}
	remaining := src
	written := 0
	for len(remaining) > 0 {
		e.p.mu.Lock()
		readers := e.p.readers
		e.p.mu.Unlock()
		if readers == 0 {
			if written > 0 {
				return written, 0
			}
			return 0, defs.EGENERIC // broken pipe
		}
		n := e.p.buf.Write(remaining)
		if n > 0 {
			e.p.dataReady.Release()
			written += n
			remaining = remaining[n:]
			continue
		}
		if killed := e.p.spaceFree.Acquire(t); killed {
			if written > 0 {
				return written, 0
			}
			return 0, defs.EINTR
		}
	}
	return written, 0
}

func (e *endpoint) Lookup(name string) (*vfs.Vnode, defs.Err_t) { return nil, defs.ENOTDIR }

func (e *endpoint) Create(name string, isDir bool) (*vfs.Vnode, defs.Err_t) {
	return nil, defs.ENOTDIR
}

func (e *endpoint) Readdir(idx int) (string, bool) { return "", false }
func (e *endpoint) Truncate(size int64) defs.Err_t { return defs.EINVAL }

func (e *endpoint) Stat() (vfs.Stat, defs.Err_t) {
	return vfs.Stat{Rdev: defs.Mkdev(defs.D_PIPE, 0), Size: int64(e.p.buf.Used())}, 0
}

func (e *endpoint) IsSeekable() bool { return false }
func (e *endpoint) IsTTY() bool      { return false }

// Close decrements this endpoint's side of the pipe's open-reference
// accounting so the other side can observe EOF / broken-pipe.
func (e *endpoint) Close() defs.Err_t {
	e.p.mu.Lock()
	if e.isWriter {
		e.p.writers--
	} else {
		e.p.readers--
	}
	e.p.mu.Unlock()
	e.p.dataReady.Release() // wake any blocked reader so it observes EOF
	return 0
}
