// Package mem implements component A of the kernel: the physical page
// frame allocator. It owns a bitmap of machine page frames and hands them
// out and reclaims them one at a time with a rotating cursor. The
// reference counting (so copy-on-write sharing, component B, can tell
// when a frame's last owner has let go) and the direct-map style byte
// view of a frame's contents are grounded on the teacher's mem.Physmem_t
// (biscuit/src/mem/mem.go); the bitmap itself is this module's own
// choice, since Physmem_t keeps a free list.
//
// Because real MMU-backed physical memory is outside this module's scope
// (§1 of the spec treats bootloader/memory-map ingestion as an external
// collaborator), frames are backed by a plain Go byte arena sized
// frameCount*PageSize. This is the hosted substitute for the direct-mapped
// physical memory window the teacher's Dmap provides.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"vkernel/internal/bitmap"
	"vkernel/internal/util"
)

// PageSize is the size in bytes of a single page frame.
const PageSize = 4096

// Frame identifies a physical page frame by its base address (a multiple
// of PageSize). The zero Frame is never a valid allocated frame.
type Frame uintptr

// Replacer chooses and evicts a victim page when the frame allocator is
// exhausted, handing its now-free frame back. It is implemented by
// internal/pgfault and registered with SetReplacer; the frame allocator
// stays leaf-most (dependency order A precedes G) while still being able
// to trigger eviction, matching §4.A's "allocator delegates to the page
// replacer" requirement.
type Replacer interface {
	// Evict picks a victim, writes it to swap, and returns the frame it
	// freed. ok is false if there is truly nothing evictable.
	Evict() (Frame, bool)
}

// Allocator is the physical frame allocator (component A).
type Allocator struct {
	mu       sync.Mutex
	bm       *bitmap.Bitmap
	arena    []byte
	base     Frame
	refcnt   []int32
	replacer Replacer
}

// New creates an allocator managing frameCount frames of physical memory.
func New(frameCount int) *Allocator {
	if frameCount <= 0 {
		panic("mem: frameCount must be positive")
	}
	return &Allocator{
		bm:     bitmap.New(frameCount),
		arena:  make([]byte, frameCount*PageSize),
		base:   Frame(PageSize), // frame 0 is reserved, matching the teacher's "nonexistent" guard page
		refcnt: make([]int32, frameCount),
	}
}

// SetReplacer installs the page replacer used when the allocator is
// exhausted. It must be called once during boot before the first
// Allocate that could exhaust the pool.
func (a *Allocator) SetReplacer(r Replacer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replacer = r
}

func (a *Allocator) idxOf(f Frame) int {
	if f < a.base {
		panic("mem: frame below base")
	}
	idx := int((f - a.base) / PageSize)
	if idx < 0 || idx >= a.bm.Len() {
		panic("mem: frame out of range")
	}
	return idx
}

func (a *Allocator) frameOf(idx int) Frame {
	return a.base + Frame(idx*PageSize)
}

// Allocate claims one frame, recursively invoking the replacer if the pool
// is exhausted (§4.A). The returned frame has refcount 1.
func (a *Allocator) Allocate() (Frame, bool) {
	idx, ok := a.bm.Alloc()
	if ok {
		atomic.StoreInt32(&a.refcnt[idx], 1)
		f := a.frameOf(idx)
		clear(a.bytesFor(f))
		return f, true
	}
	a.mu.Lock()
	r := a.replacer
	a.mu.Unlock()
	if r == nil {
		return 0, false
	}
	// Recursive call into the replacer, which may itself need to allocate
	// a frame to write the victim's contents into the page-fault handler's
	// remap step — the recursion the spec warns must not deadlock (§5):
	// the replacer never touches this allocator's own lock while evicting.
	f, ok := r.Evict()
	if !ok {
		return 0, false
	}
	idx = a.idxOf(f)
	atomic.StoreInt32(&a.refcnt[idx], 1)
	clear(a.bytesFor(f))
	return f, true
}

// AllocateNoZero is Allocate without the zero-fill, used when the caller
// will immediately overwrite the whole frame (e.g. swap-in).
func (a *Allocator) AllocateNoZero() (Frame, bool) {
	idx, ok := a.bm.Alloc()
	if !ok {
		return a.Allocate()
	}
	atomic.StoreInt32(&a.refcnt[idx], 1)
	return a.frameOf(idx), true
}

// Free releases a frame back to the pool, asserting it was allocated.
// Frees are rotating-cursor allocated again only after the bitmap scan
// wraps back around to them, matching the teacher's "freshly freed frames
// less likely to be reused" remark.
func (a *Allocator) Free(f Frame) {
	idx := a.idxOf(f)
	a.bm.Free(idx)
}

// Refup increments a frame's reference count (used when a mapping is
// shared, e.g. read-only COW sharing in internal/vas).
func (a *Allocator) Refup(f Frame) {
	idx := a.idxOf(f)
	c := atomic.AddInt32(&a.refcnt[idx], 1)
	if c <= 0 {
		panic("mem: refup on dead frame")
	}
}

// Refdown decrements a frame's reference count, freeing it to the bitmap
// once it reaches zero. It reports whether the frame was freed.
func (a *Allocator) Refdown(f Frame) bool {
	idx := a.idxOf(f)
	c := atomic.AddInt32(&a.refcnt[idx], -1)
	if c < 0 {
		panic("mem: negative refcount")
	}
	if c == 0 {
		a.bm.Free(idx)
		return true
	}
	return false
}

// Refcnt reports a frame's current reference count.
func (a *Allocator) Refcnt(f Frame) int {
	idx := a.idxOf(f)
	return int(atomic.LoadInt32(&a.refcnt[idx]))
}

// bytesFor returns the raw byte slice backing a frame, with no bounds
// trimming — the hosted substitute for a direct-map window.
func (a *Allocator) bytesFor(f Frame) []byte {
	idx := a.idxOf(f)
	off := idx * PageSize
	return a.arena[off : off+PageSize]
}

// Dmap returns the byte slice backing the given frame, analogous to the
// teacher's Physmem_t.Dmap direct-map lookup.
func (a *Allocator) Dmap(f Frame) []byte {
	return a.bytesFor(f)
}

// Used reports whether a frame is currently allocated, for the closed-
// world bitmap/VAS-agreement property test (§8).
func (a *Allocator) Used(f Frame) bool {
	idx := a.idxOf(f)
	return a.bm.Used(idx)
}

// FreeCount reports how many frames remain unallocated.
func (a *Allocator) FreeCount() int {
	return a.bm.FreeCount()
}

// FrameCount reports the total number of frames this allocator manages.
func (a *Allocator) FrameCount() int {
	return a.bm.Len()
}

// String renders a short diagnostic summary.
func (a *Allocator) String() string {
	return fmt.Sprintf("mem.Allocator{frames=%d free=%d}", a.FrameCount(), a.FreeCount())
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// PageAlign rounds an address down to the start of its containing page.
func PageAlign(addr uintptr) uintptr {
	return util.Rounddown(addr, uintptr(PageSize))
}

// PageOffset returns the offset of addr within its page.
func PageOffset(addr uintptr) uintptr {
	return addr & (PageSize - 1)
}
