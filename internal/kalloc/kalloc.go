// Package kalloc implements component C: the virtual kernel allocator and
// the byte-granular heap layered on top of it (§4.C).
//
// Grounded on the teacher's description of its own kernel allocator
// (biscuit keeps an analogous watermark-plus-backed-pages split, visible
// in how mem.Physmem_t's Pmap_new/Refpg_new separate "get a page" from
// "get a virtual slot for it"); no biscuit heap.go file was retrieved in
// this pack, so the heap's internal free-list layout here is original to
// this module, built to resolve the spec's documented Open Question:
// "Heap free is a silent no-op. Any conformant reimplementation must
// actually free, because the behaviour here is a known defect, not a
// design choice." AllocateUnbacked/AllocateBacked/FreeBacked follow §4.C
// exactly, including "unbacked allocations are not reclaimed" being
// explicitly permitted.
package kalloc

import (
	"sync"

	"vkernel/internal/defs"
	"vkernel/internal/mem"
	"vkernel/internal/vas"
)

// KernelVM is the monotonic watermark allocator over a fixed kernel
// virtual address range (§4.C).
type KernelVM struct {
	mu        sync.Mutex
	watermark uintptr
	limit     uintptr
}

// NewKernelVM creates a watermark allocator spanning [base, limit).
func NewKernelVM(base, limit uintptr) *KernelVM {
	if base >= limit {
		panic("kalloc: empty kernel virtual range")
	}
	return &KernelVM{watermark: base, limit: limit}
}

// AllocateUnbacked hands out `bytes` (rounded up to a page) of kernel
// virtual address space with no frame mapped yet. It is never reclaimed,
// per §4.C.
func (k *KernelVM) AllocateUnbacked(bytes int) (uintptr, bool) {
	if bytes <= 0 {
		panic("kalloc: non-positive size")
	}
	pages := (bytes + mem.PageSize - 1) / mem.PageSize
	k.mu.Lock()
	defer k.mu.Unlock()
	need := uintptr(pages * mem.PageSize)
	if k.limit-k.watermark < need {
		return 0, false
	}
	v := k.watermark
	k.watermark += need
	return v, true
}

// Backer combines the unbacked allocator with frame allocation and
// mapping: AllocateBacked, and unmaps+returns frames on FreeBacked.
type Backer struct {
	kvm *KernelVM
	mm  *mem.Allocator
	kh  *vas.KernelHalf
}

// NewBacker constructs a Backer over the given kernel virtual range,
// frame allocator, and shared kernel half.
func NewBacker(kvm *KernelVM, mm *mem.Allocator, kh *vas.KernelHalf) *Backer {
	return &Backer{kvm: kvm, mm: mm, kh: kh}
}

// dummyVas lets Backer use the ordinary vas.Vas mapping API against the
// shared kernel half without needing a real process address space — every
// Vas routes kernel-range addresses to the same KernelHalf regardless of
// which Vas instance issues the call.
func (b *Backer) dummyVas() *vas.Vas {
	return vas.New(b.mm, b.kh)
}

// AllocateBacked reserves `pages` pages of kernel virtual space and backs
// each with a freshly allocated, mapped physical frame.
func (b *Backer) AllocateBacked(pages int, flags vas.Flags) (uintptr, defs.Err_t) {
	if pages <= 0 {
		panic("kalloc: non-positive page count")
	}
	virt, ok := b.kvm.AllocateUnbacked(pages * mem.PageSize)
	if !ok {
		return 0, defs.ENOMEM
	}
	v := b.dummyVas()
	for i := 0; i < pages; i++ {
		f, ok := b.mm.Allocate()
		if !ok {
			// best effort unwind of pages already mapped in this call
			for j := 0; j < i; j++ {
				pv := virt + uintptr(j*mem.PageSize)
				v.Lock_pmap()
				v.Unmap(pv)
				v.Unlock_pmap()
			}
			return 0, defs.ENOMEM
		}
		pv := virt + uintptr(i*mem.PageSize)
		v.Lock_pmap()
		v.Map(pv, f, flags)
		v.Unlock_pmap()
	}
	return virt, 0
}

// FreeBacked unmaps `pages` pages starting at virt and returns their
// frames to the physical allocator.
func (b *Backer) FreeBacked(virt uintptr, pages int) {
	v := b.dummyVas()
	for i := 0; i < pages; i++ {
		pv := virt + uintptr(i*mem.PageSize)
		v.Lock_pmap()
		v.Unmap(pv)
		v.Unlock_pmap()
	}
}

// bytesAt returns the live backing bytes for one backed page, by walking
// the shared kernel half the same way any other VAS would.
func (b *Backer) bytesAt(virt uintptr) []byte {
	v := b.dummyVas()
	v.Lock_pmap()
	f, ok := v.VirtToPhys(mem.PageAlign(virt))
	v.Unlock_pmap()
	if !ok {
		panic("kalloc: heap page unmapped underneath an allocation")
	}
	return b.mm.Dmap(f)
}

// sizeClasses are the byte-granular heap's free-list buckets: powers of
// two from 16B up to half a page. Anything larger is satisfied directly
// with whole backed pages.
var sizeClasses = [...]int{16, 32, 64, 128, 256, 512, 1024, 2048}

func classFor(n int) (int, bool) {
	for i, c := range sizeClasses {
		if n <= c {
			return i, true
		}
	}
	return 0, false
}

type tailPage struct {
	virt uintptr
	used int
}

// Heap is the byte-granular sub-page allocator layered on top of a
// Backer, replacing the teacher's documented no-op Free with an actual
// free-list.
type Heap struct {
	mu    sync.Mutex
	b     *Backer
	tails [len(sizeClasses)]*tailPage
	// free[i] holds the virtual address of the head of class i's free
	// list; the next pointer is stored in the first 8 bytes of each freed
	// block, the classic intrusive free-list layout.
	free [len(sizeClasses)]uintptr
	// large tracks page counts for allocations that bypassed the classes.
	large map[uintptr]int
}

// NewHeap constructs a heap backed by b.
func NewHeap(b *Backer) *Heap {
	return &Heap{b: b, large: make(map[uintptr]int)}
}

func (h *Heap) writeNext(addr uintptr, next uintptr) {
	buf := h.b.bytesAt(addr)
	off := int(mem.PageOffset(addr))
	putUintptr(buf[off:], next)
}

func (h *Heap) readNext(addr uintptr) uintptr {
	buf := h.b.bytesAt(addr)
	off := int(mem.PageOffset(addr))
	return getUintptr(buf[off:])
}

func putUintptr(b []byte, v uintptr) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUintptr(b []byte) uintptr {
	var v uintptr
	for i := 0; i < 8; i++ {
		v |= uintptr(b[i]) << (8 * i)
	}
	return v
}

// Alloc returns a kernel-heap allocation of at least n bytes.
func (h *Heap) Alloc(n int) (uintptr, defs.Err_t) {
	if n <= 0 {
		panic("kalloc: non-positive heap allocation")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ci, small := classFor(n)
	if !small {
		pages := (n + mem.PageSize - 1) / mem.PageSize
		virt, err := h.b.AllocateBacked(pages, vas.Writable|vas.Locked)
		if err != 0 {
			return 0, err
		}
		h.large[virt] = pages
		return virt, 0
	}

	if head := h.free[ci]; head != 0 {
		h.free[ci] = h.readNext(head)
		return head, 0
	}

	classSize := sizeClasses[ci]
	t := h.tails[ci]
	if t == nil || t.used+classSize > mem.PageSize {
		virt, err := h.b.AllocateBacked(1, vas.Writable|vas.Locked)
		if err != 0 {
			return 0, err
		}
		t = &tailPage{virt: virt}
		h.tails[ci] = t
	}
	addr := t.virt + uintptr(t.used)
	t.used += classSize
	return addr, 0
}

// Free returns an allocation made by Alloc to the heap. Unlike the
// teacher's documented no-op, this actually reclaims the memory: small
// allocations rejoin their size class's free list; large allocations are
// unmapped and their frames returned to the physical allocator.
func (h *Heap) Free(addr uintptr, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if pages, ok := h.large[addr]; ok {
		delete(h.large, addr)
		h.b.FreeBacked(addr, pages)
		return
	}
	ci, small := classFor(n)
	if !small {
		panic("kalloc: free of unknown large allocation")
	}
	h.writeNext(addr, h.free[ci])
	h.free[ci] = addr
}
