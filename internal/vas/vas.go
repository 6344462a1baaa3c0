// Package vas implements component B of the kernel: the per-process
// virtual address space manager. It owns a (simulated) page table mapping
// page-aligned virtual addresses to a physical frame, a swap slot, or
// nothing, tagged with the closed set of flags from §3 of the spec.
//
// Grounded on the teacher's vm.Vm_t (biscuit/src/vm/as.go): the embedded
// mutex guarding the table, the pgfltaken boolean used only by the
// page-fault handler's reentrant lock, and Userdmap8_inner's "fault the
// page in, then hand back a slice" approach to user-pointer access are all
// carried over. Because this module does not run under a real MMU, the
// page table is a map[uintptr]*entry keyed by page-aligned address rather
// than a hardware-walked radix tree; the kernel-half sharing, copy-on-write
// demotion, and reentrant-lock discipline are unchanged in semantics.
package vas

import (
	"sync"

	"vkernel/internal/defs"
	"vkernel/internal/mem"
	"vkernel/internal/util"
)

// Flags are the closed set of per-page attributes from §3 of the spec.
type Flags uint32

const (
	Present Flags = 1 << iota
	Writable
	Executable
	User
	COW
	Locked        // never eligible for eviction
	AllocOnAccess // on first touch, allocate a zero frame
)

func (f Flags) String() string {
	s := ""
	add := func(set Flags, c byte) {
		if f&set != 0 {
			s += string(c)
		}
	}
	add(Present, 'P')
	add(Writable, 'W')
	add(Executable, 'X')
	add(User, 'U')
	add(COW, 'C')
	add(Locked, 'L')
	add(AllocOnAccess, 'A')
	if s == "" {
		return "-"
	}
	return s
}

// entry is one page-table slot. A slot with AllocOnAccess set and not
// Present is a reservation awaiting first touch; any other slot without
// the Present flag is an evicted page whose Slot field names its swap
// slot (slot 0 is a valid swap slot).
type entry struct {
	Frame mem.Frame
	Flags Flags
	Slot  uint64
}

// KernelHalf is the single shared set of kernel-space mappings every Vas
// installs by reference, guaranteeing identical kernel-side mappings
// across processes (§3).
type KernelHalf struct {
	mu    sync.Mutex
	pages map[uintptr]*entry
}

// NewKernelHalf creates the one kernel half shared by every Vas created
// after boot.
func NewKernelHalf() *KernelHalf {
	return &KernelHalf{pages: make(map[uintptr]*entry)}
}

func (k *KernelHalf) get(vpn uintptr) (*entry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.pages[vpn]
	return e, ok
}

func (k *KernelHalf) set(vpn uintptr, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pages[vpn] = e
}

func (k *KernelHalf) delete(vpn uintptr) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.pages, vpn)
}

// KernelBase is the lowest virtual address considered part of the shared
// kernel half; addresses at or above it are routed to the KernelHalf table
// instead of a Vas's own user-half table.
const KernelBase uintptr = 1 << 47

// SwapResolver lets Copy materialize a private copy of a page that is
// currently swapped out, instead of trying to share one swap slot between
// two address spaces (which would double-free it). It is implemented by
// internal/swap and supplied by whatever orchestrates fork
// (internal/proc's Fork), keeping this package leaf-most.
type SwapResolver interface {
	ReadIn(slot uint64, dst []byte)
}

// Vas is one virtual address space: one process's user-half mappings plus
// a reference to the shared kernel half. The mu field is the VAS
// lock from §5, ordered strictly below the scheduler lock.
type Vas struct {
	mu        sync.Mutex
	user      map[uintptr]*entry
	kernel    *KernelHalf
	mm        *mem.Allocator
	origin    *Vas // COW source, for propagating unshare (§4.B)
	pgfltaken bool
	destroyed bool
}

// New creates a fresh address space: an empty user half and a reference
// to the shared kernel half (§4.B "copies the shared kernel-half mappings
// by reference").
func New(mm *mem.Allocator, kernel *KernelHalf) *Vas {
	return &Vas{
		user:   make(map[uintptr]*entry),
		kernel: kernel,
		mm:     mm,
	}
}

// Lock_pmap acquires the VAS lock and marks that a page fault is in
// progress, mirroring the teacher's Vm_t.Lock_pmap exactly.
func (v *Vas) Lock_pmap() {
	v.mu.Lock()
	v.pgfltaken = true
}

// Unlock_pmap releases the VAS lock once page-table manipulation is done.
func (v *Vas) Unlock_pmap() {
	v.pgfltaken = false
	v.mu.Unlock()
}

// Lockassert_pmap panics if the VAS lock is not currently held for a
// fault, matching the teacher's debug assertion.
func (v *Vas) Lockassert_pmap() {
	if !v.pgfltaken {
		panic("vas: pgfl lock must be held")
	}
}

// LockForFault is the "try-lock-or-note-already-held" acquire reserved for
// the page-fault handler (§5, §9): if the caller passes
// alreadyInFault=true (it already holds v's lock for this fault), it is a
// no-op and reports true; otherwise it behaves like Lock_pmap and reports
// false. It does not inspect pgfltaken or which goroutine holds the lock;
// it relies on the caller's flag. Every other caller must use Lock/Unlock, which cannot nest.
func (v *Vas) LockForFault(alreadyInFault bool) (stillHeld bool) {
	if alreadyInFault {
		return true
	}
	v.Lock_pmap()
	return false
}

// UnlockForFault is the matching release for LockForFault.
func (v *Vas) UnlockForFault(wasAlreadyHeld bool) {
	if wasAlreadyHeld {
		return
	}
	v.Unlock_pmap()
}

// Lock acquires the VAS lock for ordinary (non-reentrant) callers.
func (v *Vas) Lock() { v.mu.Lock() }

// Unlock releases the VAS lock for ordinary callers.
func (v *Vas) Unlock() { v.mu.Unlock() }

func vpn(virt uintptr) uintptr {
	return mem.PageAlign(virt)
}

func (v *Vas) table(virt uintptr) (get func(uintptr) (*entry, bool), set func(uintptr, *entry), del func(uintptr)) {
	if virt >= KernelBase {
		return v.kernel.get, v.kernel.set, v.kernel.delete
	}
	return func(p uintptr) (*entry, bool) { e, ok := v.user[p]; return e, ok },
		func(p uintptr, e *entry) { v.user[p] = e },
		func(p uintptr) { delete(v.user, p) }
}

// Map installs virt -> phys with the given flags, replacing whatever was
// there (refdown'ing an old frame if present). Every mutating VAS
// operation is documented, as in the teacher, to require the caller to
// hold the VAS lock (Lock/Unlock or Lock_pmap/Unlock_pmap) first.
func (v *Vas) Map(virt uintptr, phys mem.Frame, flags Flags) {
	p := vpn(virt)
	get, set, _ := v.table(virt)
	if old, ok := get(p); ok && old.Frame != 0 && old.Flags&Present != 0 {
		v.mm.Refdown(old.Frame)
	}
	set(p, &entry{Frame: phys, Flags: flags | Present})
}

// Reserve marks virt as present-on-first-touch without allocating a frame
// yet (AllocOnAccess), the demand-paging half of component B. Present is
// stripped from flags regardless of what the caller passes: an
// AllocOnAccess entry is by definition not yet backed by a frame, and the
// fault handler's dispatch (§4.G) keys off that bit being clear.
func (v *Vas) Reserve(virt uintptr, flags Flags) {
	p := vpn(virt)
	_, set, _ := v.table(virt)
	set(p, &entry{Flags: flags&^Present | AllocOnAccess})
}

// Reflag changes the flags of an existing mapping without touching its
// frame or swap slot.
func (v *Vas) Reflag(virt uintptr, flags Flags) defs.Err_t {
	p := vpn(virt)
	get, set, _ := v.table(virt)
	e, ok := get(p)
	if !ok {
		return defs.EFAULT
	}
	ne := *e
	ne.Flags = flags
	set(p, &ne)
	return 0
}

// Unmap removes virt's mapping and returns the physical frame it held
// (the zero Frame if it held none), decrementing the frame's refcount.
// This reads the old physical address before overwriting the entry,
// resolving the documented "vas_unmap returns stale data" defect (§9
// Open Questions: "Implementers must read-then-write").
func (v *Vas) Unmap(virt uintptr) mem.Frame {
	p := vpn(virt)
	get, _, del := v.table(virt)
	e, ok := get(p)
	if !ok {
		return 0
	}
	old := e.Frame
	if e.Flags&Present != 0 && old != 0 {
		v.mm.Refdown(old)
	}
	del(p)
	return old
}

// VirtToPhys resolves a present mapping to its physical frame.
func (v *Vas) VirtToPhys(virt uintptr) (mem.Frame, bool) {
	p := vpn(virt)
	get, _, _ := v.table(virt)
	e, ok := get(p)
	if !ok || e.Flags&Present == 0 {
		return 0, false
	}
	return e.Frame, true
}

// GetEntry returns the raw (frame, flags, present) state of virt, used by
// the page-fault handler to classify a fault.
func (v *Vas) GetEntry(virt uintptr) (mem.Frame, Flags, bool) {
	p := vpn(virt)
	get, _, _ := v.table(virt)
	e, ok := get(p)
	if !ok {
		return 0, 0, false
	}
	return e.Frame, e.Flags, true
}

// SwapSlotAt returns the swap slot recorded at virt, if the entry is
// currently not resident (present in the table with the Present flag
// clear). It does not distinguish an AllocOnAccess reservation, whose
// slot reads as 0; callers check that flag first.
func (v *Vas) SwapSlotAt(virt uintptr) (uint64, bool) {
	p := vpn(virt)
	get, _, _ := v.table(virt)
	e, ok := get(p)
	if !ok || e.Flags&Present != 0 {
		return 0, false
	}
	return e.Slot, true
}

// MarkSwapped records that virt's contents now live at slot on the swap
// device, clearing Present and Locked (the page replacer's job, §4.G).
func (v *Vas) MarkSwapped(virt uintptr, slot uint64) {
	p := vpn(virt)
	get, set, _ := v.table(virt)
	e, ok := get(p)
	if !ok {
		panic("vas: swapping out an unmapped page")
	}
	ne := *e
	ne.Frame = 0
	ne.Flags &^= Present | Locked
	ne.Slot = slot
	set(p, &ne)
}

// Walk calls f for every entry in the user half, present or not and
// whatever its flags (callers filter), used by the page replacer to find
// a victim and by property tests to
// check the frame/VAS agreement invariant (§8).
func (v *Vas) Walk(f func(virt uintptr, frame mem.Frame, flags Flags)) {
	for p, e := range v.user {
		f(p, e.Frame, e.Flags)
	}
}

// Copy produces a logical clone of v for fork's copy-on-write duplication
// (§4.B). Every user-accessible present+writable page in both v and the
// clone is demoted to read-only+COW with its frame refcount bumped;
// present read-only pages are shared by reference with no demotion
// needed. A page currently swapped out is synchronously faulted back in
// for the *child* only (via resolver), so the two address spaces never
// contend over one swap slot.
func (v *Vas) Copy(resolver SwapResolver) *Vas {
	v.Lock_pmap()
	defer v.Unlock_pmap()

	child := New(v.mm, v.kernel)
	child.origin = v

	for p, e := range v.user {
		switch {
		case e.Flags&Present != 0 && e.Flags&User != 0 && e.Flags&Writable != 0:
			// demote both sides to COW, share the frame.
			ne := *e
			ne.Flags = ne.Flags&^Writable | COW
			e.Flags = e.Flags&^Writable | COW
			v.mm.Refup(e.Frame)
			cp := ne
			child.user[p] = &cp
		case e.Flags&Present != 0:
			// read-only (or non-user) present page: share outright.
			v.mm.Refup(e.Frame)
			cp := *e
			child.user[p] = &cp
		case e.Flags&AllocOnAccess != 0:
			cp := *e
			child.user[p] = &cp
		default:
			// swapped out: materialize a private copy for the child.
			f, ok := v.mm.AllocateNoZero()
			if !ok {
				panic("vas: out of memory duplicating swapped page")
			}
			resolver.ReadIn(e.Slot, v.mm.Dmap(f))
			cp := entry{Frame: f, Flags: (e.Flags &^ COW) | Present}
			child.user[p] = &cp
		}
	}
	return child
}

// ClearCOWChain is called after a copy-on-write fault has given virt its
// own private frame: it walks the origin chain and, if this was the last
// COW reference to the original frame, promotes the origin's mapping back
// to writable (§4.G step 3: "recursively clear the copy-on-write tag on
// the origin VAS chain so the last remaining cow reference can be
// promoted back to writable without a further copy").
func (v *Vas) ClearCOWChain(virt uintptr, frame mem.Frame) {
	o := v.origin
	for o != nil {
		o.Lock()
		p := vpn(virt)
		if e, ok := o.user[p]; ok && e.Frame == frame && e.Flags&COW != 0 {
			if o.mm.Refcnt(frame) == 1 {
				e.Flags = e.Flags&^COW | Writable
			}
		}
		next := o.origin
		o.Unlock()
		o = next
	}
}

// Destroy frees every user frame and releases the table. It refuses to
// operate on the currently loaded VAS, which it learns only from the
// caller's isCurrent argument: Vas keeps no record of which VAS is
// loaded.
func (v *Vas) Destroy(isCurrent bool) {
	if isCurrent {
		panic("vas: destroying the currently loaded VAS")
	}
	v.Lock()
	defer v.Unlock()
	if v.destroyed {
		panic("vas: double destroy")
	}
	for _, e := range v.user {
		if e.Flags&Present != 0 && e.Frame != 0 {
			v.mm.Refdown(e.Frame)
		}
	}
	v.user = nil
	v.destroyed = true
}

// CopyinBytes copies n bytes starting at the user virtual address va into
// a freshly allocated slice, faulting pages in via fault as needed — the
// hosted substitute for the teacher's Userdmap8_inner/Userbuf_t (§6's user
// pointer validation).
func (v *Vas) CopyinBytes(va uintptr, n int, fault func(v *Vas, addr uintptr, write bool) defs.Err_t) ([]byte, defs.Err_t) {
	out := make([]byte, n)
	if err := v.ioBytes(va, out, false, fault); err != 0 {
		return nil, err
	}
	return out, 0
}

// CopyoutBytes writes src to the user virtual address va, faulting pages
// in for write as needed.
func (v *Vas) CopyoutBytes(va uintptr, src []byte, fault func(v *Vas, addr uintptr, write bool) defs.Err_t) defs.Err_t {
	return v.ioBytes(va, src, true, fault)
}

func (v *Vas) ioBytes(va uintptr, buf []byte, write bool, fault func(v *Vas, addr uintptr, write bool) defs.Err_t) defs.Err_t {
	n := len(buf)
	done := 0
	for done < n {
		cur := va + uintptr(done)
		off := mem.PageOffset(cur)
		chunk := int(util.Min(uintptr(mem.PageSize)-off, uintptr(n-done)))

		v.Lock_pmap()
		f, flags, ok := v.GetEntry(cur)
		needFault := !ok || flags&Present == 0 || (write && flags&COW != 0)
		v.Unlock_pmap()

		if needFault {
			if err := fault(v, cur, write); err != 0 {
				return err
			}
			v.Lock_pmap()
			f, flags, ok = v.GetEntry(cur)
			v.Unlock_pmap()
			if !ok || flags&Present == 0 {
				return defs.EFAULT
			}
		}
		if flags&User == 0 {
			return defs.EFAULT
		}
		if write && flags&Writable == 0 {
			return defs.EFAULT
		}
		page := v.mm.Dmap(f)
		if write {
			copy(page[off:int(off)+chunk], buf[done:done+chunk])
		} else {
			copy(buf[done:done+chunk], page[off:int(off)+chunk])
		}
		done += chunk
	}
	return 0
}
