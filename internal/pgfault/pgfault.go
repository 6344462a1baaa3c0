// Package pgfault implements component G: the page-fault handler that
// ties the frame allocator (A), the address-space manager (B), the swap
// manager (D), and — via a temporarily locked mapping during swap-in —
// the VAS lock's reentrancy story together, exactly as described (§4.G
// of the spec, unchanged by the expansion).
//
// No single file in the retrieval pack implements this dispatch as a
// standalone unit (the teacher folds the equivalent logic into its own
// trap/fault path), so the five-case switch below is written directly
// from the spec's prose, in the voice of the surrounding packages: the
// same short, invariant-stating comment style as internal/vas and
// internal/mem.
package pgfault

import (
	"sort"

	"vkernel/internal/defs"
	"vkernel/internal/mem"
	"vkernel/internal/sched"
	"vkernel/internal/swap"
	"vkernel/internal/vas"
)

// Handler dispatches page faults for one kernel instance's shared frame
// allocator and swap manager.
type Handler struct {
	alloc *mem.Allocator
	sw    *swap.Manager
}

// NewHandler wires a fault handler to the frame allocator and swap
// manager it will call into on an allocate-on-access, copy-on-write, or
// swap-in fault.
func NewHandler(alloc *mem.Allocator, sw *swap.Manager) *Handler {
	return &Handler{alloc: alloc, sw: sw}
}

// Handle dispatches a fault at addr in v under the VAS lock (§4.G,
// §5's reentrant-lock contract: alreadyInFault must be true only when the
// calling code already holds v's lock for this same fault; Vas.CopyinBytes
// and CopyoutBytes release the lock before calling their fault hook, so a
// hook invoked from them passes false).
func (h *Handler) Handle(v *vas.Vas, addr uintptr, write bool, alreadyInFault bool) defs.Err_t {
	held := v.LockForFault(alreadyInFault)
	defer v.UnlockForFault(held)

	frame, flags, ok := v.GetEntry(addr)
	switch {
	case !ok:
		// Case 1: no page-table entry at all for a genuine access.
		return defs.EFAULT

	case flags&vas.AllocOnAccess != 0 && flags&vas.Present == 0:
		// Case 2: demand allocation on first touch.
		f, ok := h.alloc.Allocate()
		if !ok {
			return defs.ENOMEM
		}
		v.Map(addr, f, flags&^vas.AllocOnAccess)
		return 0

	case flags&vas.Present != 0 && flags&vas.COW != 0 && write:
		// Case 3: copy-on-write duplication.
		saved := make([]byte, mem.PageSize)
		copy(saved, h.alloc.Dmap(frame))
		nf, ok := h.alloc.Allocate()
		if !ok {
			return defs.ENOMEM
		}
		copy(h.alloc.Dmap(nf), saved)
		v.Map(addr, nf, flags&^vas.COW|vas.Writable)
		v.ClearCOWChain(addr, frame)
		return 0

	case flags&vas.Locked != 0 && flags&vas.Present == 0:
		// Case 4: a locked entry must never be evicted; seeing one
		// not-present indicates the invariant was already broken
		// elsewhere.
		panic("pgfault: locked page missing (structural corruption)")

	case flags&vas.Present == 0:
		// Case 5: the entry carries a swap slot. Fault it back in
		// through a temporarily locked mapping so the frame cannot be
		// chosen as a replacement victim mid-read.
		slot, isSwapped := v.SwapSlotAt(addr)
		if !isSwapped {
			return defs.EFAULT
		}
		nf, ok := h.alloc.AllocateNoZero()
		if !ok {
			return defs.ENOMEM
		}
		v.Map(addr, nf, flags|vas.Locked)
		h.sw.Read(h.alloc.Dmap(nf), slot)
		v.Reflag(addr, flags|vas.Present)
		return 0

	default:
		// Present, but none of the special cases applies: a genuine
		// permission violation (e.g. write to a present, non-writable,
		// non-cow page).
		return defs.EFAULT
	}
}

// Replacer is the page replacer registered with the frame allocator
// (mem.Allocator.SetReplacer), a clock-hand scan: handVA is carried as
// instance state across calls rather than restarting the scan from
// address zero each time, resolving the spec's documented open question
// on this point. No referenced bit is kept, so the first eligible page at
// or after the hand is evicted without a second chance.
type Replacer struct {
	s      *sched.Scheduler
	alloc  *mem.Allocator
	sw     *swap.Manager
	handVA uintptr
}

// NewReplacer builds a replacer that evicts from whichever VAS owns the
// currently running thread, matching the spec's "chooses a victim
// virtual address in the current VAS" (§4.G).
func NewReplacer(s *sched.Scheduler, alloc *mem.Allocator, sw *swap.Manager) *Replacer {
	return &Replacer{s: s, alloc: alloc, sw: sw}
}

// Evict implements mem.Replacer: pick a victim, write it to swap, and
// hand back the now-free frame.
func (r *Replacer) Evict() (mem.Frame, bool) {
	th := r.s.CurrentLocked()
	if th == nil || th.Owner == nil {
		return 0, false
	}
	v := th.Owner

	var candidates []uintptr
	v.Walk(func(virt uintptr, frame mem.Frame, flags vas.Flags) {
		if flags&vas.Locked != 0 || flags&vas.Present == 0 {
			return
		}
		// Skip frames shared by more than one mapping (COW siblings,
		// read-only shares): evicting would orphan the other side's
		// contents without actually freeing anything.
		if r.alloc.Refcnt(frame) != 1 {
			return
		}
		candidates = append(candidates, virt)
	})
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	idx := sort.Search(len(candidates), func(i int) bool { return candidates[i] >= r.handVA })
	if idx == len(candidates) {
		idx = 0
	}
	victim := candidates[idx]
	r.handVA = victim + mem.PageSize

	frame, _, _ := v.GetEntry(victim)
	buf := make([]byte, mem.PageSize)
	copy(buf, r.alloc.Dmap(frame))
	slot := r.sw.Write(buf)
	v.MarkSwapped(victim, slot)
	return frame, true
}
