package pgfault

import (
	"testing"
	"time"

	"vkernel/internal/blk"
	"vkernel/internal/defs"
	"vkernel/internal/mem"
	"vkernel/internal/sched"
	"vkernel/internal/swap"
	"vkernel/internal/vas"
)

func newHarness(frames int) (*mem.Allocator, *swap.Manager, *sched.Scheduler, *Handler) {
	alloc := mem.New(frames)
	dev := blk.NewMemDevice(mem.PageSize, 64)
	sw := swap.New(dev)
	s := sched.New()
	rep := NewReplacer(s, alloc, sw)
	alloc.SetReplacer(rep)
	h := NewHandler(alloc, sw)
	return alloc, sw, s, h
}

func waitDone(t *testing.T, th *sched.Thread) {
	t.Helper()
	select {
	case <-th.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("thread did not terminate")
	}
}

func TestAllocateOnAccessMapsAFrame(t *testing.T) {
	alloc, _, s, h := newHarness(16)
	kernel := vas.NewKernelHalf()
	v := vas.New(alloc, kernel)
	const addr = 0x1000
	v.Lock()
	v.Reserve(addr, vas.Present|vas.User|vas.Writable|vas.AllocOnAccess)
	v.Unlock()

	th := s.Spawn(10, v, func(self *sched.Thread) {
		if err := h.Handle(v, addr, true, false); err != 0 {
			t.Errorf("Handle: %v", err)
		}
	})
	waitDone(t, th)

	v.Lock()
	_, flags, ok := v.GetEntry(addr)
	v.Unlock()
	if !ok || flags&vas.Present == 0 || flags&vas.AllocOnAccess != 0 {
		t.Fatalf("expected present mapping with AllocOnAccess cleared, got %v (ok=%v)", flags, ok)
	}
}

func TestAccessViolationOnUnmappedAddress(t *testing.T) {
	alloc, _, _, h := newHarness(16)
	kernel := vas.NewKernelHalf()
	v := vas.New(alloc, kernel)
	if err := h.Handle(v, 0x9999000, false, false); err != defs.EFAULT {
		t.Fatalf("expected access violation, got %v", err)
	}
}

func TestCOWFaultGivesEachSideItsOwnFrame(t *testing.T) {
	alloc, _, s, h := newHarness(16)
	kernel := vas.NewKernelHalf()
	parent := vas.New(alloc, kernel)
	const addr = 0x2000
	f, ok := alloc.Allocate()
	if !ok {
		t.Fatalf("Allocate failed")
	}
	copy(alloc.Dmap(f), []byte("parent data"))
	parent.Lock()
	parent.Map(addr, f, vas.Present|vas.User|vas.Writable)
	parent.Unlock()

	sw := &noopResolver{alloc: alloc}
	child := parent.Copy(sw)

	th := s.Spawn(10, child, func(self *sched.Thread) {
		if err := h.Handle(child, addr, true, false); err != 0 {
			t.Errorf("Handle: %v", err)
		}
	})
	waitDone(t, th)

	child.Lock()
	childFrame, childFlags, _ := child.GetEntry(addr)
	child.Unlock()
	parent.Lock()
	parentFrame, parentFlags, _ := parent.GetEntry(addr)
	parent.Unlock()

	if childFrame == parentFrame {
		t.Fatalf("expected child to get its own frame after COW fault")
	}
	if childFlags&vas.COW != 0 || childFlags&vas.Writable == 0 {
		t.Fatalf("expected child mapping writable and COW-cleared, got %v", childFlags)
	}
	if parentFlags&vas.COW != 0 {
		t.Fatalf("expected parent's COW tag cleared once it is the sole remaining reference, got %v", parentFlags)
	}
}

// noopResolver satisfies vas.SwapResolver for tests that never actually
// swap; Copy only calls ReadIn for entries already evicted.
type noopResolver struct {
	alloc *mem.Allocator
}

func (n *noopResolver) ReadIn(slot uint64, dst []byte) {}

func TestSwapInRestoresContents(t *testing.T) {
	alloc, sw, s, h := newHarness(16)
	kernel := vas.NewKernelHalf()
	v := vas.New(alloc, kernel)
	const addr = 0x3000
	f, _ := alloc.Allocate()
	copy(alloc.Dmap(f), []byte("swap me out"))
	v.Lock()
	v.Map(addr, f, vas.Present|vas.User|vas.Writable)
	v.Unlock()

	buf := make([]byte, mem.PageSize)
	copy(buf, alloc.Dmap(f))
	slot := sw.Write(buf)
	v.Lock()
	v.MarkSwapped(addr, slot)
	v.Unlock()
	alloc.Free(f)

	th := s.Spawn(10, v, func(self *sched.Thread) {
		if err := h.Handle(v, addr, false, false); err != 0 {
			t.Errorf("Handle: %v", err)
		}
	})
	waitDone(t, th)

	v.Lock()
	newFrame, flags, ok := v.GetEntry(addr)
	v.Unlock()
	if !ok || flags&vas.Present == 0 || flags&vas.Locked != 0 {
		t.Fatalf("expected present, unlocked mapping after swap-in, got %v ok=%v", flags, ok)
	}
	got := alloc.Dmap(newFrame)[:len("swap me out")]
	if string(got) != "swap me out" {
		t.Fatalf("expected swapped-in contents restored, got %q", got)
	}
}

func TestReplacerEvictsWhenFramesExhausted(t *testing.T) {
	alloc, _, s, h := newHarness(2) // tiny pool forces eviction
	kernel := vas.NewKernelHalf()
	v := vas.New(alloc, kernel)

	th := s.Spawn(10, v, func(self *sched.Thread) {
		for i := 0; i < 4; i++ {
			addr := uintptr(0x10000 + i*mem.PageSize)
			v.Lock()
			v.Reserve(addr, vas.Present|vas.User|vas.Writable|vas.AllocOnAccess)
			v.Unlock()
			if err := h.Handle(v, addr, true, false); err != 0 {
				t.Errorf("Handle page %d: %v", i, err)
			}
		}
	})
	waitDone(t, th)
}

func TestLockedNotPresentPanics(t *testing.T) {
	alloc, _, _, h := newHarness(16)
	kernel := vas.NewKernelHalf()
	v := vas.New(alloc, kernel)
	const addr = 0x4000
	v.Lock()
	v.Reserve(addr, vas.User|vas.Writable|vas.Locked)
	v.Unlock()

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on locked-but-not-present entry")
		}
	}()
	h.Handle(v, addr, false, false)
}

func TestWriteToReadOnlyNonCowIsAccessViolation(t *testing.T) {
	alloc, _, _, h := newHarness(16)
	kernel := vas.NewKernelHalf()
	v := vas.New(alloc, kernel)
	const addr = 0x5000
	f, _ := alloc.Allocate()
	v.Lock()
	v.Map(addr, f, vas.Present|vas.User)
	v.Unlock()

	if err := h.Handle(v, addr, true, false); err != defs.EFAULT {
		t.Fatalf("expected EFAULT for a write to a read-only, non-cow page, got %v", err)
	}
}
