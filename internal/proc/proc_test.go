package proc

import (
	"testing"
	"time"

	"vkernel/internal/defs"
	"vkernel/internal/mem"
	"vkernel/internal/sched"
	"vkernel/internal/vas"
	"vkernel/internal/vfs"
	"vkernel/internal/vfs/memfs"
)

func waitDone(t *testing.T, th *sched.Thread) {
	t.Helper()
	select {
	case <-th.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("thread did not terminate")
	}
}

func newTestProcess(s *sched.Scheduler) *Process {
	alloc := mem.New(64)
	kernel := vas.NewKernelHalf()
	fs := memfs.New()
	return New(s, alloc, kernel, fs.Root, fs.Root)
}

func TestSbrkGrowsAndReportsPriorBreak(t *testing.T) {
	s := sched.New()
	p := newTestProcess(s)

	first, err := p.Sbrk(0)
	if err != 0 {
		t.Fatalf("Sbrk(0): %v", err)
	}
	if first != brkBase {
		t.Fatalf("expected initial break at brkBase, got %#x", first)
	}

	prior, err := p.Sbrk(int(mem.PageSize) * 2)
	if err != 0 {
		t.Fatalf("Sbrk growth: %v", err)
	}
	if prior != brkBase {
		t.Fatalf("expected Sbrk to report pre-growth break, got %#x", prior)
	}

	again, err := p.Sbrk(0)
	if err != 0 {
		t.Fatalf("Sbrk(0) after growth: %v", err)
	}
	want := brkBase + uintptr(mem.PageSize)*2
	if again != want {
		t.Fatalf("expected break at %#x, got %#x", want, again)
	}
}

func TestSbrkReservedPagesAreAllocOnAccess(t *testing.T) {
	s := sched.New()
	p := newTestProcess(s)

	if _, err := p.Sbrk(int(mem.PageSize)); err != 0 {
		t.Fatalf("Sbrk: %v", err)
	}

	p.Vas.Lock()
	_, flags, ok := p.Vas.GetEntry(brkBase)
	p.Vas.Unlock()
	if !ok {
		t.Fatalf("expected a reservation at brkBase")
	}
	if flags&vas.AllocOnAccess == 0 || flags&vas.Present != 0 {
		t.Fatalf("expected an unbacked allocate-on-access reservation, got %v", flags)
	}
}

func TestSbrkShrinkUnmapsFreedPages(t *testing.T) {
	s := sched.New()
	p := newTestProcess(s)

	if _, err := p.Sbrk(int(mem.PageSize) * 2); err != 0 {
		t.Fatalf("grow: %v", err)
	}
	if _, err := p.Sbrk(-int(mem.PageSize)); err != 0 {
		t.Fatalf("shrink: %v", err)
	}

	p.Vas.Lock()
	_, _, stillThere := p.Vas.GetEntry(brkBase + uintptr(mem.PageSize))
	p.Vas.Unlock()
	if stillThere {
		t.Fatalf("expected the freed page's reservation to be gone")
	}
}

func TestSbrkRejectsShrinkBelowBase(t *testing.T) {
	s := sched.New()
	p := newTestProcess(s)

	if _, err := p.Sbrk(-int(mem.PageSize)); err == 0 {
		t.Fatalf("expected EINVAL shrinking below brkBase")
	}
}

type forkResolver struct{}

func (forkResolver) ReadIn(slot uint64, dst []byte) {}

func TestForkCreatesDistinctProcessAndAddressSpace(t *testing.T) {
	s := sched.New()
	p := newTestProcess(s)

	const addr = 0x5000
	p.Vas.Lock()
	p.Vas.Reserve(addr, vas.Present|vas.User|vas.Writable|vas.AllocOnAccess)
	p.Vas.Unlock()

	childDone := make(chan *Process, 1)
	child := p.Fork(forkResolver{}, 10, func(c *Process, self *sched.Thread) {
		childDone <- c
	})
	select {
	case <-childDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("child thread never ran")
	}

	if child.ID == p.ID {
		t.Fatalf("expected distinct pids, both got %d", p.ID)
	}
	if child.Vas == p.Vas {
		t.Fatalf("expected fork to produce a distinct address space")
	}
}

func TestTerminateReleasesDescriptorsAndVnodeRefs(t *testing.T) {
	s := sched.New()
	p := newTestProcess(s)
	p.Root.Ref()
	fd, err := p.FD.Install(vfs.NewOpenFile(p.Root, vfs.ORdonly), false)
	if err != 0 {
		t.Fatalf("Install: %v", err)
	}
	p.Terminate()
	if _, err := p.FD.Get(fd); err != defs.EBADF {
		t.Fatalf("expected descriptor %d to be closed by Terminate, got %v", fd, err)
	}
	p.ReapVas()
}
