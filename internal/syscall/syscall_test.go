package syscall

import (
	"testing"
	"time"

	"vkernel/internal/blk"
	"vkernel/internal/defs"
	"vkernel/internal/mem"
	"vkernel/internal/mount"
	"vkernel/internal/pgfault"
	"vkernel/internal/proc"
	"vkernel/internal/sched"
	"vkernel/internal/swap"
	"vkernel/internal/vas"
	"vkernel/internal/vfs"
	"vkernel/internal/vfs/devconsole"
	"vkernel/internal/vfs/memfs"
)

// userBase is where every test process's scratch buffer for path
// strings and in/out registers lives; it is reserved allocate-on-access
// so Dispatch's own CopyinBytes/CopyoutBytes calls fault it in through
// the same path a real user process's heap growth would.
const userBase uintptr = 0x20000000

type harness struct {
	k    *Kernel
	p    *proc.Process
	s    *sched.Scheduler
	root *vfs.Vnode
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	alloc := mem.New(256)
	dev := blk.NewMemDevice(mem.PageSize, 256)
	sw := swap.New(dev)
	s := sched.New()
	fault := pgfault.NewHandler(alloc, sw)
	rep := pgfault.NewReplacer(s, alloc, sw)
	alloc.SetReplacer(rep)

	fs := memfs.New()
	console := devconsole.New(s, discard{}, 0)
	if err := fs.MountDevice("console", console); err != 0 {
		t.Fatalf("MountDevice: %v", err)
	}

	mt := mount.New()
	if err := mt.Register("hd0", fs.Root); err != 0 {
		t.Fatalf("Register: %v", err)
	}

	kernelHalf := vas.NewKernelHalf()
	p := proc.New(s, alloc, kernelHalf, fs.Root, fs.Root)

	k := &Kernel{Mount: mt, Fault: fault, Sched: s}

	p.Vas.Lock()
	p.Vas.Reserve(userBase, vas.Present|vas.User|vas.Writable|vas.AllocOnAccess)
	p.Vas.Unlock()

	return &harness{k: k, p: p, s: s, root: fs.Root}
}

type discard struct{}

func (discard) Write(b []byte) (int, error) { return len(b), nil }

// run spawns a thread on h's process and drives body to completion,
// mirroring internal/sched and internal/pgfault's own test harnesses:
// Dispatch's fault-in calls only make sense from inside a scheduled
// thread holding the run token.
func (h *harness) run(t *testing.T, body func(self *sched.Thread)) {
	t.Helper()
	th := h.p.Spawn(10, body)
	select {
	case <-th.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("thread did not terminate")
	}
}

func (h *harness) putString(t *testing.T, self *sched.Thread, va uintptr, s string) {
	t.Helper()
	b := append([]byte(s), 0)
	if err := h.p.Vas.CopyoutBytes(va, b, h.k.fault); err != 0 {
		t.Fatalf("CopyoutBytes path: %v", err)
	}
}

func (h *harness) getUint64(t *testing.T, va uintptr) uint64 {
	t.Helper()
	got, err := getUint64(h.p.Vas, h.k, va)
	if err != 0 {
		t.Fatalf("getUint64: %v", err)
	}
	return got
}

func TestOpenWriteReadCloseRoundTrip(t *testing.T) {
	h := newHarness(t)

	const pathVA = userBase
	const fdOutVA = userBase + 64
	const writeBufVA = userBase + 128
	const writeLenVA = userBase + 256
	const readBufVA = userBase + 384
	const readLenVA = userBase + 512

	payload := "hello from a syscall test"

	h.run(t, func(self *sched.Thread) {
		h.putString(t, self, pathVA, "hd0:/greeting")

		ret, err := Dispatch(h.k, h.p, self, SysOpen, Args{
			A0: pathVA,
			A1: uintptr(vfs.OCreat | vfs.ORdwr),
			A2: 0,
			A3: fdOutVA,
		})
		if err != 0 {
			t.Fatalf("open: %v", err)
		}
		_ = ret
		fd := h.getUint64(t, fdOutVA)

		if err := h.p.Vas.CopyoutBytes(writeBufVA, []byte(payload), h.k.fault); err != 0 {
			t.Fatalf("CopyoutBytes payload: %v", err)
		}

		_, err = Dispatch(h.k, h.p, self, SysWrite, Args{
			A0: writeBufVA,
			A1: uintptr(len(payload)),
			A2: uintptr(fd),
			A3: writeLenVA,
		})
		if err != 0 {
			t.Fatalf("write: %v", err)
		}
		if n := h.getUint64(t, writeLenVA); n != uint64(len(payload)) {
			t.Fatalf("write: expected %d bytes written, got %d", len(payload), n)
		}

		if perr := putUint64(h.p.Vas, h.k, writeLenVA, 0); perr != 0 {
			t.Fatalf("putUint64 lseek offset: %v", perr)
		}
		_, err = Dispatch(h.k, h.p, self, SysLseek, Args{A0: uintptr(fd), A1: writeLenVA, A2: uintptr(vfs.SeekSet)})
		if err != 0 {
			t.Fatalf("lseek: %v", err)
		}
		if off := h.getUint64(t, writeLenVA); off != 0 {
			t.Fatalf("lseek: expected offset 0, got %d", off)
		}

		_, err = Dispatch(h.k, h.p, self, SysRead, Args{
			A0: readBufVA,
			A1: uintptr(len(payload)),
			A2: uintptr(fd),
			A3: readLenVA,
		})
		if err != 0 {
			t.Fatalf("read: %v", err)
		}
		if n := h.getUint64(t, readLenVA); n != uint64(len(payload)) {
			t.Fatalf("read: expected %d bytes read, got %d", len(payload), n)
		}
		got, cerr := h.p.Vas.CopyinBytes(readBufVA, len(payload), h.k.fault)
		if cerr != 0 {
			t.Fatalf("CopyinBytes: %v", cerr)
		}
		if string(got) != payload {
			t.Fatalf("expected %q, got %q", payload, got)
		}

		if _, err := Dispatch(h.k, h.p, self, SysClose, Args{A0: uintptr(fd)}); err != 0 {
			t.Fatalf("close: %v", err)
		}
	})
}

func TestOpenExclOnExistingNameFails(t *testing.T) {
	h := newHarness(t)
	const pathVA = userBase
	const fdOutVA = userBase + 64

	h.run(t, func(self *sched.Thread) {
		h.putString(t, self, pathVA, "hd0:/dup")
		_, err := Dispatch(h.k, h.p, self, SysOpen, Args{
			A0: pathVA, A1: uintptr(vfs.OCreat | vfs.OWronly), A3: fdOutVA,
		})
		if err != 0 {
			t.Fatalf("first open: %v", err)
		}
		_, err = Dispatch(h.k, h.p, self, SysOpen, Args{
			A0: pathVA, A1: uintptr(vfs.OCreat | vfs.OExcl | vfs.OWronly), A3: fdOutVA,
		})
		if err != defs.EEXIST {
			t.Fatalf("expected EEXIST, got %v", err)
		}
	})
}

func TestDupFamilyAndSbrk(t *testing.T) {
	h := newHarness(t)
	const pathVA = userBase
	const fdOutVA = userBase + 64
	const sbrkOldVA = userBase + 128
	const sbrkNewVA = userBase + 256

	h.run(t, func(self *sched.Thread) {
		h.putString(t, self, pathVA, "hd0:/scratch")
		_, err := Dispatch(h.k, h.p, self, SysOpen, Args{
			A0: pathVA, A1: uintptr(vfs.OCreat | vfs.ORdwr), A3: fdOutVA,
		})
		if err != 0 {
			t.Fatalf("open: %v", err)
		}
		fd := h.getUint64(t, fdOutVA)

		dupped, err := Dispatch(h.k, h.p, self, SysDup, Args{A0: uintptr(fd)})
		if err != 0 {
			t.Fatalf("dup: %v", err)
		}
		if dupped == uintptr(fd) {
			t.Fatalf("dup returned the same descriptor")
		}

		const target = 50
		moved, err := Dispatch(h.k, h.p, self, SysDup2, Args{A0: dupped, A1: target})
		if err != 0 || moved != target {
			t.Fatalf("dup2: ret=%d err=%v", moved, err)
		}

		_, err = Dispatch(h.k, h.p, self, SysDup3, Args{A0: uintptr(fd), A1: uintptr(fd)})
		if err != defs.EINVAL {
			t.Fatalf("expected EINVAL for dup3 same fd, got %v", err)
		}

		_, err = Dispatch(h.k, h.p, self, SysSbrk, Args{A0: uintptr(mem.PageSize), A1: 0, A2: sbrkOldVA, A3: sbrkNewVA})
		if err != 0 {
			t.Fatalf("sbrk: %v", err)
		}
		oldBrk := h.getUint64(t, sbrkOldVA)
		newBrk := h.getUint64(t, sbrkNewVA)
		if newBrk != oldBrk+uint64(mem.PageSize) {
			t.Fatalf("expected brk to grow by one page, old=%d new=%d", oldBrk, newBrk)
		}
	})
}

func TestIsattyAndTermiosRoundTrip(t *testing.T) {
	h := newHarness(t)
	const pathVA = userBase
	const fdOutVA = userBase + 64
	const termiosVA = userBase + 128

	h.run(t, func(self *sched.Thread) {
		h.putString(t, self, pathVA, "hd0:/console")
		_, err := Dispatch(h.k, h.p, self, SysOpen, Args{
			A0: pathVA, A1: uintptr(vfs.ORdwr), A3: fdOutVA,
		})
		if err != 0 {
			t.Fatalf("open console: %v", err)
		}
		fd := h.getUint64(t, fdOutVA)

		if _, err := Dispatch(h.k, h.p, self, SysIsatty, Args{A0: uintptr(fd)}); err != 0 {
			t.Fatalf("isatty: expected a tty, got %v", err)
		}

		wire := encodeTermios(devconsole.Termios{Canonical: false, Echo: true})
		if err := h.p.Vas.CopyoutBytes(termiosVA, wire[:], h.k.fault); err != 0 {
			t.Fatalf("CopyoutBytes termios: %v", err)
		}
		if _, err := Dispatch(h.k, h.p, self, SysTcsetattr, Args{A0: uintptr(fd), A1: termiosVA, A2: TCSANOW}); err != 0 {
			t.Fatalf("tcsetattr: %v", err)
		}

		if _, err := Dispatch(h.k, h.p, self, SysTcgetattr, Args{A0: uintptr(fd), A1: termiosVA}); err != 0 {
			t.Fatalf("tcgetattr: %v", err)
		}
		got, cerr := h.p.Vas.CopyinBytes(termiosVA, 2, h.k.fault)
		if cerr != 0 {
			t.Fatalf("CopyinBytes termios: %v", cerr)
		}
		readBack := decodeTermios(got)
		if readBack.Canonical || !readBack.Echo {
			t.Fatalf("expected Canonical=false Echo=true, got %+v", readBack)
		}
	})
}

func TestTerminateDoesNotReturn(t *testing.T) {
	h := newHarness(t)
	reached := false
	h.run(t, func(self *sched.Thread) {
		Dispatch(h.k, h.p, self, SysTerminate, Args{})
		reached = true
	})
	if reached {
		t.Fatalf("expected terminate to unwind the thread via runtime.Goexit, not return")
	}
}

func TestWriteTooLargeIsRejected(t *testing.T) {
	h := newHarness(t)
	const pathVA = userBase
	const fdOutVA = userBase + 64
	const writeLenVA = userBase + 128

	h.run(t, func(self *sched.Thread) {
		h.putString(t, self, pathVA, "hd0:/huge")
		_, err := Dispatch(h.k, h.p, self, SysOpen, Args{
			A0: pathVA, A1: uintptr(vfs.OCreat | vfs.OWronly), A3: fdOutVA,
		})
		if err != 0 {
			t.Fatalf("open: %v", err)
		}
		fd := h.getUint64(t, fdOutVA)

		_, err = Dispatch(h.k, h.p, self, SysWrite, Args{
			A0: userBase, A1: uintptr(maxIOSize + 1), A2: uintptr(fd), A3: writeLenVA,
		})
		if err != defs.ERANGE {
			t.Fatalf("expected ERANGE, got %v", err)
		}
	})
}
