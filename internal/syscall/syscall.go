// Package syscall implements the fourteen-call synchronous system-call
// surface of §6: one Dispatch entry point that the (out-of-scope, §1)
// trap gate is expected to call with the trapping thread's process,
// thread, call number, and argument registers. No single file in the
// retrieval pack owns this exact dispatch (biscuit's own trap path was
// not retrieved in this slice), so it is written directly from §6's call
// table, in the short invariant-stating voice of internal/pgfault and
// internal/vas, wired against this module's own proc/vfs/mount/sched
// APIs.
//
// Every user pointer argument is validated by walking the calling
// process's address space through internal/vas's CopyinBytes/
// CopyoutBytes, which fault pages in on demand via internal/pgfault
// rather than failing a not-yet-touched allocate-on-access page early
// (§6's closing paragraph: "must lie entirely within the user area and
// be backed by present... pages with the required access permissions").
package syscall

import (
	"encoding/binary"
	"runtime"

	"vkernel/internal/defs"
	"vkernel/internal/mount"
	"vkernel/internal/pgfault"
	"vkernel/internal/proc"
	"vkernel/internal/sched"
	"vkernel/internal/vas"
	"vkernel/internal/vfs"
	"vkernel/internal/vfs/devconsole"
)

// Call numbers, exactly as enumerated in §6's table.
const (
	SysYield      = 0
	SysTerminate  = 1
	SysOpen       = 2
	SysRead       = 3
	SysWrite      = 4
	SysClose      = 5
	SysLseek      = 6
	SysSbrk       = 7
	SysIsatty     = 8
	SysDup        = 9
	SysDup2       = 10
	SysDup3       = 11
	SysTcgetattr  = 12
	SysTcsetattr  = 13
)

// TCSANOW is the only tcsetattr action this surface accepts (§6: "action
// (only TCSANOW)").
const TCSANOW = 0

// maxIOSize bounds a single read/write transfer so a user-supplied
// length cannot force an unbounded kernel-side allocation; this is a
// trust-boundary check on untrusted input, not a programmer-error
// assertion (§7).
const maxIOSize = 1 << 20

// maxPathLen matches §4.F's "maximum path length 2000".
const maxPathLen = 2000

// Args is the fixed register-style argument block Dispatch receives,
// the hosted substitute for a trap frame's argument registers — each
// call number interprets a different subset per §6's input column.
type Args struct {
	A0, A1, A2, A3, A4 uintptr
}

// Kernel bundles the subsystems a syscall handler may need to reach: the
// mount table for path resolution and the page-fault handler for
// servicing a CopyinBytes/CopyoutBytes fault, plus the scheduler for the
// calls (yield, terminate) that act on it directly.
type Kernel struct {
	Mount *mount.Table
	Fault *pgfault.Handler
	Sched *sched.Scheduler
}

func (k *Kernel) fault(v *vas.Vas, addr uintptr, write bool) defs.Err_t {
	return k.Fault.Handle(v, addr, write, false)
}

// Dispatch is the one entry point every syscall number routes through
// (§6: "System calls enter through the same trap gate and dispatch to
// handlers that consume E and F"). ret is meaningful only when err == 0,
// except for the three calls (dup/dup2/dup3) whose own success value
// doubles as a descriptor number per §6's table.
func Dispatch(k *Kernel, p *proc.Process, t *sched.Thread, num int, a Args) (ret uintptr, err defs.Err_t) {
	switch num {
	case SysYield:
		k.Sched.Yield(t)
		return 0, 0

	case SysTerminate:
		// §6: "does not return". p.Terminate releases descriptors and the
		// root/cwd references; runtime.Goexit unwinds this goroutine's
		// stack, running sched.Scheduler.run's deferred exit(t) on the
		// way out, exactly once (see internal/sched.run's doc comment).
		p.Terminate()
		runtime.Goexit()
		panic("syscall: unreachable after runtime.Goexit")

	case SysOpen:
		return k.sysOpen(p, a)
	case SysRead:
		return k.sysRead(p, t, a)
	case SysWrite:
		return k.sysWrite(p, t, a)
	case SysClose:
		return 0, p.FD.Close(int(a.A0))
	case SysLseek:
		return k.sysLseek(p, a)
	case SysSbrk:
		return k.sysSbrk(p, a)
	case SysIsatty:
		return k.sysIsatty(p, a)
	case SysDup:
		fd, derr := p.FD.Dup(int(a.A0))
		return uintptr(fd), derr
	case SysDup2:
		fd, derr := p.FD.Dup2(int(a.A0), int(a.A1))
		return uintptr(fd), derr
	case SysDup3:
		fd, derr := p.FD.Dup3(int(a.A0), int(a.A1), a.A2&vfs.OCloexec != 0)
		return uintptr(fd), derr
	case SysTcgetattr:
		return k.sysTcgetattr(p, a)
	case SysTcsetattr:
		return k.sysTcsetattr(p, a)
	default:
		return 0, defs.ENOTIMPL
	}
}

// copyInCString reads a NUL-terminated string from user memory one byte
// at a time (rather than guessing a transfer length up front), faulting
// in pages as the scan crosses them, and stops at the first NUL or at
// maxPathLen, matching §4.F's "maximum path length 2000".
func copyInCString(v *vas.Vas, k *Kernel, va uintptr) (string, defs.Err_t) {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxPathLen; i++ {
		b, cerr := v.CopyinBytes(va+uintptr(i), 1, k.fault)
		if cerr != 0 {
			return "", cerr
		}
		if b[0] == 0 {
			return string(buf), 0
		}
		buf = append(buf, b[0])
	}
	return "", defs.ENAMETOOLONG
}

func putUint64(v *vas.Vas, k *Kernel, va uintptr, val uint64) defs.Err_t {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], val)
	return v.CopyoutBytes(va, b[:], k.fault)
}

func getUint64(v *vas.Vas, k *Kernel, va uintptr) (uint64, defs.Err_t) {
	b, err := v.CopyinBytes(va, 8, k.fault)
	if err != 0 {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), 0
}

// sysOpen implements call 2: path ptr, flags, mode, out fd ptr.
func (k *Kernel) sysOpen(p *proc.Process, a Args) (uintptr, defs.Err_t) {
	path, err := copyInCString(p.Vas, k, a.A0)
	if err != 0 {
		return 0, err
	}
	of, err := k.Mount.Open(p.Root, p.Cwd, path, int(a.A1), int(a.A2))
	if err != 0 {
		return 0, err
	}
	fd, err := p.FD.Install(of, int(a.A1)&vfs.OCloexec != 0)
	if err != 0 {
		of.Unref()
		return 0, err
	}
	if err := putUint64(p.Vas, k, a.A3, uint64(fd)); err != 0 {
		p.FD.Close(fd)
		return 0, err
	}
	return 0, 0
}

// sysRead implements call 3: user buf, len, fd, out bytes ptr.
func (k *Kernel) sysRead(p *proc.Process, t *sched.Thread, a Args) (uintptr, defs.Err_t) {
	n := int(a.A1)
	if n < 0 || n > maxIOSize {
		return 0, defs.ERANGE
	}
	of, err := p.FD.Get(int(a.A2))
	if err != 0 {
		return 0, err
	}
	buf := make([]byte, n)
	got, err := of.Read(t, buf)
	if err != 0 {
		return 0, err
	}
	if err := p.Vas.CopyoutBytes(a.A0, buf[:got], k.fault); err != 0 {
		return 0, err
	}
	if err := putUint64(p.Vas, k, a.A3, uint64(got)); err != 0 {
		return 0, err
	}
	return 0, 0
}

// sysWrite implements call 4: user buf, len, fd, out bytes ptr.
func (k *Kernel) sysWrite(p *proc.Process, t *sched.Thread, a Args) (uintptr, defs.Err_t) {
	n := int(a.A1)
	if n < 0 || n > maxIOSize {
		return 0, defs.ERANGE
	}
	of, err := p.FD.Get(int(a.A2))
	if err != 0 {
		return 0, err
	}
	buf, err := p.Vas.CopyinBytes(a.A0, n, k.fault)
	if err != 0 {
		return 0, err
	}
	put, err := of.Write(t, buf)
	if err != 0 {
		return 0, err
	}
	if err := putUint64(p.Vas, k, a.A3, uint64(put)); err != 0 {
		return 0, err
	}
	return 0, 0
}

// sysLseek implements call 6: fd, in/out offset ptr, whence.
func (k *Kernel) sysLseek(p *proc.Process, a Args) (uintptr, defs.Err_t) {
	of, err := p.FD.Get(int(a.A0))
	if err != 0 {
		return 0, err
	}
	off, err := getUint64(p.Vas, k, a.A1)
	if err != 0 {
		return 0, err
	}
	newOff, err := of.Lseek(int64(off), int(a.A2))
	if err != 0 {
		return 0, err
	}
	if err := putUint64(p.Vas, k, a.A1, uint64(newOff)); err != 0 {
		return 0, err
	}
	return 0, 0
}

// sysSbrk implements call 7: delta bytes, sign, out prev ptr, out new ptr.
func (k *Kernel) sysSbrk(p *proc.Process, a Args) (uintptr, defs.Err_t) {
	delta := int(a.A0)
	if a.A1 != 0 {
		delta = -delta
	}
	old, err := p.Sbrk(delta)
	if err != 0 {
		return 0, err
	}
	newBrk := uint64(int64(old) + int64(delta))
	if err := putUint64(p.Vas, k, a.A2, uint64(old)); err != 0 {
		return 0, err
	}
	if err := putUint64(p.Vas, k, a.A3, newBrk); err != 0 {
		return 0, err
	}
	return 0, 0
}

// sysIsatty implements call 8: fd.
func (k *Kernel) sysIsatty(p *proc.Process, a Args) (uintptr, defs.Err_t) {
	of, err := p.FD.Get(int(a.A0))
	if err != 0 {
		return 0, err
	}
	if !of.IsTTY() {
		return 0, defs.ENOTTY
	}
	return 0, 0
}

// encodeTermios builds the on-the-wire encoding of devconsole.Termios for
// copyin/copyout: one byte each for Canonical and Echo.
func encodeTermios(t devconsole.Termios) [2]byte {
	var b [2]byte
	if t.Canonical {
		b[0] = 1
	}
	if t.Echo {
		b[1] = 1
	}
	return b
}

func decodeTermios(b []byte) devconsole.Termios {
	return devconsole.Termios{Canonical: b[0] != 0, Echo: b[1] != 0}
}

// sysTcgetattr implements call 12: fd, termios ptr.
func (k *Kernel) sysTcgetattr(p *proc.Process, a Args) (uintptr, defs.Err_t) {
	of, err := p.FD.Get(int(a.A0))
	if err != 0 {
		return 0, err
	}
	c, ok := of.V.Ops.(*devconsole.Console)
	if !ok {
		return 0, defs.ENOTTY
	}
	wire := encodeTermios(c.Tcgetattr())
	if err := p.Vas.CopyoutBytes(a.A1, wire[:], k.fault); err != 0 {
		return 0, err
	}
	return 0, 0
}

// sysTcsetattr implements call 13: fd, termios ptr, action (only
// TCSANOW).
func (k *Kernel) sysTcsetattr(p *proc.Process, a Args) (uintptr, defs.Err_t) {
	if int(a.A2) != TCSANOW {
		return 0, defs.EINVAL
	}
	of, err := p.FD.Get(int(a.A0))
	if err != 0 {
		return 0, err
	}
	c, ok := of.V.Ops.(*devconsole.Console)
	if !ok {
		return 0, defs.ENOTTY
	}
	wire, err := p.Vas.CopyinBytes(a.A1, 2, k.fault)
	if err != 0 {
		return 0, err
	}
	c.Tcsetattr(decodeTermios(wire))
	return 0, 0
}
