// Command vkerndemo boots one instance of the kernel core end to end: a
// frame allocator, an address-space manager, a disk-backed swap region,
// a scheduler, a mount table carrying an in-memory filesystem plus the
// console and pipe devices, and a handful of processes driving the
// syscall surface concurrently. It plays the role biscuit's own kernel
// entry point (`main.main` after `Boot`) plays for a hosted build: no
// real hardware, just the interfaces spec.md §1 calls out as external
// collaborators, backed by this package's hosted implementations.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vkernel/internal/blk"
	"vkernel/internal/defs"
	"vkernel/internal/mem"
	"vkernel/internal/mount"
	"vkernel/internal/pgfault"
	"vkernel/internal/proc"
	"vkernel/internal/sched"
	"vkernel/internal/swap"
	"vkernel/internal/syscall"
	"vkernel/internal/vas"
	"vkernel/internal/vfs"
	"vkernel/internal/vfs/devconsole"
	"vkernel/internal/vfs/devpipe"
	"vkernel/internal/vfs/memfs"
)

var (
	pprofAddr  = flag.String("pprof", "", "if set, serve net/http/pprof on this address")
	swapDir    = flag.String("swapdir", "", "directory for the file-backed swap region (default: a temp dir)")
	frameCount = flag.Int("frames", 4096, "number of physical frames in the hosted arena")
	cpuProfile = flag.String("cpuprofile", "", "if set, write a pprof CPU profile to this path")
)

func main() {
	flag.Parse()

	if *pprofAddr != "" {
		go func() {
			log.Printf("vkerndemo: pprof listening on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("vkerndemo: pprof server exited: %v", err)
			}
		}()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatalf("vkerndemo: create cpu profile: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("vkerndemo: start cpu profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	k, fs := boot()

	procs := []*proc.Process{
		proc.New(k.sched, k.alloc, k.kernelHalf, fs.Root, fs.Root),
		proc.New(k.sched, k.alloc, k.kernelHalf, fs.Root, fs.Root),
		proc.New(k.sched, k.alloc, k.kernelHalf, fs.Root, fs.Root),
	}

	g, _ := errgroup.WithContext(context.Background())
	for i, p := range procs {
		i, p := i, p
		g.Go(func() error {
			return runScenario(k, p, i)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("vkerndemo: scenario runner failed: %v", err)
	}
	log.Printf("vkerndemo: all %d scenarios completed", len(procs))
}

// kernel bundles every subsystem one booted instance needs: the
// syscall dispatch table plus the pieces that only live at boot time
// (the allocator, kernel half, and scheduler, which proc.New needs
// directly to build each new process).
type kernel struct {
	sys        *syscall.Kernel
	sched      *sched.Scheduler
	alloc      *mem.Allocator
	kernelHalf *vas.KernelHalf
}

// fault is the CopyinBytes/CopyoutBytes fault callback, forwarding to
// the page-fault handler the same way internal/syscall's own
// unexported Kernel.fault does — reimplemented here since this package
// sits outside internal/syscall and only needs the one call.
func (k *kernel) fault(v *vas.Vas, addr uintptr, write bool) defs.Err_t {
	return k.sys.Fault.Handle(v, addr, write, false)
}

// boot wires one complete hosted kernel instance: the frame allocator
// and its registered clock-hand replacer (component A/G), a file-backed
// swap region (component D) — named with a uuid so multiple concurrent
// demo instances never collide on the same backing file, the way a
// real deployment would tag per-instance swap regions — a scheduler
// (component E), and a mount table with an in-memory root filesystem
// plus the console and pipe devices grafted in under /dev-style names
// (component F).
func boot() (*kernel, *memfs.FS) {
	alloc := mem.New(*frameCount)

	dir := *swapDir
	if dir == "" {
		dir = os.TempDir()
	}
	swapPath := filepath.Join(dir, "vkerndemo-swap-"+uuid.NewString()+".img")
	dev, err := blk.OpenFileDevice(swapPath, mem.PageSize, int64(*frameCount)*2)
	if err != nil {
		log.Fatalf("vkerndemo: open swap file: %v", err)
	}
	log.Printf("vkerndemo: swap region at %s", swapPath)

	s := sched.New()
	sw := swap.New(dev)
	rep := pgfault.NewReplacer(s, alloc, sw)
	alloc.SetReplacer(rep)
	fault := pgfault.NewHandler(alloc, sw)

	fsRoot := memfs.New()
	console := devconsole.New(s, os.Stdout, 0)
	if err := fsRoot.MountDevice("console", console); err != 0 {
		log.Fatalf("vkerndemo: mount console: %v", err)
	}
	readEnd, writeEnd := devpipe.New(s)
	if err := fsRoot.MountDevice("pipe.r", readEnd); err != 0 {
		log.Fatalf("vkerndemo: mount pipe read end: %v", err)
	}
	if err := fsRoot.MountDevice("pipe.w", writeEnd); err != 0 {
		log.Fatalf("vkerndemo: mount pipe write end: %v", err)
	}

	mt := mount.New()
	if err := mt.Register("hd0", fsRoot.Root); err != 0 {
		log.Fatalf("vkerndemo: register hd0: %v", err)
	}

	kernelHalf := vas.NewKernelHalf()
	return &kernel{
		sys:        &syscall.Kernel{Mount: mt, Fault: fault, Sched: s},
		sched:      s,
		alloc:      alloc,
		kernelHalf: kernelHalf,
	}, fsRoot
}

// errFromErrT turns a nonzero defs.Err_t into a Go error for errgroup's
// benefit; zero (success) becomes a nil error.
func errFromErrT(step string, e defs.Err_t) error {
	if e == 0 {
		return nil
	}
	return errors.New(step + ": " + e.String())
}

// runScenario drives one process through a representative slice of the
// syscall surface (§8's scenarios: create-write-read-back, grow the
// heap via sbrk, yield cooperatively, and terminate), each against its
// own uuid-tagged path so concurrent runs never collide on the same
// file.
func runScenario(k *kernel, p *proc.Process, n int) error {
	start := time.Now()
	done := make(chan error, 1)

	p.Spawn(10, func(self *sched.Thread) {
		done <- drive(k, p, self)
	})

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(10 * time.Second):
		return context.DeadlineExceeded
	}
	log.Printf("vkerndemo: scenario %d completed in %s", n, time.Since(start))
	return nil
}

const scratchVA uintptr = 0x20000000

func (k *kernel) getUint64(p *proc.Process, va uintptr) (uint64, defs.Err_t) {
	b, err := p.Vas.CopyinBytes(va, 8, k.fault)
	if err != 0 {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), 0
}

// drive runs one process's thread body: reserve a scratch user page,
// then round-trip a uuid-named file through open/write/lseek/read,
// grow the heap with sbrk, yield once, and terminate — exercising the
// whole of internal/syscall.Dispatch from a single scheduled thread,
// mirroring the way internal/syscall's own tests drive it.
func drive(k *kernel, p *proc.Process, self *sched.Thread) error {
	p.Vas.Lock()
	p.Vas.Reserve(scratchVA, vas.Present|vas.User|vas.Writable|vas.AllocOnAccess)
	p.Vas.Unlock()

	const pathVA = scratchVA
	const fdOutVA = scratchVA + 256
	const bufVA = scratchVA + 512
	const lenVA = scratchVA + 1024

	path := "hd0:/scenario-" + uuid.NewString()
	payload := []byte("vkerndemo scenario payload")

	pathBytes := append([]byte(path), 0)
	if err := p.Vas.CopyoutBytes(pathVA, pathBytes, k.fault); err != 0 {
		return errFromErrT("copyout path", err)
	}

	if _, err := syscall.Dispatch(k.sys, p, self, syscall.SysOpen, syscall.Args{
		A0: pathVA,
		A1: uintptr(vfs.OCreat | vfs.ORdwr),
		A3: fdOutVA,
	}); err != 0 {
		return errFromErrT("open", err)
	}
	fdVal, err := k.getUint64(p, fdOutVA)
	if err != 0 {
		return errFromErrT("read back fd", err)
	}
	fd := uintptr(fdVal)

	if cerr := p.Vas.CopyoutBytes(bufVA, payload, k.fault); cerr != 0 {
		return errFromErrT("copyout payload", cerr)
	}
	if _, err := syscall.Dispatch(k.sys, p, self, syscall.SysWrite, syscall.Args{
		A0: bufVA, A1: uintptr(len(payload)), A2: fd, A3: lenVA,
	}); err != 0 {
		return errFromErrT("write", err)
	}

	if cerr := p.Vas.CopyoutBytes(lenVA, make([]byte, 8), k.fault); cerr != 0 {
		return errFromErrT("zero lseek offset", cerr)
	}
	if _, err := syscall.Dispatch(k.sys, p, self, syscall.SysLseek, syscall.Args{
		A0: fd, A1: lenVA, A2: uintptr(vfs.SeekSet),
	}); err != 0 {
		return errFromErrT("lseek", err)
	}
	if _, err := syscall.Dispatch(k.sys, p, self, syscall.SysRead, syscall.Args{
		A0: bufVA, A1: uintptr(len(payload)), A2: fd, A3: lenVA,
	}); err != 0 {
		return errFromErrT("read", err)
	}

	if _, err := syscall.Dispatch(k.sys, p, self, syscall.SysSbrk, syscall.Args{
		A0: uintptr(mem.PageSize), A1: 0, A2: fdOutVA, A3: lenVA,
	}); err != 0 {
		return errFromErrT("sbrk", err)
	}

	if _, err := syscall.Dispatch(k.sys, p, self, syscall.SysYield, syscall.Args{}); err != 0 {
		return errFromErrT("yield", err)
	}

	if _, err := syscall.Dispatch(k.sys, p, self, syscall.SysClose, syscall.Args{A0: fd}); err != 0 {
		return errFromErrT("close", err)
	}

	syscall.Dispatch(k.sys, p, self, syscall.SysTerminate, syscall.Args{})
	return nil
}
