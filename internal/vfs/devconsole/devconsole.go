// Package devconsole implements the console character device,
// restoring the functionality original_source/'s dev/console.c provides
// that spec.md's distillation dropped (see SPEC_FULL.md's
// restored-devices section). Input arrives through internal/circbuf the
// same way the teacher buffers console input; output is forwarded to an
// injectable io.Writer sink rather than a real UART, and tcgetattr/
// tcsetattr are modeled as a minimal termios-style mode bit rather than
// the teacher's full line-discipline struct.
package devconsole

import (
	"io"
	"sync"

	"vkernel/internal/circbuf"
	"vkernel/internal/defs"
	"vkernel/internal/sched"
	"vkernel/internal/vfs"
)

const inputCapacity = 4096

// Termios mirrors the small slice of terminal attributes the spec's
// tcgetattr/tcsetattr syscalls expose, named after a POSIX termios'
// ICANON/ECHO bits without reproducing the rest of the struct. Echo
// controls whether fed input is copied to the output sink. Canonical is
// stored and reported but has no effect: Read never line-buffers input.
type Termios struct {
	Canonical bool
	Echo      bool
}

// Console is a single console device: one shared input buffer plus an
// output sink, wrapped in a vfs.Vnode implementing VnodeOps (§4.F
// restored device; D_CONSOLE in defs.Mkdev).
type Console struct {
	mu      sync.Mutex
	in      *circbuf.Circbuf
	avail   *sched.Semaphore
	out     io.Writer
	termios Termios
	minor   int
}

// New wires a console device backed by sink for output, returning it
// already wrapped as a vfs.Vnode ready to mount at /dev/console.
func New(s *sched.Scheduler, sink io.Writer, minor int) *vfs.Vnode {
	c := &Console{
		in:      circbuf.New(inputCapacity),
		avail:   sched.NewSemaphore(s, 0),
		out:     sink,
		termios: Termios{Canonical: true, Echo: true},
		minor:   minor,
	}
	return vfs.NewVnode(vfs.TypeCharDevice, c)
}

// Feed is how the hosting demo injects keyboard input into the console,
// waking any thread blocked in Read.
func (c *Console) Feed(data []byte) {
	c.mu.Lock()
	n := c.in.Write(data)
	echo := c.termios.Echo
	c.mu.Unlock()
	if echo && n > 0 {
		c.out.Write(data[:n])
	}
	for i := 0; i < n; i++ {
		c.avail.Release()
	}
}

// Read blocks the calling thread until at least one byte of input is
// available.
func (c *Console) Read(t *sched.Thread, dst []byte, offset int64) (int, defs.Err_t) {
	if len(dst) == 0 {
		return 0, 0
	}
	for {
		c.mu.Lock()
		n := c.in.Read(dst)
		c.mu.Unlock()
		if n > 0 {
			return n, 0
		}
		if killed := c.avail.Acquire(t); killed {
			return 0, defs.EINTR
		}
	}
}

// Write sends bytes straight to the output sink; a console never blocks
// a writer.
func (c *Console) Write(t *sched.Thread, src []byte, offset int64) (int, defs.Err_t) {
	n, err := c.out.Write(src)
	if err != nil {
		return n, defs.EIO
	}
	return n, 0
}

func (c *Console) Lookup(name string) (*vfs.Vnode, defs.Err_t) { return nil, defs.ENOTDIR }

func (c *Console) Create(name string, isDir bool) (*vfs.Vnode, defs.Err_t) {
	return nil, defs.ENOTDIR
}

func (c *Console) Readdir(idx int) (string, bool) { return "", false }
func (c *Console) Truncate(size int64) defs.Err_t { return defs.EINVAL }

func (c *Console) Stat() (vfs.Stat, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return vfs.Stat{Rdev: defs.Mkdev(defs.D_CONSOLE, c.minor), Size: int64(c.in.Used())}, 0
}

func (c *Console) IsSeekable() bool { return false }
func (c *Console) IsTTY() bool      { return true }
func (c *Console) Close() defs.Err_t { return 0 }

// Tcgetattr returns the console's current line-discipline settings
// (§4.F syscall surface: tcgetattr).
func (c *Console) Tcgetattr() Termios {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termios
}

// Tcsetattr installs new line-discipline settings (§4.F syscall
// surface: tcsetattr).
func (c *Console) Tcsetattr(t Termios) {
	c.mu.Lock()
	c.termios = t
	c.mu.Unlock()
}
