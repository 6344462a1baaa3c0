// Package swap implements component D: the disk-backed swap manager. It
// owns a fixed region of a block device and stores evicted page contents
// by opaque slot id (§4.D), grounded on the original ATOS
// mem/swapfile.c's "scan a bitmap for a free slot, write it out, clear the
// source page" sequence (original_source/_INDEX.md) and on the teacher's
// bitmap-plus-cursor idiom reused here via internal/bitmap.
package swap

import (
	"fmt"

	"vkernel/internal/blk"
	"vkernel/internal/bitmap"
	"vkernel/internal/mem"
)

// Manager is the swap manager. Its own lock only guards the slot bitmap;
// it is released across the underlying block I/O, which may suspend
// (§4.D: "must release its lock across the underlying block I/O").
type Manager struct {
	dev blk.Device
	bm  *bitmap.Bitmap
}

// New creates a swap manager over dev, which must use mem.PageSize
// blocks. Panics if the device's geometry does not match.
func New(dev blk.Device) *Manager {
	if dev.BlockSize() != mem.PageSize {
		panic("swap: device block size must equal the page size")
	}
	return &Manager{dev: dev, bm: bitmap.New(int(dev.BlockCount()))}
}

// Write finds a free slot, writes buf (exactly one page) to it, and marks
// the slot used, returning its id. A full swap area is fatal (§4.D: "a
// full swap is a fatal condition").
func (m *Manager) Write(buf []byte) uint64 {
	if len(buf) != mem.PageSize {
		panic("swap: buffer must be exactly one page")
	}
	idx, ok := m.bm.Alloc()
	if !ok {
		panic(fmt.Sprintf("swap: swap area exhausted (%d slots)", m.bm.Len()))
	}
	if err := m.dev.WriteAt(buf, int64(idx)); err != nil {
		panic(fmt.Sprintf("swap: write slot %d: %v", idx, err))
	}
	// clear the source buffer, matching §4.D's "clears the source buffer"
	for i := range buf {
		buf[i] = 0
	}
	return uint64(idx)
}

// Read reads slot's contents into buf and frees the slot.
func (m *Manager) Read(buf []byte, slot uint64) {
	if len(buf) != mem.PageSize {
		panic("swap: buffer must be exactly one page")
	}
	if err := m.dev.ReadAt(buf, int64(slot)); err != nil {
		panic(fmt.Sprintf("swap: read slot %d: %v", slot, err))
	}
	m.bm.Free(int(slot))
}

// ReadIn reads slot's contents into dst without freeing the slot,
// satisfying vas.SwapResolver so Vas.Copy can materialize a private copy
// of a swapped-out page during fork without disturbing the original
// owner's slot.
func (m *Manager) ReadIn(slot uint64, dst []byte) {
	if len(dst) != mem.PageSize {
		panic("swap: buffer must be exactly one page")
	}
	if err := m.dev.ReadAt(dst, int64(slot)); err != nil {
		panic(fmt.Sprintf("swap: read-in slot %d: %v", slot, err))
	}
}

// FreeSlots reports how many swap slots remain unused, for the swap
// round-trip property test (§8).
func (m *Manager) FreeSlots() int {
	return m.bm.FreeCount()
}
