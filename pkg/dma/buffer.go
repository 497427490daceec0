// Package dma implements the memory and DMA layer: a cache-line-aligned
// buffer allocator, a cross-VHCA memory key bridging the controller's
// protection domain to an emulated function's host memory, and a DMA
// queue exposing read/write/write_short/send_completion/progress/arm.
package dma

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/internal/logging"
)

var log = logging.For("dma")

// CacheLineSize is the alignment every allocated Buffer satisfies.
// mmap already returns page-aligned (and therefore cache-line-aligned)
// memory, but callers that need an offset-stable sub-allocation should
// round their requested size up to this boundary.
const CacheLineSize = 64

var nextLkey uint32

// Buffer is an opaque, zero-initialised, cache-line-aligned region
// pre-registered as a memory region. Callers get the bytes and the
// local key; Free deregisters and releases the backing memory.
type Buffer struct {
	data []byte
	lkey uint32
	freed bool
}

// Bytes returns the buffer's backing storage.
func (b *Buffer) Bytes() []byte { return b.data }

// LKey returns the buffer's local memory key.
func (b *Buffer) LKey() uint32 { return b.lkey }

// Allocator hands out registered Buffers. A zero Allocator is usable;
// it exists mainly to give tests a seam to swap in a non-mmap backend.
type Allocator struct {
	// UseMmap selects real anonymous mmap allocations (production) vs a
	// plain make([]byte) allocation (unit tests running without the
	// mmap permissions CI sandboxes often lack).
	UseMmap bool
}

// Allocate returns a zeroed, cache-line-aligned buffer of at least size
// bytes, carrying a freshly assigned local key.
func (a *Allocator) Allocate(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, errkind.New(errkind.BadArgument, "dma: allocate size must be positive")
	}

	aligned := ((size + CacheLineSize - 1) / CacheLineSize) * CacheLineSize

	var data []byte
	if a.UseMmap {
		mem, err := unix.Mmap(-1, 0, aligned, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return nil, errkind.Wrap(err, errkind.OutOfMemory, "dma: mmap")
		}
		data = mem
	} else {
		data = make([]byte, aligned)
	}

	buf := &Buffer{
		data: data[:size],
		lkey: atomic.AddUint32(&nextLkey, 1),
	}
	log.WithField("lkey", buf.lkey).WithField("size", size).Debug("allocated dma buffer")
	return buf, nil
}

// Free deregisters the region and releases its memory. Freeing an
// already-freed or mmap-less buffer is a no-op.
func (a *Allocator) Free(buf *Buffer) error {
	if buf == nil || buf.freed {
		return nil
	}
	buf.freed = true
	if a.UseMmap {
		full := buf.data[:cap(buf.data)]
		if err := unix.Munmap(full); err != nil {
			return errkind.Wrap(err, errkind.OutOfMemory, "dma: munmap")
		}
	}
	buf.data = nil
	return nil
}
