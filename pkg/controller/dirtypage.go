package controller

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/pkg/virtqueue"
)

// HashSetTracker is the lockfree hash-set dirty-page map flavour,
// serialized as a packed u64 array of page addresses. sync.Map gives
// single-writer/any-reader semantics without a mutex, a good fit for a
// registry whose writers only ever add and whose readers only range.
type HashSetTracker struct {
	pageSize uint64
	pages    sync.Map // uint64 page address -> struct{}
}

// NewHashSetTracker builds a tracker keyed on the given page size,
// which must be a power of two greater than one.
func NewHashSetTracker(pageSize uint64) *HashSetTracker {
	return &HashSetTracker{pageSize: pageSize}
}

func (t *HashSetTracker) pageOf(pa uint64) uint64 {
	return pa &^ (t.pageSize - 1)
}

// LogWrite implements virtqueue.DirtyLogger: every page touched by
// [pa, pa+length) is added to the set, with exact duplicates (writes
// landing on an already-tracked page) suppressed by the set itself.
func (t *HashSetTracker) LogWrite(pa uint64, length uint32) {
	if length == 0 {
		t.pages.Store(t.pageOf(pa), struct{}{})
		return
	}
	start := t.pageOf(pa)
	end := t.pageOf(pa + uint64(length) - 1)
	for page := start; page <= end; page += t.pageSize {
		t.pages.Store(page, struct{}{})
	}
}

// GetSize reports the bytes Serialize would currently write: one u64
// per tracked page.
func (t *HashSetTracker) GetSize() int {
	count := 0
	t.pages.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count * 8
}

// Serialize drains the tracked set into buf as a packed little-endian
// u64 array and returns how many entries were written. The set is
// cleared as it drains, so a second call with nothing written in
// between returns 0.
func (t *HashSetTracker) Serialize(buf []byte) (int, error) {
	var addrs []uint64
	t.pages.Range(func(key, _ interface{}) bool {
		addrs = append(addrs, key.(uint64))
		return true
	})
	if len(addrs)*8 > len(buf) {
		return 0, errkind.Newf(errkind.BadArgument, "dirty-page serialize: buf too small for %d entries", len(addrs))
	}
	for i, addr := range addrs {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], addr)
		t.pages.Delete(addr)
	}
	return len(addrs), nil
}

// SGRange is one host-provided scatter-gather range the sparse
// bit/byte map tracks dirty state over.
type SGRange struct {
	PA  uint64
	Len uint64
}

// SparseMap is the sparse byte/bitmap dirty-page map flavour, covering
// host-provided scatter-gather ranges. isByte selects a
// one-byte-per-page map (required by some guest drivers) versus a
// packed one-bit-per-page map.
type SparseMap struct {
	pageSize uint64
	isByte   bool
	ranges   []SGRange

	mu     sync.Mutex
	bits   *bitset.BitSet
	bytes  []byte
}

// NewSparseMap builds a map covering ranges, each independently
// page-aligned for size-accounting purposes.
func NewSparseMap(pageSize uint64, isByte bool, ranges []SGRange) *SparseMap {
	m := &SparseMap{pageSize: pageSize, isByte: isByte, ranges: ranges}
	total := uint(0)
	for _, r := range ranges {
		total += uint(RangeSize(r.PA, r.Len, pageSize, true)) // page count, byte-granular
	}
	if isByte {
		m.bytes = make([]byte, total)
	} else {
		m.bits = bitset.New(total)
	}
	return m
}

// RangeSize returns the number of map bytes (bytemap) or bits rounded
// up to bytes (bitmap) required to cover [pa, pa+len):
//
//	ceil((ceil(pa+len, psz) - floor(pa, psz)) / psz / (is_bytemap ? 1 : 8))
func RangeSize(pa, length, pageSize uint64, isByteMap bool) uint64 {
	floorPA := pa &^ (pageSize - 1)
	ceilEnd := ceilDiv(pa+length, pageSize) * pageSize
	pages := (ceilEnd - floorPA) / pageSize
	if isByteMap {
		return pages
	}
	return ceilDiv(pages, 8)
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// pageIndexOf returns pa's page index relative to the scatter-gather
// range containing it (or relative to pa itself if no configured
// range covers it).
func (m *SparseMap) pageIndexOf(pa uint64) uint64 {
	startPA := pa &^ (m.pageSize - 1)
	return (startPA - m.baseOf(startPA)) / m.pageSize
}

func (m *SparseMap) baseOf(pa uint64) uint64 {
	for _, r := range m.ranges {
		if pa >= r.PA && pa < r.PA+r.Len {
			return r.PA
		}
	}
	return pa
}

// GetStartPA returns the target host page address a write to [pa,
// pa+len) should be marked at, the map-entry offset that page starts
// at (bytes for a bytemap, bytes-within-the-bitmap for a bitmap), and
// how many map bytes the write spans.
func (m *SparseMap) GetStartPA(pa, length uint64) (startPA uint64, offset uint64, count uint64) {
	startPA = pa &^ (m.pageSize - 1)
	pageIndex := m.pageIndexOf(pa)
	if m.isByte {
		return startPA, pageIndex, RangeSize(pa, length, m.pageSize, true)
	}
	return startPA, pageIndex / 8, RangeSize(pa, length, m.pageSize, false)
}

// LogWrite implements virtqueue.DirtyLogger.
func (m *SparseMap) LogWrite(pa uint64, length uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pageIndex := m.pageIndexOf(pa)
	pages := RangeSize(pa, uint64(length), m.pageSize, true)

	if m.isByte {
		for i := uint64(0); i < pages; i++ {
			idx := pageIndex + i
			if idx < uint64(len(m.bytes)) {
				m.bytes[idx] = 1
			}
		}
		return
	}
	for i := uint64(0); i < pages; i++ {
		bit := pageIndex + i
		if bit < uint64(m.bits.Len()) {
			m.bits.Set(uint(bit))
		}
	}
}

// StartDirtyPagesTrack broadcasts log-writes-to-host enable/disable to
// every attached queue. Toggling the logger mid-tick
// is inherently racy against an in-flight FLUSHING queue's own DescsRW
// calls; the open question of exact semantics there is documented in
// DESIGN.md rather than resolved by blocking here, since blocking
// would require a second lock acquisition this call already holds.
func (c *Controller) StartDirtyPagesTrack(ctx context.Context, enable bool, logger virtqueue.DirtyLogger) {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()

	for _, q := range c.queues {
		if q == nil {
			continue
		}
		if enable {
			q.SetDirtyLogger(logger)
		} else {
			q.SetDirtyLogger(nil)
		}
	}
}
