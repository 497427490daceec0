package dma

import (
	"sync/atomic"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
)

// Loopback is a software Verbs implementation that treats a plain byte
// slice as "host memory" addressed by byte offset. It exists for the
// software virtqueue provider and for tests that want DMA semantics
// without real hardware; remoteAddr is interpreted as an offset into
// HostMem and rkey/vhcaID are accepted but ignored.
type Loopback struct {
	HostMem []byte

	// Sent records every PostSend message, oldest first, so tests can
	// assert on the completion messages a queue emitted.
	Sent [][]byte

	nextOp    uint64
	completed []VerbsCompletion
}

var _ Verbs = (*Loopback)(nil)

func (l *Loopback) newOpID() uint64 {
	return atomic.AddUint64(&l.nextOp, 1)
}

func (l *Loopback) bounds(remoteAddr uint64, n int) error {
	if remoteAddr+uint64(n) > uint64(len(l.HostMem)) {
		return errkind.Newf(errkind.DmaFailure, "loopback: access [%d,%d) exceeds host mem size %d", remoteAddr, remoteAddr+uint64(n), len(l.HostMem))
	}
	return nil
}

// PostRead copies HostMem[remoteAddr:remoteAddr+len(local)] into local.
func (l *Loopback) PostRead(local []byte, remoteAddr uint64, rkey uint32, vhcaID uint16) (uint64, error) {
	id := l.newOpID()
	err := l.bounds(remoteAddr, len(local))
	if err == nil {
		copy(local, l.HostMem[remoteAddr:])
	}
	l.completed = append(l.completed, VerbsCompletion{OpID: id, Err: err})
	return id, nil
}

// PostWrite copies local into HostMem[remoteAddr:remoteAddr+len(local)].
func (l *Loopback) PostWrite(local []byte, remoteAddr uint64, rkey uint32, vhcaID uint16) (uint64, error) {
	id := l.newOpID()
	err := l.bounds(remoteAddr, len(local))
	if err == nil {
		copy(l.HostMem[remoteAddr:], local)
	}
	l.completed = append(l.completed, VerbsCompletion{OpID: id, Err: err})
	return id, nil
}

// PostWriteShort performs the write synchronously and returns any
// bounds error directly.
func (l *Loopback) PostWriteShort(local []byte, remoteAddr uint64, rkey uint32, vhcaID uint16) error {
	if err := l.bounds(remoteAddr, len(local)); err != nil {
		return err
	}
	copy(l.HostMem[remoteAddr:], local)
	return nil
}

// PostSend records the message was sent; loopback has no host-side
// completion queue to deliver it to, so it just completes immediately.
func (l *Loopback) PostSend(message []byte) (uint64, error) {
	id := l.newOpID()
	l.Sent = append(l.Sent, append([]byte(nil), message...))
	l.completed = append(l.completed, VerbsCompletion{OpID: id})
	return id, nil
}

// Poll drains and returns every completion recorded since the last call.
func (l *Loopback) Poll() []VerbsCompletion {
	out := l.completed
	l.completed = nil
	return out
}

// Arm is a no-op in pure-polling loopback mode.
func (l *Loopback) Arm() error { return nil }
