package virtqueue

import (
	"context"

	"github.com/smartnic-emu/snapctrl/internal/logging"
)

var adminLog = logging.For("virtqueue.admin")

// AdminHeader is the fixed two-byte front section of an admin command:
// the device class plus a class-scoped command code, used to look up
// both the in-section size and the registered processor.
type AdminHeader struct {
	Class   uint8
	Command uint8
}

// AdminProcessor executes one admin command's class/command-specific
// logic against the already-fetched in-section, returning the
// out-section bytes and a footer status byte.
type AdminProcessor func(ctx context.Context, in []byte) (out []byte, status uint8)

// RawProcessor is the escape hatch for admin commands whose payload
// extends beyond the fixed in-section (state save/restore carry a
// variable data blob after it). The processor owns the rest of the
// command's lifecycle and must finish with aq.Complete.
type RawProcessor func(aq *AdminQueue, cmd *Command, hdr AdminHeader, in []byte)

type adminKey struct {
	class   uint8
	command uint8
}

// InSizeFunc reports how many bytes the in-section occupies for a
// given (class, command) pair — the wire layout is opaque and owned by
// the caller.
type InSizeFunc func(class, command uint8) int

// AdminQueue is the specialised block/admin virtqueue variant: same
// descriptor-chain skeleton as Queue, but each command's chain is
// interpreted as {header, in, out, footer{status}} rather than handed
// to a generic protocol handler.
type AdminQueue struct {
	*Queue

	InSize     InSizeFunc
	processors map[adminKey]AdminProcessor
	raw        map[adminKey]RawProcessor
}

// NewAdminQueue wraps an already-built Queue, installing the admin
// dispatch handler as its Handler.
func NewAdminQueue(q *Queue, inSize InSizeFunc) *AdminQueue {
	aq := &AdminQueue{
		Queue:      q,
		InSize:     inSize,
		processors: make(map[adminKey]AdminProcessor),
		raw:        make(map[adminKey]RawProcessor),
	}
	q.cfg.Handler = aq.dispatch
	return aq
}

// Register installs the processor invoked for a given (class, command)
// admin request. Re-registering replaces the previous processor.
func (aq *AdminQueue) Register(class, command uint8, proc AdminProcessor) {
	aq.processors[adminKey{class, command}] = proc
}

// RegisterRaw installs a raw processor for commands that need direct
// chain access after the in-section. A raw registration takes
// precedence over a plain one for the same key.
func (aq *AdminQueue) RegisterRaw(class, command uint8, proc RawProcessor) {
	aq.raw[adminKey{class, command}] = proc
}

// AdminHeaderLen is the wire size of AdminHeader: class (1 byte) plus
// command (1 byte). Raw processors use it to locate variable payload
// that follows the fixed in-section.
const AdminHeaderLen = 2

// dispatch fetches the header, then the in-section (sized from the
// header via InSize), looks up the registered processor, and on
// completion writes out+footer back to the first writable descriptor(s)
// on the chain.
func (aq *AdminQueue) dispatch(cmd *Command) {
	if len(cmd.Chain) == 0 {
		aq.markFatal(cmd)
		return
	}
	header := make([]byte, AdminHeaderLen)

	aq.Queue.DescsRW(cmd, 0, 0, header, false, func(err error) {
		if err != nil {
			return
		}
		hdr := AdminHeader{Class: header[0], Command: header[1]}

		inLen := 0
		if aq.InSize != nil {
			inLen = aq.InSize(hdr.Class, hdr.Command)
		}
		in := make([]byte, inLen)

		finishIn := func(err error) {
			if err != nil {
				return
			}
			if proc, ok := aq.raw[adminKey{hdr.Class, hdr.Command}]; ok {
				proc(aq, cmd, hdr, in)
				return
			}
			proc, ok := aq.processors[adminKey{hdr.Class, hdr.Command}]
			if !ok {
				adminLog.WithField("class", hdr.Class).WithField("command", hdr.Command).Warn("admin virtqueue: no processor registered")
				aq.Complete(cmd, nil, 1)
				return
			}
			out, status := proc(context.Background(), in)
			aq.Complete(cmd, out, status)
		}

		if inLen == 0 {
			finishIn(nil)
			return
		}
		aq.Queue.DescsRW(cmd, 0, AdminHeaderLen, in, false, finishIn)
	})
}

// FirstWritableIndex returns the chain index of the first descriptor
// carrying the WRITE flag — the boundary between the request and
// response sections.
func (aq *AdminQueue) FirstWritableIndex(cmd *Command) int {
	for i, d := range cmd.Chain {
		if d.isWrite() {
			return i
		}
	}
	return len(cmd.Chain)
}

// Complete writes the out-section followed by a one-byte footer status
// back to the response portion of the chain, then drives normal command
// completion.
func (aq *AdminQueue) Complete(cmd *Command, out []byte, status uint8) {
	payload := append(append([]byte(nil), out...), status)
	cmd.ConsumedLen = uint32(len(payload))

	aq.Queue.DescsRW(cmd, aq.FirstWritableIndex(cmd), 0, payload, true, func(err error) {
		if err != nil {
			return
		}
		aq.Queue.CmdComplete(cmd)
	})
}
