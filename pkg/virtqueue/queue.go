package virtqueue

import (
	"context"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/internal/logging"
	"github.com/smartnic-emu/snapctrl/pkg/cmdchan"
	"github.com/smartnic-emu/snapctrl/pkg/dma"
)

var log = logging.For("virtqueue")

// State is the queue's suspension state machine:
//
//	RUNNING --suspend--> FLUSHING --inflight empty--> SUSPENDED --resume--> RUNNING
type State int

const (
	StateRunning State = iota
	StateFlushing
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateFlushing:
		return "FLUSHING"
	case StateSuspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// Header is what the DMA rx callback hands the queue when firmware
// tunnels a new descriptor chain's head: the first batch of
// descriptors plus whether the last one carries NEXT.
type Header struct {
	DescHeadIdx uint16
	Descs       []Descriptor
}

// Handler processes one fully-fetched command (the protocol-specific
// step that runs once the whole chain has been fetched).
type Handler func(cmd *Command)

// Config configures a Queue at creation time.
type Config struct {
	Index              int // virtio queue index this engine is bound to
	RingSize           int
	MaxChainDescs      int // worst-case descriptor chain length this queue must support
	MaxTunnelDesc      int // HW capability ceiling on chain length
	DescSize           uint32
	DescTablePA        uint64 // base address of the chain table in host memory
	Mkey               *dma.CrossMkey
	DMA                *dma.Queue
	InOrderCompletions bool
	Handler            Handler
	Provider           Provider
	DirtyLogger        DirtyLogger
}

// DirtyLogger receives one call per host-memory write DescsRW issues,
// so a controller's dirty-page tracker can log writes to host memory
// without this package knowing anything about page sizes or tracker
// flavours.
type DirtyLogger interface {
	LogWrite(pa uint64, length uint32)
}

// Queue is the descriptor-chain engine bound to one virtio queue
// index. It is single-threaded: every exported method must be
// called from the one polling-group goroutine that owns it.
type Queue struct {
	cfg Config

	state State

	cmds     []*Command
	free     []*Command
	inflight []*Command // ordered oldest-first; new commands append at the tail
	fatal    []*Command

	hwObj *cmdchan.ObjectHandle
}

// NewQueue validates cfg and builds a Queue with its command pool
// preallocated. Exceeding the HW's max_tunnel_desc capability at
// create time is rejected immediately rather than surfacing later as
// a runtime fatal command.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.RingSize <= 0 {
		return nil, errkind.Newf(errkind.BadArgument, "virtqueue: ring_size must be positive, got %d", cfg.RingSize)
	}
	if cfg.MaxChainDescs > cfg.MaxTunnelDesc {
		return nil, errkind.Newf(errkind.BadArgument, "virtqueue: max chain length %d exceeds max_tunnel_desc %d", cfg.MaxChainDescs, cfg.MaxTunnelDesc)
	}

	q := &Queue{cfg: cfg, state: StateRunning}
	q.cmds = make([]*Command, cfg.RingSize)
	q.free = make([]*Command, 0, cfg.RingSize)
	for i := 0; i < cfg.RingSize; i++ {
		cmd := &Command{ID: uint16(i), state: cmdFree}
		q.cmds[i] = cmd
		q.free = append(q.free, cmd)
	}
	if cfg.DMA != nil {
		cfg.DMA.SetRxCallback(q.OnDMARx)
	}
	return q, nil
}

// Create asks the provider to stand up whatever firmware/software
// resources back this queue.
func (q *Queue) Create(ctx context.Context) error {
	if q.cfg.Provider == nil {
		return errkind.New(errkind.BadArgument, "virtqueue: no provider configured")
	}
	return q.cfg.Provider.Create(ctx, q)
}

// Destroy tears down provider resources. Any commands still parked in
// fatal_cmds are dropped here; their cleanup is deferred exactly
// until this point.
func (q *Queue) Destroy(ctx context.Context) error {
	if q.cfg.Provider == nil {
		return nil
	}
	err := q.cfg.Provider.Destroy(ctx, q)
	q.fatal = nil
	return err
}

// State reports the current suspension state.
func (q *Queue) State() State { return q.state }

// Suspend transitions RUNNING -> FLUSHING. Admission of new host
// descriptors stops immediately (onRxHeader below checks state);
// commands already inflight continue draining.
func (q *Queue) Suspend() {
	if q.state == StateRunning {
		q.state = StateFlushing
	}
}

// Resume transitions SUSPENDED -> RUNNING.
func (q *Queue) Resume() error {
	if q.state != StateSuspended {
		return errkind.Newf(errkind.StateMismatch, "virtqueue: resume requires SUSPENDED, got %s", q.state)
	}
	q.state = StateRunning
	return nil
}

// IsSuspended returns true only once inflight_cmds has drained to
// empty and the state machine has reached SUSPENDED.
func (q *Queue) IsSuspended() bool {
	return q.state == StateSuspended && len(q.inflight) == 0
}

// Query asks the provider for the queue's current hardware indices
// (hw_available_index, hw_used_index). Used by live-migration state
// save to snapshot per-queue progress.
func (q *Queue) Query(ctx context.Context) (QueryResult, error) {
	if q.cfg.Provider == nil {
		return QueryResult{}, nil
	}
	return q.cfg.Provider.Query(ctx, q)
}

// SetDirtyLogger installs or clears the queue's dirty-page logger.
// Passing nil disables write logging for this queue.
func (q *Queue) SetDirtyLogger(logger DirtyLogger) {
	q.cfg.DirtyLogger = logger
}

// Index returns the virtio queue index this engine is bound to.
func (q *Queue) Index() int { return q.cfg.Index }

// RingSize returns the queue's configured ring size.
func (q *Queue) RingSize() int { return q.cfg.RingSize }

// DescTablePA returns the base address of the descriptor chain table
// in host memory, as configured at creation.
func (q *Queue) DescTablePA() uint64 { return q.cfg.DescTablePA }

// Progress drives the DMA queue and performs the FLUSHING -> SUSPENDED
// transition once inflight drains to empty.
func (q *Queue) Progress() {
	if q.cfg.DMA != nil {
		q.cfg.DMA.Progress()
	}
	if q.state == StateFlushing && len(q.inflight) == 0 {
		q.state = StateSuspended
	}
	if q.cfg.Provider != nil {
		q.cfg.Provider.Progress(q)
	}
}

// RxHeader admits one descriptor-chain head, exactly as the DMA rx
// callback would. The software provider and tests inject synthesized
// headers through it; the hardware path arrives via OnDMARx.
func (q *Queue) RxHeader(hdr Header) { q.onRxHeader(hdr) }

// OnDMARx is the DMA queue's rx callback: it decodes the tunneled
// header format {desc_head_idx u16, num_descs u16, descs[num_descs]}
// and admits the chain. Short or inconsistent frames are dropped.
func (q *Queue) OnDMARx(raw []byte) {
	if len(raw) < 4 {
		log.WithField("bytes", len(raw)).Warn("short rx header frame, dropping")
		return
	}
	headIdx := leUint16(raw[0:2])
	numDescs := int(leUint16(raw[2:4]))
	if numDescs == 0 || len(raw) < 4+numDescs*int(q.cfg.DescSize) {
		log.WithField("desc_head_idx", headIdx).Warn("rx header frame shorter than its descriptor count, dropping")
		return
	}
	descs := make([]Descriptor, numDescs)
	for i := 0; i < numDescs; i++ {
		off := 4 + i*int(q.cfg.DescSize)
		descs[i] = decodeDescriptor(raw[off : off+int(q.cfg.DescSize)])
	}
	q.onRxHeader(Header{DescHeadIdx: headIdx, Descs: descs})
}

// onRxHeader is the DMA rx callback entry point: a new command arrives
// carrying {desc_head_idx, descs...}. While FLUSHING or SUSPENDED, new
// descriptors are not fetched at all (admission gating).
func (q *Queue) onRxHeader(hdr Header) {
	if q.state != StateRunning {
		return
	}
	cmd := q.allocFree()
	if cmd == nil {
		log.WithField("desc_head_idx", hdr.DescHeadIdx).Warn("no free command slots, dropping descriptor chain")
		return
	}

	cmd.DescHeadIdx = hdr.DescHeadIdx
	cmd.Chain = append(cmd.Chain[:0], hdr.Descs...)
	q.admitInflight(cmd)

	q.fetchChain(cmd)
}

// fetchChain walks the NEXT-linked descriptor chain, issuing a DMA
// read per additional descriptor beyond the header's inline batch,
// until it reaches one without NEXT set. Once complete it hands cmd
// to Handler.
// cmd is already in inflight_cmds for the whole fetch, so the
// free/inflight/fatal accounting stays exhaustive even mid-chain-walk.
func (q *Queue) fetchChain(cmd *Command) {
	last := cmd.Chain[len(cmd.Chain)-1]
	if !last.hasNext() {
		if q.cfg.Handler != nil {
			q.cfg.Handler(cmd)
		}
		return
	}

	if len(cmd.Chain) >= q.cfg.MaxChainDescs {
		q.markFatal(cmd)
		return
	}

	next := make([]byte, q.cfg.DescSize)
	nextPA := q.cfg.DescTablePA + uint64(last.Next)*uint64(q.cfg.DescSize)
	comp := dma.NewCompletion(func(err error) {
		if err != nil {
			q.markFatal(cmd)
			return
		}
		cmd.Chain = append(cmd.Chain, decodeDescriptor(next))
		q.fetchChain(cmd)
	})
	comp.Charge(1)
	if err := q.cfg.DMA.Read(next, nextPA, q.cfg.Mkey.RKey(), q.cfg.Mkey.VhcaID(), comp); err != nil {
		q.markFatal(cmd)
	}
}

func decodeDescriptor(raw []byte) Descriptor {
	// Fixed little-endian {addr, len, flags, next} layout of a raw
	// virtio descriptor.
	return Descriptor{
		Addr:  leUint64(raw[0:8]),
		Len:   leUint32(raw[8:12]),
		Flags: leUint16(raw[12:14]),
		Next:  leUint16(raw[14:16]),
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
func leUint32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}
func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// DescsRW is the generic read/write chain splitter: it splits total
// len(local) bytes across cmd's chain starting at firstDesc/firstOffset,
// honouring each descriptor's own length, charging one shared
// completion with one slot per split op it issues. doneCB is called
// exactly once, after every split op has finished, with the first
// error encountered (if any). On any DMA error the command is marked
// fatal.
func (q *Queue) DescsRW(cmd *Command, firstDesc int, firstOffset uint32, local []byte, write bool, doneCB func(error)) {
	type chunkOp struct {
		addr  uint64
		chunk []byte
	}
	var ops []chunkOp

	remaining := local
	offset := firstOffset
	for di := firstDesc; di < len(cmd.Chain) && len(remaining) > 0; di++ {
		d := cmd.Chain[di]
		if d.isWrite() != write {
			continue
		}
		// The byte offset may span whole descriptors (e.g. a payload
		// that follows a multi-descriptor request section).
		if offset >= d.Len {
			offset -= d.Len
			continue
		}
		avail := d.Len - offset
		n := uint32(len(remaining))
		if n > avail {
			n = avail
		}

		ops = append(ops, chunkOp{addr: d.Addr + uint64(offset), chunk: remaining[:n]})
		remaining = remaining[n:]
		offset = 0
	}

	if len(ops) == 0 {
		doneCB(nil)
		return
	}

	comp := dma.NewCompletion(func(err error) {
		if err != nil {
			q.markFatal(cmd)
		}
		doneCB(err)
	})
	comp.Charge(len(ops))

	for _, op := range ops {
		var err error
		if write {
			if q.cfg.DirtyLogger != nil {
				q.cfg.DirtyLogger.LogWrite(op.addr, uint32(len(op.chunk)))
			}
			err = q.cfg.DMA.Write(op.chunk, op.addr, q.cfg.Mkey.RKey(), q.cfg.Mkey.VhcaID(), comp)
		} else {
			err = q.cfg.DMA.Read(op.chunk, op.addr, q.cfg.Mkey.RKey(), q.cfg.Mkey.VhcaID(), comp)
		}
		if err != nil {
			comp.Decrement(err)
		}
	}
}

// CmdComplete sends a {id, len} used-ring update via the DMA queue's
// send-completion path. With InOrderCompletions the send is deferred
// until every command older than cmd has already completed, draining
// from the oldest end of inflight_cmds.
func (q *Queue) CmdComplete(cmd *Command) {
	cmd.completedReady = true
	if !q.cfg.InOrderCompletions {
		q.sendComplete(cmd)
		return
	}
	q.drainOrderedCompletions()
}

func (q *Queue) drainOrderedCompletions() {
	for len(q.inflight) > 0 {
		oldest := q.inflight[0]
		if !oldest.completedReady {
			return
		}
		q.sendComplete(oldest)
	}
}

// sendComplete posts the {id, len} message the firmware translates into
// a used-ring update. The id is the host-visible descriptor head index,
// not the pool slot number.
func (q *Queue) sendComplete(cmd *Command) {
	msg := encodeCompletion(cmd.DescHeadIdx, cmd.ConsumedLen)
	if err := q.cfg.DMA.SendCompletion(msg, nil); err != nil {
		q.markFatal(cmd)
		return
	}
	q.release(cmd)
}

func encodeCompletion(id uint16, length uint32) []byte {
	return []byte{
		byte(id), byte(id >> 8),
		byte(length), byte(length >> 8), byte(length >> 16), byte(length >> 24),
	}
}

func (q *Queue) allocFree() *Command {
	if len(q.free) == 0 {
		return nil
	}
	cmd := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	cmd.state = cmdInflight
	cmd.ConsumedLen = 0
	cmd.completedReady = false
	return cmd
}

func (q *Queue) admitInflight(cmd *Command) {
	q.inflight = append(q.inflight, cmd)
}

// markFatal moves cmd to the fatal set, excluded from free/inflight
// accounting until queue destroy.
func (q *Queue) markFatal(cmd *Command) {
	if cmd.state == cmdFatal {
		return
	}
	q.removeFromInflight(cmd)
	cmd.state = cmdFatal
	q.fatal = append(q.fatal, cmd)
}

func (q *Queue) release(cmd *Command) {
	q.removeFromInflight(cmd)
	cmd.state = cmdFree
	q.free = append(q.free, cmd)
}

func (q *Queue) removeFromInflight(cmd *Command) {
	for i, c := range q.inflight {
		if c == cmd {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			return
		}
	}
}

// Counts reports the size of each of the three disjoint sets, exposed
// for the |free|+|inflight|+|fatal| == ring_size invariant tests.
func (q *Queue) Counts() (free, inflight, fatal int) {
	return len(q.free), len(q.inflight), len(q.fatal)
}

// CommandByID looks up a pool slot by its ring-fixed ID, regardless of
// which of the three sets it currently belongs to.
func (q *Queue) CommandByID(id uint16) *Command {
	if int(id) >= len(q.cmds) {
		return nil
	}
	return q.cmds[id]
}
