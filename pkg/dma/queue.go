package dma

import (
	"github.com/smartnic-emu/snapctrl/internal/errkind"
)

// InlineThreshold is the maximum payload write_short will send
// synchronously; above this a caller must use Write with a completion.
const InlineThreshold = 256

// Verbs is the RDMA-verbs-like capability the DMA queue is built on:
// an opaque transport the controller consumes rather than implements.
// A real
// deployment backs this with the card's RDMA/devx queue pair; tests and
// the software virtqueue provider back it with Loopback.
type Verbs interface {
	// PostRead/PostWrite enqueue an operation against remote host memory
	// identified by (remoteAddr, rkey, vhcaID) and return an opaque op
	// id the completion is keyed on.
	PostRead(local []byte, remoteAddr uint64, rkey uint32, vhcaID uint16) (uint64, error)
	PostWrite(local []byte, remoteAddr uint64, rkey uint32, vhcaID uint16) (uint64, error)
	// PostWriteShort performs an inline write synchronously.
	PostWriteShort(local []byte, remoteAddr uint64, rkey uint32, vhcaID uint16) error
	// PostSend enqueues a completion message back to the host/firmware
	// side and returns an opaque op id.
	PostSend(message []byte) (uint64, error)
	// Poll returns ops that finished since the last call.
	Poll() []VerbsCompletion
	// Arm requests the next completion event be delivered on the
	// completion channel (event-driven mode only).
	Arm() error
}

// VerbsCompletion is one finished operation as reported by Poll.
type VerbsCompletion struct {
	OpID uint64
	Err  error
}

// RxCallback is invoked when firmware tunnels a new descriptor header
// to the controller.
type RxCallback func(header []byte)

// Queue is a bidirectional DMA transport bound to a protection domain.
// A Queue is single-threaded: all calls must come from the one
// polling-group thread that owns it.
type Queue struct {
	pd     *ProtectionDomain
	verbs  Verbs
	userCtx interface{}

	txRingSize, rxRingSize int
	txElemSize, rxElemSize int

	rxCallback RxCallback

	pending map[uint64]*Completion
}

// Config configures a Queue at creation time.
type Config struct {
	PD         *ProtectionDomain
	Verbs      Verbs
	TxRingSize int
	RxRingSize int
	TxElemSize int
	RxElemSize int
	UserCtx    interface{}
	RxCallback RxCallback
}

// NewQueue builds a Queue from cfg.
func NewQueue(cfg Config) *Queue {
	return &Queue{
		pd:         cfg.PD,
		verbs:      cfg.Verbs,
		userCtx:    cfg.UserCtx,
		txRingSize: cfg.TxRingSize,
		rxRingSize: cfg.RxRingSize,
		txElemSize: cfg.TxElemSize,
		rxElemSize: cfg.RxElemSize,
		rxCallback: cfg.RxCallback,
		pending:    make(map[uint64]*Completion),
	}
}

// UserCtx returns the opaque context pointer supplied at creation.
func (q *Queue) UserCtx() interface{} { return q.userCtx }

// SetRxCallback installs (or replaces) the rx callback after creation.
// The consumer that owns descriptor decoding binds itself here.
func (q *Queue) SetRxCallback(cb RxCallback) { q.rxCallback = cb }

// Read issues a remote read of len(local) bytes from remote_addr/rkey
// into local, charging one decrement against completion when done.
func (q *Queue) Read(local []byte, remoteAddr uint64, rkey uint32, vhcaID uint16, completion *Completion) error {
	id, err := q.verbs.PostRead(local, remoteAddr, rkey, vhcaID)
	if err != nil {
		return errkind.Wrap(err, errkind.DmaFailure, "dma read")
	}
	q.pending[id] = completion
	return nil
}

// Write issues a remote write of local's contents to remote_addr/rkey.
func (q *Queue) Write(local []byte, remoteAddr uint64, rkey uint32, vhcaID uint16, completion *Completion) error {
	id, err := q.verbs.PostWrite(local, remoteAddr, rkey, vhcaID)
	if err != nil {
		return errkind.Wrap(err, errkind.DmaFailure, "dma write")
	}
	q.pending[id] = completion
	return nil
}

// WriteShort performs an inline write synchronously; len(local) must
// not exceed InlineThreshold.
func (q *Queue) WriteShort(local []byte, remoteAddr uint64, rkey uint32, vhcaID uint16) error {
	if len(local) > InlineThreshold {
		return errkind.Newf(errkind.BadArgument, "write_short: %d bytes exceeds inline threshold %d", len(local), InlineThreshold)
	}
	if err := q.verbs.PostWriteShort(local, remoteAddr, rkey, vhcaID); err != nil {
		return errkind.Wrap(err, errkind.DmaFailure, "dma write_short")
	}
	return nil
}

// SendCompletion posts a completion message (e.g. a {id, len} used-ring
// update) back through the DMA queue.
func (q *Queue) SendCompletion(message []byte, completion *Completion) error {
	id, err := q.verbs.PostSend(message)
	if err != nil {
		return errkind.Wrap(err, errkind.DmaFailure, "dma send_completion")
	}
	if completion != nil {
		q.pending[id] = completion
	}
	return nil
}

// Progress polls the verbs layer, resolving any finished operations
// against their completion. Rx headers do not pass through here; they
// reach the rx callback through DeliverRx.
func (q *Queue) Progress() {
	for _, c := range q.verbs.Poll() {
		if completion, ok := q.pending[c.OpID]; ok {
			delete(q.pending, c.OpID)
			completion.Decrement(c.Err)
		}
	}
}

// DeliverRx is called by the transport (or, in tests, directly) when a
// new descriptor header arrives from firmware.
func (q *Queue) DeliverRx(header []byte) {
	if q.rxCallback != nil {
		q.rxCallback(header)
	}
}

// Arm requests the next completion event; only meaningful in
// event-driven (as opposed to pure-polling) mode.
func (q *Queue) Arm() error {
	return q.verbs.Arm()
}

// Flush drives progress until every currently pending completion has
// finished. New completions queued by callbacks invoked during Flush
// are not waited on — only the set pending when Flush was called.
func (q *Queue) Flush() {
	target := make(map[uint64]struct{}, len(q.pending))
	for id := range q.pending {
		target[id] = struct{}{}
	}
	for len(target) > 0 {
		q.Progress()
		for id := range target {
			if _, stillPending := q.pending[id]; !stillPending {
				delete(target, id)
			}
		}
	}
}
