package virtqueue

import (
	"context"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/pkg/cmdchan"
	"github.com/smartnic-emu/snapctrl/pkg/dma"
)

// Provider is the queue's pluggable backend vtable. Provider
// selection is per-controller config.
type Provider interface {
	Create(ctx context.Context, q *Queue) error
	Destroy(ctx context.Context, q *Queue) error
	Progress(q *Queue)
	Query(ctx context.Context, q *Queue) (QueryResult, error)
	Modify(ctx context.Context, q *Queue, attr ModifyAttr) error
}

// QueryResult mirrors the firmware query_virtio_queue reply.
type QueryResult struct {
	HwAvailIdx uint16
	HwUsedIdx  uint16
}

// ModifyAttr is the subset of a queue's firmware object that modify
// can change; it carries only the queue state.
type ModifyAttr struct {
	State State
}

// HardwareProvider creates a firmware queue object bound to a
// counters object. The three scratch regions ("umem-1/2/3")
// back the firmware queue's descriptor, driver and device areas; they
// are allocated from Alloc at create time and freed at destroy.
type HardwareProvider struct {
	Channel *cmdchan.Channel
	Device  cmdchan.Tunneled
	Alloc   *dma.Allocator

	countersObj *cmdchan.ObjectHandle
	umems       [3]*dma.Buffer
}

// umem sizes per ring entry: descriptor area, driver area, device area.
var umemEntryBytes = [3]int{16, 8, 4}

func (p *HardwareProvider) Create(ctx context.Context, q *Queue) error {
	if p.Alloc != nil {
		for i := range p.umems {
			buf, err := p.Alloc.Allocate(q.cfg.RingSize * umemEntryBytes[i])
			if err != nil {
				p.freeUmems()
				return errkind.Wrap(err, errkind.OutOfMemory, "hardware provider: allocate umem")
			}
			p.umems[i] = buf
		}
	}

	countersIn := make([]byte, 4)
	counters, err := cmdchan.ObjectCreate(ctx, p.Channel, p.Device, cmdchan.ObjVirtioQCounters, countersIn, make([]byte, 4), nil)
	if err != nil {
		p.freeUmems()
		return errkind.Wrap(err, errkind.CommandChannelFailure, "hardware provider: create counters object")
	}
	p.countersObj = counters

	queueIn := make([]byte, 8)
	handle, err := cmdchan.ObjectCreate(ctx, p.Channel, p.Device, cmdchan.ObjVirtioQ, queueIn, make([]byte, 4), nil)
	if err != nil {
		_ = counters.Destroy(ctx)
		p.countersObj = nil
		p.freeUmems()
		return errkind.Wrap(err, errkind.CommandChannelFailure, "hardware provider: create queue object")
	}
	q.hwObj = handle
	return nil
}

func (p *HardwareProvider) freeUmems() {
	if p.Alloc == nil {
		return
	}
	for i, buf := range p.umems {
		if buf != nil {
			_ = p.Alloc.Free(buf)
			p.umems[i] = nil
		}
	}
}

func (p *HardwareProvider) Destroy(ctx context.Context, q *Queue) error {
	var firstErr error
	if q.hwObj != nil {
		if err := q.hwObj.Destroy(ctx); err != nil {
			firstErr = err
		}
		q.hwObj = nil
	}
	if p.countersObj != nil {
		if err := p.countersObj.Destroy(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		p.countersObj = nil
	}
	p.freeUmems()
	return firstErr
}

// Progress for the hardware provider is a no-op: the card delivers rx
// headers and completions through the DMA queue itself.
func (p *HardwareProvider) Progress(q *Queue) {}

func (p *HardwareProvider) Query(ctx context.Context, q *Queue) (QueryResult, error) {
	out := make([]byte, 4)
	if err := cmdchan.ObjectQuery(ctx, p.Channel, p.Device, cmdchan.ObjVirtioQ, nil, out); err != nil {
		return QueryResult{}, errkind.Wrap(err, errkind.CommandChannelFailure, "hardware provider: query queue")
	}
	return QueryResult{HwAvailIdx: leUint16(out[0:2]), HwUsedIdx: leUint16(out[2:4])}, nil
}

func (p *HardwareProvider) Modify(ctx context.Context, q *Queue, attr ModifyAttr) error {
	in := []byte{byte(attr.State)}
	return errkind.Wrap(cmdchan.ObjectModify(ctx, p.Channel, p.Device, cmdchan.ObjVirtioQ, in, nil), errkind.CommandChannelFailure, "hardware provider: modify queue")
}

// SoftwareProvider runs a three-state internal progress loop that
// polls host memory for available-index changes and synthesises
// descriptor headers. It reads the host's avail-ring
// index through the same DMA queue the hardware path would use.
type SoftwareProvider struct {
	AvailIdxPA  uint64
	DescTablePA uint64
	DescSize    uint32

	lastAvailIdx uint16
	polling      bool
}

func (p *SoftwareProvider) Create(ctx context.Context, q *Queue) error {
	p.polling = true
	return nil
}

func (p *SoftwareProvider) Destroy(ctx context.Context, q *Queue) error {
	p.polling = false
	return nil
}

// Progress polls the avail index and, for each newly-available
// descriptor, issues a read of its header and synthesises an rx event
// once that read completes.
func (p *SoftwareProvider) Progress(q *Queue) {
	if !p.polling || q.state != StateRunning {
		return
	}
	raw := make([]byte, 2)
	comp := dma.NewCompletion(func(err error) {
		if err != nil {
			return
		}
		idx := leUint16(raw)
		for p.lastAvailIdx != idx {
			headIdx := p.lastAvailIdx
			p.lastAvailIdx++
			p.fetchHeader(q, headIdx)
		}
	})
	comp.Charge(1)
	_ = q.cfg.DMA.Read(raw, p.AvailIdxPA, q.cfg.Mkey.RKey(), q.cfg.Mkey.VhcaID(), comp)
}

func (p *SoftwareProvider) fetchHeader(q *Queue, headIdx uint16) {
	raw := make([]byte, p.DescSize)
	descPA := p.DescTablePA + uint64(headIdx)*uint64(p.DescSize)
	comp := dma.NewCompletion(func(err error) {
		if err != nil {
			return
		}
		q.onRxHeader(Header{DescHeadIdx: headIdx, Descs: []Descriptor{decodeDescriptor(raw)}})
	})
	comp.Charge(1)
	_ = q.cfg.DMA.Read(raw, descPA, q.cfg.Mkey.RKey(), q.cfg.Mkey.VhcaID(), comp)
}

func (p *SoftwareProvider) Query(ctx context.Context, q *Queue) (QueryResult, error) {
	return QueryResult{HwAvailIdx: p.lastAvailIdx}, nil
}

func (p *SoftwareProvider) Modify(ctx context.Context, q *Queue, attr ModifyAttr) error {
	return nil
}

// DPAProvider delegates queue processing to co-processor ("Data Path
// Accelerator") code; this package only owns dispatch to it, not the
// DPA program itself.
type DPAProvider struct {
	Dispatch func(ctx context.Context, op string) error
}

func (p *DPAProvider) Create(ctx context.Context, q *Queue) error {
	if p.Dispatch == nil {
		return errkind.New(errkind.NotSupported, "dpa provider: no dispatch function configured")
	}
	return p.Dispatch(ctx, "create")
}

func (p *DPAProvider) Destroy(ctx context.Context, q *Queue) error {
	if p.Dispatch == nil {
		return nil
	}
	return p.Dispatch(ctx, "destroy")
}

func (p *DPAProvider) Progress(q *Queue) {}

func (p *DPAProvider) Query(ctx context.Context, q *Queue) (QueryResult, error) {
	return QueryResult{}, nil
}

func (p *DPAProvider) Modify(ctx context.Context, q *Queue, attr ModifyAttr) error {
	if p.Dispatch == nil {
		return errkind.New(errkind.NotSupported, "dpa provider: no dispatch function configured")
	}
	return p.Dispatch(ctx, "modify")
}
