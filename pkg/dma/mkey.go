package dma

import (
	"context"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
)

// TunnelDevice is the subset of a device object a cross-mkey needs: its
// dma_rkey and vhca_id, used whenever a queue DMAs to/from host physical
// addresses.
type TunnelDevice interface {
	DmaRkey() uint32
	VhcaID() uint16
}

// ProtectionDomain is an opaque handle to the controller's protection
// domain, created once per Context and shared by every cross-mkey.
type ProtectionDomain struct {
	id uint32
}

// NewProtectionDomain wraps a firmware-assigned PD id.
func NewProtectionDomain(id uint32) *ProtectionDomain { return &ProtectionDomain{id: id} }

// ID returns the underlying PD identifier.
func (p *ProtectionDomain) ID() uint32 { return p.id }

// CrossMkey bridges the controller's protection domain and an emulated
// function's address space. It is reference-counted by its owning
// device and must be destroyed before that device.
type CrossMkey struct {
	pd        *ProtectionDomain
	device    TunnelDevice
	rkey      uint32
	refs      int
	destroyed bool

	// fw is the firmware object behind this mkey when it was created
	// through CreateCrossMkey; nil for locally-minted keys in tests.
	fw interface {
		Destroy(ctx context.Context) error
	}
}

// NewCrossMkey creates a cross memory key from a protection domain plus
// a target device. rkey is the firmware-assigned remote key for this
// mkey (opaque, assigned by the command channel's mkey object create).
func NewCrossMkey(pd *ProtectionDomain, device TunnelDevice, rkey uint32) *CrossMkey {
	return &CrossMkey{pd: pd, device: device, rkey: rkey, refs: 1}
}

// RKey returns the remote key callers embed in DMA read/write requests
// that target this function's host memory.
func (m *CrossMkey) RKey() uint32 { return m.rkey }

// VhcaID returns the target device's vhca_id, required alongside RKey
// for any remote read/write.
func (m *CrossMkey) VhcaID() uint16 { return m.device.VhcaID() }

// Reference adds a holder (a virtqueue taking a shared handle).
func (m *CrossMkey) Reference() int {
	m.refs++
	return m.refs
}

// Dereference drops a holder. The caller must not touch the mkey after
// the count reaches zero without calling Destroy.
func (m *CrossMkey) Dereference() int {
	if m.refs > 0 {
		m.refs--
	}
	return m.refs
}

// Destroy tears down the firmware mkey object. It is an error to call
// this while references remain, since the owning device must outlive
// every holder.
func (m *CrossMkey) Destroy(ctx context.Context) error {
	if m.destroyed {
		return nil
	}
	if m.refs > 0 {
		return errkind.Newf(errkind.StateMismatch, "cross-mkey destroy: %d references remain", m.refs)
	}
	m.destroyed = true
	if m.fw != nil {
		return m.fw.Destroy(ctx)
	}
	return nil
}
