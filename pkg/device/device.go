package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/pkg/cmdchan"
)

// Attr is what query_device returns: the BAR shadow plus the
// modifiable-field mask and crossed-vhca mkey, and a freshly-queried
// bdf (which may change across a hotplug).
type Attr struct {
	BDF            string
	BAR            BARShadow
	ModifiableMask ModifiableMask
	CrossVhcaMkey  uint32
}

// Device is per-PF/VF state: the emulation object handle, tunnel
// handle (legacy mode only), event subscription and modifiable-field
// mask cache.
type Device struct {
	slot    *PFSlot
	channel *cmdchan.Channel

	emulation *cmdchan.ObjectHandle
	hasTunnel bool
	tunnelID  uint16

	// Tunneled functions additionally carry a protection domain bound
	// to the tunnel and TX/RX steering objects, built during
	// init_device and torn down in reverse order.
	steering []*cmdchan.ObjectHandle

	counters   *cmdchan.ObjectHandle
	namespaces map[uint32]*cmdchan.ObjectHandle
	eventQueue *cmdchan.ObjectHandle

	modMask      ModifiableMask
	modMaskKnown bool

	dmaRkey uint32
	vhcaID  uint16

	events *eventSubscription
}

// Open opens a device against slot. There is exactly one device per
// slot when opened; enforcing that is the Context/Controller's
// responsibility since it owns the slot-to-device mapping.
func Open(slot *PFSlot, channel *cmdchan.Channel, legacyTunnel bool, tunnelID uint16) *Device {
	return &Device{
		slot:       slot,
		channel:    channel,
		hasTunnel:  legacyTunnel,
		tunnelID:   tunnelID,
		vhcaID:     slot.VhcaID,
		namespaces: make(map[uint32]*cmdchan.ObjectHandle),
	}
}

// HasTunnel / TunnelID implement cmdchan.Tunneled.
func (d *Device) HasTunnel() bool  { return d.hasTunnel }
func (d *Device) TunnelID() uint16 { return d.tunnelID }

// DmaRkey / VhcaID implement dma.TunnelDevice.
func (d *Device) DmaRkey() uint32 { return d.dmaRkey }
func (d *Device) VhcaID() uint16  { return d.vhcaID }

// Slot returns the PF/VF slot this device was opened against.
func (d *Device) Slot() *PFSlot { return d.slot }

// Channel returns the command channel the device was opened over.
func (d *Device) Channel() *cmdchan.Channel { return d.channel }

func (d *Device) emulationObjectType() (cmdchan.ObjectType, error) {
	switch d.slot.Class {
	case ClassBlock:
		return cmdchan.ObjVirtioBlkDeviceEmulation, nil
	case ClassNet:
		return cmdchan.ObjVirtioNetDeviceEmulation, nil
	case ClassFS:
		return cmdchan.ObjVirtioFsDeviceEmulation, nil
	case ClassNVMe:
		return cmdchan.ObjNVMeDeviceEmulation, nil
	default:
		return 0, errkind.Newf(errkind.BadArgument, "device: unknown class %s", d.slot.Class)
	}
}

// InitDevice allocates per-class state. On tunneled functions it also
// toggles enable_hca/init_hca with their retry budgets and stands up a
// protection domain plus TX/RX steering bound to the tunnel.
func (d *Device) InitDevice(ctx context.Context) error {
	objType, err := d.emulationObjectType()
	if err != nil {
		return err
	}
	in := []byte(d.slot.Class)

	if d.hasTunnel {
		if err := d.channel.TunneledCmd(ctx, d, cmdchan.OpEnableHCA, cmdchan.ObjDevice, in, nil); err != nil {
			return errkind.Wrap(err, errkind.CommandChannelFailure, "init_device: enable_hca")
		}
		if err := d.channel.TunneledCmd(ctx, d, cmdchan.OpInitHCA, cmdchan.ObjDevice, in, nil); err != nil {
			return errkind.Wrap(err, errkind.CommandChannelFailure, "init_device: init_hca")
		}
	}

	out := make([]byte, 4)
	handle, err := cmdchan.ObjectCreate(ctx, d.channel, d, objType, in, out, func(createIn, createOut []byte) []byte {
		return append([]byte{byte(objType)}, createOut...)
	})
	if err != nil {
		return errkind.Wrap(err, errkind.CommandChannelFailure, "init_device: create device emulation object")
	}
	d.emulation = handle

	if d.slot.Class == ClassNVMe {
		counters, err := cmdchan.ObjectCreate(ctx, d.channel, d, cmdchan.ObjNVMeCounters, nil, make([]byte, 4), nil)
		if err != nil {
			d.rollbackInit(ctx)
			return errkind.Wrap(err, errkind.CommandChannelFailure, "init_device: create counters object")
		}
		d.counters = counters
	}

	if d.hasTunnel {
		if err := d.setupSteering(ctx); err != nil {
			d.rollbackInit(ctx)
			return err
		}
	}
	return nil
}

// setupSteering builds the tunnel-bound protection domain and the
// TX/RX steering chain (flow tables, a flow group, an FTE steering the
// function's traffic into the TIR).
func (d *Device) setupSteering(ctx context.Context) error {
	build := []struct {
		name    string
		objType cmdchan.ObjectType
	}{
		{"pd", cmdchan.ObjPD},
		{"tir", cmdchan.ObjTIR},
		{"flow-table-tx", cmdchan.ObjFlowTable},
		{"flow-table-rx", cmdchan.ObjFlowTable},
		{"flow-group", cmdchan.ObjFlowGroup},
		{"fte", cmdchan.ObjFTE},
	}
	for _, step := range build {
		handle, err := cmdchan.ObjectCreate(ctx, d.channel, d, step.objType, []byte(step.name), make([]byte, 4), nil)
		if err != nil {
			return errkind.Wrap(err, errkind.CommandChannelFailure, "init_device: create "+step.name)
		}
		d.steering = append(d.steering, handle)
	}
	return nil
}

// rollbackInit undoes a partially-completed InitDevice. Errors are
// logged, not surfaced: the original failure is what the caller sees.
func (d *Device) rollbackInit(ctx context.Context) {
	d.destroySteering(ctx)
	if d.counters != nil {
		if err := d.counters.Destroy(ctx); err != nil {
			log.WithError(err).Warn("init_device rollback: destroy counters")
		}
		d.counters = nil
	}
	if d.emulation != nil {
		if err := d.emulation.Destroy(ctx); err != nil {
			log.WithError(err).Warn("init_device rollback: destroy emulation object")
		}
		d.emulation = nil
	}
}

func (d *Device) destroySteering(ctx context.Context) {
	for i := len(d.steering) - 1; i >= 0; i-- {
		if err := d.steering[i].Destroy(ctx); err != nil {
			log.WithError(err).Warn("destroy steering object")
		}
	}
	d.steering = nil
}

// AttachNamespace creates an NVMe namespace object under this device's
// emulation. The destroy body is precomputed at create time so detach
// works even after the function degrades.
func (d *Device) AttachNamespace(ctx context.Context, nsid uint32) error {
	if d.slot.Class != ClassNVMe {
		return errkind.Newf(errkind.NotSupported, "attach_namespace: class %s has no namespaces", d.slot.Class)
	}
	if _, exists := d.namespaces[nsid]; exists {
		return errkind.Newf(errkind.BadArgument, "attach_namespace: nsid %d already attached", nsid)
	}
	in := make([]byte, 4)
	binary.LittleEndian.PutUint32(in, nsid)
	handle, err := cmdchan.ObjectCreate(ctx, d.channel, d, cmdchan.ObjNVMeNamespace, in, make([]byte, 4), func(createIn, createOut []byte) []byte {
		return append([]byte(nil), createIn...)
	})
	if err != nil {
		return errkind.Wrap(err, errkind.CommandChannelFailure, fmt.Sprintf("attach_namespace: nsid %d", nsid))
	}
	d.namespaces[nsid] = handle
	return nil
}

// DetachNamespace destroys a previously attached namespace object.
func (d *Device) DetachNamespace(ctx context.Context, nsid uint32) error {
	handle, ok := d.namespaces[nsid]
	if !ok {
		return errkind.Newf(errkind.BadArgument, "detach_namespace: nsid %d not attached", nsid)
	}
	if err := handle.Destroy(ctx); err != nil {
		return errkind.Wrap(err, errkind.CommandChannelFailure, fmt.Sprintf("detach_namespace: nsid %d", nsid))
	}
	delete(d.namespaces, nsid)
	return nil
}

// TeardownDevice is InitDevice's inverse: frees per-class state and
// steering, destroys the emulation object, then disable_hca/
// teardown_hca with their own retry budgets on tunneled functions.
func (d *Device) TeardownDevice(ctx context.Context) error {
	var result error

	for nsid, handle := range d.namespaces {
		if err := handle.Destroy(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("namespace %d: %w", nsid, err))
		}
	}
	d.namespaces = make(map[uint32]*cmdchan.ObjectHandle)

	if d.eventQueue != nil {
		if err := d.eventQueue.Destroy(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("event queue: %w", err))
		}
		d.eventQueue = nil
	}

	d.destroySteering(ctx)

	if d.counters != nil {
		if err := d.counters.Destroy(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("counters: %w", err))
		}
		d.counters = nil
	}

	if d.emulation != nil {
		if err := d.emulation.Destroy(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("emulation object: %w", err))
		}
	}

	if d.hasTunnel {
		if err := d.channel.TunneledCmd(ctx, d, cmdchan.OpTeardownHCA, cmdchan.ObjDevice, nil, nil); err != nil {
			result = multierror.Append(result, fmt.Errorf("teardown_hca: %w", err))
		}
		if err := d.channel.TunneledCmd(ctx, d, cmdchan.OpDisableHCA, cmdchan.ObjDevice, nil, nil); err != nil {
			result = multierror.Append(result, fmt.Errorf("disable_hca: %w", err))
		}
	}

	if result != nil {
		return errkind.Wrap(result, errkind.CommandChannelFailure, "teardown_device")
	}
	return nil
}

// CloseDevice releases the local handle. It does not talk to firmware;
// that is TeardownDevice's job.
func (d *Device) CloseDevice() {
	d.emulation = nil
}

// Query response wire layout: fixed little-endian header offsets,
// followed by num_queues per-queue records and the class-specific
// device config block.
const (
	qryOffMkey      = 0
	qryOffFeatures  = 4
	qryOffStatus    = 12
	qryOffFlags     = 13
	qryOffQueueSel  = 14
	qryOffConfigGen = 16
	qryOffNumVFs    = 20
	qryOffModMask   = 24
	qryOffBDF       = 32 // NUL-padded ASCII, bdfFieldLen bytes
	qryOffNumQueues = 48
	qryOffDevCfgLen = 50
	qryHeaderLen    = 52

	bdfFieldLen = 16

	qryFlagEnabled = 1 << 0
	qryFlagReset   = 1 << 1
)

// Per-queue record inside a query response: size(2) + msix(2) +
// enable(1) + notify_off(2) + desc(8) + driver(8) + device(8) +
// hw_avail_idx(2) + hw_used_idx(2), padded to 40.
const (
	qaOffSize       = 0
	qaOffMsix       = 2
	qaOffEnable     = 4
	qaOffNotifyOff  = 5
	qaOffDescAddr   = 7
	qaOffDriverAddr = 15
	qaOffDeviceAddr = 23
	qaOffHwAvailIdx = 31
	qaOffHwUsedIdx  = 33
	queueAttrLen    = 40
)

// defaultModifiableMask is assumed until firmware reports one.
const defaultModifiableMask = MaskStatus | MaskQueueSelect | MaskQueueEnable | MaskQueueSize |
	MaskQueueMsix | MaskQueueNotifyOff | MaskQueueDescAddr | MaskQueueDriverAddr | MaskQueueDeviceAddr

// QueryDevice reads the BAR shadow, per-queue attrs, modifiable-field
// mask and crossed-vhca mkey, and refreshes bdf (which may change on
// hotplug).
func (d *Device) QueryDevice(ctx context.Context) (Attr, error) {
	objType, err := d.emulationObjectType()
	if err != nil {
		return Attr{}, err
	}
	out := make([]byte, 4096)
	if err := cmdchan.ObjectQuery(ctx, d.channel, d, objType, nil, out); err != nil {
		return Attr{}, errkind.Wrap(err, errkind.CommandChannelFailure, "query_device")
	}
	return d.decodeQueryResponse(out), nil
}

// decodeQueryResponse turns a query reply into an Attr, refreshing the
// cached bdf, modifiable mask and dma rkey along the way. out is the
// pre-sized response buffer, zero-padded past what firmware wrote, so
// header reads never go out of bounds.
func (d *Device) decodeQueryResponse(out []byte) Attr {
	d.dmaRkey = binary.LittleEndian.Uint32(out[qryOffMkey:])

	bar := BARShadow{
		Features:         binary.LittleEndian.Uint64(out[qryOffFeatures:]),
		Status:           out[qryOffStatus],
		Enabled:          out[qryOffFlags]&qryFlagEnabled != 0,
		Reset:            out[qryOffFlags]&qryFlagReset != 0,
		QueueSelect:      binary.LittleEndian.Uint16(out[qryOffQueueSel:]),
		ConfigGeneration: binary.LittleEndian.Uint32(out[qryOffConfigGen:]),
		NumVFs:           int(binary.LittleEndian.Uint16(out[qryOffNumVFs:])),
	}

	if mask := ModifiableMask(binary.LittleEndian.Uint64(out[qryOffModMask:])); mask != 0 {
		d.modMask = mask
	} else if !d.modMaskKnown {
		d.modMask = defaultModifiableMask
	}
	d.modMaskKnown = true

	if bdf := string(bytes.TrimRight(out[qryOffBDF:qryOffBDF+bdfFieldLen], "\x00")); bdf != "" {
		d.slot.BDF = bdf
	}

	numQueues := int(binary.LittleEndian.Uint16(out[qryOffNumQueues:]))
	devCfgLen := int(binary.LittleEndian.Uint16(out[qryOffDevCfgLen:]))

	rest := out[qryHeaderLen:]
	if numQueues*queueAttrLen <= len(rest) {
		bar.Queues = make([]QueueConfig, numQueues)
		for i := range bar.Queues {
			rec := rest[i*queueAttrLen:]
			bar.Queues[i] = QueueConfig{
				Size:       binary.LittleEndian.Uint16(rec[qaOffSize:]),
				Msix:       binary.LittleEndian.Uint16(rec[qaOffMsix:]),
				Enable:     rec[qaOffEnable] != 0,
				NotifyOff:  binary.LittleEndian.Uint16(rec[qaOffNotifyOff:]),
				DescAddr:   binary.LittleEndian.Uint64(rec[qaOffDescAddr:]),
				DriverAddr: binary.LittleEndian.Uint64(rec[qaOffDriverAddr:]),
				DeviceAddr: binary.LittleEndian.Uint64(rec[qaOffDeviceAddr:]),
				HwAvailIdx: binary.LittleEndian.Uint16(rec[qaOffHwAvailIdx:]),
				HwUsedIdx:  binary.LittleEndian.Uint16(rec[qaOffHwUsedIdx:]),
			}
		}
		rest = rest[numQueues*queueAttrLen:]
		if devCfgLen <= len(rest) {
			bar.DeviceConfig = append([]byte(nil), rest[:devCfgLen]...)
		}
	}

	return Attr{
		BDF:            d.slot.BDF,
		BAR:            bar,
		ModifiableMask: d.modMask,
		CrossVhcaMkey:  d.dmaRkey,
	}
}

// ModifyDevice writes the subset of attr controlled by mask, rejecting
// any bit outside the cached modifiable mask before issuing a firmware
// command. mask == MaskAll overrides status
// and pci-common-config.
func (d *Device) ModifyDevice(ctx context.Context, mask ModifiableMask, attr Attr) error {
	objType, err := d.emulationObjectType()
	if err != nil {
		return err
	}

	if !d.modMaskKnown {
		if _, err := d.QueryDevice(ctx); err != nil {
			return err
		}
	}

	if mask != MaskAll {
		if mask&^d.modMask != 0 {
			return errkind.Newf(errkind.BadArgument, "modify_device: mask %#x has bits outside modifiable mask %#x", mask, d.modMask)
		}
	}

	in := []byte{byte(mask)}
	if err := cmdchan.ObjectModify(ctx, d.channel, d, objType, in, nil); err != nil {
		return errkind.Wrap(err, errkind.CommandChannelFailure, "modify_device")
	}
	return nil
}
