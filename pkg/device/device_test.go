package device

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartnic-emu/snapctrl/pkg/cmdchan"
)

type scriptedTransport struct {
	calls int
}

func (s *scriptedTransport) Do(ctx context.Context, req cmdchan.Request) (cmdchan.Response, error) {
	s.calls++
	return cmdchan.Response{Out: make([]byte, 64)}, nil
}

func newTestContext(t *testing.T) (*Context, *scriptedTransport) {
	t.Helper()
	tr := &scriptedTransport{}
	ch := cmdchan.New(tr)
	caps := Capabilities{Classes: []Class{ClassBlock, ClassNet}}
	return OpenContext(ch, caps), tr
}

func TestHotplugHotunplugRoundTrip(t *testing.T) {
	ctx, _ := newTestContext(t)

	before := len(ctx.PFSlots(ClassBlock))
	pf, err := ctx.HotplugPF(context.Background(), ClassBlock, 5, InitialRegisters{UseDefaults: true}, PCIAttr{BDF: "0000:05:00.0"}, 4)
	require.NoError(t, err)
	assert.Equal(t, before+1, len(ctx.PFSlots(ClassBlock)))
	assert.NotEmpty(t, pf.VUID)

	require.NoError(t, ctx.HotunplugPF(context.Background(), pf))
	assert.Equal(t, before, len(ctx.PFSlots(ClassBlock)))
}

func TestHotplugRejectsUnsupportedClass(t *testing.T) {
	ctx, _ := newTestContext(t)
	_, err := ctx.HotplugPF(context.Background(), ClassNVMe, 0, InitialRegisters{}, PCIAttr{}, 1)
	assert.Error(t, err)
}

func TestRescanVFsOnlyWayNumVFsChanges(t *testing.T) {
	pf := &PFSlot{Class: ClassBlock, Index: 0, MaxVFs: 4}
	added, err := pf.Rescan(2, func(idx int) *PFSlot {
		return &PFSlot{Class: ClassBlock, Index: idx + 1}
	})
	require.NoError(t, err)
	assert.Len(t, added, 2)
	assert.Equal(t, 2, pf.NumVFs())

	_, err = pf.Rescan(10, func(idx int) *PFSlot { return &PFSlot{} })
	assert.Error(t, err, "exceeds max_vfs")
}

func TestModifyDeviceRejectsMaskOutsideModifiable(t *testing.T) {
	ctx, _ := newTestContext(t)
	slot := &PFSlot{Class: ClassBlock, Index: 0}
	dev := Open(slot, ctx.channel, true, 1)

	err := dev.ModifyDevice(context.Background(), MaskDeviceConfig, Attr{})
	assert.Error(t, err, "DeviceConfig bit not in the default modifiable mask")

	err = dev.ModifyDevice(context.Background(), MaskStatus, Attr{})
	assert.NoError(t, err)
}

func TestModifyDeviceMaskAllOverridesCheck(t *testing.T) {
	ctx, _ := newTestContext(t)
	slot := &PFSlot{Class: ClassBlock, Index: 1}
	dev := Open(slot, ctx.channel, true, 1)

	err := dev.ModifyDevice(context.Background(), MaskAll, Attr{})
	assert.NoError(t, err)
}

// queryScriptedTransport serves a crafted query reply and a generic
// success for everything else.
type queryScriptedTransport struct {
	queryOut []byte
	calls    int
}

func (s *queryScriptedTransport) Do(ctx context.Context, req cmdchan.Request) (cmdchan.Response, error) {
	s.calls++
	if req.Opcode == cmdchan.OpQueryGeneralObject {
		return cmdchan.Response{Out: s.queryOut}, nil
	}
	return cmdchan.Response{Out: make([]byte, 8)}, nil
}

func craftedQueryReply() []byte {
	out := make([]byte, qryHeaderLen+2*queueAttrLen+4)
	binary.LittleEndian.PutUint32(out[qryOffMkey:], 0x11223344)
	binary.LittleEndian.PutUint64(out[qryOffFeatures:], 0xdeadbeef)
	out[qryOffStatus] = StatusAcknowledge | StatusDriverOK
	out[qryOffFlags] = qryFlagEnabled
	binary.LittleEndian.PutUint16(out[qryOffQueueSel:], 3)
	binary.LittleEndian.PutUint32(out[qryOffConfigGen:], 9)
	binary.LittleEndian.PutUint16(out[qryOffNumVFs:], 2)
	binary.LittleEndian.PutUint64(out[qryOffModMask:], uint64(MaskStatus|MaskQueueEnable))
	copy(out[qryOffBDF:], "0000:07:00.0")
	binary.LittleEndian.PutUint16(out[qryOffNumQueues:], 2)
	binary.LittleEndian.PutUint16(out[qryOffDevCfgLen:], 4)

	q0 := out[qryHeaderLen:]
	binary.LittleEndian.PutUint16(q0[qaOffSize:], 64)
	q0[qaOffEnable] = 1
	binary.LittleEndian.PutUint64(q0[qaOffDescAddr:], 0x100000)
	binary.LittleEndian.PutUint16(q0[qaOffHwAvailIdx:], 5)
	binary.LittleEndian.PutUint16(q0[qaOffHwUsedIdx:], 4)

	q1 := out[qryHeaderLen+queueAttrLen:]
	binary.LittleEndian.PutUint16(q1[qaOffSize:], 128)

	copy(out[qryHeaderLen+2*queueAttrLen:], []byte{9, 8, 7, 6})
	return out
}

func TestQueryDeviceDecodesFirmwareReply(t *testing.T) {
	tr := &queryScriptedTransport{queryOut: craftedQueryReply()}
	slot := &PFSlot{Class: ClassBlock, Index: 0, BDF: "0000:05:00.0"}
	dev := Open(slot, cmdchan.New(tr), false, 0)

	attr, err := dev.QueryDevice(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0000:07:00.0", attr.BDF, "bdf refreshed from firmware")
	assert.Equal(t, "0000:07:00.0", slot.BDF)
	assert.Equal(t, uint32(0x11223344), attr.CrossVhcaMkey)
	assert.Equal(t, uint32(0x11223344), dev.DmaRkey())
	assert.Equal(t, MaskStatus|MaskQueueEnable, attr.ModifiableMask, "reported mask replaces the default")

	bar := attr.BAR
	assert.Equal(t, uint64(0xdeadbeef), bar.Features)
	assert.Equal(t, StatusAcknowledge|StatusDriverOK, bar.Status)
	assert.True(t, bar.Enabled)
	assert.False(t, bar.Reset)
	assert.Equal(t, uint16(3), bar.QueueSelect)
	assert.Equal(t, uint32(9), bar.ConfigGeneration)
	assert.Equal(t, 2, bar.NumVFs)
	require.Len(t, bar.Queues, 2)
	assert.Equal(t, uint16(64), bar.Queues[0].Size)
	assert.True(t, bar.Queues[0].Enable)
	assert.Equal(t, uint64(0x100000), bar.Queues[0].DescAddr)
	assert.Equal(t, uint16(5), bar.Queues[0].HwAvailIdx)
	assert.Equal(t, uint16(4), bar.Queues[0].HwUsedIdx)
	assert.Equal(t, uint16(128), bar.Queues[1].Size)
	assert.False(t, bar.Queues[1].Enable)
	assert.Equal(t, []byte{9, 8, 7, 6}, bar.DeviceConfig)
}

func TestQueryDeviceReportedMaskGatesModify(t *testing.T) {
	tr := &queryScriptedTransport{queryOut: craftedQueryReply()}
	dev := Open(&PFSlot{Class: ClassBlock, Index: 1}, cmdchan.New(tr), false, 0)

	_, err := dev.QueryDevice(context.Background())
	require.NoError(t, err)

	err = dev.ModifyDevice(context.Background(), MaskQueueSize, Attr{})
	assert.Error(t, err, "queue size is outside the firmware-reported mask")

	err = dev.ModifyDevice(context.Background(), MaskStatus, Attr{})
	assert.NoError(t, err)
}

func TestInitTeardownDeviceRoundTrip(t *testing.T) {
	ctx, tr := newTestContext(t)
	slot := &PFSlot{Class: ClassNet, Index: 0}
	dev := Open(slot, ctx.channel, true, 9)

	require.NoError(t, dev.InitDevice(context.Background()))
	// enable_hca + init_hca + emulation create + pd/tir/2 flow tables/
	// flow group/fte
	assert.Equal(t, 9, tr.calls)

	require.NoError(t, dev.TeardownDevice(context.Background()))
	dev.CloseDevice()
	// teardown mirrors init: 6 steering destroys + emulation destroy +
	// teardown_hca + disable_hca
	assert.Equal(t, 18, tr.calls)
}

func TestInitDeviceUntunneledSkipsHCAToggles(t *testing.T) {
	ctx, tr := newTestContext(t)
	slot := &PFSlot{Class: ClassBlock, Index: 0}
	dev := Open(slot, ctx.channel, false, 0)

	require.NoError(t, dev.InitDevice(context.Background()))
	// Only the emulation object create: no HCA toggles, no tunnel
	// steering on a modern function.
	assert.Equal(t, 1, tr.calls)
}

func TestNVMeNamespaceAttachDetach(t *testing.T) {
	ctx, _ := newTestContext(t)
	slot := &PFSlot{Class: ClassNVMe, Index: 0}
	dev := Open(slot, ctx.channel, false, 0)

	require.NoError(t, dev.AttachNamespace(context.Background(), 1))
	assert.Error(t, dev.AttachNamespace(context.Background(), 1), "double attach")
	require.NoError(t, dev.DetachNamespace(context.Background(), 1))
	assert.Error(t, dev.DetachNamespace(context.Background(), 1), "double detach")
}

func TestNamespaceRejectedOnNonNVMeClass(t *testing.T) {
	ctx, _ := newTestContext(t)
	dev := Open(&PFSlot{Class: ClassBlock, Index: 0}, ctx.channel, false, 0)
	assert.Error(t, dev.AttachNamespace(context.Background(), 1))
}

func TestSubscribeEventsDeliversClassTypedChange(t *testing.T) {
	ctx, tr := newTestContext(t)
	dev := Open(&PFSlot{Class: ClassNet, Index: 0}, ctx.channel, false, 0)

	events, err := dev.SubscribeEvents(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.calls, "event queue object created on first subscribe")

	_, err = dev.SubscribeEvents(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.calls, "event queue object is shared across resubscribes")

	dev.NotifyChange()
	select {
	case evt := <-dev.events.ch:
		assert.Equal(t, EventVirtioNetDeviceChange, evt.Type)
	default:
		t.Fatal("expected a change event")
	}
	_ = events
}
