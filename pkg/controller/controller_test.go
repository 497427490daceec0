package controller

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/pkg/cmdchan"
	"github.com/smartnic-emu/snapctrl/pkg/device"
	"github.com/smartnic-emu/snapctrl/pkg/virtqueue"
)

type noopProvider struct {
	availIdx uint16
	usedIdx  uint16
	created  bool
}

func (p *noopProvider) Create(ctx context.Context, q *virtqueue.Queue) error {
	p.created = true
	return nil
}
func (p *noopProvider) Destroy(ctx context.Context, q *virtqueue.Queue) error {
	p.created = false
	return nil
}
func (p *noopProvider) Progress(q *virtqueue.Queue) {}
func (p *noopProvider) Query(ctx context.Context, q *virtqueue.Queue) (virtqueue.QueryResult, error) {
	return virtqueue.QueryResult{HwAvailIdx: p.availIdx, HwUsedIdx: p.usedIdx}, nil
}
func (p *noopProvider) Modify(ctx context.Context, q *virtqueue.Queue, attr virtqueue.ModifyAttr) error {
	return nil
}

func newTestQueue(t *testing.T, provider virtqueue.Provider) *virtqueue.Queue {
	t.Helper()
	q, err := virtqueue.NewQueue(virtqueue.Config{
		RingSize:      4,
		MaxChainDescs: 2,
		MaxTunnelDesc: 4,
		DescSize:      16,
		Provider:      provider,
	})
	require.NoError(t, err)
	return q
}

func newTestController(t *testing.T, npgs, nqueues int) *Controller {
	t.Helper()
	cfg := Config{PFID: 0, Npgs: npgs}
	c, err := New(cfg, nil, nqueues)
	require.NoError(t, err)
	return c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	vfID := 0
	cases := []Config{
		{PFID: -1},
		{ForceRecover: true},
		{VFID: &vfID, MaxVFs: 2},
		{CounterSetID: 1, PCIType: device.PCITypeVirtioBlkPF},
		{ReopenMaxAttempts: -1},
	}
	for _, cfg := range cases {
		_, err := New(cfg, nil, 1)
		require.Error(t, err)
		assert.True(t, errkind.Is(err, errkind.BadArgument))
	}
}

func TestNewSuspendedOnOpen(t *testing.T) {
	c, err := New(Config{SuspendedOnOpen: true}, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, c.State())
}

func TestAssignToGroupRoundRobins(t *testing.T) {
	c := newTestController(t, 2, 4)
	for i := 0; i < 4; i++ {
		c.queues[i] = newTestQueue(t, &noopProvider{})
		c.assignToGroup(i)
	}
	assert.Len(t, c.groups[0].queues, 2)
	assert.Len(t, c.groups[1].queues, 2)
	assert.Same(t, c.queues[0], c.groups[0].queues[0])
	assert.Same(t, c.queues[2], c.groups[0].queues[1])
	assert.Same(t, c.queues[1], c.groups[1].queues[0])
}

func TestNewDefaultsToOnePollingGroup(t *testing.T) {
	c := newTestController(t, 0, 1)
	assert.Len(t, c.groups, 1)
}

func TestReconcileTickResetWhileDrainingRetriesNextTick(t *testing.T) {
	c := newTestController(t, 1, 1)
	c.dev = device.Open(&device.PFSlot{Class: device.ClassBlock}, nil, false, 0)
	c.state = StateStarted
	c.queues[0] = newTestQueue(t, &noopProvider{})
	require.NoError(t, c.queues[0].Create(context.Background()))
	c.assignToGroup(0)

	bar := device.BARShadow{Reset: true}
	err := c.ReconcileTick(context.Background(), bar)
	require.NoError(t, err)

	assert.Equal(t, StateSuspending, c.state)
}

// Reset with inflight work drains across ticks: the first tick only
// begins suspension, a later tick (after the queues reach SUSPENDED)
// performs the reset and leaves the controller STOPPED with reset and
// status cleared.
func TestResetCompletesAfterDrain(t *testing.T) {
	tr := &reopenTransport{}
	dev := device.Open(&device.PFSlot{Class: device.ClassBlock}, cmdchan.New(tr), false, 0)

	c := newTestController(t, 1, 1)
	c.dev = dev
	c.state = StateStarted
	c.queues[0] = newTestQueue(t, &noopProvider{})
	c.assignToGroup(0)

	bar := device.BARShadow{Reset: true}
	require.NoError(t, c.ReconcileTick(context.Background(), bar))
	assert.Equal(t, StateSuspending, c.State())
	assert.True(t, c.pendingReset)

	c.IOProgress()

	require.NoError(t, c.ReconcileTick(context.Background(), bar))
	assert.Equal(t, StateStopped, c.State())
	assert.False(t, c.pendingReset)
	assert.False(t, c.barPrev.Reset)
	assert.Equal(t, uint8(0), c.barPrev.Status)
}

func TestReconcileTickDriverOkStartsQueues(t *testing.T) {
	c := newTestController(t, 1, 1)
	c.queues[0] = newTestQueue(t, &noopProvider{})

	bar := device.BARShadow{
		Status: device.StatusDriverOK,
		Queues: []device.QueueConfig{{Enable: true, Size: 16}},
	}
	err := c.ReconcileTick(context.Background(), bar)
	require.NoError(t, err)
	assert.Equal(t, StateStarted, c.state)
}

// Cold bringup: DRIVER_OK with two enabled queues creates both and
// lands them in polling group 0 when npgs is 1.
func TestColdBringupCreatesEnabledQueues(t *testing.T) {
	c := newTestController(t, 1, 2)
	p0, p1 := &noopProvider{}, &noopProvider{}
	c.queues[0] = newTestQueue(t, p0)
	c.queues[1] = newTestQueue(t, p1)

	bar := device.BARShadow{
		Status: device.StatusAcknowledge | device.StatusDriver |
			device.StatusFeaturesOK | device.StatusDriverOK,
		Enabled: true,
		Queues: []device.QueueConfig{
			{Enable: true, Size: 64},
			{Enable: true, Size: 64},
		},
	}
	require.NoError(t, c.ReconcileTick(context.Background(), bar))

	assert.Equal(t, StateStarted, c.State())
	assert.True(t, p0.created)
	assert.True(t, p1.created)
	assert.Len(t, c.groups[0].queues, 2, "npgs=1 schedules both queues on group 0")
}

// Suspend/resume round-trip: the enabled queue set survives and no
// inflight commands exist at the suspended observation point.
func TestSuspendResumeRoundTrip(t *testing.T) {
	c := newTestController(t, 1, 2)
	c.queues[0] = newTestQueue(t, &noopProvider{})
	c.queues[1] = newTestQueue(t, &noopProvider{})
	c.assignToGroup(0)
	c.assignToGroup(1)
	c.state = StateStarted

	require.NoError(t, c.Suspend())
	require.NoError(t, c.WaitSuspended(context.Background()))
	assert.Equal(t, StateSuspended, c.State())
	for _, q := range c.queues {
		_, inflight, _ := q.Counts()
		assert.Equal(t, 0, inflight)
		assert.True(t, q.IsSuspended())
	}

	require.NoError(t, c.Resume())
	assert.Equal(t, StateStarted, c.State())
	for _, q := range c.queues {
		assert.Equal(t, virtqueue.StateRunning, q.State())
	}
}

type reopenTransport struct {
	calls int
}

func (s *reopenTransport) Do(ctx context.Context, req cmdchan.Request) (cmdchan.Response, error) {
	s.calls++
	return cmdchan.Response{Out: make([]byte, 64)}, nil
}

// FLR: enabled bit cleared suspends, stops, closes and reopens the
// device within the bounded poll budget.
func TestReconcileTickFLRReopensDevice(t *testing.T) {
	tr := &reopenTransport{}
	slot := &device.PFSlot{Class: device.ClassBlock}
	dev := device.Open(slot, cmdchan.New(tr), false, 0)

	c := newTestController(t, 1, 1)
	c.dev = dev
	c.state = StateStarted
	c.queues[0] = newTestQueue(t, &noopProvider{})
	c.barPrev = device.BARShadow{Enabled: true}

	var preFLR, postFLR bool
	c.cfg.BarCbs.PreFLR = func(ctx context.Context) error { preFLR = true; return nil }
	c.cfg.BarCbs.PostFLR = func(ctx context.Context) error { postFLR = true; return nil }

	err := c.ReconcileTick(context.Background(), device.BARShadow{Enabled: false})
	require.NoError(t, err)
	assert.True(t, preFLR)
	assert.True(t, postFLR)
	assert.False(t, c.IsDead())
	assert.Equal(t, StateStopped, c.State())
	assert.Greater(t, tr.calls, 0, "reopen drove init_device through the channel")
}

func TestReconcileTickRescanInvokesHook(t *testing.T) {
	var gotCount int
	c := newTestController(t, 1, 1)
	c.cfg.OnNumVFsChanged = func(ctx context.Context, n int) error {
		gotCount = n
		return nil
	}
	c.barPrev = device.BARShadow{NumVFs: 0}

	bar := device.BARShadow{NumVFs: 3}
	err := c.ReconcileTick(context.Background(), bar)
	require.NoError(t, err)
	assert.Equal(t, 3, gotCount)
}

func TestReconcileTickDeadControllerRefusesFurtherWork(t *testing.T) {
	c := newTestController(t, 1, 1)
	c.dead = true
	err := c.ReconcileTick(context.Background(), device.BARShadow{})
	assert.Error(t, err)
}

func TestMarkNeedsResetSetsFlagWithoutTouchingPendingReset(t *testing.T) {
	c := newTestController(t, 1, 1)
	c.markNeedsReset()
	assert.True(t, c.NeedsReset())
	assert.False(t, c.pendingReset)
}

func TestNeedsResetWrittenBackOnNextTick(t *testing.T) {
	tr := &reopenTransport{}
	dev := device.Open(&device.PFSlot{Class: device.ClassBlock}, cmdchan.New(tr), false, 0)

	c := newTestController(t, 1, 1)
	c.dev = dev
	c.markNeedsReset()

	require.NoError(t, c.ReconcileTick(context.Background(), device.BARShadow{}))
	assert.False(t, c.NeedsReset())
	assert.Greater(t, tr.calls, 0, "status write-back reached the channel")
}

func TestStateSaveRestoreRoundTrip(t *testing.T) {
	c := newTestController(t, 1, 1)
	c.state = StateSuspended
	c.lmState = LMFreezed
	c.barPrev = device.BARShadow{
		Features:         0xdeadbeef,
		Status:           device.StatusDriverOK,
		QueueSelect:      2,
		ConfigGeneration: 7,
		Queues: []device.QueueConfig{
			{Size: 256, Msix: 1, Enable: false, NotifyOff: 4, DescAddr: 0x1000, DriverAddr: 0x2000, DeviceAddr: 0x3000},
		},
		DeviceConfig: []byte{1, 2, 3, 4},
	}
	c.queues[0] = newTestQueue(t, &noopProvider{availIdx: 5, usedIdx: 9})

	payload, err := c.StateSave(context.Background(), ClassState{})
	require.NoError(t, err)
	assert.Equal(t, c.computeStateSizeLocked(), len(payload))

	restored := newTestController(t, 1, 1)
	restored.state = StateSuspended
	err = restored.StateRestore(context.Background(), payload, ClassState{})
	require.NoError(t, err)

	assert.Equal(t, c.barPrev.Features, restored.barPrev.Features)
	assert.Equal(t, c.barPrev.Status, restored.barPrev.Status)
	assert.Equal(t, c.barPrev.QueueSelect, restored.barPrev.QueueSelect)
	assert.Equal(t, c.barPrev.ConfigGeneration, restored.barPrev.ConfigGeneration)
	assert.Equal(t, c.barPrev.DeviceConfig, restored.barPrev.DeviceConfig)
	require.Len(t, restored.barPrev.Queues, 1)
	assert.Equal(t, uint16(5), restored.barPrev.Queues[0].HwAvailIdx)
	assert.Equal(t, uint16(9), restored.barPrev.Queues[0].HwUsedIdx)
	assert.Equal(t, StateSuspended, restored.state)
}

func TestStateSavePayloadStartsWithWrapperHeader(t *testing.T) {
	c := newTestController(t, 1, 2)
	c.state = StateSuspended
	c.lmState = LMFreezed
	c.queues[0] = newTestQueue(t, &noopProvider{})

	payload, err := c.StateSave(context.Background(), ClassState{})
	require.NoError(t, err)

	// First 16 bytes: {u32 length == total payload size; NUL-terminated
	// section name}. The wrapper carries no body of its own.
	require.GreaterOrEqual(t, len(payload), sectionHeaderLen)
	assert.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(payload[:4]))
	name := payload[4:sectionHeaderLen]
	assert.Equal(t, trimmedName(sectionVirtioCtrlCfg), string(bytes.TrimRight(name, "\x00")))
}

func TestStateRestoreRejectsShortPayload(t *testing.T) {
	c := newTestController(t, 1, 1)
	c.state = StateStopped

	other := newTestController(t, 1, 1)
	other.lmState = LMFreezed
	other.queues[0] = newTestQueue(t, &noopProvider{})
	payload, err := other.StateSave(context.Background(), ClassState{})
	require.NoError(t, err)

	err = c.StateRestore(context.Background(), payload[:len(payload)-8], ClassState{})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Truncated))
}

func TestStateSaveRequiresLMFreezed(t *testing.T) {
	c := newTestController(t, 1, 1)
	c.lmState = LMRunning
	_, err := c.StateSave(context.Background(), ClassState{})
	assert.Error(t, err)
}

func TestStateSizeZeroUnlessFreezed(t *testing.T) {
	c := newTestController(t, 1, 1)
	assert.Equal(t, 0, c.StateSize(context.Background()))
	c.lmState = LMFreezed
	assert.Greater(t, c.StateSize(context.Background()), 0)
}

func TestStateRestoreRefusesLiveSource(t *testing.T) {
	c := newTestController(t, 1, 1)
	c.state = StateSuspended

	other := newTestController(t, 1, 1)
	other.lmState = LMFreezed
	other.queues[0] = newTestQueue(t, &noopProvider{})
	payload, err := other.StateSave(context.Background(), ClassState{})
	require.NoError(t, err)

	// Forge ctrl_state inside the already-serialized COMMON_PCI_CFG
	// section to exercise the restore-time refusal of a live source.
	sections, err := readSections(payload)
	require.NoError(t, err)
	for _, s := range sections {
		if sectionIs(s.name, sectionCommonPCICfg) {
			s.data[0] = byte(StateStarted)
		}
	}

	err = c.StateRestore(context.Background(), payload, ClassState{})
	assert.Error(t, err)
}

func TestDirtyPageHashSetScenario(t *testing.T) {
	tracker := NewHashSetTracker(0x1000)
	tracker.LogWrite(0x1000, 1)
	tracker.LogWrite(0x2000, 1)
	tracker.LogWrite(0x2800, 1) // rounds down to 0x2000, already tracked

	assert.Equal(t, 16, tracker.GetSize())

	buf := make([]byte, 16)
	n, err := tracker.Serialize(buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n2, err := tracker.Serialize(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
}

func TestRangeSizeFormula(t *testing.T) {
	// One page, byte-granular.
	assert.Equal(t, uint64(1), RangeSize(0x1000, 16, 0x1000, true))
	// Spans two pages.
	assert.Equal(t, uint64(2), RangeSize(0x1ff0, 32, 0x1000, true))
	// Bitmap packs 8 pages per byte.
	assert.Equal(t, uint64(1), RangeSize(0x1000, 0x1000*8, 0x1000, false))
}

func TestSparseMapByteFlavourMarksTouchedPage(t *testing.T) {
	m := NewSparseMap(0x1000, true, []SGRange{{PA: 0x1000, Len: 0x4000}})
	m.LogWrite(0x1800, 4)
	assert.Equal(t, byte(1), m.bytes[0])
	assert.Equal(t, byte(0), m.bytes[1])
}
