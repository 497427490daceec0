package virtqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartnic-emu/snapctrl/pkg/dma"
)

type fakeTunnelDevice struct {
	rkey uint32
	vhca uint16
}

func (f *fakeTunnelDevice) DmaRkey() uint32 { return f.rkey }
func (f *fakeTunnelDevice) VhcaID() uint16  { return f.vhca }

func newTestQueue(t *testing.T, ringSize int, handler Handler) (*Queue, *dma.Loopback) {
	t.Helper()
	lb := &dma.Loopback{HostMem: make([]byte, 8192)}
	pd := dma.NewProtectionDomain(1)
	dev := &fakeTunnelDevice{rkey: 77, vhca: 3}
	mkey := dma.NewCrossMkey(pd, dev, dev.rkey)

	dmaQ := dma.NewQueue(dma.Config{PD: pd, Verbs: lb})

	q, err := NewQueue(Config{
		RingSize:      ringSize,
		MaxChainDescs: 4,
		MaxTunnelDesc: 8,
		DescSize:      16,
		DescTablePA:   4096,
		Mkey:          mkey,
		DMA:           dmaQ,
		Handler:       handler,
	})
	require.NoError(t, err)
	return q, lb
}

// drainDMA drives enough Progress() rounds to walk a multi-hop async
// callback chain (e.g. admin dispatch's header -> in -> out sequence),
// where each round only resolves whatever ops were already pending
// when it started.
func drainDMA(q *Queue) {
	for i := 0; i < 8; i++ {
		q.cfg.DMA.Progress()
	}
}

func encodeDesc(d Descriptor) []byte {
	b := make([]byte, 16)
	for i := 0; i < 8; i++ {
		b[i] = byte(d.Addr >> (8 * uint(i)))
	}
	for i := 0; i < 4; i++ {
		b[8+i] = byte(d.Len >> (8 * uint(i)))
	}
	b[12] = byte(d.Flags)
	b[13] = byte(d.Flags >> 8)
	b[14] = byte(d.Next)
	b[15] = byte(d.Next >> 8)
	return b
}

func TestNewQueuePreallocatesFreeCommands(t *testing.T) {
	q, _ := newTestQueue(t, 4, nil)
	free, inflight, fatal := q.Counts()
	assert.Equal(t, 4, free)
	assert.Equal(t, 0, inflight)
	assert.Equal(t, 0, fatal)
}

func TestNewQueueRejectsChainLongerThanMaxTunnelDesc(t *testing.T) {
	_, err := NewQueue(Config{RingSize: 2, MaxChainDescs: 10, MaxTunnelDesc: 4})
	assert.Error(t, err)
}

func TestOnRxHeaderSingleDescriptorChainInvokesHandler(t *testing.T) {
	var handled *Command
	q, _ := newTestQueue(t, 4, nil)
	q.cfg.Handler = func(cmd *Command) { handled = cmd }

	q.onRxHeader(Header{DescHeadIdx: 0, Descs: []Descriptor{
		{Addr: 100, Len: 16, Flags: 0},
	}})

	require.NotNil(t, handled)
	assert.Len(t, handled.Chain, 1)
	free, inflight, _ := q.Counts()
	assert.Equal(t, 3, free)
	assert.Equal(t, 1, inflight)
}

func TestFetchChainFollowsNextFlag(t *testing.T) {
	var handled *Command
	q, lb := newTestQueue(t, 4, nil)
	q.cfg.Handler = func(cmd *Command) { handled = cmd }

	second := Descriptor{Addr: 500, Len: 32, Flags: DescFlagWrite}
	copy(lb.HostMem[4096+16:], encodeDesc(second))

	q.onRxHeader(Header{DescHeadIdx: 0, Descs: []Descriptor{
		{Addr: 100, Len: 16, Flags: DescFlagNext, Next: 1},
	}})
	q.Progress()

	require.NotNil(t, handled)
	require.Len(t, handled.Chain, 2)
	assert.Equal(t, second.Addr, handled.Chain[1].Addr)
	assert.True(t, handled.Chain[1].isWrite())
}

func TestOnDMARxDecodesHeaderFrame(t *testing.T) {
	var handled *Command
	q, _ := newTestQueue(t, 4, nil)
	q.cfg.Handler = func(cmd *Command) { handled = cmd }

	frame := make([]byte, 4+16)
	frame[0] = 2 // desc_head_idx
	frame[2] = 1 // num_descs
	copy(frame[4:], encodeDesc(Descriptor{Addr: 64, Len: 8, Flags: DescFlagWrite}))

	q.OnDMARx(frame)

	require.NotNil(t, handled)
	assert.Equal(t, uint16(2), handled.DescHeadIdx)
	require.Len(t, handled.Chain, 1)
	assert.Equal(t, uint64(64), handled.Chain[0].Addr)
}

func TestOnDMARxDropsShortFrame(t *testing.T) {
	var calls int
	q, _ := newTestQueue(t, 2, nil)
	q.cfg.Handler = func(cmd *Command) { calls++ }

	q.OnDMARx([]byte{0})                // shorter than the fixed prefix
	q.OnDMARx([]byte{0, 0, 2, 0, 1, 2}) // claims 2 descs, carries none
	assert.Equal(t, 0, calls)

	free, _, _ := q.Counts()
	assert.Equal(t, 2, free, "dropped frames never consume a command slot")
}

func TestOnRxHeaderIgnoredWhileNotRunning(t *testing.T) {
	var calls int
	q, _ := newTestQueue(t, 2, nil)
	q.cfg.Handler = func(cmd *Command) { calls++ }
	q.Suspend()

	q.onRxHeader(Header{DescHeadIdx: 0, Descs: []Descriptor{{Addr: 0, Len: 8}}})
	assert.Equal(t, 0, calls)
}

func TestSuspendFlushResumeRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t, 2, nil)
	var cmd *Command
	q.cfg.Handler = func(c *Command) { cmd = c }

	q.onRxHeader(Header{DescHeadIdx: 0, Descs: []Descriptor{{Addr: 0, Len: 8}}})
	require.NotNil(t, cmd)

	q.Suspend()
	assert.Equal(t, StateFlushing, q.State())
	assert.False(t, q.IsSuspended(), "inflight command still outstanding")

	q.release(cmd)
	q.Progress()
	assert.True(t, q.IsSuspended())

	require.NoError(t, q.Resume())
	assert.Equal(t, StateRunning, q.State())

	assert.Error(t, q.Resume(), "resume requires SUSPENDED")
}

func TestDescsRWSplitsAcrossDescriptors(t *testing.T) {
	q, lb := newTestQueue(t, 2, nil)
	cmd := &Command{Chain: []Descriptor{
		{Addr: 0, Len: 4, Flags: DescFlagWrite},
		{Addr: 100, Len: 4, Flags: DescFlagWrite},
	}}

	var gotErr error
	var called bool
	q.DescsRW(cmd, 0, 0, []byte("hello-go"), true, func(err error) {
		called = true
		gotErr = err
	})
	q.cfg.DMA.Progress()

	require.True(t, called)
	assert.NoError(t, gotErr)
	assert.Equal(t, "hell", string(lb.HostMem[:4]))
	assert.Equal(t, "o-go", string(lb.HostMem[100:104]))
}

func TestDescsRWMarksCommandFatalOnDmaError(t *testing.T) {
	q, _ := newTestQueue(t, 2, nil)
	cmd := &Command{state: cmdInflight, Chain: []Descriptor{
		{Addr: 999999, Len: 4, Flags: DescFlagWrite},
	}}
	q.inflight = append(q.inflight, cmd)

	var gotErr error
	q.DescsRW(cmd, 0, 0, []byte("xxxx"), true, func(err error) { gotErr = err })
	q.cfg.DMA.Progress()

	assert.Error(t, gotErr)
	assert.True(t, cmd.IsFatal())
	_, inflight, fatal := q.Counts()
	assert.Equal(t, 0, inflight)
	assert.Equal(t, 1, fatal)
}

func TestCmdCompleteInOrderDefersUntilOlderCommandsDone(t *testing.T) {
	q, _ := newTestQueue(t, 4, nil)
	q.cfg.InOrderCompletions = true

	first := q.allocFree()
	q.admitInflight(first)
	second := q.allocFree()
	q.admitInflight(second)

	q.CmdComplete(second)
	q.cfg.DMA.Progress()
	_, inflight, _ := q.Counts()
	assert.Equal(t, 2, inflight, "second must wait behind first")

	q.CmdComplete(first)
	q.cfg.DMA.Progress()
	_, inflight, _ = q.Counts()
	assert.Equal(t, 0, inflight, "both drain once first completes")
}

func TestCmdCompleteOutOfOrderSendsImmediately(t *testing.T) {
	q, _ := newTestQueue(t, 4, nil)

	first := q.allocFree()
	q.admitInflight(first)
	second := q.allocFree()
	q.admitInflight(second)

	q.CmdComplete(second)
	q.cfg.DMA.Progress()
	_, inflight, _ := q.Counts()
	assert.Equal(t, 1, inflight, "out-of-order completion releases immediately")
}

func TestAdminQueueDispatchesRegisteredProcessor(t *testing.T) {
	q, lb := newTestQueue(t, 2, nil)
	aq := NewAdminQueue(q, func(class, command uint8) int { return 4 })

	var gotIn []byte
	aq.Register(1, 7, func(ctx context.Context, in []byte) ([]byte, uint8) {
		gotIn = append([]byte(nil), in...)
		return []byte{0xAA, 0xBB}, 0
	})

	copy(lb.HostMem[0:], []byte{1, 7})       // header: class=1, command=7
	copy(lb.HostMem[8:], []byte{1, 2, 3, 4}) // in-section

	q.onRxHeader(Header{DescHeadIdx: 0, Descs: []Descriptor{
		{Addr: 0, Len: 2},
		{Addr: 8, Len: 4},
		{Addr: 200, Len: 16, Flags: DescFlagWrite},
	}})
	drainDMA(q)

	assert.Equal(t, []byte{1, 2, 3, 4}, gotIn)
	assert.Equal(t, byte(0xAA), lb.HostMem[200])
	assert.Equal(t, byte(0xBB), lb.HostMem[201])
	assert.Equal(t, byte(0), lb.HostMem[202], "footer status")
}

func TestAdminQueueMissingProcessorReportsErrorStatus(t *testing.T) {
	q, lb := newTestQueue(t, 2, nil)
	aq := NewAdminQueue(q, func(class, command uint8) int { return 0 })
	_ = aq

	copy(lb.HostMem[0:], []byte{9, 9})

	q.onRxHeader(Header{DescHeadIdx: 0, Descs: []Descriptor{
		{Addr: 0, Len: 2},
		{Addr: 300, Len: 8, Flags: DescFlagWrite},
	}})
	drainDMA(q)

	assert.Equal(t, byte(1), lb.HostMem[300], "unrecognised admin command reports failure status")
}

// A blk-style request chain: 16-byte request header, a 4096-byte
// writable data section and a 1-byte writable status, completed with
// consumed length 4097 (data + status).
func TestBlkRequestChainCompletion(t *testing.T) {
	q, lb := newTestQueue(t, 4, nil)

	q.cfg.Handler = func(cmd *Command) {
		payload := make([]byte, 4096)
		for i := range payload {
			payload[i] = 0x5A
		}
		q.DescsRW(cmd, 1, 0, payload, true, func(err error) {
			require.NoError(t, err)
			q.DescsRW(cmd, 2, 0, []byte{0}, true, func(err error) {
				require.NoError(t, err)
				cmd.ConsumedLen = 4097
				q.CmdComplete(cmd)
			})
		})
	}

	q.onRxHeader(Header{DescHeadIdx: 0, Descs: []Descriptor{
		{Addr: 16, Len: 16, Flags: 0},
		{Addr: 1024, Len: 4096, Flags: DescFlagWrite},
		{Addr: 6000, Len: 1, Flags: DescFlagWrite},
	}})
	drainDMA(q)

	assert.Equal(t, byte(0x5A), lb.HostMem[1024])
	assert.Equal(t, byte(0x5A), lb.HostMem[1024+4095])
	assert.Equal(t, byte(0), lb.HostMem[6000])

	require.Len(t, lb.Sent, 1)
	assert.Equal(t, encodeCompletion(0, 4097), lb.Sent[0])

	free, inflight, fatal := q.Counts()
	assert.Equal(t, 4, free)
	assert.Equal(t, 0, inflight)
	assert.Equal(t, 0, fatal)
}
