package dma

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartnic-emu/snapctrl/pkg/cmdchan"
)

func TestAllocatorAllocateFreeRoundTrip(t *testing.T) {
	a := &Allocator{UseMmap: false}
	buf, err := a.Allocate(10)
	require.NoError(t, err)
	assert.Len(t, buf.Bytes(), 10)
	assert.NoError(t, a.Free(buf))
	assert.Nil(t, buf.Bytes())
	assert.NoError(t, a.Free(buf)) // idempotent
}

func TestAllocatorRejectsNonPositiveSize(t *testing.T) {
	a := &Allocator{}
	_, err := a.Allocate(0)
	assert.Error(t, err)
}

func TestCrossMkeyDestroyRequiresNoReferences(t *testing.T) {
	pd := NewProtectionDomain(1)
	dev := &fakeTunnelDevice{rkey: 42, vhca: 9}
	mk := NewCrossMkey(pd, dev, dev.rkey)
	mk.Reference()
	assert.Equal(t, 2, mk.refs)

	err := mk.Destroy(nil)
	assert.Error(t, err, "must refuse to destroy while referenced")

	mk.Dereference()
	mk.Dereference()
	assert.NoError(t, mk.Destroy(nil))
}

type fakeTunnelDevice struct {
	rkey   uint32
	vhca   uint16
	tunnel bool
}

func (f *fakeTunnelDevice) DmaRkey() uint32  { return f.rkey }
func (f *fakeTunnelDevice) VhcaID() uint16   { return f.vhca }
func (f *fakeTunnelDevice) HasTunnel() bool  { return f.tunnel }
func (f *fakeTunnelDevice) TunnelID() uint16 { return 0 }

type scriptedTransport struct {
	calls int
}

func (s *scriptedTransport) Do(ctx context.Context, req cmdchan.Request) (cmdchan.Response, error) {
	s.calls++
	return cmdchan.Response{Out: []byte{0xEF, 0xBE, 0, 0, 0, 0, 0, 0}}, nil
}

func TestCreateCrossMkeyGrantsAccessThenCreatesObject(t *testing.T) {
	tr := &scriptedTransport{}
	ch := cmdchan.New(tr)
	pd := NewProtectionDomain(3)
	dev := &fakeTunnelDevice{vhca: 12}

	mk, err := CreateCrossMkey(context.Background(), ch, pd, dev)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.calls, "allow_other_vhca_access + mkey create")
	assert.Equal(t, uint32(0xBEEF), mk.RKey())
	assert.Equal(t, uint16(12), mk.VhcaID())

	mk.Dereference()
	require.NoError(t, mk.Destroy(context.Background()))
	assert.Equal(t, 3, tr.calls, "destroy sends the precomputed body")
}

func TestQueueReadWriteCompletion(t *testing.T) {
	lb := &Loopback{HostMem: make([]byte, 4096)}
	copy(lb.HostMem[100:], []byte("hello-host"))

	q := NewQueue(Config{Verbs: lb})

	local := make([]byte, 10)
	var done bool
	var doneErr error
	c := NewCompletion(func(err error) { done = true; doneErr = err })
	c.Charge(1)

	require.NoError(t, q.Read(local, 100, 0, 0, c))
	q.Progress()

	assert.True(t, done)
	assert.NoError(t, doneErr)
	assert.Equal(t, "hello-host", string(local))
}

func TestQueueWriteShortSynchronous(t *testing.T) {
	lb := &Loopback{HostMem: make([]byte, 64)}
	q := NewQueue(Config{Verbs: lb})
	assert.NoError(t, q.WriteShort([]byte("abc"), 0, 0, 0))
	assert.Equal(t, "abc", string(lb.HostMem[:3]))
}

func TestQueueWriteShortRejectsOversize(t *testing.T) {
	lb := &Loopback{HostMem: make([]byte, 4096)}
	q := NewQueue(Config{Verbs: lb})
	big := make([]byte, InlineThreshold+1)
	assert.Error(t, q.WriteShort(big, 0, 0, 0))
}

func TestQueueFlushWaitsForAllPending(t *testing.T) {
	lb := &Loopback{HostMem: make([]byte, 4096)}
	q := NewQueue(Config{Verbs: lb})

	var completions int
	for i := 0; i < 5; i++ {
		c := NewCompletion(func(error) { completions++ })
		c.Charge(1)
		require.NoError(t, q.Write(make([]byte, 8), uint64(i*8), 0, 0, c))
	}
	q.Flush()
	assert.Equal(t, 5, completions)
}

func TestSharedCompletionChargedAcrossMultipleOps(t *testing.T) {
	lb := &Loopback{HostMem: make([]byte, 4096)}
	q := NewQueue(Config{Verbs: lb})

	var done bool
	c := NewCompletion(func(error) { done = true })
	c.Charge(3)

	require.NoError(t, q.Write(make([]byte, 4), 0, 0, 0, c))
	require.NoError(t, q.Write(make([]byte, 4), 8, 0, 0, c))
	q.Progress()
	assert.False(t, done, "only 2 of 3 charges resolved")

	require.NoError(t, q.Write(make([]byte, 4), 16, 0, 0, c))
	q.Progress()
	assert.True(t, done)
}
