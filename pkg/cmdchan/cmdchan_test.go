package cmdchan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeTunnel struct {
	tunnel bool
	id     uint16
}

func (f fakeTunnel) HasTunnel() bool { return f.tunnel }
func (f fakeTunnel) TunnelID() uint16 { return f.id }

type scriptedTransport struct {
	calls     int
	responses []Response
	errs      []error
}

func (s *scriptedTransport) Do(ctx context.Context, req Request) (Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Response{}, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return Response{}, nil
}

func TestGeneralCmdSuccess(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{Syndrome: 0, Out: []byte{1, 2, 3}}}}
	c := New(tr)
	out := make([]byte, 3)
	err := c.GeneralCmd(context.Background(), OpQueryHCACap, nil, out)
	assert.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, out)
}

func TestGeneralCmdSyndromeFails(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{Syndrome: 1}}}
	c := New(tr)
	err := c.GeneralCmd(context.Background(), OpQueryHCACap, nil, nil)
	assert.Error(t, err)
}

func TestTunneledCmdRequiresTunnel(t *testing.T) {
	c := New(&scriptedTransport{})
	err := c.TunneledCmd(context.Background(), fakeTunnel{tunnel: false}, OpEnableHCA, ObjNVMeDeviceEmulation, nil, nil)
	assert.Error(t, err)
}

func TestTunneledCmdRetriesThenSucceeds(t *testing.T) {
	tr := &scriptedTransport{
		errs:      []error{assertErr, assertErr, nil},
		responses: []Response{{}, {}, {Syndrome: 0, Out: []byte{9}}},
	}
	c := New(tr)
	out := make([]byte, 1)
	err := c.TunneledCmd(context.Background(), fakeTunnel{tunnel: true, id: 7}, OpDisableHCA, ObjNVMeDeviceEmulation, nil, out)
	assert.NoError(t, err)
	assert.Equal(t, byte(9), out[0])
	assert.Equal(t, 3, tr.calls)
}

func TestTunneledCmdExhaustsRetries(t *testing.T) {
	c := New(&scriptedTransport{errs: []error{assertErr, assertErr, assertErr, assertErr, assertErr, assertErr}})
	err := c.TunneledCmd(context.Background(), fakeTunnel{tunnel: true}, OpTeardownHCA, ObjNVMeDeviceEmulation, nil, nil)
	assert.Error(t, err)
}

func TestObjectCreateDestroyIsIdempotent(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{}, {}, {}}}
	c := New(tr)
	dev := fakeTunnel{tunnel: true, id: 3}

	handle, err := ObjectCreate(context.Background(), c, dev, ObjVirtioBlkDeviceEmulation, []byte("in"), nil, func(in, out []byte) []byte {
		return append([]byte("destroy:"), in...)
	})
	assert.NoError(t, err)
	assert.NoError(t, handle.Destroy(context.Background()))
	assert.NoError(t, handle.Destroy(context.Background()))
	// create + one real destroy call == 2 transport round trips
	assert.Equal(t, 2, tr.calls)
}

var assertErr = context.DeadlineExceeded
