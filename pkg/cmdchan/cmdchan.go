// Package cmdchan implements the firmware command channel: a typed
// request/response transport supporting create/modify/query/destroy on
// "general objects" (device emulations, queues, counters, event queues,
// flow tables, memory keys), plus the bare enable/disable/init/teardown
// HCA opcodes. The wire encoding of each opcode's body is an opaque
// dependency; this package only owns dispatch,
// tunneling and retry policy.
package cmdchan

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/internal/logging"
)

var log = logging.For("cmdchan")

// Opcode identifies a firmware command.
type Opcode uint16

const (
	OpQueryHCACap Opcode = iota
	OpEnableHCA
	OpDisableHCA
	OpInitHCA
	OpTeardownHCA
	OpCreateGeneralObject
	OpModifyGeneralObject
	OpQueryGeneralObject
	OpDestroyGeneralObject
	OpHotplugDevice
	OpHotunplugDevice
	OpQueryEmulatedFunctionsInfo
	OpQueryVUID
	OpAllowOtherVhcaAccess
	OpSetRoceAddress
	OpQueryRoceAddress
)

// ObjectType is the generic-object type tag carried on create/modify/
// query/destroy commands.
type ObjectType uint16

const (
	ObjNVMeDeviceEmulation ObjectType = iota
	ObjNVMeSQ
	ObjNVMeSQBE
	ObjNVMeCQ
	ObjNVMeNamespace
	ObjNVMeCounters
	ObjVirtioNetDeviceEmulation
	ObjVirtioBlkDeviceEmulation
	ObjVirtioFsDeviceEmulation
	ObjVirtioQ
	ObjVirtioQCounters
	ObjVhcaTunnel
	ObjDevice // hotplug device object
	ObjEmulatedDevEQ
	ObjCQ
	ObjQP
	ObjMkey
	ObjPD
	ObjTIR
	ObjFlowTable
	ObjFlowGroup
	ObjFTE
)

// Request is one firmware command. In is the opcode-specific request
// body; Uid carries the vhca_tunnel_id for tunneled requests (0 when
// untunneled).
type Request struct {
	Opcode  Opcode
	ObjType ObjectType
	Uid     uint16
	In      []byte
}

// Response is the decoded firmware reply. Syndrome is firmware's
// success/failure byte; non-zero means the command failed on the card.
type Response struct {
	Syndrome uint8
	Out      []byte
}

// Transport performs one round-trip request/response against firmware.
// A transport error (as opposed to a non-zero Syndrome) is channel-fatal:
// see errkind.CommandChannelFailure.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Tunneled is implemented by anything that may carry a vhca tunnel id,
// i.e. a device object.
type Tunneled interface {
	HasTunnel() bool
	TunnelID() uint16
}

// RetryPolicy bounds how many times a tunneled command retries after a
// transport or busy failure, and the backoff between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

var defaultRetry = RetryPolicy{MaxAttempts: 0, Backoff: 50 * time.Millisecond}

// opcodeRetries is the opcode-specific retry budget: enable/init get
// generous retries since bring-up can race firmware readiness;
// disable/teardown get a few; everything else defaults to 0.
var opcodeRetries = map[Opcode]RetryPolicy{
	OpEnableHCA:   {MaxAttempts: 100, Backoff: 50 * time.Millisecond},
	OpInitHCA:     {MaxAttempts: 100, Backoff: 50 * time.Millisecond},
	OpDisableHCA:  {MaxAttempts: 5, Backoff: 50 * time.Millisecond},
	OpTeardownHCA: {MaxAttempts: 5, Backoff: 50 * time.Millisecond},
}

func retryPolicyFor(op Opcode) RetryPolicy {
	if p, ok := opcodeRetries[op]; ok {
		return p
	}
	return defaultRetry
}

// Channel issues typed commands to firmware and decodes the result,
// applying per-opcode retry policy for tunneled requests.
type Channel struct {
	transport Transport
}

// New builds a Channel over the given transport.
func New(transport Transport) *Channel {
	return &Channel{transport: transport}
}

// GeneralCmd is a synchronous single-round command on the context (no
// tunnel id, no retries).
func (c *Channel) GeneralCmd(ctx context.Context, op Opcode, in, out []byte) error {
	resp, err := c.transport.Do(ctx, Request{Opcode: op, In: in})
	if err != nil {
		return errkind.Wrap(err, errkind.CommandChannelFailure, "general_cmd transport")
	}
	if resp.Syndrome != 0 {
		return errkind.Newf(errkind.CommandChannelFailure, "general_cmd opcode %v: firmware syndrome %d", op, resp.Syndrome)
	}
	copy(out, resp.Out)
	return nil
}

// DeviceCmd routes a per-device command: tunneled (legacy) functions
// get the tunnel-id envelope and retry policy, modern functions issue
// the command directly on the context.
func (c *Channel) DeviceCmd(ctx context.Context, device Tunneled, op Opcode, objType ObjectType, in, out []byte) error {
	if device.HasTunnel() {
		return c.TunneledCmd(ctx, device, op, objType, in, out)
	}
	resp, err := c.transport.Do(ctx, Request{Opcode: op, ObjType: objType, In: in})
	if err != nil {
		return errkind.Wrap(err, errkind.CommandChannelFailure, "device_cmd transport")
	}
	if resp.Syndrome != 0 {
		return errkind.Newf(errkind.CommandChannelFailure, "device_cmd opcode %v: firmware syndrome %d", op, resp.Syndrome)
	}
	copy(out, resp.Out)
	return nil
}

// TunneledCmd embeds device's tunnel id and retries with the opcode's
// backoff policy. It fails immediately (no retry loop entered) unless
// the device actually has a tunnel handle.
func (c *Channel) TunneledCmd(ctx context.Context, device Tunneled, op Opcode, objType ObjectType, in, out []byte) error {
	if !device.HasTunnel() {
		return errkind.New(errkind.BadArgument, "tunneled_cmd: device has no tunnel handle")
	}

	policy := retryPolicyFor(op)
	req := Request{Opcode: op, ObjType: objType, Uid: device.TunnelID(), In: in}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errkind.Wrap(ctx.Err(), errkind.CommandChannelFailure, "tunneled_cmd cancelled during retry")
			case <-time.After(policy.Backoff):
			}
		}

		resp, err := c.transport.Do(ctx, req)
		if err != nil {
			lastErr = errkind.Wrap(err, errkind.CommandChannelFailure, "tunneled_cmd transport")
			log.WithError(err).WithField("opcode", op).WithField("attempt", attempt).Debug("transport error, will retry if budget remains")
			continue
		}
		if resp.Syndrome != 0 {
			lastErr = errkind.Newf(errkind.CommandChannelFailure, "tunneled_cmd opcode %v: firmware syndrome %d", op, resp.Syndrome)
			continue
		}
		copy(out, resp.Out)
		return nil
	}
	return errors.Wrapf(lastErr, "tunneled_cmd opcode %v exhausted %d attempts", op, policy.MaxAttempts+1)
}
