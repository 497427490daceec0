package cmdchan

import (
	"context"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
)

// ObjectHandle is a live generic-object created on firmware. Destroy
// always has the bytes it needs to send, even if the device has gone
// into a bad state since creation: the destructor body is precomputed
// at create time, while the tunnel is still known-good.
type ObjectHandle struct {
	channel   *Channel
	device    Tunneled
	objType   ObjectType
	destroyIn []byte
	destroyed bool
}

// destroyBodyFunc builds the destroy-command body for a just-created
// object from its create-time input and the create response. Callers
// supply this because the body layout is opcode/object-type specific
// and treated as opaque.
type destroyBodyFunc func(createIn, createOut []byte) []byte

// ObjectCreate creates a generic object of objType on device, returning
// a handle whose Destroy call already has its destroy body computed.
func ObjectCreate(ctx context.Context, channel *Channel, device Tunneled, objType ObjectType, in, out []byte, buildDestroy destroyBodyFunc) (*ObjectHandle, error) {
	if err := channel.DeviceCmd(ctx, device, OpCreateGeneralObject, objType, in, out); err != nil {
		return nil, err
	}

	var destroyIn []byte
	if buildDestroy != nil {
		destroyIn = buildDestroy(in, out)
	}

	return &ObjectHandle{
		channel:   channel,
		device:    device,
		objType:   objType,
		destroyIn: destroyIn,
	}, nil
}

// ObjectModify writes a subset of the object's fields.
func ObjectModify(ctx context.Context, channel *Channel, device Tunneled, objType ObjectType, in, out []byte) error {
	return channel.DeviceCmd(ctx, device, OpModifyGeneralObject, objType, in, out)
}

// ObjectQuery reads the object's current fields.
func ObjectQuery(ctx context.Context, channel *Channel, device Tunneled, objType ObjectType, in, out []byte) error {
	return channel.DeviceCmd(ctx, device, OpQueryGeneralObject, objType, in, out)
}

// Destroy sends the precomputed destructor body. It is idempotent: a
// second call is a no-op success, matching teardown paths that may be
// invoked both explicitly and from a defer.
func (h *ObjectHandle) Destroy(ctx context.Context) error {
	if h.destroyed {
		return nil
	}
	var out [0]byte
	if err := h.channel.DeviceCmd(ctx, h.device, OpDestroyGeneralObject, h.objType, h.destroyIn, out[:]); err != nil {
		return errkind.Wrap(err, errkind.CommandChannelFailure, "object destroy")
	}
	h.destroyed = true
	return nil
}
