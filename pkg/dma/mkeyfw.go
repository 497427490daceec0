package dma

import (
	"context"
	"encoding/binary"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/pkg/cmdchan"
)

// CrossTarget is the device surface a firmware-backed cross-mkey needs:
// DMA identity plus the command-channel tunnel envelope.
type CrossTarget interface {
	TunnelDevice
	cmdchan.Tunneled
}

// CreateCrossMkey grants the controller's protection domain access to
// target's address space and creates the firmware mkey object bridging
// them: ALLOW_OTHER_VHCA_ACCESS on the context, then the mkey object
// create with its destroy body precomputed.
func CreateCrossMkey(ctx context.Context, channel *cmdchan.Channel, pd *ProtectionDomain, target CrossTarget) (*CrossMkey, error) {
	allow := make([]byte, 4)
	binary.LittleEndian.PutUint16(allow[0:2], target.VhcaID())
	if err := channel.GeneralCmd(ctx, cmdchan.OpAllowOtherVhcaAccess, allow, nil); err != nil {
		return nil, errkind.Wrap(err, errkind.CommandChannelFailure, "cross-mkey: allow_other_vhca_access")
	}

	in := make([]byte, 8)
	binary.LittleEndian.PutUint32(in[0:4], pd.ID())
	binary.LittleEndian.PutUint16(in[4:6], target.VhcaID())
	out := make([]byte, 8)
	handle, err := cmdchan.ObjectCreate(ctx, channel, target, cmdchan.ObjMkey, in, out, func(createIn, createOut []byte) []byte {
		return append([]byte(nil), createOut[:4]...)
	})
	if err != nil {
		return nil, errkind.Wrap(err, errkind.CommandChannelFailure, "cross-mkey: create mkey object")
	}

	mk := NewCrossMkey(pd, target, binary.LittleEndian.Uint32(out[:4]))
	mk.fw = handle
	return mk, nil
}
