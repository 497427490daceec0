package controller

import (
	"context"
	"time"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/pkg/device"
)

// BarCallbacks brackets the BAR reconciliation state transitions with
// embedder-supplied hooks.
type BarCallbacks struct {
	// Validate is consulted when DRIVER_OK is freshly observed, before
	// start() walks the per-queue enable flags.
	Validate func(ctx context.Context) error
	Start    func(ctx context.Context) error
	Stop     func(ctx context.Context) error
	PreFLR   func(ctx context.Context) error
	PostFLR  func(ctx context.Context) error
}

// Config is the embedding process's public configuration surface for
// one controller instance.
type Config struct {
	PFID int
	VFID *int

	PCIType device.PCIType
	BarCbs  BarCallbacks

	Npgs int // number of polling groups

	SuspendedOnOpen bool
	RecoverOnOpen   bool
	ForceRecover    bool
	VFDynamicMsix   bool
	ForceInOrder    bool // IN_ORDER_COMPLETIONS

	MaxVFs int // hotplug capability, PF only

	CounterSetID uint32 // NVMe only

	InitialRegisters device.InitialRegisters

	ReopenPollInterval time.Duration // FLR reopen poll period
	ReopenMaxAttempts  int

	// OnNumVFsChanged implements rescan_vfs: the embedder owns VF slot
	// creation (it lives at the device.Context layer), the controller
	// only detects the BAR-visible num_vfs change and invokes this hook.
	OnNumVFsChanged func(ctx context.Context, newCount int) error
}

// Validate rejects configuration combinations at open time rather than
// at first I/O.
func (c Config) Validate() error {
	if c.PFID < 0 {
		return errkind.Newf(errkind.BadArgument, "config: negative pf_id %d", c.PFID)
	}
	if c.Npgs < 0 {
		return errkind.Newf(errkind.BadArgument, "config: negative npgs %d", c.Npgs)
	}
	if c.VFID != nil && *c.VFID < 0 {
		return errkind.Newf(errkind.BadArgument, "config: negative vf_id %d", *c.VFID)
	}
	if c.VFID != nil && c.MaxVFs > 0 {
		return errkind.New(errkind.BadArgument, "config: max_vfs is a PF hotplug capability, not valid on a VF")
	}
	if c.ForceRecover && !c.RecoverOnOpen {
		return errkind.New(errkind.BadArgument, "config: force_recover requires recover_on_open")
	}
	if c.CounterSetID != 0 && c.PCIType != "" &&
		c.PCIType != device.PCITypeNVMePF && c.PCIType != device.PCITypeNVMeVF {
		return errkind.Newf(errkind.BadArgument, "config: counter_set_id is NVMe-only, got pci_type %s", c.PCIType)
	}
	if c.ReopenMaxAttempts < 0 || c.ReopenPollInterval < 0 {
		return errkind.New(errkind.BadArgument, "config: negative FLR reopen budget")
	}
	return nil
}

func (c Config) reopenInterval() time.Duration {
	if c.ReopenPollInterval > 0 {
		return c.ReopenPollInterval
	}
	return 10 * time.Millisecond
}

func (c Config) reopenAttempts() int {
	if c.ReopenMaxAttempts > 0 {
		return c.ReopenMaxAttempts
	}
	return 100
}
