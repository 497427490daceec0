package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/internal/logging"
	"github.com/smartnic-emu/snapctrl/pkg/cmdchan"
)

var log = logging.For("device")

// Capabilities enumerate what this SmartNIC instance supports. They are
// immutable for the Context's lifetime.
type Capabilities struct {
	Classes           []Class
	Counters          bool
	DirtyTrackModes   []string
	CrossMkeySupport  bool
	MaxHotplugSlots   int
}

func (c Capabilities) supportsClass(class Class) bool {
	for _, supported := range c.Classes {
		if supported == class {
			return true
		}
	}
	return false
}

// InitialRegisters seeds a hotplugged PF's BAR before the host driver
// ever touches it.
type InitialRegisters struct {
	Values       map[string]uint64
	UseDefaults  bool
}

// PCIAttr is the subset of PCI identity a hotplug call supplies.
type PCIAttr struct {
	BDF string
}

// Context is an opaque handle for one SmartNIC instance: capabilities
// plus the PF slots per class.
type Context struct {
	caps    Capabilities
	channel *cmdchan.Channel

	mu   sync.Mutex
	pfs  map[string]*PFSlot // keyed by "<class>/<index>"
	slots map[Class][]*PFSlot
}

// OpenContext starts a Context against channel, with the given
// (already negotiated) capabilities. Individual devices are opened
// against one of its PF/VF slots with Open.
func OpenContext(channel *cmdchan.Channel, caps Capabilities) *Context {
	return &Context{
		caps:    caps,
		channel: channel,
		pfs:     make(map[string]*PFSlot),
		slots:   make(map[Class][]*PFSlot),
	}
}

// Capabilities returns the context's immutable capability set.
func (c *Context) Capabilities() Capabilities { return c.caps }

// PFSlots returns the PF slots allocated for class.
func (c *Context) PFSlots(class Class) []*PFSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PFSlot, len(c.slots[class]))
	copy(out, c.slots[class])
	return out
}

// registerSlot enforces that (pf_id, class) uniquely identifies a slot.
func (c *Context) registerSlot(pf *PFSlot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pfs[pf.key()]; exists {
		return errkind.Newf(errkind.BadArgument, "pf slot (%s, %d) already allocated", pf.Class, pf.Index)
	}
	c.pfs[pf.key()] = pf
	c.slots[pf.Class] = append(c.slots[pf.Class], pf)
	return nil
}

func (c *Context) unregisterSlot(pf *PFSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pfs, pf.key())
	remaining := c.slots[pf.Class][:0]
	for _, s := range c.slots[pf.Class] {
		if s != pf {
			remaining = append(remaining, s)
		}
	}
	c.slots[pf.Class] = remaining
}

// HotplugPF creates a firmware hotplug-device object with initial
// register values and returns the newly allocated PF slot. index is
// the caller-chosen pf_id for the new slot.
func (c *Context) HotplugPF(ctx context.Context, class Class, index int, regs InitialRegisters, attr PCIAttr, maxVFs int) (*PFSlot, error) {
	if !c.caps.supportsClass(class) {
		return nil, errkind.Newf(errkind.NotSupported, "hotplug_pf: class %s not supported by this context", class)
	}

	in := encodeHotplugRequest(class, regs, attr, maxVFs)
	out := make([]byte, 8)
	handle, err := cmdchan.ObjectCreate(ctx, c.channel, anonymousTunnel{}, cmdchan.ObjDevice, in, out, nil)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.CommandChannelFailure, "hotplug_pf: create hotplug device object")
	}
	_ = handle // destroyed via HotunplugPF's teardown path

	pf := &PFSlot{
		Class:   class,
		Index:   index,
		BDF:     attr.BDF,
		VhcaID:  decodeVhcaID(out),
		VUID:    uuid.NewString(),
		Hotplug: true,
		MaxVFs:  maxVFs,
	}
	if err := c.registerSlot(pf); err != nil {
		return nil, err
	}

	log.WithField("class", class).WithField("pf-id", index).WithField("bdf", pf.BDF).Info("hotplugged PF")
	return pf, nil
}

// HotunplugPF tears down VFs, then the hotplug object, returning the PF
// slot table to its pre-hotplug cardinality.
func (c *Context) HotunplugPF(ctx context.Context, pf *PFSlot) error {
	var result error

	for _, vf := range pf.VFs() {
		if err := c.hotunplugVF(ctx, vf); err != nil {
			result = multierror.Append(result, fmt.Errorf("vf %d: %w", vf.Index, err))
		}
	}
	if result != nil {
		return errkind.Wrap(result, errkind.CommandChannelFailure, "hotunplug_pf: vf teardown")
	}

	out := [8]byte{}
	if err := c.channel.GeneralCmd(ctx, cmdchan.OpHotunplugDevice, nil, out[:]); err != nil {
		return errkind.Wrap(err, errkind.CommandChannelFailure, "hotunplug_pf: destroy hotplug device object")
	}

	c.unregisterSlot(pf)
	log.WithField("class", pf.Class).WithField("pf-id", pf.Index).Info("hotunplugged PF")
	return nil
}

func (c *Context) hotunplugVF(ctx context.Context, vf *PFSlot) error {
	out := [8]byte{}
	return c.channel.GeneralCmd(ctx, cmdchan.OpHotunplugDevice, nil, out[:])
}

// CleanupHotunplug scans every PF for POWER_OFF or HOTUNPLUG_PREPARE
// and finalises their removal.
func (c *Context) CleanupHotunplug(ctx context.Context) error {
	c.mu.Lock()
	var candidates []*PFSlot
	for _, slots := range c.slots {
		for _, pf := range slots {
			if pf.Hotplug && pf.ReadyForRemoval() {
				candidates = append(candidates, pf)
			}
		}
	}
	c.mu.Unlock()

	var result error
	for _, pf := range candidates {
		if err := c.HotunplugPF(ctx, pf); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// anonymousTunnel satisfies cmdchan.Tunneled for context-level (not
// per-device) hotplug commands, which never carry a tunnel id.
type anonymousTunnel struct{}

func (anonymousTunnel) HasTunnel() bool  { return true }
func (anonymousTunnel) TunnelID() uint16 { return 0 }

func encodeHotplugRequest(class Class, regs InitialRegisters, attr PCIAttr, maxVFs int) []byte {
	// Opaque encoding: the wire layout of HOTPLUG_DEVICE belongs to the
	// firmware command channel, not this package.
	return []byte(fmt.Sprintf("hotplug:class=%s;bdf=%s;maxvfs=%d;defaults=%v", class, attr.BDF, maxVFs, regs.UseDefaults))
}

func decodeVhcaID(out []byte) uint16 {
	if len(out) < 2 {
		return 0
	}
	return uint16(out[0])<<8 | uint16(out[1])
}
