package device

import (
	"fmt"
	"sync"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
)

// HotplugState tracks a dynamically-added PF through its removal
// sequence.
type HotplugState int

const (
	HotplugActive HotplugState = iota
	HotplugPrepare
	HotplugPowerOff
)

// PFSlot is a physical function slot: class, index, PCI identity and
// hotplug bookkeeping. (pf_id, class) uniquely identifies a slot.
type PFSlot struct {
	Class    Class
	Index    int
	BDF      string
	VhcaID   uint16
	VUID     string
	Hotplug  bool
	MaxVFs   int

	mu           sync.Mutex
	numVFs       int
	vfs          []*PFSlot
	hotplugState HotplugState
}

// NumVFs returns the current VF count. It may only change via Rescan.
func (p *PFSlot) NumVFs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numVFs
}

// VFs returns a snapshot of the slot's VF array.
func (p *PFSlot) VFs() []*PFSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*PFSlot, len(p.vfs))
	copy(out, p.vfs)
	return out
}

// Rescan is the only sanctioned way num_vfs changes: it reconciles the
// slot's VF array to the firmware-reported count, growing or shrinking
// it and returning the newly added VFs.
func (p *PFSlot) Rescan(newCount int, makeVF func(idx int) *PFSlot) ([]*PFSlot, error) {
	if newCount < 0 {
		return nil, errkind.Newf(errkind.BadArgument, "rescan_vfs: negative vf count %d", newCount)
	}
	if newCount > p.MaxVFs {
		return nil, errkind.Newf(errkind.BadArgument, "rescan_vfs: %d exceeds max_vfs %d", newCount, p.MaxVFs)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var added []*PFSlot
	switch {
	case newCount > len(p.vfs):
		for i := len(p.vfs); i < newCount; i++ {
			vf := makeVF(i)
			p.vfs = append(p.vfs, vf)
			added = append(added, vf)
		}
	case newCount < len(p.vfs):
		p.vfs = p.vfs[:newCount]
	}
	p.numVFs = newCount
	return added, nil
}

// RequestHotunplugPrepare asynchronously signals intent to remove this
// PF by writing the hotplug-state field; a later cleanup pass finalises
// removal once it observes POWER_OFF or HOTUNPLUG_PREPARE.
func (p *PFSlot) RequestHotunplugPrepare() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hotplugState = HotplugPrepare
}

// SetHotplugState records what firmware reports for this slot's
// power/removal state.
func (p *PFSlot) SetHotplugState(s HotplugState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hotplugState = s
}

// GetHotplugState returns the slot's last observed removal state.
func (p *PFSlot) GetHotplugState() HotplugState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hotplugState
}

// ReadyForRemoval reports whether a cleanup pass should finalise this
// PF's removal.
func (p *PFSlot) ReadyForRemoval() bool {
	s := p.GetHotplugState()
	return s == HotplugPowerOff || s == HotplugPrepare
}

func (p *PFSlot) key() string {
	return fmt.Sprintf("%s/%d", p.Class, p.Index)
}
