package controller

import (
	"context"
	"sync"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/pkg/device"
	"github.com/smartnic-emu/snapctrl/pkg/virtqueue"
)

// Controller is the top-level per-emulated-function runtime: the
// STOPPED/STARTED/SUSPENDING/SUSPENDED state machine plus the
// orthogonal live-migration substate machine, wrapping one
// device.Device and its virtqueues.
type Controller struct {
	cfg    Config
	dev    *device.Device
	queues []*virtqueue.Queue

	// progressMu serialises control-plane progress (ReconcileTick) with
	// external state mutators (Suspend/Resume/Save/Restore).
	progressMu sync.Mutex

	state   State
	lmState LMState

	barPrev      device.BARShadow
	pendingReset bool
	needsReset   bool // device-needs-reset status bit pending write-back
	dead         bool // permanently failed (FLR reopen exhausted)

	groups []*pollingGroup
}

// New wraps dev (already opened against its PF/VF slot) into a
// Controller, rejecting invalid configuration before any firmware
// traffic. queueCount is the number of virtqueue slots reserved;
// callers bind a provider-configured queue to each index with
// AttachQueue before Start is called. With suspended_on_open the
// controller comes up SUSPENDED instead of STOPPED, so no host DMA
// happens until an explicit resume.
func New(cfg Config, dev *device.Device, queueCount int) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if queueCount < 0 {
		return nil, errkind.Newf(errkind.BadArgument, "controller: negative queue count %d", queueCount)
	}

	c := &Controller{
		cfg:    cfg,
		dev:    dev,
		queues: make([]*virtqueue.Queue, queueCount),
		state:  StateStopped,
	}
	if cfg.SuspendedOnOpen {
		c.state = StateSuspended
	}
	npgs := cfg.Npgs
	if npgs < 1 {
		npgs = 1
	}
	c.groups = newPollingGroups(npgs)
	return c, nil
}

// State returns the controller's current top-level state.
func (c *Controller) State() State {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	return c.state
}

// LMState returns the controller's current live-migration substate.
func (c *Controller) LMState() LMState {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	return c.lmState
}

// IsDead reports whether the controller has permanently failed (FLR
// reopen exhaustion) and refuses further operations.
func (c *Controller) IsDead() bool {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	return c.dead
}

// Start transitions STOPPED -> STARTED, walking per-queue BAR enable
// flags and creating the enabled queues with their BAR-provided
// parameters.
func (c *Controller) Start(ctx context.Context, attr device.Attr) error {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	return c.startLocked(ctx, attr)
}

func (c *Controller) startLocked(ctx context.Context, attr device.Attr) error {
	if c.cfg.BarCbs.Start != nil {
		if err := c.cfg.BarCbs.Start(ctx); err != nil {
			return errkind.Wrap(err, errkind.StateMismatch, "controller start: bar_cbs.start refused")
		}
	}

	for i, qcfg := range attr.BAR.Queues {
		if i >= len(c.queues) {
			break
		}
		if !qcfg.Enable {
			continue
		}
		if err := c.createQueue(ctx, i, qcfg); err != nil {
			c.markNeedsReset()
			log.WithField("pf-id", c.cfg.PFID).WithField("queue", i).WithError(err).Error("queue start failed, marking device-needs-reset")
			return errkind.Wrap(err, errkind.CommandChannelFailure, "controller start: create queue")
		}
		c.assignToGroup(i)
	}

	c.state = StateStarted
	return nil
}

func (c *Controller) createQueue(ctx context.Context, index int, qcfg device.QueueConfig) error {
	if c.queues[index] == nil {
		return errkind.Newf(errkind.BadArgument, "controller start: queue %d has no provider configured", index)
	}
	return c.queues[index].Create(ctx)
}

// AttachQueue installs a pre-configured (provider-bound) queue at
// index before Start is called.
func (c *Controller) AttachQueue(index int, q *virtqueue.Queue) {
	c.queues[index] = q
}

// Stop transitions to STOPPED, invoking bar_cbs.stop and destroying
// every queue.
func (c *Controller) Stop(ctx context.Context) error {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	if c.cfg.BarCbs.Stop != nil {
		if err := c.cfg.BarCbs.Stop(ctx); err != nil {
			return errkind.Wrap(err, errkind.StateMismatch, "controller stop: bar_cbs.stop failed")
		}
	}
	for _, q := range c.queues {
		if q == nil {
			continue
		}
		if err := q.Destroy(ctx); err != nil {
			return errkind.Wrap(err, errkind.CommandChannelFailure, "controller stop: destroy queue")
		}
	}
	for _, g := range c.groups {
		g.clear()
	}
	c.state = StateStopped
	return nil
}

// Suspend transitions STARTED -> SUSPENDING and suspends every queue.
// The transition to SUSPENDED completes asynchronously as queues drain
// (observed via WaitSuspended/ReconcileTick).
func (c *Controller) Suspend() error {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	return c.suspendLocked()
}

func (c *Controller) suspendLocked() error {
	if c.state != StateStarted {
		return errkind.Newf(errkind.StateMismatch, "controller suspend: requires STARTED, got %s", c.state)
	}
	for _, q := range c.queues {
		if q != nil {
			q.Suspend()
		}
	}
	c.state = StateSuspending
	return nil
}

// Resume transitions SUSPENDED -> STARTED, resuming every queue.
func (c *Controller) Resume() error {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	if c.state != StateSuspended {
		return errkind.Newf(errkind.StateMismatch, "controller resume: requires SUSPENDED, got %s", c.state)
	}
	for _, q := range c.queues {
		if q == nil {
			continue
		}
		if err := q.Resume(); err != nil {
			return err
		}
	}
	c.state = StateStarted
	return nil
}

// allSuspended reports whether every attached queue has reached
// SUSPENDED with no inflight commands.
func (c *Controller) allSuspended() bool {
	for _, q := range c.queues {
		if q == nil {
			continue
		}
		if !q.IsSuspended() {
			return false
		}
	}
	return true
}

// WaitSuspended blocks, driving IOProgress, until every queue reaches
// SUSPENDED or ctx is done. Test code with a synchronous/loopback
// transport will normally converge within a handful of iterations.
func (c *Controller) WaitSuspended(ctx context.Context) error {
	for {
		c.progressMu.Lock()
		if c.state == StateSuspended || c.allSuspended() {
			if c.state == StateSuspending {
				c.state = StateSuspended
			}
			c.progressMu.Unlock()
			return nil
		}
		c.progressMu.Unlock()

		c.IOProgress()
		select {
		case <-ctx.Done():
			return errkind.Wrap(ctx.Err(), errkind.StateMismatch, "wait_suspended: timed out")
		default:
		}
	}
}

// Quiesce suspends the controller, waits for SUSPENDED, then enters
// LM_QUIESCED.
func (c *Controller) Quiesce(ctx context.Context) error {
	if err := c.Suspend(); err != nil {
		return err
	}
	if err := c.WaitSuspended(ctx); err != nil {
		return err
	}
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	c.lmState = LMQuiesced
	return nil
}

// Unquiesce reverses Quiesce: resumes the controller and returns the
// live-migration substate to RUNNING.
func (c *Controller) Unquiesce() error {
	c.progressMu.Lock()
	if c.lmState != LMQuiesced {
		c.progressMu.Unlock()
		return errkind.Newf(errkind.StateMismatch, "unquiesce: requires LM_QUIESCED, got %s", c.lmState)
	}
	c.progressMu.Unlock()

	if err := c.Resume(); err != nil {
		return err
	}
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	c.lmState = LMRunning
	return nil
}

// Freeze is only legal from LM_QUIESCED.
func (c *Controller) Freeze() error {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	if c.lmState != LMQuiesced {
		return errkind.Newf(errkind.StateMismatch, "freeze: requires LM_QUIESCED, got %s", c.lmState)
	}
	c.lmState = LMFreezed
	return nil
}

// Unfreeze reverses Freeze.
func (c *Controller) Unfreeze() error {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	if c.lmState != LMFreezed {
		return errkind.Newf(errkind.StateMismatch, "unfreeze: requires LM_FREEZED, got %s", c.lmState)
	}
	c.lmState = LMQuiesced
	return nil
}

// assignToGroup round-robins queue index across the fixed polling
// group array.
func (c *Controller) assignToGroup(index int) {
	group := c.groups[index%len(c.groups)]
	group.add(c.queues[index])
}

// markNeedsReset records that a command-channel failure during queue
// start requires the device-needs-reset status bit. The actual status
// write-back happens at the start of the next ReconcileTick.
func (c *Controller) markNeedsReset() {
	c.needsReset = true
}

// NeedsReset reports whether the device-needs-reset status bit is
// pending write-back.
func (c *Controller) NeedsReset() bool {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	return c.needsReset
}
