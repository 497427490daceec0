package controller

import (
	"context"
	"time"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/pkg/device"
)

// ReconcileTick runs one pass of the BAR reconciliation loop against an
// already-queried current BAR snapshot. Separating the
// query from the reconciliation keeps this method a pure state
// transition, deterministically testable without a live command
// channel.
func (c *Controller) ReconcileTick(ctx context.Context, barCurr device.BARShadow) error {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()

	if c.dead {
		return errkind.New(errkind.NoDevice, "reconcile: controller is permanently dead")
	}

	if c.state == StateSuspending && c.allSuspended() {
		c.state = StateSuspended
	}

	if c.needsReset && c.dev != nil {
		attr := device.Attr{}
		attr.BAR.Status = barCurr.Status | device.StatusDeviceNeedsReset
		if err := c.dev.ModifyDevice(ctx, device.MaskStatus, attr); err != nil {
			log.WithField("pf-id", c.cfg.PFID).WithError(err).Warn("device-needs-reset write-back failed, will retry next tick")
		} else {
			c.needsReset = false
		}
	}

	diff := barCurr.DiffAgainst(c.barPrev)

	switch {
	case barCurr.Reset || c.pendingReset:
		return c.handleResetLocked(ctx, barCurr)
	case diff.EnabledCleared:
		return c.handleFLRLocked(ctx, barCurr)
	case diff.DriverOKAsserted:
		return c.handleDriverOKLocked(ctx, barCurr)
	case diff.NumVFsChanged:
		return c.handleRescanLocked(ctx, barCurr)
	}

	c.barPrev = barCurr.Clone()
	return nil
}

// handleResetLocked services a host-initiated reset. If queues still have
// inflight commands when suspension is requested, pending_reset is set
// and reconciliation retries on the next tick rather than blocking.
func (c *Controller) handleResetLocked(ctx context.Context, barCurr device.BARShadow) error {
	if c.lmState == LMFreezed {
		log.WithField("pf-id", c.cfg.PFID).Error("reset observed while LM_FREEZED")
	}

	if c.state == StateStarted {
		if err := c.suspendLocked(); err != nil {
			return err
		}
	}

	if c.state == StateSuspending && !c.allSuspended() {
		c.pendingReset = true
		c.barPrev = barCurr.Clone()
		log.WithField("pf-id", c.cfg.PFID).Debug("reset pending: queues still draining")
		return nil
	}

	if c.state == StateSuspending {
		c.state = StateSuspended
	}

	return c.resetLocked(ctx, barCurr)
}

// resetLocked stops the controller, clears reset and status, and
// writes them back.
func (c *Controller) resetLocked(ctx context.Context, barCurr device.BARShadow) error {
	if c.state != StateStopped {
		if err := c.stopLocked(ctx); err != nil {
			return err
		}
	}

	// Clearing reset and status touches pci-common-config, which only
	// the ALL mask may override.
	if err := c.dev.ModifyDevice(ctx, device.MaskAll, device.Attr{}); err != nil {
		return errkind.Wrap(err, errkind.CommandChannelFailure, "reset: write back cleared reset/status")
	}

	c.pendingReset = false
	cleared := barCurr.Clone()
	cleared.Reset = false
	cleared.Status = 0
	c.barPrev = cleared
	return nil
}

// handleFLRLocked services a function-level reset: suspend, stop, close, and
// poll for the device to reappear within ReopenMaxAttempts ×
// ReopenPollInterval. Exhausting the budget permanently kills the
// controller.
func (c *Controller) handleFLRLocked(ctx context.Context, barCurr device.BARShadow) error {
	if c.cfg.BarCbs.PreFLR != nil {
		if err := c.cfg.BarCbs.PreFLR(ctx); err != nil {
			return errkind.Wrap(err, errkind.StateMismatch, "flr: pre_flr hook failed")
		}
	}

	if c.state == StateStarted {
		if err := c.suspendLocked(); err != nil {
			return err
		}
	}
	if c.state == StateSuspending {
		c.state = StateSuspended
	}
	if err := c.stopLocked(ctx); err != nil {
		return err
	}
	c.dev.CloseDevice()

	interval := c.cfg.reopenInterval()
	attempts := c.cfg.reopenAttempts()

	var reopenErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return errkind.Wrap(ctx.Err(), errkind.NoDevice, "flr: reopen cancelled")
			case <-time.After(interval):
			}
		}
		if err := c.dev.InitDevice(ctx); err == nil {
			reopenErr = nil
			break
		} else {
			reopenErr = err
		}
	}

	if reopenErr != nil {
		c.dead = true
		return errkind.Wrap(reopenErr, errkind.NoDevice, "flr: device did not reappear within reopen budget")
	}

	if c.cfg.BarCbs.PostFLR != nil {
		if err := c.cfg.BarCbs.PostFLR(ctx); err != nil {
			return errkind.Wrap(err, errkind.StateMismatch, "flr: post_flr hook failed")
		}
	}

	c.barPrev = barCurr.Clone()
	return nil
}

// handleDriverOKLocked services a freshly-set DRIVER_OK status bit.
func (c *Controller) handleDriverOKLocked(ctx context.Context, barCurr device.BARShadow) error {
	if c.cfg.BarCbs.Validate != nil {
		if err := c.cfg.BarCbs.Validate(ctx); err != nil {
			return errkind.Wrap(err, errkind.StateMismatch, "driver_ok: validate callback refused")
		}
	}
	if err := c.startLocked(ctx, device.Attr{BAR: barCurr}); err != nil {
		return err
	}
	c.barPrev = barCurr.Clone()
	return nil
}

// handleRescanLocked services a num_vfs change.
func (c *Controller) handleRescanLocked(ctx context.Context, barCurr device.BARShadow) error {
	if c.cfg.OnNumVFsChanged != nil {
		if err := c.cfg.OnNumVFsChanged(ctx, barCurr.NumVFs); err != nil {
			return errkind.Wrap(err, errkind.CommandChannelFailure, "rescan_vfs failed")
		}
	}
	c.barPrev = barCurr.Clone()
	return nil
}
