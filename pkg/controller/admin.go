package controller

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/smartnic-emu/snapctrl/pkg/virtqueue"
)

// Admin command classes carried in the two-byte admin header. The
// numeric values are host-visible and fixed by the admin-queue wire
// contract.
const (
	AdminClassMigration uint8 = 64
	AdminClassDirtyPage uint8 = 65
)

// Migration-class commands.
const (
	MigIdentity             uint8 = 0
	MigGetStatus            uint8 = 1
	MigModifyStatus         uint8 = 2
	MigGetStatePendingBytes uint8 = 3
	MigSaveState            uint8 = 4
	MigRestoreState         uint8 = 5
)

// Dirty-page-class commands.
const (
	DPIdentity           uint8 = 0
	DPStartTrack         uint8 = 1
	DPStopTrack          uint8 = 2
	DPGetMapPendingBytes uint8 = 3
	DPReportMap          uint8 = 4
)

// Admin footer statuses.
const (
	AdminStatusOK              uint8 = 0
	AdminStatusErr             uint8 = 1
	AdminStatusInvalidClass    uint8 = 2
	AdminStatusInvalidCommand  uint8 = 3
	AdminStatusDataTransferErr uint8 = 4
	AdminStatusInternalErr     uint8 = 5
)

// AdminInSize is the virtqueue.InSizeFunc for the admin command set:
// the fixed in-section byte count per (class, command). Commands with a
// variable payload (state save/restore, map report) carry it after the
// fixed section and fetch it themselves.
func AdminInSize(class, command uint8) int {
	switch class {
	case AdminClassMigration:
		switch command {
		case MigIdentity, MigGetStatus, MigGetStatePendingBytes:
			return 4 // vdev_id + reserved
		case MigModifyStatus:
			return 4 // vdev_id + internal_status
		case MigSaveState:
			return 24 // vdev_id + reserved[3] + offset + length
		case MigRestoreState:
			return 20 // vdev_id + reserved + offset + length
		}
	case AdminClassDirtyPage:
		switch command {
		case DPIdentity, DPGetMapPendingBytes, DPReportMap:
			return 4
		case DPStartTrack:
			return 24 // vdev_id + track_mode + page_size + range_addr + range_length
		case DPStopTrack:
			return 16 // vdev_id + reserved[3] + range_addr
		}
	}
	return 0
}

// AdminRouter dispatches admin virtqueue commands received on a PF's
// admin queue to the controller they target. The in-section's vdev_id
// starts counting at 1: vdev_id 1 is VF 0.
type AdminRouter struct {
	// Resolve maps a VF index to its controller; nil means no such
	// function, reported as a device-internal error to the host.
	Resolve func(vfIndex int) *Controller

	mu       sync.Mutex
	trackers map[int]*HashSetTracker
}

// NewAdminRouter builds a router around the embedder's VF lookup.
func NewAdminRouter(resolve func(vfIndex int) *Controller) *AdminRouter {
	return &AdminRouter{Resolve: resolve, trackers: make(map[int]*HashSetTracker)}
}

// Attach registers the migration and dirty-page admin commands on aq.
// Migration-class IDENTITY has no processor, so it completes with the
// admin queue's failure status for unregistered commands.
func (r *AdminRouter) Attach(aq *virtqueue.AdminQueue) {
	aq.Register(AdminClassMigration, MigGetStatus, r.migGetStatus)
	aq.Register(AdminClassMigration, MigModifyStatus, r.migModifyStatus)
	aq.Register(AdminClassMigration, MigGetStatePendingBytes, r.migGetPendingBytes)
	aq.RegisterRaw(AdminClassMigration, MigSaveState, r.migSaveState)
	aq.RegisterRaw(AdminClassMigration, MigRestoreState, r.migRestoreState)

	aq.Register(AdminClassDirtyPage, DPIdentity, r.dpIdentity)
	aq.Register(AdminClassDirtyPage, DPStartTrack, r.dpStartTrack)
	aq.Register(AdminClassDirtyPage, DPStopTrack, r.dpStopTrack)
	aq.Register(AdminClassDirtyPage, DPGetMapPendingBytes, r.dpGetPendingBytes)
	aq.RegisterRaw(AdminClassDirtyPage, DPReportMap, r.dpReportMap)
}

// target resolves the controller an in-section addresses. vdev_id as
// given starts count with 1.
func (r *AdminRouter) target(in []byte) (*Controller, int) {
	if len(in) < 2 || r.Resolve == nil {
		return nil, -1
	}
	vfIndex := int(binary.LittleEndian.Uint16(in[:2])) - 1
	if vfIndex < 0 {
		return nil, -1
	}
	return r.Resolve(vfIndex), vfIndex
}

func (r *AdminRouter) migGetStatus(ctx context.Context, in []byte) ([]byte, uint8) {
	ctrl, _ := r.target(in)
	if ctrl == nil {
		return nil, AdminStatusInternalErr
	}
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[:2], uint16(ctrl.LMState()))
	return out, AdminStatusOK
}

func (r *AdminRouter) migModifyStatus(ctx context.Context, in []byte) ([]byte, uint8) {
	ctrl, _ := r.target(in)
	if ctrl == nil || len(in) < 4 {
		return nil, AdminStatusInternalErr
	}

	newStatus := LMState(binary.LittleEndian.Uint16(in[2:4]))
	var err error
	switch newStatus {
	case LMQuiesced:
		if ctrl.LMState() == LMFreezed {
			err = ctrl.Unfreeze()
		} else {
			err = ctrl.Quiesce(ctx)
		}
	case LMFreezed:
		err = ctrl.Freeze()
	case LMRunning:
		err = ctrl.Unquiesce()
	default:
		return nil, AdminStatusErr
	}
	if err != nil {
		log.WithError(err).WithField("target-status", newStatus).Warn("admin modify_status failed")
		return nil, AdminStatusInternalErr
	}
	return nil, AdminStatusOK
}

func (r *AdminRouter) migGetPendingBytes(ctx context.Context, in []byte) ([]byte, uint8) {
	ctrl, _ := r.target(in)
	if ctrl == nil {
		return nil, AdminStatusInternalErr
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(ctrl.StateSize(ctx)))
	return out, AdminStatusOK
}

// migSaveState serializes the target's state and writes the requested
// window of it back through the chain's writable descriptors.
func (r *AdminRouter) migSaveState(aq *virtqueue.AdminQueue, cmd *virtqueue.Command, hdr virtqueue.AdminHeader, in []byte) {
	ctrl, _ := r.target(in)
	if ctrl == nil || len(in) < 24 {
		aq.Complete(cmd, nil, AdminStatusInternalErr)
		return
	}
	offset := binary.LittleEndian.Uint64(in[8:16])
	length := binary.LittleEndian.Uint64(in[16:24])

	payload, err := ctrl.StateSave(context.Background(), ClassState{})
	if err != nil {
		aq.Complete(cmd, nil, AdminStatusInternalErr)
		return
	}
	if offset > uint64(len(payload)) {
		aq.Complete(cmd, nil, AdminStatusErr)
		return
	}
	window := payload[offset:]
	if uint64(len(window)) > length {
		window = window[:length]
	}
	aq.Complete(cmd, window, AdminStatusOK)
}

// migRestoreState fetches the state blob that follows the fixed
// in-section in the chain's readable descriptors, then applies it.
func (r *AdminRouter) migRestoreState(aq *virtqueue.AdminQueue, cmd *virtqueue.Command, hdr virtqueue.AdminHeader, in []byte) {
	ctrl, _ := r.target(in)
	if ctrl == nil || len(in) < 20 {
		aq.Complete(cmd, nil, AdminStatusInternalErr)
		return
	}
	length := binary.LittleEndian.Uint64(in[12:20])

	blob := make([]byte, length)
	aq.DescsRW(cmd, 0, uint32(virtqueue.AdminHeaderLen+len(in)), blob, false, func(err error) {
		if err != nil {
			aq.Complete(cmd, nil, AdminStatusDataTransferErr)
			return
		}
		if err := ctrl.StateRestore(context.Background(), blob, ClassState{}); err != nil {
			aq.Complete(cmd, nil, AdminStatusInternalErr)
			return
		}
		aq.Complete(cmd, nil, AdminStatusOK)
	})
}

func (r *AdminRouter) dpIdentity(ctx context.Context, in []byte) ([]byte, uint8) {
	// log_max pages per pull mode plus max trackable ranges; fixed
	// capabilities of this implementation's hash-set tracker.
	out := make([]byte, 8)
	binary.LittleEndian.PutUint16(out[0:2], 32) // pull bitmap mode, log2
	binary.LittleEndian.PutUint16(out[2:4], 32) // pull bytemap mode, log2
	binary.LittleEndian.PutUint32(out[4:8], 64) // max track ranges
	return out, AdminStatusOK
}

func (r *AdminRouter) dpStartTrack(ctx context.Context, in []byte) ([]byte, uint8) {
	ctrl, vfIndex := r.target(in)
	if ctrl == nil || len(in) < 24 {
		return nil, AdminStatusInternalErr
	}
	pageSize := uint64(binary.LittleEndian.Uint32(in[4:8]))
	if pageSize < 2 || pageSize&(pageSize-1) != 0 {
		return nil, AdminStatusErr
	}

	tracker := NewHashSetTracker(pageSize)
	r.mu.Lock()
	r.trackers[vfIndex] = tracker
	r.mu.Unlock()

	ctrl.StartDirtyPagesTrack(ctx, true, tracker)
	return nil, AdminStatusOK
}

func (r *AdminRouter) dpStopTrack(ctx context.Context, in []byte) ([]byte, uint8) {
	ctrl, vfIndex := r.target(in)
	if ctrl == nil {
		return nil, AdminStatusInternalErr
	}
	r.mu.Lock()
	_, tracked := r.trackers[vfIndex]
	r.mu.Unlock()
	if !tracked {
		return nil, AdminStatusErr
	}
	// The tracker stays registered until the final report drains it.
	ctrl.StartDirtyPagesTrack(ctx, false, nil)
	return nil, AdminStatusOK
}

func (r *AdminRouter) dpGetPendingBytes(ctx context.Context, in []byte) ([]byte, uint8) {
	_, vfIndex := r.target(in)
	r.mu.Lock()
	tracker := r.trackers[vfIndex]
	r.mu.Unlock()
	if tracker == nil {
		return nil, AdminStatusInternalErr
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(tracker.GetSize()))
	return out, AdminStatusOK
}

// dpReportMap drains the tracker's dirty-page set into the chain's
// writable descriptors as a packed u64 array.
func (r *AdminRouter) dpReportMap(aq *virtqueue.AdminQueue, cmd *virtqueue.Command, hdr virtqueue.AdminHeader, in []byte) {
	_, vfIndex := r.target(in)
	r.mu.Lock()
	tracker := r.trackers[vfIndex]
	r.mu.Unlock()
	if tracker == nil {
		aq.Complete(cmd, nil, AdminStatusInternalErr)
		return
	}

	buf := make([]byte, tracker.GetSize())
	n, err := tracker.Serialize(buf)
	if err != nil {
		aq.Complete(cmd, nil, AdminStatusInternalErr)
		return
	}
	aq.Complete(cmd, buf[:n*8], AdminStatusOK)
}
