package device

import (
	"context"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/pkg/cmdchan"
)

// EventType enumerates the class-specific "object change" notifications
// a device's event channel can report.
type EventType string

const (
	EventVirtioBlkDeviceChange EventType = "VIRTIO_BLK_DEVICE_CHANGE"
	EventVirtioNetDeviceChange EventType = "VIRTIO_NET_DEVICE_CHANGE"
	EventVirtioFsDeviceChange  EventType = "VIRTIO_FS_DEVICE_CHANGE"
	EventNVMeDeviceChange      EventType = "NVME_DEVICE_CHANGE"
)

// Event is one notification delivered on a device's event channel.
type Event struct {
	Type EventType
}

type eventSubscription struct {
	ch chan Event
}

// SubscribeEvents subscribes to "object change" events on the device
// emulation object, creating the firmware event-queue object on first
// use and returning a channel of typed events. Calling it twice
// replaces the previous channel; the event queue object is shared.
func (d *Device) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, error) {
	if d.eventQueue == nil {
		handle, err := cmdchan.ObjectCreate(ctx, d.channel, d, cmdchan.ObjEmulatedDevEQ, nil, make([]byte, 4), nil)
		if err != nil {
			return nil, errkind.Wrap(err, errkind.CommandChannelFailure, "subscribe_events: create emulated device event queue")
		}
		d.eventQueue = handle
	}
	sub := &eventSubscription{ch: make(chan Event, buffer)}
	d.events = sub
	return sub.ch, nil
}

// NotifyChange is called by whatever polls the firmware event queue to
// report an object-change notification on this device; it fans out to
// the subscriber as the class-typed change event.
func (d *Device) NotifyChange() {
	d.deliverEvent(Event{Type: classChangeEvent(d.slot.Class)})
}

// deliverEvent is called by whatever polls the firmware event queue
// (owned by the controller) to fan a raw change notification into the
// device's typed event channel.
func (d *Device) deliverEvent(evt Event) {
	if d.events == nil {
		return
	}
	select {
	case d.events.ch <- evt:
	default:
		log.WithField("bdf", d.slot.BDF).Warn("event channel full, dropping change notification")
	}
}

func classChangeEvent(class Class) EventType {
	switch class {
	case ClassBlock:
		return EventVirtioBlkDeviceChange
	case ClassNet:
		return EventVirtioNetDeviceChange
	case ClassFS:
		return EventVirtioFsDeviceChange
	case ClassNVMe:
		return EventNVMeDeviceChange
	default:
		return ""
	}
}
