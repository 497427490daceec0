// Package virtqueue implements the descriptor-chain engine: a
// descriptor-entry pool, inflight/free/fatal command lists, the
// RUNNING/FLUSHING/SUSPENDED suspension state machine, completion
// ordering policy, and a pluggable provider (hardware/software/DPA).
//
// Derived queue flavours (admin, per-class data queues) wrap a common
// Queue value and dispatch provider hooks through the Provider
// interface rather than embedding-based method overriding.
package virtqueue

// Flag bits on a raw virtio descriptor, adopted by reference from the
// virtio spec.
const (
	DescFlagNext  uint16 = 1 << 0
	DescFlagWrite uint16 = 1 << 1
)

// Descriptor is one raw virtio descriptor.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Descriptor) hasNext() bool { return d.Flags&DescFlagNext != 0 }
func (d Descriptor) isWrite() bool { return d.Flags&DescFlagWrite != 0 }
