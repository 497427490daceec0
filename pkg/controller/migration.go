package controller

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/pkg/device"
)

// The live-migration payload is a flat sequence of named sections, each
// prefixed by a 16-byte header: a little-endian u32 length
// followed by a 12-byte, NUL-terminated name. A section's length
// includes its own header. The first header is the VIRTIO_CTRL_CFG
// wrapper: its length is the total payload size and it has no body of
// its own — the inner sections follow it directly. The payload is
// binary rather than a structured document because its consumer is a
// peer controller's in-memory parser, not a human inspecting a
// checkpoint.
const sectionNameLen = 12
const sectionHeaderLen = 4 + sectionNameLen

const (
	sectionVirtioCtrlCfg = "VIRTIO_CTRL_CFG"
	sectionCommonPCICfg  = "COMMON_PCI_CFG"
	sectionQueuesCfg     = "QUEUES_CFG"
	sectionDeviceCfg     = "DEVICE_CFG"
)

// sectionName fits name into the fixed 12-byte header field, keeping at
// most 11 characters and always NUL-terminating. Long names truncate.
func sectionName(name string) [sectionNameLen]byte {
	var out [sectionNameLen]byte
	copy(out[:sectionNameLen-1], name)
	return out
}

// ClassState is the class-specific (block/net/fs/nvme) config block
// carried inside DEVICE_CFG. SetState is invoked on restore so the
// embedder can re-apply class-specific config that the controller
// itself doesn't interpret.
type ClassState struct {
	GetState func(ctx context.Context) ([]byte, error)
	SetState func(ctx context.Context, raw []byte) error
}

// queuePersistLen is the per-queue record size inside QUEUES_CFG:
// size(2) + msix(2) + enable(1) + notify_off(2) + desc(8) + driver(8) +
// device(8) + hw_avail_idx(2) + hw_used_idx(2), padded with 5 trailing
// bytes to an 8-byte-aligned 40.
const queuePersistLen = 40

const (
	qpOffSize       = 0
	qpOffMsix       = 2
	qpOffEnable     = 4
	qpOffNotifyOff  = 5
	qpOffDescAddr   = 7
	qpOffDriverAddr = 15
	qpOffDeviceAddr = 23
	qpOffHwAvailIdx = 31
	qpOffHwUsedIdx  = 33
)

// StateSize reports the serialized payload size, or 0 unless the
// controller is LM_FREEZED.
func (c *Controller) StateSize(ctx context.Context) int {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	if c.lmState != LMFreezed {
		return 0
	}
	return c.computeStateSizeLocked()
}

// computeStateSizeLocked sums the wrapper header plus the three inner
// sections, each length including its own header.
func (c *Controller) computeStateSizeLocked() int {
	total := sectionHeaderLen // VIRTIO_CTRL_CFG wrapper, header only
	total += sectionHeaderLen + commonPCICfgLen()
	total += sectionHeaderLen + len(c.queues)*queuePersistLen
	total += sectionHeaderLen + len(c.barPrev.DeviceConfig)
	return total
}

func commonPCICfgLen() int {
	// ctrl_state(1) + lm_state(1) + feature_select(4) + features(8) +
	// msix_config(2) + num_queues(2) + queue_select(2) + device_status(1) +
	// config_generation(4), padded to an 8-byte multiple.
	return 32
}

// StateSave serializes the controller's migratable state. Requires
// LM_FREEZED; callers must have already quiesced and frozen the
// controller via Quiesce/Freeze.
func (c *Controller) StateSave(ctx context.Context, class ClassState) ([]byte, error) {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()

	if c.lmState != LMFreezed {
		return nil, errkind.Newf(errkind.StateMismatch, "state_save: requires LM_FREEZED, got %s", c.lmState)
	}

	var deviceCfg []byte
	if class.GetState != nil {
		raw, err := class.GetState(ctx)
		if err != nil {
			return nil, errkind.Wrap(err, errkind.StateMismatch, "state_save: class get_state failed")
		}
		deviceCfg = raw
	} else {
		deviceCfg = c.barPrev.DeviceConfig
	}

	total := sectionHeaderLen
	total += sectionHeaderLen + commonPCICfgLen()
	total += sectionHeaderLen + len(c.queues)*queuePersistLen
	total += sectionHeaderLen + len(deviceCfg)

	var buf bytes.Buffer

	// Wrapper: total length, no body of its own.
	writeSectionHeader(&buf, sectionVirtioCtrlCfg, total)

	writeSection(&buf, sectionCommonPCICfg, func(b *bytes.Buffer) {
		b.WriteByte(uint8(c.state))
		b.WriteByte(uint8(c.lmState))
		binary.Write(b, binary.LittleEndian, uint32(0)) // feature_select
		binary.Write(b, binary.LittleEndian, c.barPrev.Features)
		binary.Write(b, binary.LittleEndian, uint16(0)) // msix_config
		binary.Write(b, binary.LittleEndian, uint16(len(c.queues)))
		binary.Write(b, binary.LittleEndian, c.barPrev.QueueSelect)
		b.WriteByte(c.barPrev.Status)
		binary.Write(b, binary.LittleEndian, c.barPrev.ConfigGeneration)
		b.Write(make([]byte, 7)) // pad to the 32-byte commonPCICfgLen
	})

	queuesRaw, err := c.snapshotQueuesLocked(ctx)
	if err != nil {
		return nil, err
	}
	writeSection(&buf, sectionQueuesCfg, func(b *bytes.Buffer) {
		b.Write(queuesRaw)
	})

	writeSection(&buf, sectionDeviceCfg, func(b *bytes.Buffer) {
		b.Write(deviceCfg)
	})

	return buf.Bytes(), nil
}

// snapshotQueuesLocked reads each attached queue's hw_available_index
// and hw_used_index through its provider. Queues must already be
// quiesced (no inflight commands), so this is a point-in-time read with
// no concurrent Progress driving it.
func (c *Controller) snapshotQueuesLocked(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 0, len(c.queues)*queuePersistLen)
	for i, q := range c.queues {
		rec := make([]byte, queuePersistLen)
		if i < len(c.barPrev.Queues) {
			qc := c.barPrev.Queues[i]
			binary.LittleEndian.PutUint16(rec[qpOffSize:], qc.Size)
			binary.LittleEndian.PutUint16(rec[qpOffMsix:], qc.Msix)
			if qc.Enable {
				rec[qpOffEnable] = 1
			}
			binary.LittleEndian.PutUint16(rec[qpOffNotifyOff:], qc.NotifyOff)
			binary.LittleEndian.PutUint64(rec[qpOffDescAddr:], qc.DescAddr)
			binary.LittleEndian.PutUint64(rec[qpOffDriverAddr:], qc.DriverAddr)
			binary.LittleEndian.PutUint64(rec[qpOffDeviceAddr:], qc.DeviceAddr)
		}
		if q != nil {
			result, err := q.Query(ctx)
			if err != nil {
				return nil, errkind.Wrap(err, errkind.CommandChannelFailure, "state_save: query queue indices")
			}
			binary.LittleEndian.PutUint16(rec[qpOffHwAvailIdx:], result.HwAvailIdx)
			binary.LittleEndian.PutUint16(rec[qpOffHwUsedIdx:], result.HwUsedIdx)
		}
		buf = append(buf, rec...)
	}
	return buf, nil
}

func writeSectionHeader(buf *bytes.Buffer, name string, length int) {
	binary.Write(buf, binary.LittleEndian, uint32(length))
	n := sectionName(name)
	buf.Write(n[:])
}

func writeSection(buf *bytes.Buffer, name string, body func(*bytes.Buffer)) {
	var section bytes.Buffer
	body(&section)

	writeSectionHeader(buf, name, sectionHeaderLen+section.Len())
	buf.Write(section.Bytes())
}

type rawSection struct {
	name string
	data []byte
}

// trimmedName is the form a full-length constant takes after the
// header's 11-character truncation.
func trimmedName(name string) string {
	n := sectionName(name)
	return string(bytes.TrimRight(n[:], "\x00"))
}

// readSections validates the VIRTIO_CTRL_CFG wrapper and walks the
// inner sections. The payload is self-describing by length; payloads
// shorter than any header claims are rejected.
func readSections(payload []byte) ([]rawSection, error) {
	if len(payload) < sectionHeaderLen {
		return nil, errkind.New(errkind.Truncated, "state payload: shorter than wrapper header")
	}
	total := binary.LittleEndian.Uint32(payload[:4])
	ghdrName := string(bytes.TrimRight(payload[4:sectionHeaderLen], "\x00"))
	if ghdrName != trimmedName(sectionVirtioCtrlCfg) {
		return nil, errkind.Newf(errkind.BadArgument, "state payload: wrapper section is %q, not VIRTIO_CTRL_CFG", ghdrName)
	}
	if uint32(len(payload)) < total {
		return nil, errkind.Newf(errkind.Truncated, "state payload: wrapper claims %d bytes, got %d", total, len(payload))
	}

	var sections []rawSection
	rest := payload[sectionHeaderLen:total]
	for len(rest) > 0 {
		if len(rest) < sectionHeaderLen {
			return nil, errkind.New(errkind.Truncated, "state payload: truncated section header")
		}
		length := binary.LittleEndian.Uint32(rest[:4])
		if length < sectionHeaderLen || uint32(len(rest)) < length {
			return nil, errkind.Newf(errkind.Truncated, "state payload: section claims %d bytes, %d remain", length, len(rest))
		}
		name := string(bytes.TrimRight(rest[4:sectionHeaderLen], "\x00"))
		sections = append(sections, rawSection{name: name, data: rest[sectionHeaderLen:length]})
		rest = rest[length:]
	}
	return sections, nil
}

// sectionIs compares a parsed section name against a full-length
// constant, accounting for the 11-character header truncation.
func sectionIs(parsed, name string) bool {
	return parsed == trimmedName(name)
}

// StateRestore deserializes a payload produced by StateSave and applies
// it. Requires STOPPED or SUSPENDED. A payload whose COMMON_PCI_CFG section
// carries ctrl_state == SUSPENDED restarts the controller suspended
// rather than started.
func (c *Controller) StateRestore(ctx context.Context, payload []byte, class ClassState) error {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()

	if c.state != StateStopped && c.state != StateSuspended {
		return errkind.Newf(errkind.StateMismatch, "state_restore: requires STOPPED or SUSPENDED, got %s", c.state)
	}

	sections, err := readSections(payload)
	if err != nil {
		return err
	}

	var common, queues, deviceCfg []byte
	var sourceState State
	haveCommon := false
	for _, s := range sections {
		switch {
		case sectionIs(s.name, sectionCommonPCICfg):
			common = s.data
			haveCommon = true
		case sectionIs(s.name, sectionQueuesCfg):
			queues = s.data
		case sectionIs(s.name, sectionDeviceCfg):
			deviceCfg = s.data
		}
	}
	if !haveCommon || len(common) < commonPCICfgLen() {
		return errkind.New(errkind.Truncated, "state_restore: missing or truncated COMMON_PCI_CFG section")
	}

	sourceState = State(common[0])
	if sourceState != StateStopped && sourceState != StateSuspended {
		return errkind.Newf(errkind.StateMismatch, "state_restore: refusing to restore from live source state %s", sourceState)
	}

	numQueues := int(binary.LittleEndian.Uint16(common[16:18]))
	if numQueues*queuePersistLen != len(queues) {
		return errkind.Newf(errkind.BadArgument, "state_restore: queue section size %d does not match num_queues %d", len(queues), numQueues)
	}

	bar := device.BARShadow{
		Features:         binary.LittleEndian.Uint64(common[6:14]),
		QueueSelect:      binary.LittleEndian.Uint16(common[18:20]),
		Status:           common[20],
		ConfigGeneration: binary.LittleEndian.Uint32(common[21:25]),
		Enabled:          true,
		DeviceConfig:     append([]byte(nil), deviceCfg...),
	}
	bar.Queues = make([]device.QueueConfig, numQueues)
	for i := 0; i < numQueues; i++ {
		rec := queues[i*queuePersistLen : (i+1)*queuePersistLen]
		bar.Queues[i] = device.QueueConfig{
			Size:       binary.LittleEndian.Uint16(rec[qpOffSize:]),
			Msix:       binary.LittleEndian.Uint16(rec[qpOffMsix:]),
			Enable:     rec[qpOffEnable] != 0,
			NotifyOff:  binary.LittleEndian.Uint16(rec[qpOffNotifyOff:]),
			DescAddr:   binary.LittleEndian.Uint64(rec[qpOffDescAddr:]),
			DriverAddr: binary.LittleEndian.Uint64(rec[qpOffDriverAddr:]),
			DeviceAddr: binary.LittleEndian.Uint64(rec[qpOffDeviceAddr:]),
			HwAvailIdx: binary.LittleEndian.Uint16(rec[qpOffHwAvailIdx:]),
			HwUsedIdx:  binary.LittleEndian.Uint16(rec[qpOffHwUsedIdx:]),
		}
	}

	if class.SetState != nil && len(deviceCfg) > 0 {
		if err := class.SetState(ctx, deviceCfg); err != nil {
			return errkind.Wrap(err, errkind.StateMismatch, "state_restore: class set_state failed")
		}
	}

	c.barPrev = bar.Clone()

	if err := c.startLocked(ctx, device.Attr{BAR: bar}); err != nil {
		return errkind.Wrap(err, errkind.CommandChannelFailure, "state_restore: start")
	}

	if sourceState == StateSuspended {
		if err := c.suspendLocked(); err != nil {
			return err
		}
		// A freshly restored queue has no inflight commands, so it can
		// reach SUSPENDED immediately rather than waiting for a caller
		// to drive IOProgress.
		for _, q := range c.queues {
			if q != nil {
				q.Progress()
			}
		}
		if c.allSuspended() {
			c.state = StateSuspended
		}
	}

	return nil
}
