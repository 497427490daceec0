// Package device implements the device-object layer: the Context that
// owns PF slots per emulation class, hotplug of PFs, and the per-device
// query/modify/init/teardown operations against the command channel,
// including the BAR shadow and its modifiable-field mask.
//
// The Context owns the per-class PF slot tables; Devices are opened
// against a slot and talk to firmware through the command channel.
package device

// Class identifies which emulation a PF/VF slot belongs to.
type Class string

const (
	ClassBlock Class = "block"
	ClassNet   Class = "net"
	ClassFS    Class = "fs"
	ClassNVMe  Class = "nvme"
)

// PCIType is the pci_type configuration field: which PCI personality
// the BAR/config space presents as.
type PCIType string

const (
	PCITypeVirtioBlkPF PCIType = "VIRTIO_BLK_PF"
	PCITypeVirtioBlkVF PCIType = "VIRTIO_BLK_VF"
	PCITypeVirtioNetPF PCIType = "VIRTIO_NET_PF"
	PCITypeVirtioNetVF PCIType = "VIRTIO_NET_VF"
	PCITypeVirtioFsPF  PCIType = "VIRTIO_FS_PF"
	PCITypeVirtioFsVF  PCIType = "VIRTIO_FS_VF"
	PCITypeNVMePF      PCIType = "NVME_PF"
	PCITypeNVMeVF      PCIType = "NVME_VF"
)
