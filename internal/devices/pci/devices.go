package pci

import (
	"github.com/tinyrange/rvaia/internal/mmio"
)

// Identifiers used by QEMU's generic PCI devices.
const (
	VendorRedHat   = 0x1b36
	DeviceBridge   = 0x0001
	DeviceGPEXHost = 0x0008
	DeviceNVMe     = 0x0010
)

// NewBridge builds a PCI-to-PCI bridge function.
func NewBridge(name string) *Function {
	f, err := NewFunction(name, FunctionConfig{
		VendorID:   VendorRedHat,
		DeviceID:   DeviceBridge,
		Class:      0x060400,
		HeaderType: HeaderBridge,
	})
	if err != nil {
		panic(err)
	}
	return f
}

// NVMe register offsets within BAR0.
const (
	NVMeCAP  = 0x00
	NVMeVS   = 0x08
	NVMeCC   = 0x14
	NVMeCSTS = 0x1C

	nvmeBARSize     = 0x4000
	nvmeTableOffset = 0x2000
	nvmePBAOffset   = 0x3000
	nvmeVectors     = 16
)

// Default controller identity: MQES 2047, contiguous queues required,
// 7.5 s timeout, NVM command set; version 1.4.0.
const (
	DefaultNVMeCAP = 1<<37 | 0x0F<<24 | 1<<16 | 0x07FF
	DefaultNVMeVS  = 0x0001_0400
)

// NVMe is a storage controller exposing the NVMe register file on a 64-bit
// BAR0 with its MSI-X table and PBA in the same BAR.
type NVMe struct {
	*Function
	regs *mmio.Region
}

// NewNVMe builds a controller reporting capabilities capReg and version vs.
func NewNVMe(name string, capReg uint64, vs uint32) *NVMe {
	regs := mmio.NewRegion(nvmeBARSize)
	_ = regs.Write(NVMeCAP, 8, capReg)
	_ = regs.Write(NVMeVS, 4, uint64(vs))
	f, err := NewFunction(name, FunctionConfig{
		VendorID: VendorRedHat,
		DeviceID: DeviceNVMe,
		Class:    0x010802,
		BARs: [6]*BAR{
			0: {Size: nvmeBARSize, Kind: Mem64, Region: nvmeRegs{regs}},
		},
		ExtraCaps: []uint8{capPowerManagement},
		MSIX: &MSIXConfig{
			TableSize:   nvmeVectors,
			BAR:         0,
			TableOffset: nvmeTableOffset,
			PBAOffset:   nvmePBAOffset,
		},
	})
	if err != nil {
		panic(err)
	}
	return &NVMe{Function: f, regs: regs}
}

const capPowerManagement = 0x01

// nvmeRegs makes CAP and VS read-only.
type nvmeRegs struct {
	r *mmio.Region
}

func (n nvmeRegs) Size() uint64 { return n.r.Size() }

func (n nvmeRegs) Read(offset uint64, size int) (uint64, error) {
	return n.r.Read(offset, size)
}

func (n nvmeRegs) Write(offset uint64, size int, value uint64) error {
	if offset < NVMeVS+4 {
		return nil
	}
	return n.r.Write(offset, size, value)
}
