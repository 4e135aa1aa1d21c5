package aplic

import "unsafe"

// domainRegisters is the memory layout of one APLIC interrupt domain.
// Every field is 32 bits wide or a byte span, so the Go layout has no
// implicit padding and unsafe.Offsetof yields the hardware offsets.
// Source i (1..1023) lives at index i-1 of SourceCfg and Target.
type domainRegisters struct {
	DomainCfg uint32
	SourceCfg [1023]uint32
	_         [0xBC0]byte

	MMSIAddrCfg  uint32
	MMSIAddrCfgH uint32
	SMSIAddrCfg  uint32
	SMSIAddrCfgH uint32
	_            [0x30]byte

	SetIP    [32]uint32
	_        [92]byte
	SetIPNum uint32
	_        [0x20]byte

	InClrIP  [32]uint32
	_        [92]byte
	ClrIPNum uint32
	_        [0x20]byte

	SetIE    [32]uint32
	_        [92]byte
	SetIENum uint32
	_        [0x20]byte

	ClrIE    [32]uint32
	_        [92]byte
	ClrIENum uint32
	_        [0x20]byte

	SetIPNumLE uint32
	SetIPNumBE uint32
	_          [4088]byte

	GenMSI uint32
	Target [1023]uint32
}

var regs domainRegisters

const (
	offDomainCfg    = unsafe.Offsetof(regs.DomainCfg)
	offSourceCfg    = unsafe.Offsetof(regs.SourceCfg)
	offMMSIAddrCfg  = unsafe.Offsetof(regs.MMSIAddrCfg)
	offMMSIAddrCfgH = unsafe.Offsetof(regs.MMSIAddrCfgH)
	offSMSIAddrCfg  = unsafe.Offsetof(regs.SMSIAddrCfg)
	offSMSIAddrCfgH = unsafe.Offsetof(regs.SMSIAddrCfgH)
	offSetIP        = unsafe.Offsetof(regs.SetIP)
	offSetIPNum     = unsafe.Offsetof(regs.SetIPNum)
	offInClrIP      = unsafe.Offsetof(regs.InClrIP)
	offClrIPNum     = unsafe.Offsetof(regs.ClrIPNum)
	offSetIE        = unsafe.Offsetof(regs.SetIE)
	offSetIENum     = unsafe.Offsetof(regs.SetIENum)
	offClrIE        = unsafe.Offsetof(regs.ClrIE)
	offClrIENum     = unsafe.Offsetof(regs.ClrIENum)
	offSetIPNumLE   = unsafe.Offsetof(regs.SetIPNumLE)
	offSetIPNumBE   = unsafe.Offsetof(regs.SetIPNumBE)
	offGenMSI       = unsafe.Offsetof(regs.GenMSI)
	offTarget       = unsafe.Offsetof(regs.Target)

	// DomainSize is the register window of a domain without IDCs.
	DomainSize = unsafe.Sizeof(regs)
)

// Interrupt delivery control block, one per hart, present in direct mode.
type idcRegisters struct {
	IDelivery  uint32
	IForce     uint32
	IThreshold uint32
	_          [0x18 - 0x0C]byte
	TopI       uint32
	ClaimI     uint32
}

var idcRegs idcRegisters

const (
	idcBase   = 0x4000
	idcStride = 0x20

	offIDelivery  = unsafe.Offsetof(idcRegs.IDelivery)
	offIForce     = unsafe.Offsetof(idcRegs.IForce)
	offIThreshold = unsafe.Offsetof(idcRegs.IThreshold)
	offTopI       = unsafe.Offsetof(idcRegs.TopI)
	offClaimI     = unsafe.Offsetof(idcRegs.ClaimI)
)

func sourceCfgOffset(id uint32) uint64 {
	return uint64(offSourceCfg) + 4*uint64(id-1)
}

func targetOffset(id uint32) uint64 {
	return uint64(offTarget) + 4*uint64(id-1)
}

func idcOffset(hart int) uint64 {
	return idcBase + uint64(hart)*idcStride
}
