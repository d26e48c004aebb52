// Package arch is the only place that executes VMX instructions or looks at
// the RFLAGS bits they set. Everything above it deals in Status values.
package arch

import "fmt"

// Status is the outcome of a VMX instruction as reported through RFLAGS.
type Status uint8

const (
	// Succeed means CF=0 and ZF=0 (VMsucceed).
	Succeed Status = iota
	// FailInvalid means CF=1: there is no current VMCS to report an error in.
	FailInvalid
	// FailValid means ZF=1: the VM-instruction error field holds the reason.
	FailValid
)

func (s Status) String() string {
	switch s {
	case Succeed:
		return "VMsucceed"
	case FailInvalid:
		return "VMfailInvalid"
	case FailValid:
		return "VMfailValid"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Model-specific registers read by the prober.
const (
	MSRFeatureControl uint32 = 0x3a
	MSRVMXBasic       uint32 = 0x480
	MSRVMXCR0Fixed0   uint32 = 0x486
	MSRVMXCR0Fixed1   uint32 = 0x487
	MSRVMXCR4Fixed0   uint32 = 0x488
	MSRVMXCR4Fixed1   uint32 = 0x489
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLock          uint64 = 1 << 0
	FeatureControlVMXInsideSMX  uint64 = 1 << 1
	FeatureControlVMXOutsideSMX uint64 = 1 << 2
)

// CR4VMXE is the CR4 bit that must be set before VMXON.
const CR4VMXE uint64 = 1 << 13

// CPUIDFeatureVMX is CPUID.1:ECX bit 5.
const CPUIDFeatureVMX uint32 = 1 << 5

// VMCS field encodings the backends themselves need.
const (
	FieldVMInstructionError uint32 = 0x4400
	FieldHostRSP            uint32 = 0x6c14
)

// DefaultMSRDevice is the msr(4) device template; %d is the logical CPU.
const DefaultMSRDevice = "/dev/cpu/%d/msr"

// Identifier answers processor identification queries. It never changes
// processor state.
type Identifier interface {
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
	ReadMSR(msr uint32) (uint64, error)
}

// VMX executes the VMX instruction set on the current logical processor.
//
// Physical addresses passed to VMXON, VMCLEAR and VMPTRLD must reference
// memory that stays resident for as long as the processor may touch it.
type VMX interface {
	ReadCR4() uint64
	VMXON(pa uint64) Status
	VMXOFF() Status
	VMCLEAR(pa uint64) Status
	VMPTRLD(pa uint64) Status
	VMREAD(field uint32) (uint64, Status)
	VMWRITE(field uint32, value uint64) Status
	// VMLAUNCH and VMRESUME return Succeed only after the guest has exited
	// back through HostResumePoint.
	VMLAUNCH() Status
	VMRESUME() Status
	// HostResumePoint is the host RIP that guest exits land on.
	HostResumePoint() uint64
}

// Processor is a backend that can both identify and drive the processor.
type Processor interface {
	Identifier
	VMX
}
