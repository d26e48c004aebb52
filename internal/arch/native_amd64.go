//go:build amd64

package arch

import "errors"

// ErrNotRing0 is returned by NewNative when the caller is not running at CPL 0.
var ErrNotRing0 = errors.New("arch: VMX instructions require CPL 0")

// cpuid executes CPUID. It is legal at any privilege level.
func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// rdmsr executes RDMSR.
func rdmsr(msr uint32) uint64

// readCR4 reads the current CR4 value.
func readCR4() uint64

// readCS returns the current code segment selector.
func readCS() uint16

// The VMX stubs below return the Status encoding directly: 0 for success, 1
// when CF was set and 2 when ZF was set.
func vmxon(pa uint64) uint8
func vmxoff() uint8
func vmclear(pa uint64) uint8
func vmptrld(pa uint64) uint8
func vmread(field uint64) (value uint64, status uint8)
func vmwrite(field, value uint64) uint8

// vmlaunch and vmresume store the stack pointer into the host RSP field and
// enter the guest. They return through vmexit when the guest exits.
func vmlaunch() uint8
func vmresume() uint8

// vmexit is the host RIP for guest exits. It is never called from Go.
func vmexit()

// addrOfVMExit returns the ABI0 address of vmexit.
//
// Go references to assembly functions resolve to an ABIInternal wrapper, so
// the address must be taken from assembly.
func addrOfVMExit() uintptr

// Native executes the real instructions on the current logical processor.
//
// The host RFLAGS loaded on every exit has IF clear, so callers run with
// interrupts disabled from the first launch until they re-enable them.
type Native struct{}

// NewNative returns the native backend. It refuses to run outside ring 0,
// where every VMX instruction raises #UD or #GP.
func NewNative() (*Native, error) {
	if readCS()&3 != 0 {
		return nil, ErrNotRing0
	}
	return &Native{}, nil
}

// CPUID implements Identifier.CPUID.
func (*Native) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuid(leaf, subleaf)
}

// ReadMSR implements Identifier.ReadMSR.
func (*Native) ReadMSR(msr uint32) (uint64, error) {
	return rdmsr(msr), nil
}

// ReadCR4 implements VMX.ReadCR4.
func (*Native) ReadCR4() uint64 { return readCR4() }

// VMXON implements VMX.VMXON.
func (*Native) VMXON(pa uint64) Status { return Status(vmxon(pa)) }

// VMXOFF implements VMX.VMXOFF.
func (*Native) VMXOFF() Status { return Status(vmxoff()) }

// VMCLEAR implements VMX.VMCLEAR.
func (*Native) VMCLEAR(pa uint64) Status { return Status(vmclear(pa)) }

// VMPTRLD implements VMX.VMPTRLD.
func (*Native) VMPTRLD(pa uint64) Status { return Status(vmptrld(pa)) }

// VMREAD implements VMX.VMREAD.
func (*Native) VMREAD(field uint32) (uint64, Status) {
	v, s := vmread(uint64(field))
	return v, Status(s)
}

// VMWRITE implements VMX.VMWRITE.
func (*Native) VMWRITE(field uint32, value uint64) Status {
	return Status(vmwrite(uint64(field), value))
}

// VMLAUNCH implements VMX.VMLAUNCH.
func (*Native) VMLAUNCH() Status { return Status(vmlaunch()) }

// VMRESUME implements VMX.VMRESUME.
func (*Native) VMRESUME() Status { return Status(vmresume()) }

// HostResumePoint implements VMX.HostResumePoint.
func (*Native) HostResumePoint() uint64 { return uint64(addrOfVMExit()) }
