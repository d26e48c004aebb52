package vmx

import "fmt"

// InstructionError is the value of the VM-instruction error field after a
// VMfailValid.
type InstructionError uint32

var instructionErrors = map[InstructionError]string{
	1:  "VMCALL executed in VMX root operation",
	2:  "VMCLEAR with invalid physical address",
	3:  "VMCLEAR with VMXON pointer",
	4:  "VMLAUNCH with non-clear VMCS",
	5:  "VMRESUME with non-launched VMCS",
	6:  "VMRESUME after VMXOFF",
	7:  "VM entry with invalid control field(s)",
	8:  "VM entry with invalid host-state field(s)",
	9:  "VMPTRLD with invalid physical address",
	10: "VMPTRLD with VMXON pointer",
	11: "VMPTRLD with incorrect VMCS revision identifier",
	12: "VMREAD/VMWRITE from/to unsupported VMCS component",
	13: "VMWRITE to read-only VMCS component",
	15: "VMXON executed in VMX root operation",
	16: "VM entry with invalid executive-VMCS pointer",
	17: "VM entry with non-launched executive VMCS",
	18: "VM entry with executive-VMCS pointer not VMXON pointer",
	19: "VMCALL with non-clear VMCS",
	20: "VMCALL with invalid VM-exit control fields",
	22: "VMCALL with incorrect MSEG revision identifier",
	23: "VMXOFF under dual-monitor treatment of SMIs and SMM",
	24: "VMCALL with invalid SMM-monitor features",
	25: "VM entry with invalid VM-execution control fields in executive VMCS",
	26: "VM entry with events blocked by MOV SS",
	28: "invalid operand to INVEPT/INVVPID",
}

func (e InstructionError) String() string {
	if s, ok := instructionErrors[e]; ok {
		return s
	}
	return fmt.Sprintf("unknown VM-instruction error %d", uint32(e))
}

// Known reports whether e is a documented error number.
func (e InstructionError) Known() bool {
	_, ok := instructionErrors[e]
	return ok
}

// ExitReason is the raw exit-reason field. The low 16 bits are the basic
// exit reason; bit 31 marks a VM-entry failure.
type ExitReason uint32

// Basic exit reasons with dedicated handling or tests.
const (
	ExitExceptionOrNMI  ExitReason = 0
	ExitExternalIntr    ExitReason = 1
	ExitTripleFault     ExitReason = 2
	ExitCPUID           ExitReason = 10
	ExitHLT             ExitReason = 12
	ExitVMCALL          ExitReason = 18
	ExitCRAccess        ExitReason = 28
	ExitIOInstruction   ExitReason = 30
	ExitRDMSR           ExitReason = 31
	ExitWRMSR           ExitReason = 32
	ExitInvalidGuest    ExitReason = 33
	ExitMSRLoading      ExitReason = 34
	ExitMachineCheck    ExitReason = 41
	ExitEPTViolation    ExitReason = 48
	ExitPreemptionTimer ExitReason = 52
)

const exitEntryFailure ExitReason = 1 << 31

var exitReasonNames = [...]string{
	0:  "exception or NMI",
	1:  "external interrupt",
	2:  "triple fault",
	3:  "INIT signal",
	4:  "start-up IPI",
	5:  "I/O SMI",
	6:  "other SMI",
	7:  "interrupt window",
	8:  "NMI window",
	9:  "task switch",
	10: "CPUID",
	11: "GETSEC",
	12: "HLT",
	13: "INVD",
	14: "INVLPG",
	15: "RDPMC",
	16: "RDTSC",
	17: "RSM",
	18: "VMCALL",
	19: "VMCLEAR",
	20: "VMLAUNCH",
	21: "VMPTRLD",
	22: "VMPTRST",
	23: "VMREAD",
	24: "VMRESUME",
	25: "VMWRITE",
	26: "VMXOFF",
	27: "VMXON",
	28: "control-register access",
	29: "MOV DR",
	30: "I/O instruction",
	31: "RDMSR",
	32: "WRMSR",
	33: "VM-entry failure due to invalid guest state",
	34: "VM-entry failure due to MSR loading",
	36: "MWAIT",
	37: "monitor trap flag",
	39: "MONITOR",
	40: "PAUSE",
	41: "VM-entry failure due to machine-check event",
	43: "TPR below threshold",
	44: "APIC access",
	45: "virtualized EOI",
	46: "access to GDTR or IDTR",
	47: "access to LDTR or TR",
	48: "EPT violation",
	49: "EPT misconfiguration",
	50: "INVEPT",
	51: "RDTSCP",
	52: "VMX-preemption timer expired",
	53: "INVVPID",
	54: "WBINVD or WBNOINVD",
	55: "XSETBV",
	56: "APIC write",
	57: "RDRAND",
	58: "INVPCID",
	59: "VMFUNC",
	60: "ENCLS",
	61: "RDSEED",
	62: "page-modification log full",
	63: "XSAVES",
	64: "XRSTORS",
}

// Basic returns the basic exit reason (bits 15:0).
func (r ExitReason) Basic() ExitReason { return r & 0xffff }

// EntryFailure reports whether bit 31 is set.
func (r ExitReason) EntryFailure() bool { return r&exitEntryFailure != 0 }

// Known reports whether the basic exit reason is documented.
func (r ExitReason) Known() bool {
	b := r.Basic()
	return int(b) < len(exitReasonNames) && exitReasonNames[b] != ""
}

func (r ExitReason) String() string {
	b := r.Basic()
	name := fmt.Sprintf("unknown exit reason %d", uint32(b))
	if r.Known() {
		name = exitReasonNames[b]
	}
	if r.EntryFailure() {
		return "entry failure: " + name
	}
	return name
}
