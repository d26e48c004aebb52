package vmx

import (
	"sync/atomic"
	"time"

	"github.com/blacktop/go-vmx/internal/arch"
)

type instrOp int

const (
	opVMXON instrOp = iota
	opVMXOFF
	opVMCLEAR
	opVMPTRLD
	opVMREAD
	opVMWRITE
	opVMLAUNCH
	opVMRESUME
	numInstrOps
)

// Counters for VMX operations, process wide.
var (
	// Instructions executed and how many of them failed, by instrOp.
	instrCount [numInstrOps]uint64
	instrFail  [numInstrOps]uint64

	allocations        uint64
	allocationFailures uint64
	probeFailures      uint64
	affinityViolations uint64
	exits              uint64

	// Time spent inside VMLAUNCH/VMRESUME (nanoseconds).
	totalEntryTime uint64
	entries        uint64
)

// Metrics is a snapshot of the package counters.
type Metrics struct {
	VMXON              uint64 `json:"vmxon"`
	VMXOFF             uint64 `json:"vmxoff"`
	VMCLEAR            uint64 `json:"vmclear"`
	VMPTRLD            uint64 `json:"vmptrld"`
	VMREAD             uint64 `json:"vmread"`
	VMWRITE            uint64 `json:"vmwrite"`
	Launches           uint64 `json:"launches"`
	Resumes            uint64 `json:"resumes"`
	InstructionFails   uint64 `json:"instruction_failures"`
	EntryFailures      uint64 `json:"entry_failures"`
	Exits              uint64 `json:"exits"`
	Allocations        uint64 `json:"allocations"`
	AllocationFailures uint64 `json:"allocation_failures"`
	ProbeFailures      uint64 `json:"probe_failures"`
	AffinityViolations uint64 `json:"affinity_violations"`
	AvgEntryTimeNs     uint64 `json:"avg_entry_time_ns"`
}

// GetMetrics returns current counters
func GetMetrics() Metrics {
	m := Metrics{
		VMXON:              atomic.LoadUint64(&instrCount[opVMXON]),
		VMXOFF:             atomic.LoadUint64(&instrCount[opVMXOFF]),
		VMCLEAR:            atomic.LoadUint64(&instrCount[opVMCLEAR]),
		VMPTRLD:            atomic.LoadUint64(&instrCount[opVMPTRLD]),
		VMREAD:             atomic.LoadUint64(&instrCount[opVMREAD]),
		VMWRITE:            atomic.LoadUint64(&instrCount[opVMWRITE]),
		Launches:           atomic.LoadUint64(&instrCount[opVMLAUNCH]),
		Resumes:            atomic.LoadUint64(&instrCount[opVMRESUME]),
		EntryFailures:      atomic.LoadUint64(&instrFail[opVMLAUNCH]) + atomic.LoadUint64(&instrFail[opVMRESUME]),
		Exits:              atomic.LoadUint64(&exits),
		Allocations:        atomic.LoadUint64(&allocations),
		AllocationFailures: atomic.LoadUint64(&allocationFailures),
		ProbeFailures:      atomic.LoadUint64(&probeFailures),
		AffinityViolations: atomic.LoadUint64(&affinityViolations),
	}
	for i := range instrFail {
		m.InstructionFails += atomic.LoadUint64(&instrFail[i])
	}
	if n := atomic.LoadUint64(&entries); n > 0 {
		m.AvgEntryTimeNs = atomic.LoadUint64(&totalEntryTime) / n
	}
	return m
}

// ResetMetrics clears all counters
func ResetMetrics() {
	for i := range instrCount {
		atomic.StoreUint64(&instrCount[i], 0)
		atomic.StoreUint64(&instrFail[i], 0)
	}
	atomic.StoreUint64(&allocations, 0)
	atomic.StoreUint64(&allocationFailures, 0)
	atomic.StoreUint64(&probeFailures, 0)
	atomic.StoreUint64(&affinityViolations, 0)
	atomic.StoreUint64(&exits, 0)
	atomic.StoreUint64(&totalEntryTime, 0)
	atomic.StoreUint64(&entries, 0)
}

func recordInstruction(op instrOp, st arch.Status) {
	atomic.AddUint64(&instrCount[op], 1)
	if st != arch.Succeed {
		atomic.AddUint64(&instrFail[op], 1)
	}
}

func recordEntryTime(d time.Duration) {
	atomic.AddUint64(&entries, 1)
	atomic.AddUint64(&totalEntryTime, uint64(d.Nanoseconds()))
}

func recordAllocation() {
	atomic.AddUint64(&allocations, 1)
}

func recordAllocationFailure() {
	atomic.AddUint64(&allocationFailures, 1)
}

func recordProbeFailure() {
	atomic.AddUint64(&probeFailures, 1)
}

func recordAffinityViolation() {
	atomic.AddUint64(&affinityViolations, 1)
}

func recordExit() {
	atomic.AddUint64(&exits, 1)
}
