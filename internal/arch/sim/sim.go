// Package sim is a software model of a single logical processor with VMX.
//
// It follows the instruction semantics closely enough to exercise the state
// machine above it: VMfailInvalid versus VMfailValid, VM-instruction error
// numbers, launch state of each VMCS, and revision identifier checks. Every
// instruction executed is counted so callers can assert that a code path did
// or did not reach the processor.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/blacktop/go-vmx/internal/arch"
)

// PageSize is the size of every simulated page.
const PageSize = 4096

// Op names an instruction for the execution counters.
type Op string

const (
	OpCPUID    Op = "cpuid"
	OpRDMSR    Op = "rdmsr"
	OpReadCR4  Op = "readcr4"
	OpVMXON    Op = "vmxon"
	OpVMXOFF   Op = "vmxoff"
	OpVMCLEAR  Op = "vmclear"
	OpVMPTRLD  Op = "vmptrld"
	OpVMREAD   Op = "vmread"
	OpVMWRITE  Op = "vmwrite"
	OpVMLAUNCH Op = "vmlaunch"
	OpVMRESUME Op = "vmresume"
)

// Field encodings the model interprets.
const (
	fieldInstructionError  uint32 = 0x4400
	fieldExitReason        uint32 = 0x4402
	fieldExitInstrLength   uint32 = 0x440c
	fieldExitQualification uint32 = 0x6400
	fieldGuestRSP          uint32 = 0x681c
	fieldGuestRIP          uint32 = 0x681e
	fieldGuestRFLAGS       uint32 = 0x6820
	fieldHostRIP           uint32 = 0x6c16
)

// VM-instruction error numbers produced by the model.
const (
	errVMCLEARInvalidAddress = 2
	errVMCLEARVMXONPointer   = 3
	errVMLAUNCHNonClear      = 4
	errVMRESUMENonLaunched   = 5
	errEntryInvalidHostState = 8
	errVMPTRLDInvalidAddress = 9
	errVMPTRLDVMXONPointer   = 10
	errVMPTRLDBadRevision    = 11
	errUnsupportedComponent  = 12
	errVMWRITEReadOnly       = 13
	errVMXONInRootOperation  = 15
)

// HostResumePoint is the fixed host RIP reported by the model.
const HostResumePoint uint64 = 0xffffffff81000000

// Exit reason numbers used by the default guests.
const (
	ExitReasonCPUID uint32 = 10
	ExitReasonHLT   uint32 = 12
)

// GuestState is the guest register state visible to a Guest.
type GuestState struct {
	RIP    uint64
	RSP    uint64
	RFLAGS uint64
	// Entries counts successful VM entries into this VMCS so far, including
	// the current one.
	Entries int
}

// Exit describes how the guest left.
type Exit struct {
	Reason            uint32
	Qualification     uint64
	InstructionLength uint64
}

// Guest runs the guest from the given state until it exits. It may modify
// the state; the result is written back into the guest-state area.
type Guest func(*GuestState) Exit

// HaltGuest exits on a HLT at its entry point. Like the hardware, the
// reported RIP is that of the exiting instruction.
func HaltGuest(g *GuestState) Exit {
	return Exit{Reason: ExitReasonHLT, InstructionLength: 1}
}

// CPUIDThenHaltGuest traps on a CPUID at its entry point on the first
// entry, then on a HLT at whatever RIP the host resumes it at.
func CPUIDThenHaltGuest(g *GuestState) Exit {
	if g.Entries == 1 {
		return Exit{Reason: ExitReasonCPUID, InstructionLength: 2}
	}
	return HaltGuest(g)
}

// Config describes the simulated processor.
type Config struct {
	// VMX sets CPUID.1:ECX.VMX.
	VMX bool
	// MSRs holds the readable model-specific registers. Reading any other
	// MSR fails.
	MSRs map[uint32]uint64
	// CR4 is the value of CR4.
	CR4 uint64
	// Guest runs on every successful VM entry.
	Guest Guest
	// EntryError, when non-zero, makes every VM entry fail with this
	// VM-instruction error.
	EntryError uint32
	// Misalign is added to every physical address handed out by AllocPages.
	Misalign uint64
	// FailAllocation makes AllocPages fail.
	FailAllocation bool
}

// Revision is the VMCS revision identifier of the default configuration.
const Revision uint32 = 0x12

// DefaultConfig is a VMX-capable processor with VMX enabled by firmware and
// CR4.VMXE set.
func DefaultConfig() Config {
	return Config{
		VMX: true,
		MSRs: map[uint32]uint64{
			arch.MSRFeatureControl: arch.FeatureControlLock | arch.FeatureControlVMXOutsideSMX,
			// Revision, 4 KiB regions, write-back memory type.
			arch.MSRVMXBasic: uint64(Revision) | PageSize<<32 | 6<<50,
		},
		CR4:   arch.CR4VMXE,
		Guest: HaltGuest,
	}
}

type vmcs struct {
	launched bool
	entries  int
	fields   map[uint32]uint64
}

// Processor is a simulated logical processor. It implements arch.Processor
// and hands out the physical pages it will accept as VMX regions.
type Processor struct {
	mu  sync.Mutex
	cfg Config

	root       bool
	vmxonPA    uint64
	current    *vmcs
	currentPA  uint64
	structures map[uint64]*vmcs

	pages  map[uint64][]byte
	nextPA uint64

	counts      map[Op]int
	faults      int
	allocations int
}

// New returns a simulated processor.
func New(cfg Config) *Processor {
	if cfg.Guest == nil {
		cfg.Guest = HaltGuest
	}
	return &Processor{
		cfg:        cfg,
		structures: make(map[uint64]*vmcs),
		pages:      make(map[uint64][]byte),
		nextPA:     0x100000,
		counts:     make(map[Op]int),
	}
}

// Count returns how many times op was executed.
func (p *Processor) Count(op Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[op]
}

// Executed returns how many VMX instructions (VMXON through VMRESUME) ran.
func (p *Processor) Executed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for op, c := range p.counts {
		switch op {
		case OpCPUID, OpRDMSR, OpReadCR4:
		default:
			n += c
		}
	}
	return n
}

// Faults returns how many instructions would have raised #UD or #GP.
func (p *Processor) Faults() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.faults
}

// Allocations returns how many times AllocPages was called.
func (p *Processor) Allocations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocations
}

// InRootOperation reports whether VMXON has succeeded without a VMXOFF.
func (p *Processor) InRootOperation() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root
}

// Launched reports the launch state of the VMCS at pa.
func (p *Processor) Launched(pa uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.structures[pa]
	return ok && s.launched
}

// SetCR4 changes CR4, as the privileged helper would.
func (p *Processor) SetCR4(v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.CR4 = v
}

// ErrAllocation is returned by AllocPages when Config.FailAllocation is set.
var ErrAllocation = errors.New("sim: out of physical pages")

// AllocPages returns n zeroed pages whose first byte is page aligned in
// both the host and the simulated physical address space (plus
// Config.Misalign).
func (p *Processor) AllocPages(n int) ([]byte, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocations++
	if p.cfg.FailAllocation || n <= 0 {
		return nil, 0, ErrAllocation
	}
	size := n * PageSize
	buf := make([]byte, size+PageSize)
	off := 0
	if r := int(addrOf(buf) % PageSize); r != 0 {
		off = PageSize - r
	}
	mem := buf[off : off+size : off+size]

	pa := p.nextPA + p.cfg.Misalign
	p.nextPA += uint64(size)
	p.pages[pa] = mem
	return mem, pa, nil
}

// FreePages releases pages returned by AllocPages.
func (p *Processor) FreePages(mem []byte, pa uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pages[pa]; !ok {
		return fmt.Errorf("sim: free of unknown physical address %#x", pa)
	}
	delete(p.pages, pa)
	delete(p.structures, pa)
	return nil
}

// CPUID implements arch.Identifier.CPUID.
func (p *Processor) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[OpCPUID]++
	switch leaf {
	case 0:
		// "GenuineIntel"
		return 1, 0x756e6547, 0x6c65746e, 0x49656e69
	case 1:
		if p.cfg.VMX {
			ecx |= arch.CPUIDFeatureVMX
		}
		return 0x000906ea, 0, ecx, 0
	}
	return 0, 0, 0, 0
}

// ReadMSR implements arch.Identifier.ReadMSR.
func (p *Processor) ReadMSR(msr uint32) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[OpRDMSR]++
	v, ok := p.cfg.MSRs[msr]
	if !ok {
		p.faults++
		return 0, fmt.Errorf("sim: #GP reading MSR %#x", msr)
	}
	return v, nil
}

// ReadCR4 implements arch.VMX.ReadCR4.
func (p *Processor) ReadCR4() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[OpReadCR4]++
	return p.cfg.CR4
}

func (p *Processor) revision() uint32 {
	return uint32(p.cfg.MSRs[arch.MSRVMXBasic]) & 0x7fffffff
}

// page returns the memory at pa if it is a known, aligned page.
func (p *Processor) page(pa uint64) ([]byte, bool) {
	if pa%PageSize != 0 {
		return nil, false
	}
	mem, ok := p.pages[pa]
	return mem, ok
}

func (p *Processor) stamped(mem []byte) bool {
	return binary.LittleEndian.Uint32(mem)&0x7fffffff == p.revision()
}

// fault models an instruction that raises an exception instead of setting
// flags. The real processor never returns; the model reports VMfailInvalid.
func (p *Processor) fault() arch.Status {
	p.faults++
	return arch.FailInvalid
}

// fail models VMfail: VMfailValid with an error number when there is a
// current VMCS, VMfailInvalid otherwise.
func (p *Processor) fail(code uint32) arch.Status {
	if p.current == nil {
		return arch.FailInvalid
	}
	p.current.fields[fieldInstructionError] = uint64(code)
	return arch.FailValid
}

// VMXON implements arch.VMX.VMXON.
func (p *Processor) VMXON(pa uint64) arch.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[OpVMXON]++
	if p.cfg.CR4&arch.CR4VMXE == 0 {
		return p.fault()
	}
	fc := p.cfg.MSRs[arch.MSRFeatureControl]
	if fc&arch.FeatureControlLock == 0 || fc&arch.FeatureControlVMXOutsideSMX == 0 {
		return p.fault()
	}
	if p.root {
		return p.fail(errVMXONInRootOperation)
	}
	mem, ok := p.page(pa)
	if !ok || !p.stamped(mem) {
		return arch.FailInvalid
	}
	p.root = true
	p.vmxonPA = pa
	return arch.Succeed
}

// VMXOFF implements arch.VMX.VMXOFF.
func (p *Processor) VMXOFF() arch.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[OpVMXOFF]++
	if !p.root {
		return p.fault()
	}
	p.root = false
	p.vmxonPA = 0
	p.current = nil
	p.currentPA = 0
	return arch.Succeed
}

// VMCLEAR implements arch.VMX.VMCLEAR.
func (p *Processor) VMCLEAR(pa uint64) arch.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[OpVMCLEAR]++
	if !p.root {
		return p.fault()
	}
	if _, ok := p.page(pa); !ok {
		return p.fail(errVMCLEARInvalidAddress)
	}
	if pa == p.vmxonPA {
		return p.fail(errVMCLEARVMXONPointer)
	}
	s := p.structure(pa)
	s.launched = false
	if p.currentPA == pa {
		p.current = nil
		p.currentPA = 0
	}
	return arch.Succeed
}

func (p *Processor) structure(pa uint64) *vmcs {
	s, ok := p.structures[pa]
	if !ok {
		s = &vmcs{fields: make(map[uint32]uint64)}
		p.structures[pa] = s
	}
	return s
}

// VMPTRLD implements arch.VMX.VMPTRLD.
func (p *Processor) VMPTRLD(pa uint64) arch.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[OpVMPTRLD]++
	if !p.root {
		return p.fault()
	}
	mem, ok := p.page(pa)
	if !ok {
		return p.fail(errVMPTRLDInvalidAddress)
	}
	if pa == p.vmxonPA {
		return p.fail(errVMPTRLDVMXONPointer)
	}
	if !p.stamped(mem) {
		return p.fail(errVMPTRLDBadRevision)
	}
	p.current = p.structure(pa)
	p.currentPA = pa
	return arch.Succeed
}

// supported reports whether field is a well-formed encoding: bits 31:15 and
// bit 12 clear, and a high-access encoding only for 64-bit fields.
func supported(field uint32) bool {
	if field&^0x7fff != 0 || field&(1<<12) != 0 {
		return false
	}
	if field&1 != 0 && (field>>13)&3 != 1 {
		return false
	}
	return true
}

func readOnly(field uint32) bool {
	return (field>>10)&3 == 1
}

// VMREAD implements arch.VMX.VMREAD.
func (p *Processor) VMREAD(field uint32) (uint64, arch.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[OpVMREAD]++
	if !p.root {
		return 0, p.fault()
	}
	if p.current == nil {
		return 0, arch.FailInvalid
	}
	if !supported(field) {
		return 0, p.fail(errUnsupportedComponent)
	}
	return p.current.fields[field], arch.Succeed
}

// VMWRITE implements arch.VMX.VMWRITE.
func (p *Processor) VMWRITE(field uint32, value uint64) arch.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[OpVMWRITE]++
	if !p.root {
		return p.fault()
	}
	if p.current == nil {
		return arch.FailInvalid
	}
	if !supported(field) {
		return p.fail(errUnsupportedComponent)
	}
	if readOnly(field) {
		return p.fail(errVMWRITEReadOnly)
	}
	p.current.fields[field] = value
	return arch.Succeed
}

// VMLAUNCH implements arch.VMX.VMLAUNCH.
func (p *Processor) VMLAUNCH() arch.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[OpVMLAUNCH]++
	if !p.root {
		return p.fault()
	}
	if p.current == nil {
		return arch.FailInvalid
	}
	if p.current.launched {
		return p.fail(errVMLAUNCHNonClear)
	}
	return p.enter()
}

// VMRESUME implements arch.VMX.VMRESUME.
func (p *Processor) VMRESUME() arch.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[OpVMRESUME]++
	if !p.root {
		return p.fault()
	}
	if p.current == nil {
		return arch.FailInvalid
	}
	if !p.current.launched {
		return p.fail(errVMRESUMENonLaunched)
	}
	return p.enter()
}

// enter performs the VM-entry checks the model knows about, runs the guest
// and records the exit.
func (p *Processor) enter() arch.Status {
	s := p.current
	if p.cfg.EntryError != 0 {
		return p.fail(p.cfg.EntryError)
	}
	if s.fields[fieldHostRIP] == 0 {
		return p.fail(errEntryInvalidHostState)
	}
	s.launched = true
	s.entries++

	g := GuestState{
		RIP:     s.fields[fieldGuestRIP],
		RSP:     s.fields[fieldGuestRSP],
		RFLAGS:  s.fields[fieldGuestRFLAGS],
		Entries: s.entries,
	}
	exit := p.cfg.Guest(&g)

	s.fields[fieldGuestRIP] = g.RIP
	s.fields[fieldGuestRSP] = g.RSP
	s.fields[fieldGuestRFLAGS] = g.RFLAGS
	s.fields[fieldExitReason] = uint64(exit.Reason)
	s.fields[fieldExitQualification] = exit.Qualification
	s.fields[fieldExitInstrLength] = exit.InstructionLength
	return arch.Succeed
}

// HostResumePoint implements arch.VMX.HostResumePoint.
func (p *Processor) HostResumePoint() uint64 {
	return HostResumePoint
}
