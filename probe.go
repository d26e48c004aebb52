package vmx

import (
	"fmt"

	"github.com/blacktop/go-vmx/internal/arch"
	"github.com/sirupsen/logrus"
)

// CapabilityReport is what Probe learned about the logical processor.
type CapabilityReport struct {
	// VMX is CPUID.1:ECX[5].
	VMX bool `json:"vmx"`
	// FeatureControl is the raw IA32_FEATURE_CONTROL value.
	FeatureControl uint64 `json:"feature_control"`
	// Locked is IA32_FEATURE_CONTROL bit 0.
	Locked bool `json:"locked"`
	// EnabledOutsideSMX is IA32_FEATURE_CONTROL bit 2.
	EnabledOutsideSMX bool `json:"vmx_outside_smx"`
	// Revision is IA32_VMX_BASIC bits 30:0, the identifier every VMXON
	// region and VMCS must start with.
	Revision uint32 `json:"revision"`
	// RegionSize is IA32_VMX_BASIC bits 44:32.
	RegionSize uint32 `json:"region_size"`
	// PhysAddr32 is IA32_VMX_BASIC bit 48: region addresses are limited to
	// 32 bits.
	PhysAddr32 bool `json:"phys_addr_32"`
	// MemoryType is IA32_VMX_BASIC bits 53:50 (6 is write-back).
	MemoryType uint8 `json:"memory_type"`
	// TrueControls is IA32_VMX_BASIC bit 55.
	TrueControls bool `json:"true_controls"`
}

func decodeBasic(r *CapabilityReport, basic uint64) {
	r.Revision = uint32(basic) & 0x7fffffff
	r.RegionSize = uint32(basic>>32) & 0x1fff
	r.PhysAddr32 = basic&(1<<48) != 0
	r.MemoryType = uint8(basic>>50) & 0xf
	r.TrueControls = basic&(1<<55) != 0
}

// Probe checks that the processor implements VMX and that firmware has not
// locked it off. It only reads identification registers.
//
// A processor without the CPUID bit yields ErrUnsupported. A locked
// IA32_FEATURE_CONTROL with VMX-outside-SMX clear yields ErrLockedOut: the
// fix is a firmware setting, not a fallback.
func Probe(id arch.Identifier, opts ...Option) (CapabilityReport, error) {
	o := newOptions(opts)
	var r CapabilityReport

	_, _, ecx, _ := id.CPUID(1, 0)
	r.VMX = ecx&arch.CPUIDFeatureVMX != 0
	if !r.VMX {
		recordProbeFailure()
		return r, &VMXError{Code: CodeUnsupported, Op: "probe"}
	}

	fc, err := id.ReadMSR(arch.MSRFeatureControl)
	if err != nil {
		recordProbeFailure()
		return r, &VMXError{Code: CodeUnsupported, Op: "probe", Err: fmt.Errorf("read IA32_FEATURE_CONTROL: %w", err)}
	}
	r.FeatureControl = fc
	r.Locked = fc&arch.FeatureControlLock != 0
	r.EnabledOutsideSMX = fc&arch.FeatureControlVMXOutsideSMX != 0
	if r.Locked && !r.EnabledOutsideSMX {
		recordProbeFailure()
		return r, &VMXError{Code: CodeLockedOut, Op: "probe"}
	}

	basic, err := id.ReadMSR(arch.MSRVMXBasic)
	if err != nil {
		recordProbeFailure()
		return r, &VMXError{Code: CodeUnsupported, Op: "probe", Err: fmt.Errorf("read IA32_VMX_BASIC: %w", err)}
	}
	decodeBasic(&r, basic)

	o.log.WithFields(logrus.Fields{
		"vmx":             r.VMX,
		"feature_control": fmt.Sprintf("%#x", r.FeatureControl),
		"locked":          r.Locked,
		"vmx_outside_smx": r.EnabledOutsideSMX,
		"revision":        fmt.Sprintf("%#x", r.Revision),
		"region_size":     r.RegionSize,
	}).Info("capability detected")
	return r, nil
}
