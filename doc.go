// Package vmx brings up Intel VMX on one logical processor and runs a
// minimal guest from a single VMCS.
//
// It probes the processor, enters VMX root operation, loads and populates a
// control structure, launches the guest and dispatches its exits, then
// clears the control structure and leaves VMX operation again.
//
// # Requirements
//
//   - x86-64 with VMX, enabled by firmware in IA32_FEATURE_CONTROL
//   - CR4.VMXE set by the host kernel
//   - CPL 0 for the native backend; the sim backend runs anywhere
//
// # Basic Usage
//
// Check if VMX is usable:
//
//	supported, err := vmx.Supported()
//	if err != nil || !supported {
//		log.Fatal("VMX not supported on this system:", err)
//	}
//
// Pin to a logical processor. Every VMX instruction that follows must run on
// the same one, and the returned handle refuses to be used from any other
// thread:
//
//	lp, err := vmx.AcquireCurrentProcessor()
//	if err != nil {
//		log.Fatal("Failed to pin:", err)
//	}
//	defer lp.Release()
//
// Run a guest end to end:
//
//	res, err := vmx.Run(ctx, lp, cpu, vmx.MmapSource{}, vmx.Config{
//		Guest: vmx.GuestContext{GuestRIP: 0x1000, GuestRSP: 0x8000},
//	})
//	if err != nil {
//		log.Fatal("Run failed:", err)
//	}
//	fmt.Println(res.Run.Outcome)
//
// Or drive the pieces yourself:
//
//	ctl, report, err := vmx.Enable(lp, cpu, pages)
//	region, err := vmx.Allocate(pages, report.Revision)
//	cs := vmx.NewControlStructure(region)
//	m := vmx.NewManager(ctl)
//	err = m.Load(cs)
//	err = m.Populate(&guest)
//	out, err := vmx.NewEngine(m, nil).Launch(true)
//
// # Error Handling
//
// Errors are *VMXError values carrying an ErrorCode, the operation, the
// instruction status flag and, after VMfailValid, the VM-instruction error.
// Compare against the sentinels with errors.Is:
//
//	if errors.Is(err, vmx.ErrLockedOut) {
//		// enable VMX in the firmware setup
//	}
//
// # Resource Management
//
// Regions must be freed with Free once the processor no longer references
// them; Free refuses while a region is in use. Controller.Exit clears every
// active control structure before VMXOFF. Finalizers release pages that were
// never freed.
//
// # Platform Support
//
// Pinning, physical page allocation and the native backend are Linux amd64
// only. Other platforms return "unsupported" errors.
package vmx
