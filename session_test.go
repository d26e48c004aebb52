package vmx

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/blacktop/go-vmx/internal/arch"
	"github.com/blacktop/go-vmx/internal/arch/sim"
)

func TestRun(t *testing.T) {
	f := newFixture(t, sim.DefaultConfig())

	res, err := Run(context.Background(), f.lp, f.cpu, f.cpu,
		Config{Guest: GuestContext{GuestRIP: 0x1000, GuestRSP: 0x8000}}, f.opts...)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != Terminated {
		t.Errorf("State = %s, want Terminated", res.State)
	}
	if f.cpu.InRootOperation() {
		t.Error("processor left in root operation")
	}
	if res.Report.Revision != sim.Revision {
		t.Errorf("Report.Revision = %#x, want %#x", res.Report.Revision, sim.Revision)
	}
	if res.Run == nil || res.Run.Outcome.Kind != OutcomeExited || !res.Run.Outcome.ExitReason.Known() {
		t.Fatalf("Run = %+v, want an exit with a decodable reason", res.Run)
	}
	if res.Guest.HostRIP != sim.HostResumePoint || res.Guest.HostRSP == 0 {
		t.Errorf("host state = %#x/%#x, want backend resume point and a stack", res.Guest.HostRIP, res.Guest.HostRSP)
	}

	wantCounts := map[sim.Op]int{
		sim.OpVMXON:    1,
		sim.OpVMCLEAR:  2,
		sim.OpVMPTRLD:  1,
		sim.OpVMLAUNCH: 1,
		sim.OpVMRESUME: 0,
		sim.OpVMXOFF:   1,
	}
	for op, want := range wantCounts {
		if got := f.cpu.Count(op); got != want {
			t.Errorf("%s executed %d times, want %d", op, got, want)
		}
	}

	msgs := f.messages()
	for _, want := range []string{
		"capability detected",
		"root operation entered",
		"control structure loaded",
		"launch outcome",
		"guest exit",
		"root operation exited",
	} {
		if !slices.Contains(msgs, want) {
			t.Errorf("log messages %q missing %q", msgs, want)
		}
	}
}

func TestRunUnsupportedAllocatesNothing(t *testing.T) {
	f := newFixture(t, sim.Config{VMX: false})

	res, err := Run(context.Background(), f.lp, f.cpu, f.cpu, Config{Guest: *newGuest()}, f.opts...)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Run() error = %v, want ErrUnsupported", err)
	}
	if n := f.cpu.Allocations(); n != 0 {
		t.Errorf("allocator called %d times, want 0", n)
	}
	if n := f.cpu.Executed(); n != 0 {
		t.Errorf("executed %d VMX instructions, want 0", n)
	}
	if res.State != Disabled {
		t.Errorf("State = %s, want Disabled", res.State)
	}
}

func TestEnableFailures(t *testing.T) {
	tests := []struct {
		name      string
		cfg       func(*sim.Config)
		wantCode  ErrorCode
		wantAlloc int
	}{
		{
			name:     "locked out",
			cfg:      func(c *sim.Config) { c.MSRs[arch.MSRFeatureControl] = arch.FeatureControlLock },
			wantCode: CodeLockedOut,
		},
		{
			name:      "allocation",
			cfg:       func(c *sim.Config) { c.FailAllocation = true },
			wantCode:  CodeAllocationFailure,
			wantAlloc: 1,
		},
		{
			name:      "unaligned",
			cfg:       func(c *sim.Config) { c.Misalign = 0x800 },
			wantCode:  CodeAlignmentViolation,
			wantAlloc: 1,
		},
		{
			name:      "CR4.VMXE clear",
			cfg:       func(c *sim.Config) { c.CR4 = 0 },
			wantCode:  CodeNotEnabled,
			wantAlloc: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sim.DefaultConfig()
			tt.cfg(&cfg)
			f := newFixture(t, cfg)

			ctl, _, err := Enable(f.lp, f.cpu, f.cpu, f.opts...)
			if ctl != nil {
				t.Error("Enable() returned a controller on failure")
			}
			wantCode(t, err, tt.wantCode)
			if got := f.cpu.Allocations(); got != tt.wantAlloc {
				t.Errorf("allocator called %d times, want %d", got, tt.wantAlloc)
			}
			if n := f.cpu.Count(sim.OpVMXON); n != 0 {
				t.Errorf("VMXON executed %d times", n)
			}
		})
	}
}

func TestRunExitsAfterEntryFailure(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.EntryError = 7
	f := newFixture(t, cfg)

	res, err := Run(context.Background(), f.lp, f.cpu, f.cpu, Config{Guest: *newGuest()}, f.opts...)
	ve := wantCode(t, err, CodeFailedValid)
	if ve.InstructionError == 0 {
		t.Error("FailedValid without an instruction error")
	}
	if got := f.cpu.Count(sim.OpVMXOFF); got != 1 {
		t.Errorf("VMXOFF executed %d times, want 1", got)
	}
	if res.State != Terminated || f.cpu.InRootOperation() {
		t.Errorf("State = %s, root = %v; want Terminated outside root operation", res.State, f.cpu.InRootOperation())
	}
}

func TestRunExitsAfterPopulateFailure(t *testing.T) {
	f := newFixture(t, sim.DefaultConfig())

	g := *newGuest()
	g.GuestRIP = 0x0000_8000_0000_0000
	res, err := Run(context.Background(), f.lp, f.cpu, f.cpu, Config{Guest: g}, f.opts...)
	wantCode(t, err, CodeFieldWriteFailure)
	if !errors.Is(err, ErrNonCanonical) {
		t.Errorf("Run() error = %v, want it to wrap ErrNonCanonical", err)
	}
	if n := f.cpu.Count(sim.OpVMLAUNCH); n != 0 {
		t.Errorf("VMLAUNCH executed %d times", n)
	}
	if got := f.cpu.Count(sim.OpVMXOFF); got != 1 {
		t.Errorf("VMXOFF executed %d times, want 1", got)
	}
	if res.State != Terminated {
		t.Errorf("State = %s, want Terminated", res.State)
	}
}

func TestRunWithDispatcher(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.Guest = sim.CPUIDThenHaltGuest
	f := newFixture(t, cfg)

	d := NewDispatcher(f.opts...)
	d.Register(ExitCPUID, AdvanceRIP())
	res, err := Run(context.Background(), f.lp, f.cpu, f.cpu,
		Config{Guest: *newGuest(), Dispatcher: d}, f.opts...)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Run.Exits) != 2 || res.Guest.GuestRIP != 0x1002 {
		t.Errorf("exits = %+v, guest RIP = %#x", res.Run.Exits, res.Guest.GuestRIP)
	}
}
