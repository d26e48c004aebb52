package vmx

import (
	"context"
	"testing"

	"github.com/blacktop/go-vmx/internal/arch/sim"
)

func TestMetrics(t *testing.T) {
	// Reset metrics for clean test
	ResetMetrics()

	metrics := GetMetrics()
	if metrics != (Metrics{}) {
		t.Fatalf("metrics after reset = %+v", metrics)
	}

	cfg := sim.DefaultConfig()
	cfg.Guest = sim.CPUIDThenHaltGuest
	f := newFixture(t, cfg)
	d := NewDispatcher(f.opts...)
	d.Register(ExitCPUID, AdvanceRIP())
	if _, err := Run(context.Background(), f.lp, f.cpu, f.cpu, Config{Guest: *newGuest(), Dispatcher: d}, f.opts...); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	metrics = GetMetrics()
	checks := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"VMXON", metrics.VMXON, 1},
		{"VMXOFF", metrics.VMXOFF, 1},
		{"VMPTRLD", metrics.VMPTRLD, 1},
		{"Launches", metrics.Launches, 1},
		{"Resumes", metrics.Resumes, 1},
		{"Exits", metrics.Exits, 2},
		{"Allocations", metrics.Allocations, 2},
		{"InstructionFails", metrics.InstructionFails, 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	if got, want := metrics.VMWRITE, uint64(f.cpu.Count(sim.OpVMWRITE)); got != want {
		t.Errorf("VMWRITE = %d, processor executed %d", got, want)
	}

	ResetMetrics()
	f.cpu.SetCR4(0)
	if _, _, err := Enable(f.lp, f.cpu, f.cpu, f.opts...); err == nil {
		t.Fatal("Enable() with CR4.VMXE clear succeeded")
	}
	if _, err := Allocate(&pageFunc{alloc: func(int) ([]byte, uint64, error) { return nil, 0, sim.ErrAllocation }}, 1); err == nil {
		t.Fatal("Allocate() succeeded")
	}
	metrics = GetMetrics()
	if metrics.Allocations != 1 || metrics.AllocationFailures != 1 {
		t.Errorf("allocations = %d, failures = %d; want 1 and 1", metrics.Allocations, metrics.AllocationFailures)
	}

	t.Logf("Final metrics: %+v", metrics)
}
