package vmx

import (
	"context"
	"errors"

	"github.com/blacktop/go-vmx/internal/arch"
)

// Enable probes cpu, allocates a VMXON region from pages and enters root
// operation. Nothing is allocated unless the probe succeeds, and the region
// is freed again if VMXON fails.
func Enable(lp *LogicalProcessor, cpu arch.Processor, pages PageSource, opts ...Option) (*Controller, CapabilityReport, error) {
	report, err := Probe(cpu, opts...)
	if err != nil {
		return nil, report, err
	}
	root, err := Allocate(pages, report.Revision)
	if err != nil {
		return nil, report, err
	}
	ctl := NewController(lp, cpu, opts...)
	if err := ctl.Enter(root); err != nil {
		return nil, report, errors.Join(err, root.Free())
	}
	return ctl, report, nil
}

// Config describes one guest run.
type Config struct {
	// Guest is the entry state. A zero HostRIP or HostRSP is filled in
	// from the backend.
	Guest GuestContext
	// Dispatcher handles exits; nil means report the first exit and stop.
	Dispatcher *Dispatcher
}

// Result is everything Run learned.
type Result struct {
	Report CapabilityReport `json:"capability"`
	Run    *RunResult       `json:"run,omitempty"`
	// Guest is the guest state after the last exit.
	Guest GuestContext `json:"guest"`
	// State is the controller state once Run returns; Terminated unless
	// VMXOFF itself failed or VMX was never entered.
	State State `json:"-"`
}

// Run drives one guest through the whole lifecycle on lp: probe, enter
// root operation, load and populate a control structure, launch and
// dispatch exits until the guest is terminated.
//
// Once root operation is entered, the control structure is cleared and
// VMXOFF executed on every return path; their errors are joined onto the
// returned error.
func Run(ctx context.Context, lp *LogicalProcessor, cpu arch.Processor, pages PageSource, cfg Config, opts ...Option) (res *Result, err error) {
	res = &Result{State: Disabled}
	ctl, report, err := Enable(lp, cpu, pages, opts...)
	res.Report = report
	if err != nil {
		return res, err
	}

	var (
		m      = NewManager(ctl)
		region *Region
		cs     *ControlStructure
	)
	defer func() {
		errs := []error{err}
		if cs != nil {
			errs = append(errs, m.Clear(cs))
		}
		errs = append(errs, ctl.Exit())
		if region != nil {
			errs = append(errs, region.Free())
		}
		err = errors.Join(errs...)
		res.State = ctl.State()
	}()

	region, err = Allocate(pages, report.Revision)
	if err != nil {
		return res, err
	}
	cs = NewControlStructure(region)

	g := cfg.Guest
	if g.HostRIP == 0 {
		g.HostRIP = cpu.HostResumePoint()
	}
	if g.HostRSP == 0 {
		g.HostRSP = stackHint()
	}
	cs.Assign(&g)
	if err = m.Load(cs); err != nil {
		return res, err
	}
	if err = m.Populate(&g); err != nil {
		return res, err
	}

	res.Run, err = NewEngine(m, cfg.Dispatcher).Run(ctx)
	res.Guest = g
	return res, err
}
