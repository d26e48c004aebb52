package vmx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blacktop/go-vmx/internal/arch"
	"github.com/sirupsen/logrus"
)

// GuestContext is the entry state of one guest and, after each exit, the
// guest state read back from its control structure.
type GuestContext struct {
	GuestRIP    uint64 `json:"guest_rip"`
	GuestRSP    uint64 `json:"guest_rsp"`
	GuestRFLAGS uint64 `json:"guest_rflags"`
	// HostRIP is where exits land; use the backend's HostResumePoint.
	HostRIP uint64 `json:"host_rip"`
	// HostRSP is the host stack on exit. The native backend rewrites it on
	// every entry, but it must still be written before the first launch.
	HostRSP uint64 `json:"host_rsp"`
	// Extra holds any further fields to write, such as selectors, control
	// register shadows or execution controls.
	Extra map[Field]uint64 `json:"-"`
}

// OutcomeKind tags a LaunchOutcome.
type OutcomeKind int

const (
	// OutcomeLaunched means the guest was entered and is still running.
	// Entries in this package return only after the guest exits, so it is
	// never produced by Engine.Launch.
	OutcomeLaunched OutcomeKind = iota
	// OutcomeFailedInvalid means CF=1: no entry, no error field.
	OutcomeFailedInvalid
	// OutcomeFailedValid means ZF=1: no entry, see InstructionError.
	OutcomeFailedValid
	// OutcomeExited means the guest ran and exited back to the host.
	OutcomeExited
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeLaunched:
		return "Launched"
	case OutcomeFailedInvalid:
		return "FailedInvalid"
	case OutcomeFailedValid:
		return "FailedValid"
	case OutcomeExited:
		return "ExitedWithReason"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// LaunchOutcome is the result of one VMLAUNCH or VMRESUME, classified from
// the RFLAGS status alone.
type LaunchOutcome struct {
	Kind OutcomeKind `json:"kind"`
	// First is true for VMLAUNCH, false for VMRESUME.
	First bool `json:"first"`
	// Reason explains an OutcomeFailedInvalid, or an OutcomeFailedValid
	// whose instruction error could not be read.
	Reason string `json:"reason,omitempty"`
	// InstructionError is set for OutcomeFailedValid.
	InstructionError InstructionError `json:"instruction_error,omitempty"`
	// ExitReason, Qualification and InstructionLength are set for
	// OutcomeExited.
	ExitReason        ExitReason `json:"exit_reason,omitempty"`
	Qualification     uint64     `json:"qualification,omitempty"`
	InstructionLength uint64     `json:"instruction_length,omitempty"`
}

func (o LaunchOutcome) String() string {
	switch o.Kind {
	case OutcomeFailedInvalid:
		return fmt.Sprintf("FailedInvalid(%s)", o.Reason)
	case OutcomeFailedValid:
		if o.InstructionError == 0 && o.Reason != "" {
			return fmt.Sprintf("FailedValid(%s)", o.Reason)
		}
		return fmt.Sprintf("FailedValid(%d: %s)", uint32(o.InstructionError), o.InstructionError)
	case OutcomeExited:
		return fmt.Sprintf("ExitedWithReason(%s, %#x)", o.ExitReason, o.Qualification)
	}
	return o.Kind.String()
}

// Err converts a failed outcome into a *VMXError, and returns nil otherwise.
func (o LaunchOutcome) Err() error {
	op := "resume"
	if o.First {
		op = "launch"
	}
	switch o.Kind {
	case OutcomeFailedInvalid:
		return &VMXError{Code: CodeFailedInvalid, Op: op, Flag: arch.FailInvalid, Err: errors.New(o.Reason)}
	case OutcomeFailedValid:
		e := &VMXError{Code: CodeFailedValid, Op: op, Flag: arch.FailValid, InstructionError: o.InstructionError}
		if o.InstructionError == 0 && o.Reason != "" {
			e.Err = errors.New(o.Reason)
		}
		return e
	}
	return nil
}

// Engine enters the guest described by the current control structure.
type Engine struct {
	m   *Manager
	d   *Dispatcher
	o   options
	log logrus.FieldLogger
}

// NewEngine returns an engine that launches through m and hands exits to d.
// A nil d uses a dispatcher with only the default policy.
func NewEngine(m *Manager, d *Dispatcher, opts ...Option) *Engine {
	o := m.o
	for _, opt := range opts {
		opt(&o)
	}
	if d == nil {
		d = NewDispatcher(WithLogger(o.log))
	}
	return &Engine{m: m, d: d, o: o, log: o.log.WithField("cpu", m.ctl.cpuNum())}
}

// Launch executes VMLAUNCH when first is set and VMRESUME otherwise. It
// refuses, without executing anything, when a required field of the
// current control structure was never written.
//
// Instruction failures are reported in the outcome, not as an error; the
// error is for misuse and for failing to read the exit back.
func (e *Engine) Launch(first bool) (LaunchOutcome, error) {
	op := "resume"
	if first {
		op = "launch"
	}
	out := LaunchOutcome{First: first}

	c := e.m.ctl
	unlock, err := c.rootLocked(op)
	if err != nil {
		return out, err
	}
	defer unlock()

	cs := c.current
	if cs == nil {
		return out, &VMXError{Code: CodeIncompleteContext, Op: op, Err: errNoActive}
	}
	if missing := cs.Missing(); len(missing) > 0 {
		return out, &VMXError{Code: CodeIncompleteContext, Op: op,
			Err: fmt.Errorf("never written: %v", missing)}
	}

	start := time.Now()
	var st arch.Status
	if first {
		st = c.cpu.VMLAUNCH()
		recordInstruction(opVMLAUNCH, st)
	} else {
		st = c.cpu.VMRESUME()
		recordInstruction(opVMRESUME, st)
	}
	recordEntryTime(time.Since(start))

	switch st {
	case arch.FailInvalid:
		out.Kind = OutcomeFailedInvalid
		out.Reason = "no valid current VMCS"
	case arch.FailValid:
		out.Kind = OutcomeFailedValid
		out.InstructionError = c.instructionErrorLocked(st)
		if out.InstructionError == 0 {
			out.Reason = "VM-instruction error field unreadable"
		}
	default:
		cs.launched = true
		out.Kind = OutcomeExited
		if err := e.readExitLocked(op, cs, &out); err != nil {
			return out, err
		}
	}

	l := e.log.WithFields(logrus.Fields{"op": op, "outcome": out.Kind.String()})
	switch out.Kind {
	case OutcomeFailedInvalid:
		l.WithField("reason", out.Reason).Warn("launch outcome")
	case OutcomeFailedValid:
		l.WithFields(logrus.Fields{
			"instruction_error": uint32(out.InstructionError),
			"description":       out.InstructionError.String(),
			"reason":            out.Reason,
		}).Warn("launch outcome")
	default:
		l.WithFields(logrus.Fields{
			"exit_reason":   out.ExitReason.String(),
			"qualification": fmt.Sprintf("%#x", out.Qualification),
		}).Info("launch outcome")
	}
	return out, nil
}

// readExitLocked fills the exit information in out and refreshes the guest
// context from the guest-state area.
func (e *Engine) readExitLocked(op string, cs *ControlStructure, out *LaunchOutcome) error {
	reason, err := e.m.readLocked(op, ExitReasonField)
	if err != nil {
		return err
	}
	out.ExitReason = ExitReason(reason)
	if out.Qualification, err = e.m.readLocked(op, ExitQualification); err != nil {
		return err
	}
	if out.InstructionLength, err = e.m.readLocked(op, ExitInstructionLen); err != nil {
		return err
	}

	g := cs.guest
	if g == nil {
		return nil
	}
	for _, r := range []struct {
		f   Field
		dst *uint64
	}{
		{GuestRIP, &g.GuestRIP},
		{GuestRSP, &g.GuestRSP},
		{GuestRFLAGS, &g.GuestRFLAGS},
	} {
		v, err := e.m.readLocked(op, r.f)
		if err != nil {
			return err
		}
		*r.dst = v
	}
	return nil
}

// ExitRecord is one exit handled during Run.
type ExitRecord struct {
	Reason        ExitReason `json:"reason"`
	Qualification uint64     `json:"qualification"`
	GuestRIP      uint64     `json:"guest_rip"`
	Action        string     `json:"action"`
}

// RunResult summarizes Engine.Run.
type RunResult struct {
	// Outcome is the last launch outcome.
	Outcome LaunchOutcome `json:"outcome"`
	Exits   []ExitRecord  `json:"exits"`
	// Action is the decision that ended the run.
	Action Action `json:"action"`
}

// Run launches the current control structure and keeps resuming it for as
// long as the dispatcher answers Resume. It stops at the first failed
// entry, at a Terminate, after the exit budget, or when ctx is done; the
// check against ctx happens between entries only.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	res := &RunResult{}
	for {
		if err := ctx.Err(); err != nil {
			res.Action = Terminate(CauseCanceled)
			return res, err
		}
		cs := e.m.Active()
		if cs == nil {
			return res, &VMXError{Code: CodeIncompleteContext, Op: "run", Err: errNoActive}
		}

		out, err := e.Launch(!cs.Launched())
		res.Outcome = out
		if err != nil {
			return res, err
		}
		if out.Kind != OutcomeExited {
			return res, out.Err()
		}

		ge := &GuestExit{
			Reason:            out.ExitReason,
			Qualification:     out.Qualification,
			InstructionLength: out.InstructionLength,
			Guest:             cs.Guest(),
			Fields:            e.m,
		}
		rec := ExitRecord{Reason: out.ExitReason, Qualification: out.Qualification}
		if ge.Guest != nil {
			rec.GuestRIP = ge.Guest.GuestRIP
		}
		a := e.d.Dispatch(ge)
		rec.Action = a.String()
		res.Exits = append(res.Exits, rec)
		res.Action = a

		if a.Kind == ActionTerminate {
			return res, a.Err
		}
		if len(res.Exits) >= e.o.maxExits {
			res.Action = Terminate(CauseMaxExits)
			e.log.WithField("exits", len(res.Exits)).Warn("exit budget exhausted")
			return res, nil
		}
	}
}
