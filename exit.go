package vmx

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ActionKind says what the engine does after an exit has been handled.
type ActionKind int

const (
	// ActionResume re-enters the guest with VMRESUME.
	ActionResume ActionKind = iota
	// ActionTerminate ends the run.
	ActionTerminate
)

// Cause explains an ActionTerminate.
type Cause int

const (
	CauseNone Cause = iota
	// CauseExitReported is the default policy: the exit was logged and
	// nothing handles it.
	CauseExitReported
	// CauseMaxExits means the run hit its exit budget.
	CauseMaxExits
	// CauseCanceled means the run's context was done.
	CauseCanceled
	// CauseHandlerError means a handler could not service the exit.
	CauseHandlerError
	// CauseEntryFailure means the exit reason had bit 31 set.
	CauseEntryFailure
)

var causeNames = map[Cause]string{
	CauseNone:         "none",
	CauseExitReported: "ExitReported",
	CauseMaxExits:     "MaxExits",
	CauseCanceled:     "Canceled",
	CauseHandlerError: "HandlerError",
	CauseEntryFailure: "EntryFailure",
}

func (c Cause) String() string {
	if s, ok := causeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Cause(%d)", int(c))
}

// Action is a dispatch decision: Resume, or Terminate with a Cause.
type Action struct {
	Kind  ActionKind `json:"kind"`
	Cause Cause      `json:"cause,omitempty"`
	// Err carries the failure behind CauseHandlerError.
	Err error `json:"-"`
}

// Resume is the Action that re-enters the guest.
var Resume = Action{Kind: ActionResume}

// Terminate returns the Action that ends the run for cause.
func Terminate(cause Cause) Action {
	return Action{Kind: ActionTerminate, Cause: cause}
}

func (a Action) String() string {
	if a.Kind == ActionResume {
		return "Resume"
	}
	return fmt.Sprintf("Terminate(%s)", a.Cause)
}

// FieldAccessor is the part of Manager a handler may use to inspect or
// patch the current control structure.
type FieldAccessor interface {
	ReadField(f Field) (uint64, error)
	WriteField(f Field, v uint64) error
}

// GuestExit is one VM exit as seen by a handler.
type GuestExit struct {
	Reason            ExitReason
	Qualification     uint64
	InstructionLength uint64
	// Guest holds the guest state read back after the exit.
	Guest *GuestContext
	// Fields reaches the control structure the exit came from. Nil when
	// the dispatcher is driven directly through Handle.
	Fields FieldAccessor
}

// Handler services one kind of exit.
type Handler interface {
	HandleExit(e *GuestExit) Action
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(e *GuestExit) Action

// HandleExit calls f(e).
func (f HandlerFunc) HandleExit(e *GuestExit) Action { return f(e) }

// Dispatcher routes exits by basic exit reason. Reasons without a
// registered handler are reported and terminate the run.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[ExitReason]Handler
	log      logrus.FieldLogger
}

// NewDispatcher returns a dispatcher with only the default policy.
func NewDispatcher(opts ...Option) *Dispatcher {
	o := newOptions(opts)
	return &Dispatcher{
		handlers: make(map[ExitReason]Handler),
		log:      o.log,
	}
}

// Register installs h for the basic exit reason of reason, replacing any
// previous handler. A nil h restores the default policy.
func (d *Dispatcher) Register(reason ExitReason, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, reason.Basic())
		return
	}
	d.handlers[reason.Basic()] = h
}

// Handle dispatches an exit known only by reason and qualification.
func (d *Dispatcher) Handle(reason ExitReason, qualification uint64) Action {
	return d.Dispatch(&GuestExit{Reason: reason, Qualification: qualification})
}

// Dispatch routes e to its handler. Entry failures are never routed.
func (d *Dispatcher) Dispatch(e *GuestExit) Action {
	recordExit()
	l := d.log.WithFields(logrus.Fields{
		"reason":        e.Reason.String(),
		"code":          uint32(e.Reason.Basic()),
		"qualification": fmt.Sprintf("%#x", e.Qualification),
	})
	if e.Reason.EntryFailure() {
		l.Warn("guest exit")
		return Terminate(CauseEntryFailure)
	}

	d.mu.RLock()
	h, ok := d.handlers[e.Reason.Basic()]
	d.mu.RUnlock()
	if !ok {
		l.Info("guest exit")
		return Terminate(CauseExitReported)
	}

	a := h.HandleExit(e)
	l.WithField("action", a.String()).Debug("guest exit")
	return a
}

// AdvanceRIP returns a handler that steps the guest over the exiting
// instruction and resumes. It suits exits such as CPUID or VMCALL whose
// effect the handler emulates or ignores.
func AdvanceRIP() Handler {
	return HandlerFunc(func(e *GuestExit) Action {
		if e.Fields == nil {
			return Action{Kind: ActionTerminate, Cause: CauseHandlerError,
				Err: fmt.Errorf("no control structure for %s exit", e.Reason)}
		}
		rip, err := e.Fields.ReadField(GuestRIP)
		if err != nil {
			return Action{Kind: ActionTerminate, Cause: CauseHandlerError, Err: err}
		}
		rip += e.InstructionLength
		if err := e.Fields.WriteField(GuestRIP, rip); err != nil {
			return Action{Kind: ActionTerminate, Cause: CauseHandlerError, Err: err}
		}
		if e.Guest != nil {
			e.Guest.GuestRIP = rip
		}
		return Resume
	})
}
