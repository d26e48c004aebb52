package vmx

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blacktop/go-vmx/internal/arch"
	"github.com/sirupsen/logrus"
)

// State is the root-mode controller's position in its lifecycle.
type State int

const (
	// Disabled is the initial state: the processor is outside VMX operation.
	Disabled State = iota
	// RootOperation is entered by a successful VMXON.
	RootOperation
	// Terminated is entered by a successful VMXOFF and is final.
	Terminated
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "Disabled"
	case RootOperation:
		return "RootOperation"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Controller moves one logical processor into and out of VMX root
// operation. It is bound to a single LogicalProcessor and every method must
// be called from the goroutine that acquired it.
type Controller struct {
	mu    sync.Mutex
	lp    *LogicalProcessor
	cpu   arch.VMX
	o     options
	log   logrus.FieldLogger
	state State
	root  *Region

	// structures the processor may hold VMCS data for: every control
	// structure loaded since its last VMCLEAR.
	active map[*ControlStructure]struct{}
	// current is the structure made current by the last VMPTRLD.
	current *ControlStructure
}

// NewController returns a controller in the Disabled state.
func NewController(lp *LogicalProcessor, cpu arch.VMX, opts ...Option) *Controller {
	o := newOptions(opts)
	c := &Controller{
		lp:     lp,
		cpu:    cpu,
		o:      o,
		state:  Disabled,
		active: make(map[*ControlStructure]struct{}),
	}
	c.log = o.log.WithField("cpu", c.cpuNum())
	return c
}

func (c *Controller) cpuNum() int {
	if c.lp == nil {
		return -1
	}
	return c.lp.CPU()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Root returns the VMXON region while in root operation.
func (c *Controller) Root() *Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// Enter executes VMXON with region. On success the controller owns region
// and frees it at Exit; on failure the caller keeps it.
func (c *Controller) Enter(region *Region) error {
	const op = "enter"
	if err := c.lp.check(op); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case RootOperation:
		return newError(CodeAlreadyEnabled, op)
	case Terminated:
		return newError(CodeTerminated, op)
	}
	if region == nil {
		return &VMXError{Code: CodeVMXOnFailure, Op: op, Err: errors.New("nil region")}
	}
	if c.cpu.ReadCR4()&arch.CR4VMXE == 0 {
		return newError(CodeNotEnabled, op)
	}
	if err := region.acquire(); err != nil {
		return &VMXError{Code: CodeVMXOnFailure, Op: op, Err: err}
	}

	st := c.cpu.VMXON(region.Addr())
	recordInstruction(opVMXON, st)
	if st != arch.Succeed {
		region.release()
		c.log.WithFields(logrus.Fields{"status": st, "region": fmt.Sprintf("%#x", region.Addr())}).
			Warn("VMXON failed")
		return &VMXError{Code: CodeVMXOnFailure, Op: op, Flag: st}
	}

	c.state = RootOperation
	c.root = region
	c.log.WithField("region", fmt.Sprintf("%#x", region.Addr())).Info("root operation entered")
	return nil
}

// Exit clears every loaded control structure, executes VMXOFF and frees the
// VMXON region. Once it succeeds the controller is Terminated.
//
// A failed VMXOFF leaves the controller in RootOperation so the caller can
// retry.
func (c *Controller) Exit() error {
	const op = "exit"
	if err := c.lp.check(op); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != RootOperation {
		return newError(CodeNotInRootOperation, op)
	}

	var errs []error
	for cs := range c.active {
		if err := c.clearLocked(cs); err != nil {
			errs = append(errs, err)
		}
	}

	st := c.cpu.VMXOFF()
	recordInstruction(opVMXOFF, st)
	if st != arch.Succeed {
		c.log.WithField("status", st).Error("VMXOFF failed")
		errs = append(errs, &VMXError{Code: CodeVMXOffFailure, Op: op, Flag: st})
		return errors.Join(errs...)
	}

	c.state = Terminated
	c.current = nil
	for cs := range c.active {
		delete(c.active, cs)
		cs.region.release()
		cs.needsClear = true
	}
	root := c.root
	c.root = nil
	root.release()
	if err := root.Free(); err != nil {
		errs = append(errs, err)
	}
	c.log.Info("root operation exited")
	return errors.Join(errs...)
}

// clearLocked executes VMCLEAR on cs and drops the processor's reference
// to its region. Requires c.mu and root operation.
func (c *Controller) clearLocked(cs *ControlStructure) error {
	st := c.cpu.VMCLEAR(cs.region.Addr())
	recordInstruction(opVMCLEAR, st)
	if st != arch.Succeed {
		return &VMXError{Code: CodeLoadFailure, Op: "clear", Flag: st,
			InstructionError: c.instructionErrorLocked(st)}
	}
	if _, ok := c.active[cs]; ok {
		delete(c.active, cs)
		cs.region.release()
	}
	if c.current == cs {
		c.current = nil
	}
	cs.launched = false
	cs.needsClear = false
	return nil
}

// instructionErrorLocked reads VM_INSTRUCTION_ERROR after a VMfailValid.
// It returns 0 when st is not VMfailValid or the readback itself fails; the
// latter is logged since 0 is never a real error number.
func (c *Controller) instructionErrorLocked(st arch.Status) InstructionError {
	if st != arch.FailValid {
		return 0
	}
	v, rst := c.cpu.VMREAD(uint32(VMInstructionError))
	recordInstruction(opVMREAD, rst)
	if rst != arch.Succeed {
		c.log.WithField("status", rst).Warn("VM-instruction error unreadable")
		return 0
	}
	return InstructionError(v)
}

// rootLocked verifies the caller is on the pinned thread and in root
// operation, and locks c.mu. The returned func unlocks.
func (c *Controller) rootLocked(op string) (func(), error) {
	if err := c.lp.check(op); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.state != RootOperation {
		st := c.state
		c.mu.Unlock()
		return nil, &VMXError{Code: CodeNotInRootOperation, Op: op, Err: fmt.Errorf("controller is %s", st)}
	}
	return c.mu.Unlock, nil
}
