package vmx

import (
	"errors"
	"fmt"
	"slices"

	"github.com/blacktop/go-vmx/internal/arch"
	"github.com/sirupsen/logrus"
)

// RequiredFields must all have been written to the current control
// structure before a launch is attempted.
var RequiredFields = []Field{GuestRIP, GuestRSP, HostRIP, HostRSP}

// ControlStructure is a VMCS: a Region plus the launch bookkeeping the
// processor keeps for it.
type ControlStructure struct {
	region   *Region
	guest    *GuestContext
	written  map[Field]struct{}
	launched bool
	// needsClear is set until the first VMCLEAR and again whenever the
	// structure is reassigned to a different guest context.
	needsClear bool
}

// NewControlStructure wraps a region from Allocate. The region stays owned
// by the caller and may be freed once the structure has been cleared.
func NewControlStructure(region *Region) *ControlStructure {
	return &ControlStructure{
		region:     region,
		written:    make(map[Field]struct{}),
		needsClear: true,
	}
}

// Region returns the backing region.
func (cs *ControlStructure) Region() *Region { return cs.region }

// Launched reports whether VMLAUNCH has completed on the structure since its
// last VMCLEAR, i.e. whether the next entry must use VMRESUME.
func (cs *ControlStructure) Launched() bool { return cs.launched }

// Guest returns the guest context the structure is assigned to, if any.
func (cs *ControlStructure) Guest() *GuestContext { return cs.guest }

// Assign dedicates the structure to g. Reassigning to a different guest
// context makes the next Load clear it first and forgets every written
// field.
func (cs *ControlStructure) Assign(g *GuestContext) {
	if cs.guest != nil && cs.guest != g {
		cs.needsClear = true
		clear(cs.written)
	}
	cs.guest = g
}

// Missing lists the required fields not yet written.
func (cs *ControlStructure) Missing() []Field {
	var missing []Field
	for _, f := range RequiredFields {
		if _, ok := cs.written[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

var errNoActive = errors.New("no active control structure")

// Manager loads control structures and accesses their fields through the
// controller's processor.
type Manager struct {
	ctl *Controller
	o   options
	log logrus.FieldLogger
}

// NewManager returns a manager for ctl. Options not given here are
// inherited from the controller.
func NewManager(ctl *Controller, opts ...Option) *Manager {
	o := ctl.o
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{ctl: ctl, o: o, log: o.log.WithField("cpu", ctl.cpuNum())}
}

// Load makes cs the current control structure. A structure that has never
// been cleared, or was reassigned to another guest context, is cleared
// first so that its launch state starts over.
func (m *Manager) Load(cs *ControlStructure) error {
	const op = "load"
	unlock, err := m.ctl.rootLocked(op)
	if err != nil {
		return err
	}
	defer unlock()

	if cs == nil || cs.region == nil {
		return &VMXError{Code: CodeLoadFailure, Op: op, Err: errors.New("nil control structure")}
	}
	c := m.ctl
	cleared := cs.needsClear
	if cs.needsClear {
		if err := c.clearLocked(cs); err != nil {
			return err
		}
	}

	_, referenced := c.active[cs]
	if !referenced {
		if err := cs.region.acquire(); err != nil {
			return &VMXError{Code: CodeLoadFailure, Op: op, Err: err}
		}
	}
	st := c.cpu.VMPTRLD(cs.region.Addr())
	recordInstruction(opVMPTRLD, st)
	if st != arch.Succeed {
		if !referenced {
			cs.region.release()
		}
		return &VMXError{Code: CodeLoadFailure, Op: op, Flag: st,
			InstructionError: c.instructionErrorLocked(st)}
	}
	c.active[cs] = struct{}{}
	c.current = cs
	m.log.WithFields(logrus.Fields{
		"region":   fmt.Sprintf("%#x", cs.region.Addr()),
		"cleared":  cleared,
		"launched": cs.launched,
	}).Info("control structure loaded")
	return nil
}

// Clear executes VMCLEAR on cs so its region may be freed or loaded on
// another processor. Clearing a structure the processor does not reference
// is a no-op.
func (m *Manager) Clear(cs *ControlStructure) error {
	const op = "clear"
	if err := m.ctl.lp.check(op); err != nil {
		return err
	}
	c := m.ctl
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[cs]; !ok {
		return nil
	}
	if c.state != RootOperation {
		return newError(CodeNotInRootOperation, op)
	}
	return c.clearLocked(cs)
}

// Active returns the current control structure, or nil.
func (m *Manager) Active() *ControlStructure {
	m.ctl.mu.Lock()
	defer m.ctl.mu.Unlock()
	return m.ctl.current
}

// WriteField writes v into field f of the current control structure.
func (m *Manager) WriteField(f Field, v uint64) error {
	const op = "write_field"
	unlock, err := m.ctl.rootLocked(op)
	if err != nil {
		return err
	}
	defer unlock()
	return m.writeLocked(op, f, v)
}

// ReadField reads field f of the current control structure.
func (m *Manager) ReadField(f Field) (uint64, error) {
	const op = "read_field"
	unlock, err := m.ctl.rootLocked(op)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return m.readLocked(op, f)
}

// Populate assigns the current control structure to g, if unassigned, and
// writes the guest and host entry state: the required fields first, then
// g.Extra in ascending encoding order.
func (m *Manager) Populate(g *GuestContext) error {
	const op = "populate"
	unlock, err := m.ctl.rootLocked(op)
	if err != nil {
		return err
	}
	defer unlock()

	cs := m.ctl.current
	if cs == nil {
		return &VMXError{Code: CodeFieldWriteFailure, Op: op, Err: errNoActive}
	}
	if g == nil {
		return &VMXError{Code: CodeIncompleteContext, Op: op, Err: errors.New("nil guest context")}
	}
	if cs.guest != nil && cs.guest != g {
		return &VMXError{Code: CodeLoadFailure, Op: op,
			Err: errors.New("control structure is assigned to another guest context; Assign and Load it again")}
	}
	cs.guest = g

	writes := []fieldWrite{
		{GuestRIP, g.GuestRIP},
		{GuestRSP, g.GuestRSP},
		{HostRIP, g.HostRIP},
		{HostRSP, g.HostRSP},
	}
	if g.GuestRFLAGS != 0 {
		writes = append(writes, fieldWrite{GuestRFLAGS, g.GuestRFLAGS})
	}
	extra := make([]Field, 0, len(g.Extra))
	for f := range g.Extra {
		extra = append(extra, f)
	}
	slices.Sort(extra)
	for _, f := range extra {
		writes = append(writes, fieldWrite{f, g.Extra[f]})
	}

	for _, w := range writes {
		if err := m.writeLocked(op, w.f, w.v); err != nil {
			return err
		}
	}
	return nil
}

type fieldWrite struct {
	f Field
	v uint64
}

func (m *Manager) writeLocked(op string, f Field, v uint64) error {
	c := m.ctl
	cs := c.current
	if cs == nil {
		return &VMXError{Code: CodeFieldWriteFailure, Op: op, Field: f, Err: errNoActive}
	}
	switch {
	case !f.Valid():
		return &VMXError{Code: CodeFieldWriteFailure, Op: op, Field: f, Err: errors.New("malformed field encoding")}
	case f.ReadOnly():
		return &VMXError{Code: CodeFieldWriteFailure, Op: op, Field: f, Err: errors.New("read-only field")}
	case !f.fits(v):
		return &VMXError{Code: CodeFieldWriteFailure, Op: op, Field: f,
			Err: fmt.Errorf("value %#x wider than the field", v)}
	}
	if err := m.checkAddress(op, f, v); err != nil {
		return err
	}

	st := c.cpu.VMWRITE(uint32(f), v)
	recordInstruction(opVMWRITE, st)
	if st != arch.Succeed {
		return &VMXError{Code: CodeFieldWriteFailure, Op: op, Field: f, Flag: st,
			InstructionError: c.instructionErrorLocked(st)}
	}
	cs.written[f] = struct{}{}
	m.log.WithFields(logrus.Fields{"field": f, "value": fmt.Sprintf("%#x", v)}).Debug("field written")
	return nil
}

func (m *Manager) readLocked(op string, f Field) (uint64, error) {
	c := m.ctl
	if c.current == nil {
		return 0, &VMXError{Code: CodeFieldReadFailure, Op: op, Field: f, Err: errNoActive}
	}
	if !f.Valid() {
		return 0, &VMXError{Code: CodeFieldReadFailure, Op: op, Field: f, Err: errors.New("malformed field encoding")}
	}
	v, st := c.cpu.VMREAD(uint32(f))
	recordInstruction(opVMREAD, st)
	if st != arch.Succeed {
		return 0, &VMXError{Code: CodeFieldReadFailure, Op: op, Field: f, Flag: st,
			InstructionError: c.instructionErrorLocked(st)}
	}
	return v, nil
}

// checkAddress applies the resume address policy to RIP and RSP fields:
// the value must be canonical, the host resume point must be non-zero, and
// any policy installed with WithAddressPolicy must accept it. A rejection is
// a FieldWriteFailure wrapping ErrNonCanonical.
func (m *Manager) checkAddress(op string, f Field, v uint64) error {
	switch f {
	case GuestRIP, GuestRSP, HostRIP, HostRSP:
	default:
		return nil
	}
	var cause error
	switch {
	case !Canonical(v):
		cause = fmt.Errorf("%#x is not canonical", v)
	case f == HostRIP && v == 0:
		cause = errors.New("host resume point is zero")
	case m.o.policy != nil:
		cause = m.o.policy(f, v)
	}
	if cause == nil {
		return nil
	}
	return &VMXError{Code: CodeFieldWriteFailure, Op: op, Field: f,
		Err: &VMXError{Code: CodeNonCanonical, Err: cause}}
}

// Canonical reports whether addr is a canonical 48-bit linear address.
func Canonical(addr uint64) bool {
	return uint64(int64(addr<<16)>>16) == addr
}
