package vmx

import (
	"errors"
	"os"
	"testing"

	"github.com/blacktop/go-vmx/internal/arch/sim"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type fixture struct {
	cpu  *sim.Processor
	lp   *LogicalProcessor
	hook *test.Hook
	opts []Option
}

// newFixture pins the calling goroutine and returns a simulated processor
// with a capturing logger. Call it from the goroutine that runs the test
// body, not from a helper goroutine.
func newFixture(t *testing.T, cfg sim.Config, opts ...Option) *fixture {
	t.Helper()
	lp, err := AcquireCurrentProcessor()
	if err != nil {
		t.Skipf("cannot pin to a processor: %v", err)
	}
	t.Cleanup(func() {
		if err := lp.Release(); err != nil {
			t.Errorf("Release() error = %v", err)
		}
	})

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return &fixture{
		cpu:  sim.New(cfg),
		lp:   lp,
		hook: hook,
		opts: append([]Option{WithLogger(log)}, opts...),
	}
}

func (f *fixture) allocate(t *testing.T) *Region {
	t.Helper()
	r, err := Allocate(f.cpu, sim.Revision)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	return r
}

// enter returns a controller in root operation.
func (f *fixture) enter(t *testing.T) *Controller {
	t.Helper()
	ctl := NewController(f.lp, f.cpu, f.opts...)
	if err := ctl.Enter(f.allocate(t)); err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	return ctl
}

// load returns a manager whose current control structure is assigned to g
// and populated from it.
func (f *fixture) load(t *testing.T, g *GuestContext) (*Controller, *Manager, *ControlStructure) {
	t.Helper()
	ctl := f.enter(t)
	m := NewManager(ctl)
	cs := NewControlStructure(f.allocate(t))
	cs.Assign(g)
	if err := m.Load(cs); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if g != nil {
		if err := m.Populate(g); err != nil {
			t.Fatalf("Populate() error = %v", err)
		}
	}
	return ctl, m, cs
}

// messages returns the log messages captured so far.
func (f *fixture) messages() []string {
	var msgs []string
	for _, e := range f.hook.AllEntries() {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

func newGuest() *GuestContext {
	return &GuestContext{
		GuestRIP: 0x1000,
		GuestRSP: 0x8000,
		HostRIP:  sim.HostResumePoint,
		HostRSP:  0x7fff_ffff_e000,
	}
}

func wantCode(t *testing.T, err error, code ErrorCode) *VMXError {
	t.Helper()
	var ve *VMXError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *VMXError with code %s", err, code)
	}
	if ve.Code != code {
		t.Fatalf("error code = %s (%v), want %s", ve.Code, err, code)
	}
	return ve
}

// isCI returns true if running in GitHub Actions
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}
