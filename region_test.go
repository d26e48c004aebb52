package vmx

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/go-vmx/internal/arch/sim"
)

// pageFunc is a PageSource whose AllocPages is supplied by the test.
type pageFunc struct {
	alloc   func(n int) ([]byte, uint64, error)
	freeErr error
	freed   int
}

func (p *pageFunc) AllocPages(n int) ([]byte, uint64, error) { return p.alloc(n) }

func (p *pageFunc) FreePages([]byte, uint64) error {
	p.freed++
	return p.freeErr
}

func TestAllocate(t *testing.T) {
	cpu := sim.New(sim.DefaultConfig())

	r, err := Allocate(cpu, 0x8000_0012)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer r.Free()

	if !isPageAligned(r.Addr()) {
		t.Errorf("Addr() = %#x, not page aligned", r.Addr())
	}
	if !isPageAligned(uint64(addrOf(r.mem))) {
		t.Errorf("host address %#x not page aligned", addrOf(r.mem))
	}
	if len(r.mem) != PageSize {
		t.Errorf("len = %d, want %d", len(r.mem), PageSize)
	}
	// Bit 31 of the revision word is the shadow-VMCS indicator and stays clear.
	if got := binary.LittleEndian.Uint32(r.mem); got != 0x12 {
		t.Errorf("revision word = %#x, want 0x12", got)
	}
	if got := r.Revision(); got != 0x12 {
		t.Errorf("Revision() = %#x, want 0x12", got)
	}
	for i, b := range r.mem[4:] {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want zero fill", i+4, b)
		}
	}
}

func TestAllocateFailures(t *testing.T) {
	tests := []struct {
		name      string
		alloc     func(n int) ([]byte, uint64, error)
		wantCode  ErrorCode
		wantFreed int
	}{
		{
			name:     "source error",
			alloc:    func(int) ([]byte, uint64, error) { return nil, 0, errors.New("out of memory") },
			wantCode: CodeAllocationFailure,
		},
		{
			name:      "short page",
			alloc:     func(int) ([]byte, uint64, error) { return alignedPage()[:64], 0x1000, nil },
			wantCode:  CodeAllocationFailure,
			wantFreed: 1,
		},
		{
			name:      "unaligned physical address",
			alloc:     func(int) ([]byte, uint64, error) { return alignedPage(), 0x1010, nil },
			wantCode:  CodeAlignmentViolation,
			wantFreed: 1,
		},
		{
			name: "unaligned host address",
			alloc: func(int) ([]byte, uint64, error) {
				buf := make([]byte, 3*PageSize)
				off := PageSize - int(addrOf(buf)%PageSize) + 8
				return buf[off : off+PageSize], 0x2000, nil
			},
			wantCode:  CodeAlignmentViolation,
			wantFreed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &pageFunc{alloc: tt.alloc}
			r, err := Allocate(src, sim.Revision)
			if r != nil {
				t.Errorf("Allocate() = %v, want nil region", r)
			}
			wantCode(t, err, tt.wantCode)
			if src.freed != tt.wantFreed {
				t.Errorf("FreePages called %d times, want %d", src.freed, tt.wantFreed)
			}
		})
	}
}

func TestAllocateReportsFreeFailure(t *testing.T) {
	errBusy := errors.New("munmap: device busy")
	src := &pageFunc{
		alloc:   func(int) ([]byte, uint64, error) { return alignedPage(), 0x1010, nil },
		freeErr: errBusy,
	}
	_, err := Allocate(src, sim.Revision)
	if !errors.Is(err, ErrAlignmentViolation) || !errors.Is(err, errBusy) {
		t.Errorf("Allocate() error = %v, want ErrAlignmentViolation joined with the free error", err)
	}
}

func alignedPage() []byte {
	buf := make([]byte, 2*PageSize)
	off := 0
	if r := int(addrOf(buf) % PageSize); r != 0 {
		off = PageSize - r
	}
	return buf[off : off+PageSize]
}

func TestRegionFree(t *testing.T) {
	cpu := sim.New(sim.DefaultConfig())
	r, err := Allocate(cpu, sim.Revision)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	if err := r.acquire(); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	if !r.InUse() {
		t.Error("InUse() = false after acquire")
	}
	if err := r.Free(); !errors.Is(err, ErrRegionInUse) {
		t.Fatalf("Free() of referenced region error = %v, want ErrRegionInUse", err)
	}

	r.release()
	if err := r.Free(); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	if err := r.Free(); err != nil {
		t.Errorf("second Free() error = %v, want nil", err)
	}
	if err := r.acquire(); err == nil {
		t.Error("acquire() of freed region succeeded")
	}
	if got := r.Revision(); got != 0 {
		t.Errorf("Revision() of freed region = %#x, want 0", got)
	}
}

func TestAllocateMisalignedSimulator(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.Misalign = 0x10
	cpu := sim.New(cfg)

	if _, err := Allocate(cpu, sim.Revision); !errors.Is(err, ErrAlignmentViolation) {
		t.Fatalf("Allocate() error = %v, want ErrAlignmentViolation", err)
	}
	if n := cpu.Executed(); n != 0 {
		t.Errorf("executed %d VMX instructions", n)
	}
}
