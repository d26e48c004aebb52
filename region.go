package vmx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// PageSize is the VMX region size and alignment.
const PageSize = 4096

// PageSource hands out pinned, physically backed pages.
//
// AllocPages returns the host mapping of n pages and the physical address
// of the first one. The memory must not move or be paged out until
// FreePages.
type PageSource interface {
	AllocPages(n int) (mem []byte, pa uint64, err error)
	FreePages(mem []byte, pa uint64) error
}

// Region is one page of memory referenced by physical address from VMX
// instructions: a VMXON region or a VMCS.
//
// While the processor references a Region (from a successful VMXON or
// VMPTRLD until the matching VMXOFF or VMCLEAR) Free refuses to release it.
type Region struct {
	mu    sync.Mutex
	src   PageSource
	mem   []byte
	pa    uint64
	refs  int
	freed bool
}

// Allocate returns a zeroed, page-aligned region stamped with revision.
//
// It fails with ErrAlignmentViolation rather than accepting memory that is
// not aligned in either the host or the physical address space.
func Allocate(src PageSource, revision uint32) (*Region, error) {
	mem, pa, err := src.AllocPages(1)
	if err != nil {
		recordAllocationFailure()
		return nil, &VMXError{Code: CodeAllocationFailure, Op: "allocate", Err: err}
	}
	if len(mem) < PageSize {
		recordAllocationFailure()
		return nil, &VMXError{Code: CodeAllocationFailure, Op: "allocate",
			Err: errors.Join(fmt.Errorf("page source returned %d bytes", len(mem)), src.FreePages(mem, pa))}
	}
	if !isPageAligned(pa) || !isPageAligned(uint64(addrOf(mem))) {
		recordAllocationFailure()
		return nil, &VMXError{Code: CodeAlignmentViolation, Op: "allocate",
			Err: errors.Join(fmt.Errorf("host %#x physical %#x (page size: %d)", addrOf(mem), pa, PageSize),
				src.FreePages(mem, pa))}
	}

	mem = mem[:PageSize:PageSize]
	clear(mem)
	// Bit 31 stays clear: this is an ordinary VMCS, not a shadow VMCS.
	binary.LittleEndian.PutUint32(mem, revision&0x7fffffff)

	r := &Region{src: src, mem: mem, pa: pa}
	runtime.SetFinalizer(r, (*Region).finalize)
	recordAllocation()
	return r, nil
}

// isPageAligned returns true if addr is page-aligned (fast path)
func isPageAligned(addr uint64) bool {
	return addr&(PageSize-1) == 0
}

// Addr returns the physical address handed to the processor.
func (r *Region) Addr() uint64 { return r.pa }

// Revision returns the revision identifier stamped in the first four bytes.
func (r *Region) Revision() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return 0
	}
	return binary.LittleEndian.Uint32(r.mem) & 0x7fffffff
}

// InUse reports whether the processor still references the region.
func (r *Region) InUse() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs > 0
}

func (r *Region) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return fmt.Errorf("region %#x already freed", r.pa)
	}
	r.refs++
	return nil
}

func (r *Region) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs > 0 {
		r.refs--
	}
}

// Free returns the page to its source. Idempotent.
func (r *Region) Free() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return nil
	}
	if r.refs > 0 {
		return &VMXError{Code: CodeRegionInUse, Op: "free", Err: fmt.Errorf("region %#x", r.pa)}
	}
	if err := r.src.FreePages(r.mem, r.pa); err != nil {
		return fmt.Errorf("vmx: free region %#x: %w", r.pa, err)
	}
	r.freed = true
	r.mem = nil
	runtime.SetFinalizer(r, nil)
	return nil
}

// finalize returns pages of a region that was never freed. A region still
// referenced by the processor is leaked rather than handed back.
func (r *Region) finalize() {
	// Never block in a finalizer.
	if r.mu.TryLock() {
		defer r.mu.Unlock()
		if !r.freed && r.refs == 0 {
			r.freed = true
			if err := r.src.FreePages(r.mem, r.pa); err != nil {
				logrus.WithError(err).WithField("region", fmt.Sprintf("%#x", r.pa)).Warn("failed to free unreferenced region")
			}
		}
	}
}
