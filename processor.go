package vmx

import (
	"errors"
	"sync"
)

// LogicalProcessor is the calling goroutine's claim on one logical
// processor: the goroutine is locked to its OS thread and the thread's
// affinity is narrowed to a single CPU.
//
// VMX root operation and the current-VMCS pointer belong to the processor,
// not the goroutine, so every Controller, Manager and Engine operation
// checks that it is made from the thread recorded here. A LogicalProcessor
// must not be handed to another goroutine.
type LogicalProcessor struct {
	mu       sync.Mutex
	cpu      int
	tid      int
	prev     cpuMask
	released bool
}

// CPU returns the logical CPU number.
func (lp *LogicalProcessor) CPU() int { return lp.cpu }

var errReleased = errors.New("logical processor already released")

// check fails unless called on the pinned thread of a live claim.
func (lp *LogicalProcessor) check(op string) error {
	if lp == nil {
		return &VMXError{Code: CodeAffinityViolation, Op: op, Err: errors.New("no logical processor")}
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.released {
		return &VMXError{Code: CodeAffinityViolation, Op: op, Err: errReleased}
	}
	if tid := currentThread(); tid != lp.tid {
		recordAffinityViolation()
		return &VMXError{Code: CodeAffinityViolation, Op: op,
			Err: errors.New("thread migrated away from the pinned processor")}
	}
	return nil
}
