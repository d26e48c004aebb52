//go:build linux

package vmx

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

type cpuMask = unix.CPUSet

func currentThread() int { return unix.Gettid() }

// AcquireProcessor locks the calling goroutine to its thread and pins the
// thread to cpu. Release undoes both.
func AcquireProcessor(cpu int) (*LogicalProcessor, error) {
	if cpu < 0 {
		return nil, fmt.Errorf("vmx: invalid cpu %d", cpu)
	}
	runtime.LockOSThread()

	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("vmx: sched_getaffinity: %w", err)
	}
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("vmx: pin to cpu %d: %w", cpu, err)
	}
	return &LogicalProcessor{cpu: cpu, tid: unix.Gettid(), prev: prev}, nil
}

// AcquireCurrentProcessor pins to the lowest-numbered CPU the calling thread
// is currently allowed to run on.
func AcquireCurrentProcessor() (*LogicalProcessor, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("vmx: sched_getaffinity: %w", err)
	}
	for cpu := 0; cpu < len(set)*64; cpu++ {
		if set.IsSet(cpu) {
			return AcquireProcessor(cpu)
		}
	}
	return nil, fmt.Errorf("vmx: empty affinity mask")
}

// Release restores the thread's previous affinity and unlocks the
// goroutine. It must be called from the goroutine that acquired lp, after
// the Controller has left root operation.
func (lp *LogicalProcessor) Release() error {
	if err := lp.check("release"); err != nil {
		return err
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.released = true
	err := unix.SchedSetaffinity(0, &lp.prev)
	runtime.UnlockOSThread()
	if err != nil {
		return fmt.Errorf("vmx: restore affinity: %w", err)
	}
	return nil
}
