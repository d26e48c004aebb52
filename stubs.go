//go:build !linux

package vmx

import "fmt"

type cpuMask struct{}

func currentThread() int { return -1 }

// AcquireProcessor returns an error on non-Linux platforms.
func AcquireProcessor(cpu int) (*LogicalProcessor, error) {
	return nil, fmt.Errorf("vmx: processor pinning not supported on this platform")
}

// AcquireCurrentProcessor returns an error on non-Linux platforms.
func AcquireCurrentProcessor() (*LogicalProcessor, error) {
	return nil, fmt.Errorf("vmx: processor pinning not supported on this platform")
}

// Release returns an error on non-Linux platforms.
func (lp *LogicalProcessor) Release() error {
	return fmt.Errorf("vmx: processor pinning not supported on this platform")
}

// MmapSource is unavailable on non-Linux platforms.
type MmapSource struct{}

// AllocPages returns an error on non-Linux platforms.
func (MmapSource) AllocPages(n int) ([]byte, uint64, error) {
	return nil, 0, fmt.Errorf("vmx: physical pages not available on this platform")
}

// FreePages returns an error on non-Linux platforms.
func (MmapSource) FreePages(mem []byte, pa uint64) error {
	return fmt.Errorf("vmx: physical pages not available on this platform")
}
