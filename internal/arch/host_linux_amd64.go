//go:build linux && amd64

package arch

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Host identifies the processor from Linux user space. CPUID is executed
// directly; MSRs go through the msr driver, which needs CAP_SYS_RAWIO.
//
// Host does not implement VMX.
type Host struct {
	cpu  int
	path string
}

// NewHost returns an Identifier for the given logical CPU. An empty device
// selects DefaultMSRDevice.
func NewHost(cpu int, device string) *Host {
	if device == "" {
		device = DefaultMSRDevice
	}
	path := device
	if strings.Contains(device, "%d") {
		path = fmt.Sprintf(device, cpu)
	}
	return &Host{cpu: cpu, path: path}
}

// CPUID implements Identifier.CPUID. The caller is responsible for running
// on the CPU it asked NewHost about.
func (h *Host) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuid(leaf, subleaf)
}

// ReadMSR implements Identifier.ReadMSR.
func (h *Host) ReadMSR(msr uint32) (uint64, error) {
	fd, err := unix.Open(h.path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, &os.PathError{Op: "open", Path: h.path, Err: err}
	}
	defer unix.Close(fd)

	var buf [8]byte
	n, err := unix.Pread(fd, buf[:], int64(msr))
	if err != nil {
		return 0, fmt.Errorf("arch: read MSR %#x on cpu %d: %w", msr, h.cpu, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("arch: short read of MSR %#x on cpu %d: %d bytes", msr, h.cpu, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
