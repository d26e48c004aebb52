//go:build linux

package vmx

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// MmapSource allocates locked anonymous mappings and resolves their
// physical address through /proc/self/pagemap. Resolving needs
// CAP_SYS_ADMIN; without it the kernel reports a zero frame number and
// AllocPages fails.
type MmapSource struct{}

// AllocPages implements PageSource. Only single pages are supported since
// consecutive virtual pages need not be physically contiguous.
func (MmapSource) AllocPages(n int) ([]byte, uint64, error) {
	if n != 1 {
		return nil, 0, fmt.Errorf("mmap source: %d pages requested, only 1 supported", n)
	}
	mem, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_POPULATE)
	if err != nil {
		return nil, 0, fmt.Errorf("mmap source: mmap: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		return nil, 0, errors.Join(fmt.Errorf("mmap source: mlock: %w", err), unix.Munmap(mem))
	}
	pa, err := physAddr(addrOf(mem))
	if err != nil {
		return nil, 0, errors.Join(err, MmapSource{}.FreePages(mem, 0))
	}
	return mem, pa, nil
}

// FreePages implements PageSource.
func (MmapSource) FreePages(mem []byte, _ uint64) error {
	if err := unix.Munlock(mem); err != nil {
		return fmt.Errorf("mmap source: munlock: %w", err)
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("mmap source: munmap: %w", err)
	}
	return nil
}

func physAddr(va uintptr) (uint64, error) {
	fd, err := unix.Open("/proc/self/pagemap", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("mmap source: open pagemap: %w", err)
	}
	defer unix.Close(fd)

	var entry [8]byte
	off := int64(va/PageSize) * 8
	if n, err := unix.Pread(fd, entry[:], off); err != nil || n != len(entry) {
		return 0, fmt.Errorf("mmap source: read pagemap entry for %#x: n=%d: %v", va, n, err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	pfn := v & pagemapPFNMask
	if v&pagemapPresent == 0 || pfn == 0 {
		return 0, fmt.Errorf("mmap source: no frame number for %#x (page not present or CAP_SYS_ADMIN missing)", va)
	}
	return pfn*PageSize + uint64(va%PageSize), nil
}
