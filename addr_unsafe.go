package vmx

import "unsafe"

// addrOf returns the host virtual address of the first byte of b.
func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// stackHint returns an address on the calling goroutine's stack. It seeds
// HOST_RSP before the first entry; the native launch path overwrites the
// field with the real stack pointer on every entry.
//
//go:noinline
func stackHint() uint64 {
	var anchor [1]uintptr
	return uint64(uintptr(unsafe.Pointer(&anchor[0])))
}
