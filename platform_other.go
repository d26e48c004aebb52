//go:build !linux || !amd64

package vmx

// Supported returns false on platforms without the VMX backends.
func Supported() (bool, error) {
	return false, newError(CodeUnsupported, "supported")
}
