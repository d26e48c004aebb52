//go:build linux && amd64

package vmx

import (
	"io"

	"github.com/blacktop/go-vmx/internal/arch"
	"github.com/sirupsen/logrus"
)

// Supported reports whether CPU 0 implements VMX and firmware has left it
// usable. Reading IA32_FEATURE_CONTROL goes through the msr driver, so
// without root the error explains what could not be checked.
func Supported() (bool, error) {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	r, err := Probe(arch.NewHost(0, arch.DefaultMSRDevice), WithLogger(quiet))
	if err != nil {
		return false, err
	}
	return r.VMX, nil
}
