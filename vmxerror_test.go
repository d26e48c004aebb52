package vmx

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/blacktop/go-vmx/internal/arch"
)

func TestVMXError(t *testing.T) {
	tests := []struct {
		name     string
		err      *VMXError
		expected string
	}{
		{
			name:     "Unsupported",
			err:      &VMXError{Code: CodeUnsupported, Op: "probe"},
			expected: "vmx: probe: processor does not report VMX (CPUID.1:ECX[5] clear)",
		},
		{
			name:     "VMXON flag",
			err:      &VMXError{Code: CodeVMXOnFailure, Op: "enter", Flag: arch.FailInvalid},
			expected: "vmx: enter: VMXON failed [VMfailInvalid]",
		},
		{
			name: "FailedValid with instruction error",
			err: &VMXError{Code: CodeFailedValid, Op: "launch", Flag: arch.FailValid,
				InstructionError: 7},
			expected: "vmx: launch: VM entry failed with a valid current VMCS (ZF=1) [VMfailValid] " +
				"[VM-instruction error 7: VM entry with invalid control field(s)]",
		},
		{
			name:     "field and cause",
			err:      &VMXError{Code: CodeFieldWriteFailure, Op: "write_field", Field: GuestRIP, Err: errNoActive},
			expected: "vmx: write_field: VMWRITE failed (field GUEST_RIP): no active control structure",
		},
		{
			name:     "unknown code",
			err:      &VMXError{Code: 99},
			expected: "vmx: ErrorCode(99)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestVMXErrorSanitized(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"VMX_ENV=production", "VMX_ENV", "production"},
		{"VMX_ENV=prod", "VMX_ENV", "prod"},
		{"VMX_DEBUG=false", "VMX_DEBUG", "false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)

			err := &VMXError{Code: CodeFailedValid, Op: "launch", InstructionError: 8, Err: errors.New("secret")}
			if got, want := err.Error(), "vmx: FailedValid (8)"; got != want {
				t.Errorf("Error() = %q, want %q", got, want)
			}
			if got := (&VMXError{Code: CodeLockedOut, Op: "probe"}).Error(); got != "vmx: LockedOut" {
				t.Errorf("Error() = %q, want %q", got, "vmx: LockedOut")
			}
		})
	}

	t.Run("VMX_DEBUG=true keeps detail", func(t *testing.T) {
		t.Setenv("VMX_DEBUG", "true")
		err := &VMXError{Code: CodeLockedOut, Op: "probe"}
		if !strings.Contains(err.Error(), "firmware") {
			t.Errorf("Error() = %q, want detailed message", err.Error())
		}
	})
}

func TestVMXErrorIs(t *testing.T) {
	sentinels := map[ErrorCode]error{
		CodeUnsupported:        ErrUnsupported,
		CodeLockedOut:          ErrLockedOut,
		CodeAllocationFailure:  ErrAllocationFailure,
		CodeAlignmentViolation: ErrAlignmentViolation,
		CodeAlreadyEnabled:     ErrAlreadyEnabled,
		CodeNotEnabled:         ErrNotEnabled,
		CodeVMXOnFailure:       ErrVMXOnFailure,
		CodeNotInRootOperation: ErrNotInRootOperation,
		CodeLoadFailure:        ErrLoadFailure,
		CodeFieldWriteFailure:  ErrFieldWriteFailure,
		CodeFieldReadFailure:   ErrFieldReadFailure,
		CodeIncompleteContext:  ErrIncompleteContext,
		CodeFailedInvalid:      ErrFailedInvalid,
		CodeFailedValid:        ErrFailedValid,
		CodeTerminated:         ErrTerminated,
		CodeAffinityViolation:  ErrAffinityViolation,
		CodeRegionInUse:        ErrRegionInUse,
		CodeVMXOffFailure:      ErrVMXOffFailure,
		CodeNonCanonical:       ErrNonCanonical,
	}
	if len(sentinels) != len(codeNames) {
		t.Fatalf("%d sentinels for %d codes", len(sentinels), len(codeNames))
	}

	for code, sentinel := range sentinels {
		t.Run(code.String(), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", newError(code, "op"))
			if !errors.Is(err, sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", err, sentinel)
			}
			if code != CodeUnsupported && errors.Is(err, ErrUnsupported) {
				t.Errorf("errors.Is(%v, ErrUnsupported) = true", err)
			}
		})
	}

	t.Run("unwrap", func(t *testing.T) {
		cause := errors.New("cause")
		err := &VMXError{Code: CodeAllocationFailure, Err: cause}
		if !errors.Is(err, cause) {
			t.Error("errors.Is(err, cause) = false")
		}
	})
}
