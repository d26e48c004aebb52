package vmx

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/blacktop/go-vmx/internal/arch"
)

// ErrorCode classifies a VMXError.
type ErrorCode int

const (
	CodeUnsupported ErrorCode = iota + 1
	CodeLockedOut
	CodeAllocationFailure
	CodeAlignmentViolation
	CodeAlreadyEnabled
	CodeNotEnabled
	CodeVMXOnFailure
	CodeNotInRootOperation
	CodeLoadFailure
	CodeFieldWriteFailure
	CodeFieldReadFailure
	CodeIncompleteContext
	CodeFailedInvalid
	CodeFailedValid
	CodeTerminated
	CodeAffinityViolation
	CodeRegionInUse
	CodeVMXOffFailure
	CodeNonCanonical
)

var codeNames = map[ErrorCode]string{
	CodeUnsupported:        "Unsupported",
	CodeLockedOut:          "LockedOut",
	CodeAllocationFailure:  "AllocationFailure",
	CodeAlignmentViolation: "AlignmentViolation",
	CodeAlreadyEnabled:     "AlreadyEnabled",
	CodeNotEnabled:         "NotEnabled",
	CodeVMXOnFailure:       "VmxOnFailure",
	CodeNotInRootOperation: "NotInRootOperation",
	CodeLoadFailure:        "LoadFailure",
	CodeFieldWriteFailure:  "FieldWriteFailure",
	CodeFieldReadFailure:   "FieldReadFailure",
	CodeIncompleteContext:  "IncompleteContext",
	CodeFailedInvalid:      "FailedInvalid",
	CodeFailedValid:        "FailedValid",
	CodeTerminated:         "Terminated",
	CodeAffinityViolation:  "AffinityViolation",
	CodeRegionInUse:        "RegionInUse",
	CodeVMXOffFailure:      "VmxOffFailure",
	CodeNonCanonical:       "NonCanonical",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// detail is the long explanation used outside production.
var detail = map[ErrorCode]string{
	CodeUnsupported:        "processor does not report VMX (CPUID.1:ECX[5] clear)",
	CodeLockedOut:          "IA32_FEATURE_CONTROL is locked with VMX disabled - enable VT-x in firmware setup",
	CodeAllocationFailure:  "could not allocate a VMX region",
	CodeAlignmentViolation: "VMX region is not 4 KiB aligned",
	CodeAlreadyEnabled:     "logical processor is already in VMX root operation",
	CodeNotEnabled:         "CR4.VMXE is clear - the privileged helper has not enabled VMX",
	CodeVMXOnFailure:       "VMXON failed",
	CodeNotInRootOperation: "logical processor is not in VMX root operation",
	CodeLoadFailure:        "VMCLEAR/VMPTRLD of the control structure failed",
	CodeFieldWriteFailure:  "VMWRITE failed",
	CodeFieldReadFailure:   "VMREAD failed",
	CodeIncompleteContext:  "required guest/host fields were never written",
	CodeFailedInvalid:      "VM entry failed with no valid current VMCS (CF=1)",
	CodeFailedValid:        "VM entry failed with a valid current VMCS (ZF=1)",
	CodeTerminated:         "root-mode controller has already left VMX operation",
	CodeAffinityViolation:  "called from a thread other than the one pinned to the logical processor",
	CodeRegionInUse:        "region is still referenced by the processor",
	CodeVMXOffFailure:      "VMXOFF failed",
	CodeNonCanonical:       "address rejected by the resume address policy",
}

// VMXError is the error type returned by every operation in this package.
type VMXError struct {
	Code ErrorCode
	// Op is the operation that failed, e.g. "enter" or "write_field".
	Op string
	// Flag is the instruction status for failures reported through RFLAGS.
	Flag arch.Status
	// InstructionError is the VM-instruction error field for VMfailValid.
	InstructionError InstructionError
	// Field is the VMCS field for field access failures.
	Field Field
	// Err is the underlying cause, if any.
	Err     error
	message string
}

func (e *VMXError) Error() string {
	if e.message != "" {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError provides full error context for development
func (e *VMXError) detailedError() string {
	var b strings.Builder
	b.WriteString("vmx: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if d, ok := detail[e.Code]; ok {
		b.WriteString(d)
	} else {
		b.WriteString(e.Code.String())
	}
	if e.Field != 0 {
		fmt.Fprintf(&b, " (field %s)", e.Field)
	}
	if e.Flag != arch.Succeed {
		fmt.Fprintf(&b, " [%s]", e.Flag)
	}
	if e.InstructionError != 0 {
		fmt.Fprintf(&b, " [VM-instruction error %d: %s]", uint32(e.InstructionError), e.InstructionError)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// sanitizedError provides minimal error information for production
func (e *VMXError) sanitizedError() string {
	if e.InstructionError != 0 {
		return fmt.Sprintf("vmx: %s (%d)", e.Code, uint32(e.InstructionError))
	}
	return "vmx: " + e.Code.String()
}

// Unwrap returns the underlying cause.
func (e *VMXError) Unwrap() error { return e.Err }

// Is matches any *VMXError with the same Code, so the sentinels below work
// with errors.Is.
func (e *VMXError) Is(target error) bool {
	t, ok := target.(*VMXError)
	return ok && t.Code == e.Code
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("VMX_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("VMX_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

func newError(code ErrorCode, op string) *VMXError {
	return &VMXError{Code: code, Op: op}
}

// Sentinel errors for errors.Is. Returned errors carry more detail.
var (
	ErrUnsupported        = &VMXError{Code: CodeUnsupported, message: "vmx: unsupported"}
	ErrLockedOut          = &VMXError{Code: CodeLockedOut, message: "vmx: locked out by firmware"}
	ErrAllocationFailure  = &VMXError{Code: CodeAllocationFailure, message: "vmx: allocation failure"}
	ErrAlignmentViolation = &VMXError{Code: CodeAlignmentViolation, message: "vmx: alignment violation"}
	ErrAlreadyEnabled     = &VMXError{Code: CodeAlreadyEnabled, message: "vmx: already in root operation"}
	ErrNotEnabled         = &VMXError{Code: CodeNotEnabled, message: "vmx: CR4.VMXE clear"}
	ErrVMXOnFailure       = &VMXError{Code: CodeVMXOnFailure, message: "vmx: VMXON failure"}
	ErrNotInRootOperation = &VMXError{Code: CodeNotInRootOperation, message: "vmx: not in root operation"}
	ErrLoadFailure        = &VMXError{Code: CodeLoadFailure, message: "vmx: load failure"}
	ErrFieldWriteFailure  = &VMXError{Code: CodeFieldWriteFailure, message: "vmx: field write failure"}
	ErrFieldReadFailure   = &VMXError{Code: CodeFieldReadFailure, message: "vmx: field read failure"}
	ErrIncompleteContext  = &VMXError{Code: CodeIncompleteContext, message: "vmx: incomplete context"}
	ErrFailedInvalid      = &VMXError{Code: CodeFailedInvalid, message: "vmx: launch failed (invalid)"}
	ErrFailedValid        = &VMXError{Code: CodeFailedValid, message: "vmx: launch failed (valid)"}
	ErrTerminated         = &VMXError{Code: CodeTerminated, message: "vmx: terminated"}
	ErrAffinityViolation  = &VMXError{Code: CodeAffinityViolation, message: "vmx: affinity violation"}
	ErrRegionInUse        = &VMXError{Code: CodeRegionInUse, message: "vmx: region in use"}
	ErrVMXOffFailure      = &VMXError{Code: CodeVMXOffFailure, message: "vmx: VMXOFF failure"}
	ErrNonCanonical       = &VMXError{Code: CodeNonCanonical, message: "vmx: address rejected"}
)
