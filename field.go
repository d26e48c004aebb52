package vmx

import (
	"fmt"
	"strconv"
	"strings"
)

// Field is a VMCS component encoding.
type Field uint32

// FieldWidth is bits 14:13 of an encoding.
type FieldWidth uint8

const (
	Width16      FieldWidth = 0
	Width64      FieldWidth = 1
	Width32      FieldWidth = 2
	WidthNatural FieldWidth = 3
)

func (w FieldWidth) String() string {
	switch w {
	case Width16:
		return "16-bit"
	case Width64:
		return "64-bit"
	case Width32:
		return "32-bit"
	default:
		return "natural"
	}
}

// FieldType is bits 11:10 of an encoding.
type FieldType uint8

const (
	TypeControl  FieldType = 0
	TypeReadOnly FieldType = 1
	TypeGuest    FieldType = 2
	TypeHost     FieldType = 3
)

func (t FieldType) String() string {
	switch t {
	case TypeControl:
		return "control"
	case TypeReadOnly:
		return "read-only data"
	case TypeGuest:
		return "guest state"
	default:
		return "host state"
	}
}

// Fields written or read by this package.
const (
	GuestESSelector Field = 0x0800
	GuestCSSelector Field = 0x0802
	GuestSSSelector Field = 0x0804
	GuestDSSelector Field = 0x0806
	GuestFSSelector Field = 0x0808
	GuestGSSelector Field = 0x080a
	GuestLDTRSel    Field = 0x080c
	GuestTRSelector Field = 0x080e

	HostESSelector Field = 0x0c00
	HostCSSelector Field = 0x0c02
	HostSSSelector Field = 0x0c04
	HostDSSelector Field = 0x0c06
	HostFSSelector Field = 0x0c08
	HostGSSelector Field = 0x0c0a
	HostTRSelector Field = 0x0c0c

	VMCSLinkPointer Field = 0x2800

	PinBasedControls   Field = 0x4000
	ProcBasedControls  Field = 0x4002
	ExitControls       Field = 0x400c
	EntryControls      Field = 0x4012
	VMInstructionError Field = 0x4400
	ExitReasonField    Field = 0x4402
	ExitInstructionLen Field = 0x440c
	CR0GuestHostMask   Field = 0x6000
	CR4GuestHostMask   Field = 0x6002
	CR0ReadShadow      Field = 0x6004
	CR4ReadShadow      Field = 0x6006
	ExitQualification  Field = 0x6400
	GuestLinearAddress Field = 0x640a
	GuestCR0           Field = 0x6800
	GuestCR3           Field = 0x6802
	GuestCR4           Field = 0x6804
	GuestRSP           Field = 0x681c
	GuestRIP           Field = 0x681e
	GuestRFLAGS        Field = 0x6820
	HostCR0            Field = 0x6c00
	HostCR3            Field = 0x6c02
	HostCR4            Field = 0x6c04
	HostRSP            Field = 0x6c14
	HostRIP            Field = 0x6c16
)

var fieldNames = map[Field]string{
	GuestESSelector:    "GUEST_ES_SELECTOR",
	GuestCSSelector:    "GUEST_CS_SELECTOR",
	GuestSSSelector:    "GUEST_SS_SELECTOR",
	GuestDSSelector:    "GUEST_DS_SELECTOR",
	GuestFSSelector:    "GUEST_FS_SELECTOR",
	GuestGSSelector:    "GUEST_GS_SELECTOR",
	GuestLDTRSel:       "GUEST_LDTR_SELECTOR",
	GuestTRSelector:    "GUEST_TR_SELECTOR",
	HostESSelector:     "HOST_ES_SELECTOR",
	HostCSSelector:     "HOST_CS_SELECTOR",
	HostSSSelector:     "HOST_SS_SELECTOR",
	HostDSSelector:     "HOST_DS_SELECTOR",
	HostFSSelector:     "HOST_FS_SELECTOR",
	HostGSSelector:     "HOST_GS_SELECTOR",
	HostTRSelector:     "HOST_TR_SELECTOR",
	VMCSLinkPointer:    "VMCS_LINK_POINTER",
	PinBasedControls:   "PIN_BASED_VM_EXEC_CONTROL",
	ProcBasedControls:  "CPU_BASED_VM_EXEC_CONTROL",
	ExitControls:       "VM_EXIT_CONTROLS",
	EntryControls:      "VM_ENTRY_CONTROLS",
	VMInstructionError: "VM_INSTRUCTION_ERROR",
	ExitReasonField:    "VM_EXIT_REASON",
	ExitInstructionLen: "VM_EXIT_INSTRUCTION_LEN",
	CR0GuestHostMask:   "CR0_GUEST_HOST_MASK",
	CR4GuestHostMask:   "CR4_GUEST_HOST_MASK",
	CR0ReadShadow:      "CR0_READ_SHADOW",
	CR4ReadShadow:      "CR4_READ_SHADOW",
	ExitQualification:  "EXIT_QUALIFICATION",
	GuestLinearAddress: "GUEST_LINEAR_ADDRESS",
	GuestCR0:           "GUEST_CR0",
	GuestCR3:           "GUEST_CR3",
	GuestCR4:           "GUEST_CR4",
	GuestRSP:           "GUEST_RSP",
	GuestRIP:           "GUEST_RIP",
	GuestRFLAGS:        "GUEST_RFLAGS",
	HostCR0:            "HOST_CR0",
	HostCR3:            "HOST_CR3",
	HostCR4:            "HOST_CR4",
	HostRSP:            "HOST_RSP",
	HostRIP:            "HOST_RIP",
}

func (f Field) String() string {
	if s, ok := fieldNames[f]; ok {
		return s
	}
	return fmt.Sprintf("%#04x", uint32(f))
}

// Width returns the field width.
func (f Field) Width() FieldWidth { return FieldWidth((f >> 13) & 3) }

// Type returns the field type.
func (f Field) Type() FieldType { return FieldType((f >> 10) & 3) }

// ReadOnly reports whether the field is a read-only data field.
func (f Field) ReadOnly() bool { return f.Type() == TypeReadOnly }

// Valid reports whether f is a well-formed encoding: reserved bits clear
// and the high-access bit only on 64-bit fields.
func (f Field) Valid() bool {
	if f&^0x7fff != 0 || f&(1<<12) != 0 {
		return false
	}
	return f&1 == 0 || f.Width() == Width64
}

// fits reports whether v is representable in the field.
func (f Field) fits(v uint64) bool {
	switch f.Width() {
	case Width16:
		return v <= 0xffff
	case Width32:
		return v <= 0xffffffff
	}
	return true
}

// ParseField accepts a field name as printed by String, e.g. "GUEST_RIP",
// or a numeric encoding such as "0x681e".
func ParseField(s string) (Field, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for f, n := range fieldNames {
		if n == name {
			return f, nil
		}
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("vmx: unknown field %q", s)
	}
	f := Field(v)
	if !f.Valid() {
		return 0, fmt.Errorf("vmx: malformed field encoding %#x", v)
	}
	return f, nil
}
