package vmx

import "testing"

func TestFieldEncoding(t *testing.T) {
	tests := []struct {
		field    Field
		width    FieldWidth
		typ      FieldType
		readOnly bool
		valid    bool
	}{
		{GuestCSSelector, Width16, TypeGuest, false, true},
		{HostTRSelector, Width16, TypeHost, false, true},
		{VMCSLinkPointer, Width64, TypeGuest, false, true},
		{VMCSLinkPointer | 1, Width64, TypeGuest, false, true},
		{PinBasedControls, Width32, TypeControl, false, true},
		{VMInstructionError, Width32, TypeReadOnly, true, true},
		{ExitReasonField, Width32, TypeReadOnly, true, true},
		{ExitQualification, WidthNatural, TypeReadOnly, true, true},
		{GuestRIP, WidthNatural, TypeGuest, false, true},
		{GuestRSP, WidthNatural, TypeGuest, false, true},
		{HostRIP, WidthNatural, TypeHost, false, true},
		{HostRSP, WidthNatural, TypeHost, false, true},
		// High-access bit on a natural-width field.
		{GuestRIP | 1, WidthNatural, TypeGuest, false, false},
		// Bit 12 is reserved.
		{0x1000, Width16, TypeControl, false, false},
		// Bits 31:15 are reserved.
		{0x10000 | GuestRIP, WidthNatural, TypeGuest, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.field.String(), func(t *testing.T) {
			if got := tt.field.Width(); got != tt.width {
				t.Errorf("Width() = %d, want %d", got, tt.width)
			}
			if got := tt.field.Type(); got != tt.typ {
				t.Errorf("Type() = %d, want %d", got, tt.typ)
			}
			if got := tt.field.ReadOnly(); got != tt.readOnly {
				t.Errorf("ReadOnly() = %v, want %v", got, tt.readOnly)
			}
			if got := tt.field.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestFieldFits(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		value uint64
		want  bool
	}{
		{"16-bit max", GuestCSSelector, 0xffff, true},
		{"16-bit overflow", GuestCSSelector, 0x10000, false},
		{"32-bit max", PinBasedControls, 0xffffffff, true},
		{"32-bit overflow", PinBasedControls, 0x1_0000_0000, false},
		{"64-bit", VMCSLinkPointer, ^uint64(0), true},
		{"natural", GuestRIP, ^uint64(0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.field.fits(tt.value); got != tt.want {
				t.Errorf("fits(%#x) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestFieldString(t *testing.T) {
	if got := GuestRIP.String(); got != "GUEST_RIP" {
		t.Errorf("GuestRIP.String() = %q", got)
	}
	if got := Field(0x2c04).String(); got != "0x2c04" {
		t.Errorf("Field(0x2c04).String() = %q", got)
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		addr uint64
		want bool
	}{
		{0, true},
		{0x1000, true},
		{0x0000_7fff_ffff_ffff, true},
		{0x0000_8000_0000_0000, false},
		{0xffff_7fff_ffff_ffff, false},
		{0xffff_8000_0000_0000, true},
		{0xffff_ffff_8100_0000, true},
		{0x0001_0000_0000_0000, false},
	}
	for _, tt := range tests {
		if got := Canonical(tt.addr); got != tt.want {
			t.Errorf("Canonical(%#x) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestParseField(t *testing.T) {
	tests := []struct {
		in      string
		want    Field
		wantErr bool
	}{
		{in: "GUEST_RIP", want: GuestRIP},
		{in: "host_rsp", want: HostRSP},
		{in: "0x6804", want: GuestCR4},
		{in: "26652", want: GuestRSP},
		{in: "0x1000", wantErr: true},
		{in: "GUEST_NOPE", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseField(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseField(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseField(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}
