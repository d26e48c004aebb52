package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/internal/arch"
	"github.com/blacktop/go-vmx/internal/arch/sim"
	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmx.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	c, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if diff := cmp.Diff(defaultConfig(), c); diff != "" {
		t.Errorf("loadConfig() mismatch (-want +got):\n%s", diff)
	}
	if err := c.validate(); err != nil {
		t.Errorf("validate() error = %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
cpu = 2
backend = "sim"
guest_rip = 0x2000
max_exits = 8
advance_rip_on = [10]

[fields]
guest_cs_selector = 0x10
"0x4000" = 0x16

[sim]
guest = "cpuid"
entry_error = 7
`)
	c, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	want := defaultConfig()
	want.CPU = 2
	want.GuestRIP = 0x2000
	want.MaxExits = 8
	want.AdvanceRIPOn = []uint32{10}
	want.Fields = map[string]uint64{"guest_cs_selector": 0x10, "0x4000": 0x16}
	want.Sim = SimConfig{Guest: "cpuid", EntryError: 7}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("loadConfig() mismatch (-want +got):\n%s", diff)
	}

	g, err := c.guestContext()
	if err != nil {
		t.Fatalf("guestContext() error = %v", err)
	}
	wantG := vmx.GuestContext{
		GuestRIP: 0x2000,
		GuestRSP: 0x8000,
		Extra: map[vmx.Field]uint64{
			vmx.GuestCSSelector:  0x10,
			vmx.PinBasedControls: 0x16,
		},
	}
	if diff := cmp.Diff(wantG, g); diff != "" {
		t.Errorf("guestContext() mismatch (-want +got):\n%s", diff)
	}

	sc := c.simConfig()
	if sc.EntryError != 7 || sc.Guest == nil || !sc.VMX {
		t.Errorf("simConfig() = %+v", sc)
	}
}

func TestLoadConfigUnknownKey(t *testing.T) {
	path := writeConfig(t, "backend = \"sim\"\nmax_exit = 3\n")
	_, err := loadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "max_exit") {
		t.Fatalf("loadConfig() error = %v, want unknown key max_exit", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Backend = "kvm" }, "unknown backend"},
		{"guest", func(c *Config) { c.Sim.Guest = "spin" }, "unknown sim guest"},
		{"max exits", func(c *Config) { c.MaxExits = 0 }, "max_exits"},
		{"field name", func(c *Config) { c.Fields = map[string]uint64{"no_such_field": 1} }, "no_such_field"},
		{"duplicate field", func(c *Config) {
			c.Fields = map[string]uint64{"guest_rip": 1, "0x681e": 2}
		}, "given twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultConfig()
			tt.modify(c)
			err := c.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestSimConfigLockedOut(t *testing.T) {
	c := defaultConfig()
	c.Sim.LockedOut = true
	id, err := newIdentifier(c)
	if err != nil {
		t.Fatalf("newIdentifier() error = %v", err)
	}
	if _, err := vmx.Probe(id); !errors.Is(err, vmx.ErrLockedOut) {
		t.Errorf("Probe() error = %v, want locked out", err)
	}
	if got := c.simConfig().MSRs[arch.MSRFeatureControl]; got != arch.FeatureControlLock {
		t.Errorf("feature control = %#x, want %#x", got, arch.FeatureControlLock)
	}
	if got := c.simConfig().MSRs[arch.MSRVMXBasic] & 0x7fffffff; got != uint64(sim.Revision) {
		t.Errorf("revision = %#x, want %#x", got, sim.Revision)
	}
}
