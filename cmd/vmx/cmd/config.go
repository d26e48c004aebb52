/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/internal/arch"
	"github.com/blacktop/go-vmx/internal/arch/sim"
)

// Config is the TOML run configuration.
type Config struct {
	// CPU is the logical processor to pin to; negative picks the first one
	// the process may run on.
	CPU int `toml:"cpu"`
	// Backend is "sim" or "native".
	Backend string `toml:"backend"`
	// MSRDevice is the msr(4) device template used by check.
	MSRDevice string `toml:"msr_device"`
	GuestRIP  uint64 `toml:"guest_rip"`
	GuestRSP  uint64 `toml:"guest_rsp"`
	MaxExits  int    `toml:"max_exits"`
	// AdvanceRIPOn lists basic exit reasons that are stepped over and
	// resumed instead of ending the run.
	AdvanceRIPOn []uint32 `toml:"advance_rip_on"`
	// Fields are extra VMCS writes keyed by field name or encoding.
	Fields map[string]uint64 `toml:"fields"`
	Sim    SimConfig         `toml:"sim"`
}

// SimConfig shapes the simulated processor.
type SimConfig struct {
	// Guest is "halt" or "cpuid".
	Guest string `toml:"guest"`
	// EntryError makes every VM entry fail with this VM-instruction error.
	EntryError uint32 `toml:"entry_error"`
	NoVMX      bool   `toml:"no_vmx"`
	LockedOut  bool   `toml:"locked_out"`
	CR4Clear   bool   `toml:"cr4_clear"`
}

func defaultConfig() *Config {
	return &Config{
		CPU:       -1,
		Backend:   "sim",
		MSRDevice: arch.DefaultMSRDevice,
		GuestRIP:  0x1000,
		GuestRSP:  0x8000,
		MaxExits:  vmx.DefaultMaxExits,
		Sim:       SimConfig{Guest: "halt"},
	}
}

func loadConfig(path string) (*Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case "sim", "native":
	default:
		return fmt.Errorf("unknown backend %q (want sim or native)", c.Backend)
	}
	switch c.Sim.Guest {
	case "halt", "cpuid":
	default:
		return fmt.Errorf("unknown sim guest %q (want halt or cpuid)", c.Sim.Guest)
	}
	if c.MaxExits <= 0 {
		return fmt.Errorf("max_exits must be positive, got %d", c.MaxExits)
	}
	_, err := c.extraFields()
	return err
}

func (c *Config) extraFields() (map[vmx.Field]uint64, error) {
	if len(c.Fields) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	extra := make(map[vmx.Field]uint64, len(c.Fields))
	for _, name := range names {
		f, err := vmx.ParseField(name)
		if err != nil {
			return nil, err
		}
		if _, dup := extra[f]; dup {
			return nil, fmt.Errorf("field %s given twice", f)
		}
		extra[f] = c.Fields[name]
	}
	return extra, nil
}

func (c *Config) guestContext() (vmx.GuestContext, error) {
	extra, err := c.extraFields()
	if err != nil {
		return vmx.GuestContext{}, err
	}
	return vmx.GuestContext{
		GuestRIP: c.GuestRIP,
		GuestRSP: c.GuestRSP,
		Extra:    extra,
	}, nil
}

func (c *Config) simConfig() sim.Config {
	cfg := sim.DefaultConfig()
	cfg.VMX = !c.Sim.NoVMX
	cfg.EntryError = c.Sim.EntryError
	if c.Sim.LockedOut {
		cfg.MSRs[arch.MSRFeatureControl] = arch.FeatureControlLock
	}
	if c.Sim.CR4Clear {
		cfg.CR4 = 0
	}
	if c.Sim.Guest == "cpuid" {
		cfg.Guest = sim.CPUIDThenHaltGuest
	}
	return cfg
}
