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
	"encoding/json"
	"errors"
	"fmt"

	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/internal/arch"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkConfig, "config", "c", "", "TOML run configuration")
	checkCmd.Flags().StringVar(&checkBackend, "backend", "native", "Processor backend (sim or native)")
	checkCmd.Flags().IntVar(&checkCPU, "cpu", 0, "Logical processor whose MSRs are read")
	checkCmd.Flags().StringVar(&msrDevice, "msr-device", arch.DefaultMSRDevice, "msr(4) device path; %d is replaced by the CPU")
}

var (
	checkConfig  string
	checkBackend string
	checkCPU     int
	msrDevice    string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check VMX support and firmware enablement",
	Long: `Check reads CPUID and IA32_FEATURE_CONTROL/IA32_VMX_BASIC without entering
VMX operation. The native backend reads MSRs through the msr(4) device and
needs the msr module loaded and read access to it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(checkConfig)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("backend") || checkConfig == "" {
			c.Backend = checkBackend
		}
		if cmd.Flags().Changed("msr-device") {
			c.MSRDevice = msrDevice
		}
		if cmd.Flags().Changed("cpu") || c.CPU < 0 {
			c.CPU = checkCPU
		}
		if err := c.validate(); err != nil {
			return err
		}
		id, err := newIdentifier(c)
		if err != nil {
			return err
		}

		report, probeErr := vmx.Probe(id)
		w := cmd.OutOrStdout()
		if asJSON {
			out := struct {
				vmx.CapabilityReport
				Supported bool   `json:"supported"`
				Error     string `json:"error,omitempty"`
			}{CapabilityReport: report, Supported: probeErr == nil}
			if probeErr != nil {
				out.Error = probeErr.Error()
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal report: %w", err)
			}
			fmt.Fprintln(w, string(data))
			return probeErr
		}

		bold := color.New(color.Bold).SprintFunc()
		yes := color.New(color.FgGreen).Sprint("yes")
		no := color.New(color.FgRed).Sprint("no")
		yn := func(b bool) string {
			if b {
				return yes
			}
			return no
		}
		fmt.Fprintf(w, "%s %s\n", bold("vmx support:"), yn(report.VMX))
		if report.VMX {
			fmt.Fprintf(w, "%s %#x (locked=%s, outside smx=%s)\n", bold("feature control:"),
				report.FeatureControl, yn(report.Locked), yn(report.EnabledOutsideSMX))
		}
		if probeErr == nil {
			fmt.Fprintf(w, "%s %#x\n", bold("revision:"), report.Revision)
			fmt.Fprintf(w, "%s %d bytes, memory type %d\n", bold("region:"), report.RegionSize, report.MemoryType)
			return nil
		}
		switch {
		case errors.Is(probeErr, vmx.ErrLockedOut):
			fmt.Fprintln(w, color.YellowString("VMX is disabled in firmware; enable it in the BIOS/UEFI setup"))
		case errors.Is(probeErr, vmx.ErrUnsupported):
			fmt.Fprintln(w, color.YellowString("this processor does not implement VMX"))
		}
		return probeErr
	},
}
