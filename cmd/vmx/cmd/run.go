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
	"fmt"
	"io"

	vmx "github.com/blacktop/go-vmx"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	backendArg string
	cpuArg     int
	guestArg   string
	guestRIP   uint64
	guestRSP   uint64
	maxExits   int
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "TOML run configuration")
	runCmd.Flags().StringVar(&backendArg, "backend", "sim", "Processor backend (sim or native)")
	runCmd.Flags().IntVar(&cpuArg, "cpu", -1, "Logical processor to pin to (-1 for the current one)")
	runCmd.Flags().StringVar(&guestArg, "guest", "halt", "Simulated guest (halt or cpuid)")
	runCmd.Flags().Uint64Var(&guestRIP, "guest-rip", 0x1000, "Guest entry point")
	runCmd.Flags().Uint64Var(&guestRSP, "guest-rsp", 0x8000, "Guest stack pointer")
	runCmd.Flags().IntVar(&maxExits, "max-exits", vmx.DefaultMaxExits, "Exits to handle before giving up")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enter VMX root operation, launch the guest and report its exits",
	Long: `Run pins to one logical processor, probes it, enters VMX root operation,
loads and populates a single VMCS and launches the guest. Exits listed in
advance_rip_on are stepped over and resumed; the first other exit ends the
run. VMCLEAR and VMXOFF are executed on every path out.

Flags override the matching configuration keys.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("backend") {
		c.Backend = backendArg
	}
	if flags.Changed("cpu") {
		c.CPU = cpuArg
	}
	if flags.Changed("guest") {
		c.Sim.Guest = guestArg
	}
	if flags.Changed("guest-rip") {
		c.GuestRIP = guestRIP
	}
	if flags.Changed("guest-rsp") {
		c.GuestRSP = guestRSP
	}
	if flags.Changed("max-exits") {
		c.MaxExits = maxExits
	}
	if err := c.validate(); err != nil {
		return err
	}
	g, err := c.guestContext()
	if err != nil {
		return err
	}

	var lp *vmx.LogicalProcessor
	if c.CPU < 0 {
		lp, err = vmx.AcquireCurrentProcessor()
	} else {
		lp, err = vmx.AcquireProcessor(c.CPU)
	}
	if err != nil {
		return fmt.Errorf("failed to pin to a processor: %w", err)
	}
	defer func() {
		if err := lp.Release(); err != nil {
			logrus.WithError(err).Warn("failed to release processor")
		}
	}()

	b, err := newBackend(c)
	if err != nil {
		return err
	}
	d := vmx.NewDispatcher()
	for _, r := range c.AdvanceRIPOn {
		d.Register(vmx.ExitReason(r), vmx.AdvanceRIP())
	}

	res, runErr := vmx.Run(cmd.Context(), lp, b.cpu, b.pages, vmx.Config{Guest: g, Dispatcher: d},
		vmx.WithMaxExits(c.MaxExits))
	if asJSON {
		return printJSON(cmd.OutOrStdout(), res, runErr)
	}
	printRun(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, runErr)
	return runErr
}

type runReport struct {
	*vmx.Result
	CPU     int         `json:"cpu"`
	State   string      `json:"state"`
	Metrics vmx.Metrics `json:"metrics"`
	Error   string      `json:"error,omitempty"`
}

func printJSON(w io.Writer, res *vmx.Result, runErr error) error {
	r := runReport{Result: res, State: res.State.String(), Metrics: vmx.GetMetrics()}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	out, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Fprintln(w, string(out))
	return runErr
}

func printRun(w, errw io.Writer, res *vmx.Result, runErr error) {
	bold := color.New(color.Bold).SprintFunc()
	good := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	fmt.Fprintf(w, "%s revision=%#x region_size=%d\n", bold("capability:"), res.Report.Revision, res.Report.RegionSize)
	if res.Run != nil {
		for i, e := range res.Run.Exits {
			fmt.Fprintf(w, "%s #%d %s qualification=%#x rip=%#x -> %s\n",
				bold("exit:"), i, e.Reason, e.Qualification, e.GuestRIP, e.Action)
		}
		fmt.Fprintf(w, "%s %s\n", bold("outcome:"), res.Run.Outcome)
		fmt.Fprintf(w, "%s %s\n", bold("action:"), res.Run.Action)
		fmt.Fprintf(w, "%s rip=%#x rsp=%#x rflags=%#x\n", bold("guest:"),
			res.Guest.GuestRIP, res.Guest.GuestRSP, res.Guest.GuestRFLAGS)
	}
	state := res.State.String()
	if res.State == vmx.Terminated {
		state = good(state)
	} else {
		state = bad(state)
	}
	fmt.Fprintf(w, "%s %s\n", bold("state:"), state)
	if runErr != nil {
		fmt.Fprintf(errw, "%s %v\n", bad("error:"), runErr)
	}
}
