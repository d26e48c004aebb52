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
	"strconv"

	vmx "github.com/blacktop/go-vmx"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.AddCommand(decodeExitCmd, decodeErrorCmd, decodeFieldCmd)
}

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode VMX exit reasons, instruction errors and field encodings",
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return uint32(v), nil
}

var decodeExitCmd = &cobra.Command{
	Use:   "exit-reason <value>",
	Short: "Decode a VM-exit reason (field 0x4402)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		r := vmx.ExitReason(v)
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "basic reason:  %d (%s)\n", uint32(r.Basic()), r.Basic())
		fmt.Fprintf(w, "entry failure: %t\n", r.EntryFailure())
		return nil
	},
}

var decodeErrorCmd = &cobra.Command{
	Use:   "instruction-error <value>",
	Short: "Decode a VM-instruction error number (field 0x4400)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", v, vmx.InstructionError(v))
		return nil
	},
}

var decodeFieldCmd = &cobra.Command{
	Use:   "field <name|encoding>",
	Short: "Show the encoding, width and type of a VMCS field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := vmx.ParseField(args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "name:      %s\n", f)
		fmt.Fprintf(w, "encoding:  %#06x\n", uint32(f))
		fmt.Fprintf(w, "width:     %s\n", f.Width())
		fmt.Fprintf(w, "type:      %s\n", f.Type())
		fmt.Fprintf(w, "read-only: %t\n", f.ReadOnly())
		return nil
	},
}
