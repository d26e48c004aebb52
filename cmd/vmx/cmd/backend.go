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
	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/internal/arch"
	"github.com/blacktop/go-vmx/internal/arch/sim"
)

// backend is a processor plus the pages it accepts as VMX regions.
type backend struct {
	cpu   arch.Processor
	pages vmx.PageSource
}

func newBackend(c *Config) (*backend, error) {
	if c.Backend == "native" {
		return nativeBackend()
	}
	s := sim.New(c.simConfig())
	return &backend{cpu: s, pages: s}, nil
}

func newIdentifier(c *Config) (arch.Identifier, error) {
	if c.Backend == "native" {
		return hostIdentifier(c.CPU, c.MSRDevice)
	}
	return sim.New(c.simConfig()), nil
}
