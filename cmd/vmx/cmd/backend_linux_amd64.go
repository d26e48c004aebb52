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
//go:build linux && amd64

package cmd

import (
	vmx "github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/internal/arch"
)

func nativeBackend() (*backend, error) {
	n, err := arch.NewNative()
	if err != nil {
		return nil, err
	}
	return &backend{cpu: n, pages: vmx.MmapSource{}}, nil
}

func hostIdentifier(cpu int, device string) (arch.Identifier, error) {
	if cpu < 0 {
		cpu = 0
	}
	return arch.NewHost(cpu, device), nil
}
