// Package device decides where reference-model computation runs.
package device

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

type Kind string

const (
	CPU   Kind = "cpu"
	CUDA  Kind = "cuda"
	Metal Kind = "metal"
)

// Context describes a placement. ID is -1 for CPU and 0 for the first accelerator.
type Context struct {
	kind       Kind
	id         int
	numThreads int
}

// nvidiaControl exists when a CUDA driver is loaded.
var nvidiaControl = "/dev/nvidiactl"

// NewContext returns a CPU placement.
func NewContext() *Context {
	return &Context{kind: CPU, id: -1, numThreads: runtime.NumCPU()}
}

// Detect picks the best available placement.
func Detect() *Context {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return &Context{kind: Metal, id: 0, numThreads: runtime.NumCPU()}
	}
	if _, err := os.Stat(nvidiaControl); err == nil {
		return &Context{kind: CUDA, id: 0, numThreads: runtime.NumCPU()}
	}
	return NewContext()
}

// Select resolves a configured device name. "auto" detects.
func Select(name string) (*Context, error) {
	want := Kind(strings.ToLower(name))
	switch want {
	case "", "auto":
		return Detect(), nil
	case CPU:
		return NewContext(), nil
	case CUDA, Metal:
		if got := Detect(); got.kind == want {
			return got, nil
		}
		return nil, fmt.Errorf("device %s requested but not available", want)
	default:
		return nil, fmt.Errorf("unknown device %q", name)
	}
}

func (c *Context) Kind() Kind { return c.kind }

// Device returns the numeric device id used by the divergence metric.
func (c *Context) Device() int { return c.id }

func (c *Context) Accelerated() bool { return c.id >= 0 }

func (c *Context) NumThreads() int { return c.numThreads }

func (c *Context) String() string {
	if c.id < 0 {
		return string(c.kind)
	}
	return fmt.Sprintf("%s:%d", c.kind, c.id)
}
