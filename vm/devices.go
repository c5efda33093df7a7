package vm

import "io"

// Device is memory-mapped I/O claimed in the Absolute space via
// WithDevice. The teacher's own HardwareDevice abstraction runs each
// device on its own goroutine behind channels, since its VM is built to
// let a program poll a busy device across several instructions. This
// port's VM is single-threaded and cooperative end to end (no
// scheduler to poll against — see SPEC_FULL.md §5), so TrySend's
// request/response protocol collapses to plain synchronous byte
// reads/writes addressed within the device's claimed window.
type Device interface {
	Info() DeviceInfo
	Read(offset uint16) byte
	Write(offset uint16, value byte)
	Reset()
	Close()
}

// DeviceInfo is static identifying metadata surfaced by disassembly/debug
// tooling, adapted from the teacher's HardwareDeviceInfo.
type DeviceInfo struct {
	Name string
	Size uint16
}

// ConsoleDevice adapts the teacher's consoleIO: writes to offset 0 are
// echoed to Out a byte at a time; reads return 0 (no input device is
// wired up by default, matching the ambient CLI's non-interactive use).
type ConsoleDevice struct {
	Out io.Writer
}

func NewConsoleDevice(out io.Writer) *ConsoleDevice { return &ConsoleDevice{Out: out} }

func (c *ConsoleDevice) Info() DeviceInfo { return DeviceInfo{Name: "console", Size: 1} }

func (c *ConsoleDevice) Read(offset uint16) byte { return 0 }

func (c *ConsoleDevice) Write(offset uint16, value byte) {
	if c.Out != nil {
		c.Out.Write([]byte{value})
	}
}

func (c *ConsoleDevice) Reset() {}
func (c *ConsoleDevice) Close() {}
