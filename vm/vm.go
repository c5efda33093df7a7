// Package vm executes a lowered, optimized ir.Program: four memory
// spaces, a virtual register bank per call frame, and a fetch-execute
// loop over ir.Statement. The shape (functional-option construction,
// defer/recover fault handling around the hot loop, the GC-disable trick
// while running) is carried over from the teacher's own bytecode VM;
// what changed is the instruction set and memory model it executes.
package vm

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ggbcc/ir"
)

const (
	defaultStackSize  = 0x10000
	defaultStaticSize = 0x10000
	defaultReturnSize = 0x10
	defaultRegisters  = 0x10
)

// ErrSegfault is wrapped with context and returned whenever addressing
// escapes one of the four spaces' bounds.
var ErrSegfault = errors.New("segmentation fault")

// ErrDivideByZero is returned when Div/Rem/DivW/RemW divide by zero.
var ErrDivideByZero = errors.New("divide by zero")

// ErrPanic is returned when the program executes Stop(Error).
var ErrPanic = errors.New("program panicked")

// deviceBinding pairs a Device with the Absolute-space address window it
// claims.
type deviceBinding struct {
	base uint16
	size uint16
	dev  Device
}

// VM is a single, non-reentrant execution of one ir.Program. Constructing
// a VM allocates its memory spaces; Run or RunDebug drive it to
// completion.
type VM struct {
	order    binary.ByteOrder
	static   []byte
	constant []byte
	stack    []byte
	ret      []byte

	numRegisters int
	devices      []deviceBinding

	out io.Writer
	in  io.Reader
	log *logrus.Entry
}

// Option configures a VM at construction time.
type Option func(*VM)

func WithByteOrder(order binary.ByteOrder) Option { return func(v *VM) { v.order = order } }
func WithStackSize(n uint16) Option               { return func(v *VM) { v.stack = make([]byte, n) } }
func WithStaticSize(n uint16) Option              { return func(v *VM) { v.static = make([]byte, n) } }
func WithReturnSize(n uint16) Option              { return func(v *VM) { v.ret = make([]byte, n) } }
func WithRegisters(n int) Option                  { return func(v *VM) { v.numRegisters = n } }
func WithStdout(w io.Writer) Option               { return func(v *VM) { v.out = w } }
func WithStdin(r io.Reader) Option                { return func(v *VM) { v.in = r } }
func WithLogger(log *logrus.Entry) Option         { return func(v *VM) { v.log = log } }

// WithDevice maps a Device into the Absolute space at [base, base+size).
func WithDevice(base, size uint16, dev Device) Option {
	return func(v *VM) { v.devices = append(v.devices, deviceBinding{base: base, size: size, dev: dev}) }
}

// New constructs a VM with the given options applied over the defaults
// named in SPEC_FULL.md §4.8 (64KB stack, 64KB static, 16-byte return
// buffer, 16 registers, little-endian).
func New(opts ...Option) *VM {
	v := &VM{
		order:        binary.LittleEndian,
		numRegisters: defaultRegisters,
		out:          os.Stdout,
		in:           os.Stdin,
		log:          logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(v)
	}
	if v.static == nil {
		v.static = make([]byte, defaultStaticSize)
	}
	if v.stack == nil {
		v.stack = make([]byte, defaultStackSize)
	}
	if v.ret == nil {
		v.ret = make([]byte, defaultReturnSize)
	}
	return v
}

// frame is one call's activation record: its own register bank and a
// window into the shared stack buffer.
type frame struct {
	routine   int
	pc        int
	stackBase uint16
	regs8     []uint8
	regs16    []uint16
}

func (v *VM) newFrame(routine int, stackBase uint16) *frame {
	return &frame{routine: routine, stackBase: stackBase, regs8: make([]uint8, v.numRegisters), regs16: make([]uint16, v.numRegisters)}
}

func (v *VM) deviceFor(addr uint16) *deviceBinding {
	for i := range v.devices {
		d := &v.devices[i]
		if addr >= d.base && addr < d.base+d.size {
			return d
		}
	}
	return nil
}

func (v *VM) readByte(fr *frame, space ir.Space, addr uint16) (byte, error) {
	switch space {
	case ir.Absolute:
		if d := v.deviceFor(addr); d != nil {
			return d.dev.Read(addr - d.base), nil
		}
		return v.boundsRead(v.static, addr, space)
	case ir.Static:
		return v.boundsRead(v.static, addr, space)
	case ir.Const:
		return v.boundsRead(v.constant, addr, space)
	case ir.Stack:
		return v.boundsRead(v.stack, fr.stackBase+addr, space)
	case ir.Return:
		return v.boundsRead(v.ret, addr, space)
	default:
		return 0, errors.Wrapf(ErrSegfault, "unknown space %s", space)
	}
}

func (v *VM) writeByte(fr *frame, space ir.Space, addr uint16, value byte) error {
	switch space {
	case ir.Absolute:
		if d := v.deviceFor(addr); d != nil {
			d.dev.Write(addr-d.base, value)
			return nil
		}
		return v.boundsWrite(v.static, addr, value, space)
	case ir.Static:
		return v.boundsWrite(v.static, addr, value, space)
	case ir.Const:
		return errors.Wrapf(ErrSegfault, "write to const space at %04x", addr)
	case ir.Stack:
		return v.boundsWrite(v.stack, fr.stackBase+addr, value, space)
	case ir.Return:
		return v.boundsWrite(v.ret, addr, value, space)
	default:
		return errors.Wrapf(ErrSegfault, "unknown space %s", space)
	}
}

func (v *VM) boundsRead(buf []byte, addr uint16, space ir.Space) (byte, error) {
	if int(addr) >= len(buf) {
		return 0, errors.Wrapf(ErrSegfault, "read past end of %s space at %04x", space, addr)
	}
	return buf[addr], nil
}

func (v *VM) boundsWrite(buf []byte, addr uint16, value byte, space ir.Space) error {
	if int(addr) >= len(buf) {
		return errors.Wrapf(ErrSegfault, "write past end of %s space at %04x", space, addr)
	}
	buf[addr] = value
	return nil
}
