package vm

import (
	"github.com/pkg/errors"

	"ggbcc/ir"
)

func (v *VM) readSource8(fr *frame, s ir.Source[uint8]) (uint8, error) {
	switch s.Kind {
	case ir.SourceLiteral:
		return s.Literal, nil
	case ir.SourceRegister:
		return fr.regs8[s.Register], nil
	default:
		addr, err := v.pointerAddr8(fr, s.Base, s.Offset)
		if err != nil {
			return 0, err
		}
		return v.readByte(fr, s.Base.Space, addr)
	}
}

func (v *VM) readSource16(fr *frame, s ir.Source[uint16]) (uint16, error) {
	switch s.Kind {
	case ir.SourceLiteral:
		return s.Literal, nil
	case ir.SourceRegister:
		return fr.regs16[s.Register], nil
	default:
		addr, err := v.pointerAddr8(fr, s.Base, s.Offset)
		if err != nil {
			return 0, err
		}
		lo, err := v.readByte(fr, s.Base.Space, addr)
		if err != nil {
			return 0, err
		}
		hi, err := v.readByte(fr, s.Base.Space, addr+1)
		if err != nil {
			return 0, err
		}
		buf := [2]byte{lo, hi}
		return v.order.Uint16(buf[:]), nil
	}
}

func (v *VM) pointerAddr8(fr *frame, base ir.Pointer, offset *ir.Source[uint8]) (uint16, error) {
	if offset == nil {
		return base.Addr, nil
	}
	off, err := v.readSource8(fr, *offset)
	if err != nil {
		return 0, err
	}
	return base.Addr + uint16(off), nil
}

func (v *VM) writeDest8(fr *frame, d ir.Destination, value uint8) error {
	if d.Kind == ir.DestRegister {
		fr.regs8[d.Register] = value
		return nil
	}
	addr, err := v.pointerAddr8(fr, d.Base, d.Offset)
	if err != nil {
		return err
	}
	return v.writeByte(fr, d.Base.Space, addr, value)
}

func (v *VM) writeDest16(fr *frame, d ir.Destination, value uint16) error {
	if d.Kind == ir.DestRegister {
		fr.regs16[d.Register] = value
		return nil
	}
	addr, err := v.pointerAddr8(fr, d.Base, d.Offset)
	if err != nil {
		return err
	}
	buf := make([]byte, 2)
	v.order.PutUint16(buf, value)
	if err := v.writeByte(fr, d.Base.Space, addr, buf[0]); err != nil {
		return err
	}
	return v.writeByte(fr, d.Base.Space, addr+1, buf[1])
}

// binary8 evaluates l op r per fn and writes the result to dst.
func (v *VM) binary8(fr *frame, l, r ir.Source[uint8], dst ir.Destination, fn func(a, b uint8) (uint8, error)) error {
	a, err := v.readSource8(fr, l)
	if err != nil {
		return err
	}
	b, err := v.readSource8(fr, r)
	if err != nil {
		return err
	}
	result, err := fn(a, b)
	if err != nil {
		return err
	}
	return v.writeDest8(fr, dst, result)
}

func (v *VM) binary16(fr *frame, l, r ir.Source[uint16], dst ir.Destination, fn func(a, b uint16) (uint16, error)) error {
	a, err := v.readSource16(fr, l)
	if err != nil {
		return err
	}
	b, err := v.readSource16(fr, r)
	if err != nil {
		return err
	}
	result, err := fn(a, b)
	if err != nil {
		return err
	}
	return v.writeDest16(fr, dst, result)
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// stepResult tells the fetch-execute loop how to advance after one
// ir.Statement: delta moves the PC in the current frame, call/ret hand
// control to Run's frame-stack management, halted stops the whole VM.
type stepResult struct {
	delta   int
	call    *ir.Call
	ret     bool
	halted  bool
	success bool
}

func (v *VM) execStatement(fr *frame, stmt ir.Statement) (stepResult, error) {
	switch s := stmt.(type) {
	case ir.Nop:
		return stepResult{delta: 1}, nil

	case ir.Stop:
		return stepResult{halted: true, success: s.Status == ir.Success}, nil

	case ir.Ld:
		val, err := v.readSource8(fr, s.Source)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{delta: 1}, v.writeDest8(fr, s.Destination, val)

	case ir.LdW:
		val, err := v.readSource16(fr, s.Source)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{delta: 1}, v.writeDest16(fr, s.Destination, val)

	case ir.LdAddr:
		addr, err := v.pointerAddr8(fr, s.Source.Base, s.Source.Offset)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{delta: 1}, v.writeDest16(fr, s.Destination, addr)

	case ir.Inc:
		val, err := v.readSource8(fr, s.Source)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{delta: 1}, v.writeDest8(fr, s.Destination, val+1)
	case ir.Dec:
		val, err := v.readSource8(fr, s.Source)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{delta: 1}, v.writeDest8(fr, s.Destination, val-1)
	case ir.IncW:
		val, err := v.readSource16(fr, s.Source)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{delta: 1}, v.writeDest16(fr, s.Destination, val+1)
	case ir.DecW:
		val, err := v.readSource16(fr, s.Source)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{delta: 1}, v.writeDest16(fr, s.Destination, val-1)

	case ir.Add:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return a + b, nil })
	case ir.Sub:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return a - b, nil })
	case ir.And:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return a & b, nil })
	case ir.Xor:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return a ^ b, nil })
	case ir.Or:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return a | b, nil })
	case ir.LeftShift:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return a << b, nil })
	case ir.RightShift:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return a >> b, nil })
	case ir.Mul:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return a * b, nil })
	case ir.Div:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) {
			if b == 0 {
				return 0, ErrDivideByZero
			}
			return a / b, nil
		})
	case ir.Rem:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) {
			if b == 0 {
				return 0, ErrDivideByZero
			}
			return a % b, nil
		})

	case ir.AddW:
		return stepResult{delta: 1}, v.binary16(fr, s.Left, s.Right, s.Destination, func(a, b uint16) (uint16, error) { return a + b, nil })
	case ir.SubW:
		return stepResult{delta: 1}, v.binary16(fr, s.Left, s.Right, s.Destination, func(a, b uint16) (uint16, error) { return a - b, nil })
	case ir.AndW:
		return stepResult{delta: 1}, v.binary16(fr, s.Left, s.Right, s.Destination, func(a, b uint16) (uint16, error) { return a & b, nil })
	case ir.XorW:
		return stepResult{delta: 1}, v.binary16(fr, s.Left, s.Right, s.Destination, func(a, b uint16) (uint16, error) { return a ^ b, nil })
	case ir.OrW:
		return stepResult{delta: 1}, v.binary16(fr, s.Left, s.Right, s.Destination, func(a, b uint16) (uint16, error) { return a | b, nil })
	case ir.MulW:
		return stepResult{delta: 1}, v.binary16(fr, s.Left, s.Right, s.Destination, func(a, b uint16) (uint16, error) { return a * b, nil })
	case ir.DivW:
		return stepResult{delta: 1}, v.binary16(fr, s.Left, s.Right, s.Destination, func(a, b uint16) (uint16, error) {
			if b == 0 {
				return 0, ErrDivideByZero
			}
			return a / b, nil
		})
	case ir.RemW:
		return stepResult{delta: 1}, v.binary16(fr, s.Left, s.Right, s.Destination, func(a, b uint16) (uint16, error) {
			if b == 0 {
				return 0, ErrDivideByZero
			}
			return a % b, nil
		})

	case ir.LeftShiftW:
		amt, err := v.readSource8(fr, s.Right)
		if err != nil {
			return stepResult{}, err
		}
		val, err := v.readSource16(fr, s.Left)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{delta: 1}, v.writeDest16(fr, s.Destination, val<<amt)
	case ir.RightShiftW:
		amt, err := v.readSource8(fr, s.Right)
		if err != nil {
			return stepResult{}, err
		}
		val, err := v.readSource16(fr, s.Left)
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{delta: 1}, v.writeDest16(fr, s.Destination, val>>amt)

	case ir.Eq:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return boolToU8(a == b), nil })
	case ir.NotEq:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return boolToU8(a != b), nil })
	case ir.Greater:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return boolToU8(a > b), nil })
	case ir.GreaterEq:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return boolToU8(a >= b), nil })
	case ir.Less:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return boolToU8(a < b), nil })
	case ir.LessEq:
		return stepResult{delta: 1}, v.binary8(fr, s.Left, s.Right, s.Destination, func(a, b uint8) (uint8, error) { return boolToU8(a <= b), nil })

	case ir.Jmp:
		return stepResult{delta: int(s.Location.Relative) + 1}, nil

	case ir.JmpCmp:
		val, err := v.readSource8(fr, s.Source)
		if err != nil {
			return stepResult{}, err
		}
		if val != 0 {
			return stepResult{delta: int(s.Location.Relative) + 1}, nil
		}
		return stepResult{delta: 1}, nil

	case ir.JmpCmpNot:
		val, err := v.readSource8(fr, s.Source)
		if err != nil {
			return stepResult{}, err
		}
		if val == 0 {
			return stepResult{delta: int(s.Location.Relative) + 1}, nil
		}
		return stepResult{delta: 1}, nil

	case ir.Call:
		call := s
		return stepResult{call: &call}, nil

	case ir.Ret:
		return stepResult{ret: true}, nil

	default:
		return stepResult{}, errors.Errorf("vm: unhandled statement %T", stmt)
	}
}
