// Package layout maps source-level types onto their in-memory byte
// representation: size, field order and (for aggregates) the offsets that
// the symbol allocator hands out.
package layout

import (
	"fmt"

	"github.com/pkg/errors"

	"ggbcc/ast"
)

// Kind discriminates the members of the Layout sum type.
type Kind int

const (
	U8 Kind = iota
	I8
	Array
	Pointer
	Struct
	Union
)

// ErrArrayLenNotConst is returned by New when an array type's length
// expression does not reduce to a compile-time constant.
var ErrArrayLenNotConst = errors.New("array length is not a constant expression")

// Layout is the structural description of a value's byte representation.
// Only one of the kind-specific fields is meaningful for a given Kind:
// Inner/Len for Array, Inner for Pointer, Fields for Struct/Union.
type Layout struct {
	Kind   Kind
	Inner  *Layout
	Len    uint16
	Fields []Layout
}

// U8Layout and I8Layout are the two scalar layouts; they carry no payload
// so a single shared value is safe to reuse.
var (
	U8Layout = Layout{Kind: U8}
	I8Layout = Layout{Kind: I8}
)

// NewArray builds the layout of a fixed-length array.
func NewArray(inner Layout, length uint16) Layout {
	return Layout{Kind: Array, Inner: &inner, Len: length}
}

// NewPointer builds the layout of a pointer to inner.
func NewPointer(inner Layout) Layout {
	return Layout{Kind: Pointer, Inner: &inner}
}

// NewStruct builds the layout of a struct with fields in declaration order.
func NewStruct(fields []Layout) Layout {
	return Layout{Kind: Struct, Fields: fields}
}

// NewUnion builds the layout of a union; field order is preserved but does
// not affect Size.
func NewUnion(fields []Layout) Layout {
	return Layout{Kind: Union, Fields: fields}
}

// New translates a syntactic type into a Layout. ConstFold is used to
// evaluate array length expressions; it must succeed with no symbol
// context, matching the "array length is not a constant expression" rule.
func New(t ast.Type, constFold func(ast.Expression) (uint16, bool)) (Layout, error) {
	switch t := t.(type) {
	case ast.U8Type:
		return U8Layout, nil
	case ast.I8Type:
		return I8Layout, nil
	case ast.PointerType:
		inner, err := New(t.Inner, constFold)
		if err != nil {
			return Layout{}, err
		}
		return NewPointer(inner), nil
	case ast.ArrayType:
		n, ok := constFold(t.Len)
		if !ok {
			return Layout{}, ErrArrayLenNotConst
		}
		inner, err := New(t.Inner, constFold)
		if err != nil {
			return Layout{}, err
		}
		return NewArray(inner, n), nil
	case ast.StructType:
		fields := make([]Layout, len(t.Fields))
		for i, f := range t.Fields {
			l, err := New(f.Type, constFold)
			if err != nil {
				return Layout{}, errors.Wrapf(err, "field %q", f.Ident)
			}
			fields[i] = l
		}
		return NewStruct(fields), nil
	case ast.UnionType:
		fields := make([]Layout, len(t.Fields))
		for i, f := range t.Fields {
			l, err := New(f.Type, constFold)
			if err != nil {
				return Layout{}, errors.Wrapf(err, "field %q", f.Ident)
			}
			fields[i] = l
		}
		return NewUnion(fields), nil
	default:
		return Layout{}, errors.Errorf("unsupported type %T", t)
	}
}

// Size implements the per-kind size rules: U8=I8=1, Pointer=2,
// Array=len*inner.Size, Struct=sum of fields, Union=max of fields.
func (l Layout) Size() uint16 {
	switch l.Kind {
	case U8, I8:
		return 1
	case Pointer:
		return 2
	case Array:
		return l.Len * l.Inner.Size()
	case Struct:
		var total uint16
		for _, f := range l.Fields {
			total += f.Size()
		}
		return total
	case Union:
		var max uint16
		for _, f := range l.Fields {
			if s := f.Size(); s > max {
				max = s
			}
		}
		return max
	default:
		panic(fmt.Sprintf("layout: unknown kind %d", l.Kind))
	}
}

// Equal reports whether two layouts are structurally identical.
func (l Layout) Equal(other Layout) bool {
	if l.Kind != other.Kind {
		return false
	}
	switch l.Kind {
	case U8, I8:
		return true
	case Pointer:
		return l.Inner.Equal(*other.Inner)
	case Array:
		return l.Len == other.Len && l.Inner.Equal(*other.Inner)
	case Struct, Union:
		if len(l.Fields) != len(other.Fields) {
			return false
		}
		for i := range l.Fields {
			if !l.Fields[i].Equal(other.Fields[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (l Layout) String() string {
	switch l.Kind {
	case U8:
		return "u8"
	case I8:
		return "i8"
	case Pointer:
		return fmt.Sprintf("&%s", l.Inner)
	case Array:
		return fmt.Sprintf("[%s; %d]", l.Inner, l.Len)
	case Struct:
		return fmt.Sprintf("struct%v", l.Fields)
	case Union:
		return fmt.Sprintf("union%v", l.Fields)
	default:
		return "<invalid layout>"
	}
}
