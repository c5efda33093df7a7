package lower

import (
	"github.com/pkg/errors"

	"ggbcc/ast"
	"ggbcc/ir"
	"ggbcc/layout"
)

// ErrUnsupportedVoidExpression is returned by CompileExprVoid for any
// expression shape outside literals, paths and the assignment family —
// see SPEC_FULL.md §9's resolution of the distilled spec's open gap.
var ErrUnsupportedVoidExpression = errors.New("unsupported expression in void context")

// ConstExpr recursively folds a closed expression. symbols may be nil: a
// nil allocator means "no symbol context," used when evaluating array
// lengths in layout.New. Any path reference or dereference that cannot be
// resolved through symbols yields (0, false).
func ConstExpr(expr ast.Expression, symbols *SymbolAlloc) (uint16, bool) {
	switch e := expr.(type) {
	case ast.Lit:
		return e.Value, true

	case ast.PathExpr:
		if symbols == nil {
			return 0, false
		}
		sym, err := symbols.Get(e.Path.String())
		if err != nil || sym.Space != ir.Const || sym.Layout.Kind != layout.U8 {
			return 0, false
		}
		if int(sym.Offset) >= len(symbols.constData) {
			return 0, false
		}
		return uint16(symbols.constData[sym.Offset]), true

	case ast.Not:
		v, ok := ConstExpr(e.Inner, symbols)
		if !ok {
			return 0, false
		}
		return ^v, true

	case ast.Add:
		return foldBinary(e.Left, e.Right, symbols, func(l, r uint16) uint16 { return l + r })
	case ast.Sub:
		return foldBinary(e.Left, e.Right, symbols, func(l, r uint16) uint16 { return l - r })
	case ast.Mul:
		return foldBinary(e.Left, e.Right, symbols, func(l, r uint16) uint16 { return l * r })
	case ast.Div:
		l, ok := ConstExpr(e.Left, symbols)
		if !ok {
			return 0, false
		}
		r, ok := ConstExpr(e.Right, symbols)
		if !ok {
			return 0, false
		}
		if r == 0 {
			return 0, false
		}
		return l / r, true
	case ast.And:
		return foldBinary(e.Left, e.Right, symbols, func(l, r uint16) uint16 { return l & r })
	case ast.Or:
		return foldBinary(e.Left, e.Right, symbols, func(l, r uint16) uint16 { return l | r })
	case ast.Xor:
		return foldBinary(e.Left, e.Right, symbols, func(l, r uint16) uint16 { return l ^ r })
	case ast.LeftShift:
		return foldBinary(e.Left, e.Right, symbols, func(l, r uint16) uint16 { return l << r })
	case ast.RightShift:
		return foldBinary(e.Left, e.Right, symbols, func(l, r uint16) uint16 { return l >> r })

	// Comparisons fold their own left and right operands independently.
	// (The distilled Rust source evaluates `left` twice here by mistake;
	// this port implements the corrected, symmetrical behavior — see
	// SPEC_FULL.md §4.5.)
	case ast.Eq:
		return foldCompare(e.Left, e.Right, symbols, func(l, r uint16) bool { return l == r })
	case ast.NotEq:
		return foldCompare(e.Left, e.Right, symbols, func(l, r uint16) bool { return l != r })
	case ast.Greater:
		return foldCompare(e.Left, e.Right, symbols, func(l, r uint16) bool { return l > r })
	case ast.GreaterEq:
		return foldCompare(e.Left, e.Right, symbols, func(l, r uint16) bool { return l >= r })
	case ast.Less:
		return foldCompare(e.Left, e.Right, symbols, func(l, r uint16) bool { return l < r })
	case ast.LessEq:
		return foldCompare(e.Left, e.Right, symbols, func(l, r uint16) bool { return l <= r })

	default:
		return 0, false
	}
}

func foldBinary(left, right ast.Expression, symbols *SymbolAlloc, op func(l, r uint16) uint16) (uint16, bool) {
	l, ok := ConstExpr(left, symbols)
	if !ok {
		return 0, false
	}
	r, ok := ConstExpr(right, symbols)
	if !ok {
		return 0, false
	}
	return op(l, r), true
}

func foldCompare(left, right ast.Expression, symbols *SymbolAlloc, cmp func(l, r uint16) bool) (uint16, bool) {
	l, ok := ConstExpr(left, symbols)
	if !ok {
		return 0, false
	}
	r, ok := ConstExpr(right, symbols)
	if !ok {
		return 0, false
	}
	if cmp(l, r) {
		return 1, true
	}
	return 0, true
}

// FreeSourceRegisters releases any register(s) embedded in src, recursing
// into a pointer's dynamic offset.
func FreeSourceRegisters(src ir.Source[uint8], regs *RegisterAlloc) {
	switch src.Kind {
	case ir.SourceRegister:
		regs.Free(src.Register)
	case ir.SourcePointer:
		if src.Offset != nil {
			FreeSourceRegisters(*src.Offset, regs)
		}
	}
}

// FreeDestinationRegisters releases any register(s) embedded in dst.
func FreeDestinationRegisters(dst ir.Destination, regs *RegisterAlloc) {
	switch dst.Kind {
	case ir.DestRegister:
		regs.Free(dst.Register)
	case ir.DestPointer:
		if dst.Offset != nil {
			FreeSourceRegisters(*dst.Offset, regs)
		}
	}
}

// destinationToSource converts a Destination into the equivalent Source,
// used when an ALU op's destination also needs to be read as an operand
// (e.g. `+=`).
func destinationToSource(dst ir.Destination) ir.Source[uint8] {
	switch dst.Kind {
	case ir.DestRegister:
		return ir.Reg[uint8](dst.Register)
	default:
		if dst.Offset != nil {
			return ir.PtrOffset[uint8](dst.Base, *dst.Offset)
		}
		return ir.Ptr[uint8](dst.Base)
	}
}

// CompileExpr compiles an expression whose result fits in one 8-bit
// source. The caller owns any register embedded in the result and must
// free it via FreeSourceRegisters.
func CompileExpr(expr ast.Expression, symbols *SymbolAlloc, fns *FnAlloc, regs *RegisterAlloc, out *[]ir.Statement) (ir.Source[uint8], error) {
	if n, ok := ConstExpr(expr, symbols); ok {
		if n > 0xff {
			return ir.Source[uint8]{}, errors.Errorf("lower: literal %d does not fit in u8", n)
		}
		return ir.Lit(uint8(n)), nil
	}

	switch e := expr.(type) {
	case ast.PathExpr:
		sym, err := symbols.Get(e.Path.String())
		if err != nil {
			return ir.Source[uint8]{}, err
		}
		return ir.Ptr[uint8](sym.Pointer()), nil

	case ast.Index:
		sym, err := symbols.Get(pathName(e.Right))
		if err != nil {
			return ir.Source[uint8]{}, err
		}
		offset, err := CompileExpr(e.Left, symbols, fns, regs, out)
		if err != nil {
			return ir.Source[uint8]{}, err
		}
		return ir.PtrOffset[uint8](sym.Pointer(), offset), nil

	default:
		return compileArithmetic(expr, symbols, fns, regs, out)
	}
}

// pathName extracts the dotted name from an expression known to be a
// PathExpr (e.g. the right-hand side of an Index).
func pathName(expr ast.Expression) string {
	if p, ok := expr.(ast.PathExpr); ok {
		return p.Path.String()
	}
	return ""
}

// compileArithmetic handles every binary arithmetic/logic/shift/compare
// expression shape shared by CompileExpr: recursively compile both
// operands, emit the op with a freshly allocated destination register,
// free the operand registers, and return the destination as a Source.
func compileArithmetic(expr ast.Expression, symbols *SymbolAlloc, fns *FnAlloc, regs *RegisterAlloc, out *[]ir.Statement) (ir.Source[uint8], error) {
	binary, emit, err := arithmeticEmitter(expr)
	if err != nil {
		return ir.Source[uint8]{}, err
	}

	left, err := CompileExpr(binary.Left, symbols, fns, regs, out)
	if err != nil {
		return ir.Source[uint8]{}, err
	}
	right, err := CompileExpr(binary.Right, symbols, fns, regs, out)
	if err != nil {
		return ir.Source[uint8]{}, err
	}

	dst := regs.Alloc()
	*out = append(*out, emit(left, right, ir.DestReg(dst)))

	FreeSourceRegisters(left, regs)
	FreeSourceRegisters(right, regs)

	return ir.Reg[uint8](dst), nil
}

type binaryEmitter func(left, right ir.Source[uint8], dst ir.Destination) ir.Statement

func arithmeticEmitter(expr ast.Expression) (ast.Binary, binaryEmitter, error) {
	switch e := expr.(type) {
	case ast.Add:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewAdd(l, r, d) }, nil
	case ast.Sub:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewSub(l, r, d) }, nil
	case ast.Mul:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewMul(l, r, d) }, nil
	case ast.Div:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewDiv(l, r, d) }, nil
	case ast.And:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewAnd(l, r, d) }, nil
	case ast.Or:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewOr(l, r, d) }, nil
	case ast.Xor:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewXor(l, r, d) }, nil
	case ast.LeftShift:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewLeftShift(l, r, d) }, nil
	case ast.RightShift:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewRightShift(l, r, d) }, nil
	case ast.Eq:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewEq(l, r, d) }, nil
	case ast.NotEq:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewNotEq(l, r, d) }, nil
	case ast.Greater:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewGreater(l, r, d) }, nil
	case ast.GreaterEq:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewGreaterEq(l, r, d) }, nil
	case ast.Less:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewLess(l, r, d) }, nil
	case ast.LessEq:
		return e.Binary, func(l, r ir.Source[uint8], d ir.Destination) ir.Statement { return ir.NewLessEq(l, r, d) }, nil
	default:
		return ast.Binary{}, nil, errors.Errorf("lower: unsupported expression %T in 8-bit context", expr)
	}
}

// assignDestination evaluates an assignment's lhs to a Destination: a bare
// path becomes a pointer with no offset; `[idx]path` becomes a pointer
// with a dynamically compiled offset.
func assignDestination(lhs ast.Expression, symbols *SymbolAlloc, fns *FnAlloc, regs *RegisterAlloc, out *[]ir.Statement) (ir.Destination, error) {
	switch e := lhs.(type) {
	case ast.PathExpr:
		sym, err := symbols.Get(e.Path.String())
		if err != nil {
			return ir.Destination{}, err
		}
		return ir.DestPtr(sym.Pointer()), nil
	case ast.Index:
		sym, err := symbols.Get(pathName(e.Right))
		if err != nil {
			return ir.Destination{}, err
		}
		offset, err := CompileExpr(e.Left, symbols, fns, regs, out)
		if err != nil {
			return ir.Destination{}, err
		}
		return ir.DestPtrOffset(sym.Pointer(), offset), nil
	default:
		return ir.Destination{}, errors.Errorf("lower: unsupported assignment target %T", lhs)
	}
}

// CompileAssign lowers one of the eight assignment forms (`=`, `+=`, ...).
func CompileAssign(expr ast.Expression, symbols *SymbolAlloc, fns *FnAlloc, regs *RegisterAlloc, out *[]ir.Statement) error {
	binary, combine, err := assignEmitter(expr)
	if err != nil {
		return err
	}

	dst, err := assignDestination(binary.Left, symbols, fns, regs, out)
	if err != nil {
		return err
	}
	rhs, err := CompileExpr(binary.Right, symbols, fns, regs, out)
	if err != nil {
		return err
	}

	*out = append(*out, combine(dst, rhs))

	FreeDestinationRegisters(dst, regs)
	FreeSourceRegisters(rhs, regs)
	return nil
}

type assignEmitter func(dst ir.Destination, rhs ir.Source[uint8]) ir.Statement

func assignEmitter(expr ast.Expression) (ast.Binary, assignEmitter, error) {
	switch e := expr.(type) {
	case ast.Assign:
		return e.Binary, func(d ir.Destination, r ir.Source[uint8]) ir.Statement {
			return ir.Ld{Source: r, Destination: d}
		}, nil
	case ast.PlusAssign:
		return e.Binary, func(d ir.Destination, r ir.Source[uint8]) ir.Statement {
			return ir.NewAdd(destinationToSource(d), r, d)
		}, nil
	case ast.MinusAssign:
		return e.Binary, func(d ir.Destination, r ir.Source[uint8]) ir.Statement {
			return ir.NewSub(destinationToSource(d), r, d)
		}, nil
	case ast.MulAssign:
		return e.Binary, func(d ir.Destination, r ir.Source[uint8]) ir.Statement {
			return ir.NewMul(destinationToSource(d), r, d)
		}, nil
	case ast.DivAssign:
		return e.Binary, func(d ir.Destination, r ir.Source[uint8]) ir.Statement {
			return ir.NewDiv(destinationToSource(d), r, d)
		}, nil
	case ast.AndAssign:
		return e.Binary, func(d ir.Destination, r ir.Source[uint8]) ir.Statement {
			return ir.NewAnd(destinationToSource(d), r, d)
		}, nil
	case ast.OrAssign:
		return e.Binary, func(d ir.Destination, r ir.Source[uint8]) ir.Statement {
			return ir.NewOr(destinationToSource(d), r, d)
		}, nil
	case ast.XorAssign:
		return e.Binary, func(d ir.Destination, r ir.Source[uint8]) ir.Statement {
			return ir.NewXor(destinationToSource(d), r, d)
		}, nil
	default:
		return ast.Binary{}, nil, errors.Errorf("lower: %T is not an assignment", expr)
	}
}

func isAssignment(expr ast.Expression) bool {
	switch expr.(type) {
	case ast.Assign, ast.PlusAssign, ast.MinusAssign, ast.MulAssign, ast.DivAssign, ast.AndAssign, ast.OrAssign, ast.XorAssign:
		return true
	default:
		return false
	}
}

// CompileExprVoid is the statement-level form used by inline expressions.
// Literals and paths are no-ops; assignments compile as usual; any other
// shape returns ErrUnsupportedVoidExpression (see SPEC_FULL.md §9).
func CompileExprVoid(expr ast.Expression, symbols *SymbolAlloc, fns *FnAlloc, regs *RegisterAlloc, out *[]ir.Statement) error {
	switch expr.(type) {
	case ast.Lit, ast.PathExpr:
		return nil
	default:
		if isAssignment(expr) {
			return CompileAssign(expr, symbols, fns, regs, out)
		}
		return errors.Wrapf(ErrUnsupportedVoidExpression, "%T", expr)
	}
}

// CompileExpressionIntoPointer is the most general lowering form: it
// stores the result of expr at dst with the given layout.
func CompileExpressionIntoPointer(expr ast.Expression, l layout.Layout, symbols *SymbolAlloc, fns *FnAlloc, dst ir.Pointer, regs *RegisterAlloc, out *[]ir.Statement) error {
	switch l.Kind {
	case layout.U8, layout.I8:
		if _, ok := expr.(ast.Call); ok {
			return compileAggregateInto(expr, l, symbols, fns, dst, regs, out)
		}
		src, err := CompileExpr(expr, symbols, fns, regs, out)
		if err != nil {
			return err
		}
		*out = append(*out, ir.Ld{Source: src, Destination: ir.DestPtr(dst)})
		FreeSourceRegisters(src, regs)
		return nil

	case layout.Pointer:
		if addrOf, ok := expr.(ast.AddressOf); ok {
			return compileAddressOf(addrOf, l, symbols, dst, out)
		}
		return errors.Errorf("lower: expected address-of expression for pointer layout, got %T", expr)

	case layout.Array:
		if arr, ok := expr.(ast.ArrayExpr); ok {
			if uint16(len(arr.Elems)) != l.Len {
				return errors.Errorf("lower: array literal has %d elements, want %d", len(arr.Elems), l.Len)
			}
			elemSize := l.Inner.Size()
			for i, elem := range arr.Elems {
				offset := elemSize * uint16(i)
				if err := CompileExpressionIntoPointer(elem, *l.Inner, symbols, fns, dst.Offset(offset), regs, out); err != nil {
					return err
				}
			}
			return nil
		}
		// Fall through to the aggregate-path / call cases below.
		return compileAggregateInto(expr, l, symbols, fns, dst, regs, out)

	case layout.Struct, layout.Union:
		return compileAggregateInto(expr, l, symbols, fns, dst, regs, out)

	default:
		return errors.Errorf("lower: unsupported layout %s", l)
	}
}

// compileAggregateInto handles the two remaining general shapes: a bare
// path of matching (aggregate) layout, copied byte-by-byte, and a
// function call of any return layout, whose arguments are copied into a
// fresh stack window and whose return value is copied out of the Return
// space.
func compileAggregateInto(expr ast.Expression, l layout.Layout, symbols *SymbolAlloc, fns *FnAlloc, dst ir.Pointer, regs *RegisterAlloc, out *[]ir.Statement) error {
	switch e := expr.(type) {
	case ast.PathExpr:
		sym, err := symbols.Get(e.Path.String())
		if err != nil {
			return err
		}
		srcBase := sym.Pointer()
		for offset := uint16(0); offset < l.Size(); offset++ {
			*out = append(*out, ir.Ld{
				Source:      ir.Ptr[uint8](srcBase.Offset(offset)),
				Destination: ir.DestPtr(dst.Offset(offset)),
			})
		}
		return nil

	case ast.Call:
		ident, ok := e.Left.(ast.PathExpr)
		if !ok {
			return errors.New("lower: call target must be a bare function name")
		}
		fn, routine, err := fns.Get(ident.Path.String())
		if err != nil {
			return err
		}
		if fn.RetLayout == nil || !fn.RetLayout.Equal(l) {
			return errors.Errorf("lower: function %q does not return %s", ident.Path, l)
		}
		if len(e.Args) != len(fn.ArgLayout) {
			return errors.Errorf("lower: function %q expects %d arguments, got %d", ident.Path, len(fn.ArgLayout), len(e.Args))
		}

		start := symbols.StackAddress()
		offset := uint16(0)
		for i, arg := range e.Args {
			if err := CompileExpressionIntoPointer(arg, fn.ArgLayout[i], symbols, fns, ir.Pointer{Space: ir.Stack, Addr: start + offset}, regs, out); err != nil {
				return err
			}
			offset += fn.ArgLayout[i].Size()
		}

		*out = append(*out, ir.Call{Routine: routine, Start: start, End: start + offset})

		for i := uint16(0); i < l.Size(); i++ {
			*out = append(*out, ir.Ld{
				Source:      ir.Ptr[uint8](ir.Pointer{Space: ir.Return, Addr: i}),
				Destination: ir.DestPtr(dst.Offset(i)),
			})
		}
		return nil

	default:
		return errors.Errorf("lower: unsupported expression %T for aggregate layout %s", expr, l)
	}
}

// compileAddressOf lowers `@path` and `@[idx]path` into an LdAddr.
func compileAddressOf(addrOf ast.AddressOf, ptrLayout layout.Layout, symbols *SymbolAlloc, dst ir.Pointer, out *[]ir.Statement) error {
	switch inner := addrOf.Inner.(type) {
	case ast.PathExpr:
		sym, err := symbols.Get(inner.Path.String())
		if err != nil {
			return err
		}
		if !ptrLayout.Inner.Equal(sym.Layout) {
			return errors.Errorf("lower: address-of layout mismatch: %s vs %s", ptrLayout.Inner, sym.Layout)
		}
		*out = append(*out, ir.LdAddr{
			Source:      ir.Ptr[uint16](sym.Pointer()),
			Destination: ir.DestPtr(dst),
		})
		return nil

	case ast.Index:
		path, ok := inner.Right.(ast.PathExpr)
		if !ok {
			return errors.New("lower: address-of index target must be a bare path")
		}
		sym, err := symbols.Get(path.Path.String())
		if err != nil {
			return err
		}
		if sym.Layout.Kind != layout.Array {
			return errors.Errorf("lower: address-of index requires an array symbol, got %s", sym.Layout)
		}
		if !ptrLayout.Inner.Equal(*sym.Layout.Inner) {
			return errors.Errorf("lower: address-of layout mismatch: %s vs %s", ptrLayout.Inner, sym.Layout.Inner)
		}
		n, ok := ConstExpr(inner.Left, symbols)
		if !ok {
			return errors.New("lower: address-of index requires a constant index (dynamic indices are not supported here)")
		}
		offset := sym.Offset + sym.Layout.Inner.Size()*n
		*out = append(*out, ir.LdAddr{
			Source:      ir.Ptr[uint16](ir.Pointer{Space: sym.Space, Addr: offset}),
			Destination: ir.DestPtr(dst),
		})
		return nil

	default:
		return errors.Errorf("lower: unsupported address-of operand %T", addrOf.Inner)
	}
}
