// Package lower implements expression and statement lowering: the
// translation of an ast.Statement/ast.Expression tree into a linear
// ir.Program, together with the symbol, register and function allocators
// that lowering consumes. These live in one package because they are as
// tightly coupled in this port as they are in the source they're
// grounded on: const-expression folding needs to read back through the
// symbol allocator, and the symbol allocator needs const-expression
// folding to encode const initializers.
package lower

import (
	"fmt"

	"github.com/pkg/errors"

	"ggbcc/ast"
	"ggbcc/ir"
	"ggbcc/layout"
)

// Symbol is a named memory location: a layout, an offset and a space tag.
type Symbol struct {
	Name   string
	Offset uint16
	Size   uint16
	Layout layout.Layout
	Space  ir.Space
}

// Pointer returns the IR pointer this symbol resolves to.
func (s Symbol) Pointer() ir.Pointer {
	return ir.Pointer{Space: s.Space, Addr: s.Offset}
}

// ErrUndefinedSymbol is wrapped with the looked-up name and returned by
// Get when no symbol of that name has been allocated.
var ErrUndefinedSymbol = errors.New("undefined symbol")

// ErrDuplicateSymbol is returned by the Alloc* methods when name already
// names a symbol in any of the four spaces.
var ErrDuplicateSymbol = errors.New("duplicate symbol")

// SymbolAlloc is the four-space bump allocator: a monotonic cursor and
// symbol list per space, plus the append-only Const byte blob.
type SymbolAlloc struct {
	byteOrder ByteOrder

	constData []byte
	absolute  []Symbol
	static    []Symbol
	constSym  []Symbol
	stack     []Symbol

	absoluteAlloc uint16
	staticAlloc   uint16
	stackAlloc    uint16
}

// NewSymbolAlloc creates an empty allocator using order to encode
// pointer-typed const values.
func NewSymbolAlloc(order ByteOrder) *SymbolAlloc {
	return &SymbolAlloc{byteOrder: order}
}

// Clone returns an independent copy, used to lower a child scope against
// a snapshot (see lowerScope in statement.go).
func (a *SymbolAlloc) Clone() *SymbolAlloc {
	clone := &SymbolAlloc{
		byteOrder:     a.byteOrder,
		constData:     append([]byte(nil), a.constData...),
		absolute:      append([]Symbol(nil), a.absolute...),
		static:        append([]Symbol(nil), a.static...),
		constSym:      append([]Symbol(nil), a.constSym...),
		stack:         append([]Symbol(nil), a.stack...),
		absoluteAlloc: a.absoluteAlloc,
		staticAlloc:   a.staticAlloc,
		stackAlloc:    a.stackAlloc,
	}
	return clone
}

func (a *SymbolAlloc) ConstData() []byte { return a.constData }

func (a *SymbolAlloc) StaticUsage() uint16 { return a.staticAlloc }
func (a *SymbolAlloc) StackUsage() uint16  { return a.stackAlloc }

// SetStaticUsage overrides the static cursor after a child scope restores
// into its parent; usage must not move backwards.
func (a *SymbolAlloc) SetStaticUsage(usage uint16) {
	if usage < a.staticAlloc {
		panic("lower: static usage may only grow when restored from a child scope")
	}
	a.staticAlloc = usage
}

// SetConst replaces the const blob wholesale, returning the previous
// value, mirroring the Rust source's mem::replace-based restore step.
func (a *SymbolAlloc) SetConst(data []byte) []byte {
	prev := a.constData
	a.constData = data
	return prev
}

// ClearStack resets the stack cursor and discards stack symbols; used
// when a function body starts a fresh frame.
func (a *SymbolAlloc) ClearStack() {
	a.stack = nil
	a.stackAlloc = 0
}

func (a *SymbolAlloc) StackAddress() uint16 { return a.stackAlloc }

// AllocStatic flattens field starting at the current Static cursor.
func (a *SymbolAlloc) AllocStatic(field ast.Field) error {
	if !a.isUndefined(field.Ident) {
		return errors.Wrapf(ErrDuplicateSymbol, "%q", field.Ident)
	}
	size, err := computeAllSymbols("", a.staticAlloc, field, ir.Static, &a.static)
	if err != nil {
		return err
	}
	a.staticAlloc += size
	return nil
}

// AllocAbsolute flattens field at the caller-supplied offset. Aliasing
// between absolute symbols is not checked (matches §4.2).
func (a *SymbolAlloc) AllocAbsolute(field ast.Field, offset uint16) error {
	if !a.isUndefined(field.Ident) {
		return errors.Wrapf(ErrDuplicateSymbol, "%q", field.Ident)
	}
	_, err := computeAllSymbols("", offset, field, ir.Absolute, &a.absolute)
	return err
}

// AllocStackField flattens field at the current Stack cursor and returns
// the first address allocated.
func (a *SymbolAlloc) AllocStackField(field ast.Field) (uint16, error) {
	if !a.isUndefined(field.Ident) {
		return 0, errors.Wrapf(ErrDuplicateSymbol, "%q", field.Ident)
	}
	alloc := a.stackAlloc
	size, err := computeAllSymbols("", a.stackAlloc, field, ir.Stack, &a.stack)
	if err != nil {
		return 0, err
	}
	a.stackAlloc += size
	return alloc, nil
}

// AllocConst flattens field at the current length of the const blob, then
// evaluates expr as a constant expression and appends its encoding.
func (a *SymbolAlloc) AllocConst(field ast.Field, expr ast.Expression) error {
	if !a.isUndefined(field.Ident) {
		return errors.Wrapf(ErrDuplicateSymbol, "%q", field.Ident)
	}
	if _, err := computeAllSymbols("", uint16(len(a.constData)), field, ir.Const, &a.constSym); err != nil {
		return err
	}
	l, err := layout.New(field.Type, func(e ast.Expression) (uint16, bool) { return ConstExpr(e, nil) })
	if err != nil {
		return err
	}
	return ComputeConstIntoBytes(a.byteOrder, l, expr, a, &a.constData)
}

// Get looks a symbol up across all four spaces, in stack, static, const,
// absolute order.
func (a *SymbolAlloc) Get(name string) (Symbol, error) {
	for _, list := range [][]Symbol{a.stack, a.static, a.constSym, a.absolute} {
		for _, s := range list {
			if s.Name == name {
				return s, nil
			}
		}
	}
	return Symbol{}, errors.Wrapf(ErrUndefinedSymbol, "%q", name)
}

func (a *SymbolAlloc) isUndefined(ident string) bool {
	for _, list := range [][]Symbol{a.absolute, a.static, a.constSym, a.stack} {
		for _, s := range list {
			if s.Name == ident {
				return false
			}
		}
	}
	return true
}

// computeAllSymbols recurses over field's type, flattening structs (one
// synthetic leaf symbol per field, offsets advancing) and unions (fields
// overlap at the same offset), pushing one Symbol per leaf (U8/I8/Array/
// Pointer) with the qualified `parent::field` name. It returns the total
// size occupied by field.
func computeAllSymbols(prefix string, offset uint16, field ast.Field, space ir.Space, symbols *[]Symbol) (uint16, error) {
	name := field.Ident
	if prefix != "" {
		name = prefix + "::" + field.Ident
	}

	switch t := field.Type.(type) {
	case ast.U8Type, ast.I8Type, ast.ArrayType, ast.PointerType:
		l, err := layout.New(field.Type, func(e ast.Expression) (uint16, bool) { return ConstExpr(e, nil) })
		if err != nil {
			return 0, err
		}
		size := l.Size()
		*symbols = append(*symbols, Symbol{Name: name, Offset: offset, Size: size, Layout: l, Space: space})
		return size, nil
	case ast.StructType:
		var total uint16
		o := offset
		for _, f := range t.Fields {
			size, err := computeAllSymbols(name, o, f, space, symbols)
			if err != nil {
				return 0, err
			}
			o += size
			total += size
		}
		return total, nil
	case ast.UnionType:
		var max uint16
		for _, f := range t.Fields {
			size, err := computeAllSymbols(name, offset, f, space, symbols)
			if err != nil {
				return 0, err
			}
			if size > max {
				max = size
			}
		}
		return max, nil
	default:
		return 0, errors.Errorf("lower: unsupported field type %T", field.Type)
	}
}

// ComputeConstIntoBytes is the layout-guided encoder used by const
// allocation: it appends expr's encoded bytes to out.
func ComputeConstIntoBytes(order ByteOrder, l layout.Layout, expr ast.Expression, symbols *SymbolAlloc, out *[]byte) error {
	switch l.Kind {
	case layout.U8:
		n, ok := ConstExpr(expr, symbols)
		if !ok {
			return errors.New("lower: const initializer is not a constant expression")
		}
		if n > 0xff {
			return errors.Errorf("lower: literal %d out of range for u8", n)
		}
		*out = append(*out, byte(n))
		return nil
	case layout.I8:
		n, ok := ConstExpr(expr, symbols)
		if !ok {
			return errors.New("lower: const initializer is not a constant expression")
		}
		if n > 0x7fff && n < 0xff80 {
			return errors.Errorf("lower: literal %d out of range for i8", int16(n))
		}
		*out = append(*out, byte(int8(n)))
		return nil
	case layout.Pointer:
		n, ok := ConstExpr(expr, symbols)
		if !ok {
			return errors.New("lower: const initializer is not a constant expression")
		}
		buf := make([]byte, 2)
		order.PutUint16(buf, n)
		*out = append(*out, buf...)
		return nil
	case layout.Array:
		arr, ok := expr.(ast.ArrayExpr)
		if !ok {
			return errors.New("lower: const array initializer must be an array literal")
		}
		if uint16(len(arr.Elems)) != l.Len {
			return errors.Errorf("lower: const array literal has %d elements, want %d", len(arr.Elems), l.Len)
		}
		for _, item := range arr.Elems {
			if err := ComputeConstIntoBytes(order, *l.Inner, item, symbols, out); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Errorf("lower: unsupported const layout %s", l)
	}
}

// RegisterAlloc is the virtual register bitset allocator. The zero value
// is ready to use; Close must observe an empty bitset.
type RegisterAlloc struct {
	bitset uint64
}

// Alloc returns the lowest clear bit and sets it.
func (r *RegisterAlloc) Alloc() int {
	i := r.min()
	r.bitset |= 1 << uint(i)
	return i
}

// Free clears bit i. It panics if the bit was not set, matching the
// source's assert-on-double-free.
func (r *RegisterAlloc) Free(i int) {
	bit := uint64(1) << uint(i)
	if r.bitset&bit == 0 {
		panic(fmt.Sprintf("lower: register %d freed while not allocated", i))
	}
	r.bitset &^= bit
}

func (r *RegisterAlloc) min() int {
	for i := 0; i < 64; i++ {
		if r.bitset&(1<<uint(i)) == 0 {
			return i
		}
	}
	panic("lower: register bank exhausted")
}

// Len reports the number of currently live registers.
func (r *RegisterAlloc) Len() int {
	n := 0
	b := r.bitset
	for b != 0 {
		n++
		b &= b - 1
	}
	return n
}

// Close asserts the bitset is empty ("register leak" otherwise). Lower
// invokes it once, after main has been lowered; function bodies share the
// same allocator, so a register leaked in any routine is still live then.
func (r *RegisterAlloc) Close() {
	if r.bitset != 0 {
		panic(fmt.Sprintf("lower: register leak, bitset=%064b", r.bitset))
	}
}

// Fn records a lowered function's signature.
type Fn struct {
	ArgLayout []layout.Layout
	RetLayout *layout.Layout
}

// ErrDuplicateFn is returned by Alloc when name is already allocated.
var ErrDuplicateFn = errors.New("duplicate function")

// FnAlloc assigns stable dense handles to functions by name.
type FnAlloc struct {
	byName map[string]int
	fns    []Fn
}

func NewFnAlloc() *FnAlloc {
	return &FnAlloc{byName: map[string]int{}}
}

// Alloc records fnAST's signature and returns its handle. Handles start at
// 1: index 0 of the final routine vector is reserved for main (see
// Lower in statement.go), so a handle doubles as the direct index into
// that vector with no further translation at Call sites.
func (f *FnAlloc) Alloc(fnAST ast.Fn) (int, error) {
	if _, ok := f.byName[fnAST.Ident]; ok {
		return 0, errors.Wrapf(ErrDuplicateFn, "%q", fnAST.Ident)
	}
	var argLayout []layout.Layout
	for _, arg := range fnAST.Args {
		l, err := layout.New(arg.Type, func(e ast.Expression) (uint16, bool) { return ConstExpr(e, nil) })
		if err != nil {
			return 0, err
		}
		argLayout = append(argLayout, l)
	}
	var retLayout *layout.Layout
	if fnAST.Return != nil {
		l, err := layout.New(fnAST.Return, func(e ast.Expression) (uint16, bool) { return ConstExpr(e, nil) })
		if err != nil {
			return 0, err
		}
		retLayout = &l
	}
	id := len(f.fns) + 1
	f.fns = append(f.fns, Fn{ArgLayout: argLayout, RetLayout: retLayout})
	f.byName[fnAST.Ident] = id
	return id, nil
}

// Get returns the function registered under name and its handle.
func (f *FnAlloc) Get(name string) (Fn, int, error) {
	id, ok := f.byName[name]
	if !ok {
		return Fn{}, 0, errors.Wrapf(ErrUndefinedSymbol, "function %q", name)
	}
	return f.fns[id-1], id, nil
}
