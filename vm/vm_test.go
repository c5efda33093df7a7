package vm_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ggbcc/ast"
	"ggbcc/ir"
	"ggbcc/lower"
	"ggbcc/optimize"
	"ggbcc/vm"
)

// program builds a one-routine Program wrapping stmts with a trailing
// Stop(Success), matching what lower.Lower would emit for a function
// body with no explicit control flow.
func program(stmts ...ir.Statement) ir.Program {
	all := append(append([]ir.Statement(nil), stmts...), ir.Stop{Status: ir.Success})
	return ir.Program{Routines: []ir.Routine{{Name: "main", Statements: all, StackSize: 16}}, Main: 0}
}

func path(name string) ast.PathExpr { return ast.PathExpr{Path: ast.Path{name}} }

func assign(target ast.Expression, value ast.Expression) ast.Statement {
	return ast.Inline{Expr: ast.Assign{Binary: ast.Binary{Left: target, Right: value}}}
}

func TestVMLoadAndArithmetic(t *testing.T) {
	dst := ir.Pointer{Space: ir.Static, Addr: 0}
	prog := program(
		ir.NewAdd(ir.Lit[uint8](2), ir.Lit[uint8](3), ir.DestReg(0)),
		ir.Ld{Source: ir.Reg[uint8](0), Destination: ir.DestPtr(dst)},
	)

	machine := vm.New(vm.WithStaticSize(16))
	require.NoError(t, machine.Run(prog))
	assert.Equal(t, byte(5), machine.Memory().Static()[0])
}

func TestVMDivideByZeroFaults(t *testing.T) {
	prog := program(
		ir.NewDiv(ir.Lit[uint8](1), ir.Lit[uint8](0), ir.DestReg(0)),
	)
	machine := vm.New()
	err := machine.Run(prog)
	require.Error(t, err)
	assert.ErrorIs(t, err, vm.ErrDivideByZero)
}

func TestVMStopError(t *testing.T) {
	prog := ir.Program{Routines: []ir.Routine{{Name: "main", Statements: []ir.Statement{ir.Stop{Status: ir.Error}}}}, Main: 0}
	machine := vm.New()
	err := machine.Run(prog)
	require.Error(t, err)
	assert.ErrorIs(t, err, vm.ErrPanic)
}

func TestVMJumpSkipsStatement(t *testing.T) {
	dst := ir.Pointer{Space: ir.Static, Addr: 0}
	prog := program(
		ir.Jmp{Location: ir.Location{Relative: 1}},
		ir.Ld{Source: ir.Lit[uint8](0xff), Destination: ir.DestPtr(dst)},
		ir.Ld{Source: ir.Lit[uint8](0x11), Destination: ir.DestPtr(dst)},
	)
	machine := vm.New(vm.WithStaticSize(16))
	require.NoError(t, machine.Run(prog))
	assert.Equal(t, byte(0x11), machine.Memory().Static()[0])
}

// TestVMCallCopiesArgsAndReturn is spec §8 scenario 5: a function call's
// return value lands in the Return space and is observable by the
// caller after the call returns.
func TestVMCallCopiesArgsAndReturn(t *testing.T) {
	argWindow := ir.Pointer{Space: ir.Stack, Addr: 0}
	retWindow := ir.Pointer{Space: ir.Return, Addr: 0}
	dstStatic := ir.Pointer{Space: ir.Static, Addr: 0}

	callee := ir.Routine{
		Name: "double",
		Statements: []ir.Statement{
			ir.NewAdd(ir.Ptr[uint8](argWindow), ir.Ptr[uint8](argWindow), ir.DestPtr(retWindow)),
			ir.Ret{},
		},
		StackSize:  1,
		ArgsSize:   1,
		ReturnSize: 1,
	}

	main := ir.Routine{
		Name: "main",
		Statements: []ir.Statement{
			ir.Ld{Source: ir.Lit[uint8](21), Destination: ir.DestPtr(ir.Pointer{Space: ir.Stack, Addr: 0})},
			ir.Call{Routine: 1, Start: 0, End: 1},
			ir.Ld{Source: ir.Ptr[uint8](retWindow), Destination: ir.DestPtr(dstStatic)},
			ir.Stop{Status: ir.Success},
		},
		StackSize: 1,
	}

	prog := ir.Program{Routines: []ir.Routine{main, callee}, Main: 0}
	machine := vm.New(vm.WithStaticSize(16), vm.WithReturnSize(4))
	require.NoError(t, machine.Run(prog))
	assert.Equal(t, byte(42), machine.Memory().Static()[0])
}

func TestVMDeviceWriteIsObservable(t *testing.T) {
	var buf bytes.Buffer
	console := vm.NewConsoleDevice(&buf)

	dev := ir.Pointer{Space: ir.Absolute, Addr: 0x10}
	prog := program(
		ir.Ld{Source: ir.Lit[uint8]('!'), Destination: ir.DestPtr(dev)},
	)
	machine := vm.New(vm.WithDevice(0x10, 1, console))
	require.NoError(t, machine.Run(prog))
	assert.Equal(t, "!", buf.String())
}

// TestScenarioConstCopiedToStatic is spec §8 scenario 1:
// `const X:u8 = 42; static Y:u8; Y = X;` leaves static_[offset(Y)] == 42.
func TestScenarioConstCopiedToStatic(t *testing.T) {
	stmts := []ast.Statement{
		ast.Const{Field: ast.Field{Ident: "x", Type: ast.U8Type{}}, Expr: ast.Lit{Value: 42}},
		ast.Static{Field: ast.Field{Ident: "y", Type: ast.U8Type{}}},
		assign(path("y"), path("x")),
	}

	prog, err := lower.Lower(stmts, binary.LittleEndian, nil)
	require.NoError(t, err)
	prog, err = optimize.Program(prog, nil)
	require.NoError(t, err)

	machine := vm.New(vm.WithStaticSize(16))
	require.NoError(t, machine.Run(prog))
	assert.Equal(t, byte(42), machine.Memory().Static()[0])
}

// TestScenarioFibonacciArray is spec §8 scenario 2: a non-degenerate For
// loop filling a static array with the Fibonacci sequence via dynamic
// indexing on both sides of the assignment: register-held offsets on the
// right, the induction variable's stack slot as the offset on the left.
func TestScenarioFibonacciArray(t *testing.T) {
	fib := ast.Static{Field: ast.Field{Ident: "fib", Type: ast.ArrayType{Inner: ast.U8Type{}, Len: ast.Lit{Value: 8}}}}

	index := func(sub ast.Expression) ast.Expression {
		return ast.Index{Binary: ast.Binary{Left: sub, Right: path("fib")}}
	}

	stmts := []ast.Statement{
		fib,
		assign(index(ast.Lit{Value: 0}), ast.Lit{Value: 0}),
		assign(index(ast.Lit{Value: 1}), ast.Lit{Value: 1}),
		ast.For{
			Field: ast.Field{Ident: "i", Type: ast.U8Type{}},
			Range: ast.Range{Left: ast.Lit{Value: 2}, Right: ast.Lit{Value: 8}},
			Inner: []ast.Statement{
				assign(index(path("i")), ast.Add{Binary: ast.Binary{
					Left:  index(ast.Sub{Binary: ast.Binary{Left: path("i"), Right: ast.Lit{Value: 1}}}),
					Right: index(ast.Sub{Binary: ast.Binary{Left: path("i"), Right: ast.Lit{Value: 2}}}),
				}}),
			},
		},
	}

	prog, err := lower.Lower(stmts, binary.LittleEndian, nil)
	require.NoError(t, err)
	prog, err = optimize.Program(prog, nil)
	require.NoError(t, err)

	machine := vm.New(vm.WithStaticSize(16))
	require.NoError(t, machine.Run(prog))

	want := []byte{0, 1, 1, 2, 3, 5, 8, 13}
	assert.Equal(t, want, machine.Memory().Static()[:len(want)])
}

// TestScenarioU8Wraparound is spec §8 scenario 6: 8-bit arithmetic wraps
// modulo 256 rather than faulting or widening.
func TestScenarioU8Wraparound(t *testing.T) {
	dst := ir.Pointer{Space: ir.Static, Addr: 0}
	prog := program(
		ir.NewAdd(ir.Lit[uint8](255), ir.Lit[uint8](1), ir.DestReg(0)),
		ir.Ld{Source: ir.Reg[uint8](0), Destination: ir.DestPtr(dst)},
	)

	machine := vm.New(vm.WithStaticSize(16))
	require.NoError(t, machine.Run(prog))
	assert.Equal(t, byte(0), machine.Memory().Static()[0])
}
