package lower_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ggbcc/ast"
	"ggbcc/fixtures"
	"ggbcc/ir"
	"ggbcc/lower"
)

func TestLowerSumProducesOneRoutine(t *testing.T) {
	prog, err := lower.Lower(fixtures.Sum(), binary.LittleEndian, nil)
	require.NoError(t, err)
	require.Len(t, prog.Routines, 1)
	assert.Equal(t, 0, prog.Main)
	assert.Equal(t, "main", prog.Routines[0].Name)

	last := prog.Routines[0].Statements[len(prog.Routines[0].Statements)-1]
	stop, ok := last.(ir.Stop)
	require.True(t, ok)
	assert.Equal(t, ir.Success, stop.Status)
}

func TestLowerDoubleEmitsCalleeRoutineAtHandleIndex(t *testing.T) {
	prog, err := lower.Lower(fixtures.Double(), binary.LittleEndian, nil)
	require.NoError(t, err)

	require.Len(t, prog.Routines, 2)
	assert.Equal(t, "main", prog.Routines[0].Name)
	assert.Equal(t, "double", prog.Routines[1].Name)

	var sawCall bool
	for _, s := range prog.Routines[0].Statements {
		if call, ok := s.(ir.Call); ok {
			sawCall = true
			assert.Equal(t, 1, call.Routine)
		}
	}
	assert.True(t, sawCall, "main should call double")
}

func TestLowerCountToFiveProducesBackwardJump(t *testing.T) {
	prog, err := lower.Lower(fixtures.CountToFive(), binary.LittleEndian, nil)
	require.NoError(t, err)

	var sawBackwardJump bool
	for _, s := range prog.Routines[0].Statements {
		if j, ok := s.(ir.Jmp); ok && j.Location.Relative < 0 {
			sawBackwardJump = true
		}
	}
	assert.True(t, sawBackwardJump, "a for loop over a non-degenerate range must emit a back edge")
}

func TestLowerDuplicateFunctionIsRejected(t *testing.T) {
	stmts := append(fixtures.Double(), fixtures.Double()[0])
	_, err := lower.Lower(stmts, binary.LittleEndian, nil)
	assert.ErrorIs(t, err, lower.ErrDuplicateFn)
}

// A function declared between a scope that needed two stack slots and a
// later statement must not shrink main's recorded high-water mark down
// to the function's own, unrelated frame size.
func TestLowerFnDoesNotClobberEnclosingStackHighWaterMark(t *testing.T) {
	stmts := []ast.Statement{
		ast.If{
			Cond: ast.Lit{Value: 1},
			Inner: []ast.Statement{
				ast.Let{Field: ast.Field{Ident: "x", Type: ast.U8Type{}}, Expr: ast.Lit{Value: 1}},
				ast.Let{Field: ast.Field{Ident: "y", Type: ast.U8Type{}}, Expr: ast.Lit{Value: 2}},
			},
		},
		ast.Fn{
			Ident:  "identity",
			Args:   []ast.Field{{Ident: "n", Type: ast.U8Type{}}},
			Return: ast.U8Type{},
			Inner: []ast.Statement{
				ast.Return{Expr: ast.PathExpr{Path: ast.Path{"n"}}},
			},
		},
		ast.Let{Field: ast.Field{Ident: "z", Type: ast.U8Type{}}, Expr: ast.Lit{Value: 0}},
	}

	prog, err := lower.Lower(stmts, binary.LittleEndian, nil)
	require.NoError(t, err)

	assert.Equal(t, uint16(2), prog.Routines[0].StackSize,
		"main's stack size must reflect the if-branch's two locals, not the unrelated single-argument function frame lowered afterward")
	assert.Equal(t, uint16(1), prog.Routines[1].StackSize, "identity's own frame is just its one argument")
}
