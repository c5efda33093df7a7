package optimize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ggbcc/ir"
	"ggbcc/optimize"
)

func TestMarkUnreachableRemovesDeadCodeAfterUnconditionalJump(t *testing.T) {
	dst := ir.Pointer{Space: ir.Static, Addr: 0}
	routine := ir.Routine{
		Name: "main",
		Statements: []ir.Statement{
			ir.Jmp{Location: ir.Location{Relative: 1}},
			ir.Ld{Source: ir.Lit[uint8](1), Destination: ir.DestPtr(dst)}, // unreachable
			ir.Stop{Status: ir.Success},
		},
	}

	out, err := optimize.Routine(routine, nil)
	require.NoError(t, err)

	// the dead Ld between the jump and its target is deleted outright,
	// not merely marked, and no Nop(Unreachable) survives in the output.
	require.Len(t, out.Statements, 2)
	for _, s := range out.Statements {
		if nop, ok := s.(ir.Nop); ok {
			assert.NotEqual(t, ir.NopUnreachable, nop.Kind)
		}
	}
	assert.Equal(t, ir.Stop{Status: ir.Success}, out.Statements[1])
}

func TestJumpThreadingSkipsIntermediateJump(t *testing.T) {
	routine := ir.Routine{
		Name: "main",
		Statements: []ir.Statement{
			ir.Jmp{Location: ir.Location{Relative: 1}}, // -> index 2
			ir.Jmp{Location: ir.Location{Relative: 5}}, // unreachable
			ir.Jmp{Location: ir.Location{Relative: 0}}, // intermediate, -> index 3
			ir.Stop{Status: ir.Success},
		},
	}
	out, err := optimize.Routine(routine, nil)
	require.NoError(t, err)
	require.Len(t, out.Statements, 2)
	assert.Equal(t, ir.Stop{Status: ir.Success}, out.Statements[1])
}

func TestSelfLoopIsLeftAlone(t *testing.T) {
	routine := ir.Routine{
		Name: "main",
		Statements: []ir.Statement{
			ir.Jmp{Location: ir.Location{Relative: -1}},
		},
	}
	out, err := optimize.Routine(routine, nil)
	require.NoError(t, err)
	require.Len(t, out.Statements, 1)
	j, ok := out.Statements[0].(ir.Jmp)
	require.True(t, ok)
	assert.Equal(t, int8(-1), j.Location.Relative)
}

func TestConstantFoldedConditionalJumpPrunesDeadBranch(t *testing.T) {
	dst := ir.Pointer{Space: ir.Static, Addr: 0}
	routine := ir.Routine{
		Name: "main",
		Statements: []ir.Statement{
			ir.JmpCmpNot{Location: ir.Location{Relative: 1}, Source: ir.Lit[uint8](0)}, // always taken
			ir.Ld{Source: ir.Lit[uint8](1), Destination: ir.DestPtr(dst)},              // unreachable
			ir.Stop{Status: ir.Success},
		},
	}
	out, err := optimize.Routine(routine, nil)
	require.NoError(t, err)
	// the always-taken branch keeps the dead Ld from ever counting as
	// reachable, so it is deleted; the conditional jump itself survives,
	// since constant folding here only prunes reachability, it does not
	// rewrite JmpCmpNot into an unconditional Jmp.
	require.Len(t, out.Statements, 2)
	assert.Equal(t, ir.Stop{Status: ir.Success}, out.Statements[1])
}
