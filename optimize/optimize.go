// Package optimize implements the peephole optimizer run over a routine's
// statement list after lowering: unreachable-code elision, jump threading,
// and physical removal of the Nop placeholders that elision leaves behind.
// It runs each pass to a fixpoint, since threading a jump can expose new
// unreachable code and vice versa.
package optimize

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ggbcc/ir"
)

// maxRounds bounds the fixpoint loop so a pass bug surfaces as an error
// instead of hanging the compiler.
const maxRounds = 4096

// Program runs every routine in prog through Routine and returns the
// rewritten program.
func Program(prog ir.Program, log *logrus.Entry) (ir.Program, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	out := make([]ir.Routine, len(prog.Routines))
	for i, r := range prog.Routines {
		optimized, err := Routine(r, log)
		if err != nil {
			return ir.Program{}, errors.Wrapf(err, "optimize: routine %q", r.Name)
		}
		out[i] = optimized
	}
	prog.Routines = out
	return prog, nil
}

// Routine runs the fixpoint peephole pipeline over one routine's statement
// list and returns the rewritten routine.
func Routine(r ir.Routine, log *logrus.Entry) (ir.Routine, error) {
	stmts := append([]ir.Statement(nil), r.Statements...)

	for round := 0; ; round++ {
		if round >= maxRounds {
			return ir.Routine{}, errors.Errorf("optimize: %q did not converge after %d rounds", r.Name, maxRounds)
		}
		changed := markUnreachable(stmts)
		changed = jumpThreading(stmts) || changed
		removed, rewritten := deleteNops(stmts)
		if removed {
			stmts = rewritten
			changed = true
		}
		if !changed {
			break
		}
	}

	log.WithField("routine", r.Name).WithField("statements", len(stmts)).Debug("optimize: routine reduced")

	r.Statements = stmts
	return r, nil
}

// jumpTarget returns the statement index a jump-like statement at pc
// lands on, and whether s is a jump-like statement at all.
func jumpTarget(stmts []ir.Statement, pc int) (int, bool) {
	switch s := stmts[pc].(type) {
	case ir.Jmp:
		return pc + 1 + int(s.Location.Relative), true
	case ir.JmpCmp:
		return pc + 1 + int(s.Location.Relative), true
	case ir.JmpCmpNot:
		return pc + 1 + int(s.Location.Relative), true
	default:
		return 0, false
	}
}

// markUnreachable performs a reachability DFS from pc 0: Stop and Ret are
// terminal, an unconditional Jmp follows only its target, a conditional
// jump whose source is a compile-time literal folds to the branch that
// literal takes, and any other conditional jump follows both successors.
// Anything never visited is rewritten to Nop(Unreachable). Returns whether
// any statement was newly marked.
func markUnreachable(stmts []ir.Statement) bool {
	n := len(stmts)
	visited := make([]bool, n)
	stack := []int{0}

	for len(stack) > 0 {
		pc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if pc < 0 || pc >= n || visited[pc] {
			continue
		}
		visited[pc] = true

		switch s := stmts[pc].(type) {
		case ir.Stop, ir.Ret:
			// terminal: no successor
		case ir.Jmp:
			stack = append(stack, pc+1+int(s.Location.Relative))
		case ir.JmpCmp:
			if s.Source.Kind == ir.SourceLiteral {
				if s.Source.Literal != 0 {
					stack = append(stack, pc+1+int(s.Location.Relative))
				} else {
					stack = append(stack, pc+1)
				}
				continue
			}
			stack = append(stack, pc+1+int(s.Location.Relative), pc+1)
		case ir.JmpCmpNot:
			if s.Source.Kind == ir.SourceLiteral {
				if s.Source.Literal == 0 {
					stack = append(stack, pc+1+int(s.Location.Relative))
				} else {
					stack = append(stack, pc+1)
				}
				continue
			}
			stack = append(stack, pc+1+int(s.Location.Relative), pc+1)
		default:
			stack = append(stack, pc+1)
		}
	}

	changed := false
	for i, s := range stmts {
		if !visited[i] {
			if nop, ok := s.(ir.Nop); ok && nop.Kind == ir.NopUnreachable {
				continue
			}
			stmts[i] = ir.Nop{Kind: ir.NopUnreachable}
			changed = true
		}
	}
	return changed
}

// jumpThreading rewrites a jump whose target is itself an unconditional
// Jmp to jump straight to that Jmp's own target, short-circuiting the
// intermediate hop. A jump that targets itself (a deliberate spin, or a
// not-yet-reachable self-loop) is left alone.
func jumpThreading(stmts []ir.Statement) bool {
	changed := false
	for pc, s := range stmts {
		target, ok := jumpTarget(stmts, pc)
		if !ok || target == pc || target < 0 || target >= len(stmts) {
			continue
		}
		next, ok := stmts[target].(ir.Jmp)
		if !ok {
			continue
		}
		finalTarget := target + 1 + int(next.Location.Relative)
		if finalTarget == target {
			continue
		}
		rel := finalTarget - pc - 1
		if rel < -128 || rel > 127 {
			continue
		}
		switch j := s.(type) {
		case ir.Jmp:
			stmts[pc] = ir.Jmp{Location: ir.Location{Relative: int8(rel)}}
		case ir.JmpCmp:
			stmts[pc] = ir.JmpCmp{Location: ir.Location{Relative: int8(rel)}, Source: j.Source}
		case ir.JmpCmpNot:
			stmts[pc] = ir.JmpCmpNot{Location: ir.Location{Relative: int8(rel)}, Source: j.Source}
		}
		changed = true
	}
	return changed
}

// deleteNops physically removes every Nop(Unreachable) statement,
// re-targeting every surviving jump to account for the statements removed
// between it and its destination. A jump landing exactly on a removed NOP
// needs one extra decrement, since the NOP it used to land just past is
// itself gone.
func deleteNops(stmts []ir.Statement) (bool, []ir.Statement) {
	removedBefore := make([]int, len(stmts)+1)
	count := 0
	for i, s := range stmts {
		removedBefore[i] = count
		if nop, ok := s.(ir.Nop); ok && nop.Kind == ir.NopUnreachable {
			count++
		}
	}
	removedBefore[len(stmts)] = count
	if count == 0 {
		return false, stmts
	}

	adjust := func(pc int, rel int8) int8 {
		target := pc + 1 + int(rel)
		newPC := pc - removedBefore[clamp(pc, len(stmts))]
		newTarget := target - removedBefore[clamp(target, len(stmts))]
		if target >= 0 && target < len(stmts) {
			if nop, ok := stmts[target].(ir.Nop); ok && nop.Kind == ir.NopUnreachable {
				newTarget--
			}
		}
		return int8(newTarget - newPC - 1)
	}

	out := make([]ir.Statement, 0, len(stmts)-count)
	for pc, s := range stmts {
		if nop, ok := s.(ir.Nop); ok && nop.Kind == ir.NopUnreachable {
			continue
		}
		switch j := s.(type) {
		case ir.Jmp:
			out = append(out, ir.Jmp{Location: ir.Location{Relative: adjust(pc, j.Location.Relative)}})
		case ir.JmpCmp:
			out = append(out, ir.JmpCmp{Location: ir.Location{Relative: adjust(pc, j.Location.Relative)}, Source: j.Source})
		case ir.JmpCmpNot:
			out = append(out, ir.JmpCmpNot{Location: ir.Location{Relative: adjust(pc, j.Location.Relative)}, Source: j.Source})
		default:
			out = append(out, s)
		}
	}
	return true, out
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
