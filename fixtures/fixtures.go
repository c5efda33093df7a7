// Package fixtures holds small, hand-built ast.Statement programs used by
// cmd/ggbcc and by package tests. Nothing in this repo turns source text
// into an ast tree (see ast's own doc comment), so the CLI's `build`/
// `run`/`disasm`/`debug` commands select one of these by name instead of
// reading a source file.
package fixtures

import "ggbcc/ast"

func path(name string) ast.PathExpr { return ast.PathExpr{Path: ast.Path{name}} }

func assign(target string, value ast.Expression) ast.Statement {
	return ast.Inline{Expr: ast.Assign{Binary: ast.Binary{Left: path(target), Right: value}}}
}

// Sum declares three static bytes and computes result = a + b entirely
// with inline assignment statements — the smallest program that
// exercises Static allocation, assignment lowering and the Add opcode.
func Sum() []ast.Statement {
	return []ast.Statement{
		ast.Static{Field: ast.Field{Ident: "a", Type: ast.U8Type{}}},
		ast.Static{Field: ast.Field{Ident: "b", Type: ast.U8Type{}}},
		ast.Static{Field: ast.Field{Ident: "result", Type: ast.U8Type{}}},
		assign("a", ast.Lit{Value: 10}),
		assign("b", ast.Lit{Value: 20}),
		assign("result", ast.Add{Binary: ast.Binary{Left: path("a"), Right: path("b")}}),
	}
}

// Double declares a one-argument function returning twice its input,
// calls it from the top level, and stores the result — exercising Fn/
// Return/Call lowering and the Return-space copy-out.
func Double() []ast.Statement {
	return []ast.Statement{
		ast.Fn{
			Ident:  "double",
			Args:   []ast.Field{{Ident: "n", Type: ast.U8Type{}}},
			Return: ast.U8Type{},
			Inner: []ast.Statement{
				ast.Return{Expr: ast.Add{Binary: ast.Binary{Left: path("n"), Right: path("n")}}},
			},
		},
		ast.Static{Field: ast.Field{Ident: "out", Type: ast.U8Type{}}},
		ast.Let{
			Field: ast.Field{Ident: "r", Type: ast.U8Type{}},
			Expr:  ast.Call{Left: path("double"), Args: []ast.Expression{ast.Lit{Value: 21}}},
		},
		assign("out", path("r")),
	}
}

// CountToFive sums 0..4 into a static counter, exercising the
// non-degenerate For lowering path (induction variable, bound check,
// back edge) and giving the optimizer real jumps to thread.
func CountToFive() []ast.Statement {
	return []ast.Statement{
		ast.Static{Field: ast.Field{Ident: "counter", Type: ast.U8Type{}}},
		ast.For{
			Field: ast.Field{Ident: "i", Type: ast.U8Type{}},
			Range: ast.Range{Left: ast.Lit{Value: 0}, Right: ast.Lit{Value: 5}},
			Inner: []ast.Statement{
				assign("counter", ast.Add{Binary: ast.Binary{Left: path("counter"), Right: path("i")}}),
			},
		},
	}
}

// Registry maps fixture names to their builder, used by cmd/ggbcc's
// --fixture flag.
var Registry = map[string]func() []ast.Statement{
	"sum":           Sum,
	"double":        Double,
	"count-to-five": CountToFive,
}

// Names returns the registered fixture names for help text and error
// messages.
func Names() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	return names
}
