// Package ast defines the node shapes consumed by the lowering engine.
// It is intentionally just data: no lexer or parser lives here, since
// turning source text into these trees is a front-end concern this repo
// does not implement. Tests build trees directly with these constructors.
package ast

import "strings"

// Type is the syntactic type sum: U8Type, I8Type, PointerType, ArrayType,
// StructType, UnionType, NamedType.
type Type interface {
	isType()
}

type U8Type struct{}
type I8Type struct{}

type PointerType struct{ Inner Type }

type ArrayType struct {
	Inner Type
	Len   Expression
}

type Field struct {
	Ident string
	Type  Type
}

type StructType struct{ Fields []Field }
type UnionType struct{ Fields []Field }

// NamedType refers to a type alias by identifier; this repo does not
// resolve aliases (no linker/module resolution beyond named-path scoping),
// so it is kept only so the node shape round-trips.
type NamedType struct{ Ident string }

func (U8Type) isType()     {}
func (I8Type) isType()     {}
func (PointerType) isType() {}
func (ArrayType) isType()  {}
func (StructType) isType() {}
func (UnionType) isType()  {}
func (NamedType) isType()  {}

// Path is a `::`-separated reference to a symbol.
type Path []string

// String joins the path segments the same way the symbol allocator
// qualifies nested-field names.
func (p Path) String() string { return strings.Join(p, "::") }

// Expression is the expression sum type.
type Expression interface {
	isExpression()
}

// Lit is an integer literal. Base is informational (how it was spelled);
// Value already holds the parsed magnitude.
type Lit struct {
	Value uint16
}

type PathExpr struct{ Path Path }

type ArrayExpr struct{ Elems []Expression }

// Minus, AddressOf, Deref, Not are the unary operators (-, @, *, ~).
type Minus struct{ Inner Expression }
type AddressOf struct{ Inner Expression }
type Deref struct{ Inner Expression }
type Not struct{ Inner Expression }

// Binary is embedded by every binary-shaped node (arithmetic, logic,
// shift, compare, assignment, index): Left/Right mirror the original
// grammar's `inner.left`/`inner.right` fields exactly, including Index's
// unusual convention (Left is the subscript expression, Right is the
// indexed path).
type Binary struct {
	Left  Expression
	Right Expression
}

type (
	Add        struct{ Binary }
	Sub        struct{ Binary }
	Mul        struct{ Binary }
	Div        struct{ Binary }
	And        struct{ Binary }
	Or         struct{ Binary }
	Xor        struct{ Binary }
	LeftShift  struct{ Binary }
	RightShift struct{ Binary }

	Eq         struct{ Binary }
	NotEq      struct{ Binary }
	Greater    struct{ Binary }
	GreaterEq  struct{ Binary }
	Less       struct{ Binary }
	LessEq     struct{ Binary }

	Assign      struct{ Binary }
	PlusAssign  struct{ Binary }
	MinusAssign struct{ Binary }
	MulAssign   struct{ Binary }
	DivAssign   struct{ Binary }
	AndAssign   struct{ Binary }
	OrAssign    struct{ Binary }
	XorAssign   struct{ Binary }

	// Index is `[Left]Right`: Left is the subscript, Right is the path.
	Index struct{ Binary }
)

type Call struct {
	Left Expression // must be a PathExpr naming a function
	Args []Expression
}

func (Lit) isExpression()        {}
func (PathExpr) isExpression()   {}
func (ArrayExpr) isExpression()  {}
func (Minus) isExpression()      {}
func (AddressOf) isExpression()  {}
func (Deref) isExpression()      {}
func (Not) isExpression()        {}
func (Add) isExpression()        {}
func (Sub) isExpression()        {}
func (Mul) isExpression()        {}
func (Div) isExpression()        {}
func (And) isExpression()        {}
func (Or) isExpression()         {}
func (Xor) isExpression()        {}
func (LeftShift) isExpression()  {}
func (RightShift) isExpression() {}
func (Eq) isExpression()         {}
func (NotEq) isExpression()      {}
func (Greater) isExpression()    {}
func (GreaterEq) isExpression()  {}
func (Less) isExpression()       {}
func (LessEq) isExpression()     {}
func (Assign) isExpression()     {}
func (PlusAssign) isExpression()  {}
func (MinusAssign) isExpression() {}
func (MulAssign) isExpression()   {}
func (DivAssign) isExpression()   {}
func (AndAssign) isExpression()   {}
func (OrAssign) isExpression()    {}
func (XorAssign) isExpression()   {}
func (Index) isExpression()      {}
func (Call) isExpression()       {}

// Range is `left..[=][+]right`.
type Range struct {
	Left      Expression
	Right     Expression
	Inclusive bool // the `=` in `..=`
	Plus      bool // the `+` in `..+`; see compile.rs's degenerate-case handling
}

// Statement is the statement sum type.
type Statement interface {
	isStatement()
}

type If struct {
	Cond  Expression
	Inner []Statement
}

type IfElse struct {
	Cond  Expression
	Inner []Statement
	Else  []Statement
}

type Scope struct{ Inner []Statement }

// Mod is a named nested scope. The distilled spec lists it as a node
// shape but never gives it lowering semantics in §4.6; this port treats
// it as a Scope (same clone/restore discipline), since module resolution
// beyond named-path scoping is an explicit Non-goal and nothing else in
// the spec hangs off Mod's identifier.
type Mod struct {
	Ident string
	Inner []Statement
}

type Static struct {
	Field  Field
	Offset Expression // nil if absent
}

type Const struct {
	Field Field
	Expr  Expression
}

type Let struct {
	Field Field
	Expr  Expression
}

type For struct {
	Field Field
	Range Range
	Inner []Statement
}

type Loop struct{ Inner []Statement }

type Inline struct{ Expr Expression }

type Fn struct {
	Ident  string
	Args   []Field
	Return Type // nil if void
	Inner  []Statement
}

type Return struct{ Expr Expression } // nil Expr means bare return

type Break struct{}
type Continue struct{}
type Panic struct{}

func (If) isStatement()       {}
func (IfElse) isStatement()   {}
func (Scope) isStatement()    {}
func (Mod) isStatement()      {}
func (Static) isStatement()   {}
func (Const) isStatement()    {}
func (Let) isStatement()      {}
func (For) isStatement()      {}
func (Loop) isStatement()     {}
func (Inline) isStatement()   {}
func (Fn) isStatement()       {}
func (Return) isStatement()   {}
func (Break) isStatement()    {}
func (Continue) isStatement() {}
func (Panic) isStatement()    {}
