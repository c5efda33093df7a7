package lower

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ggbcc/ast"
	"ggbcc/ir"
	"ggbcc/layout"
)

// Context threads the allocators and the in-progress routine list through
// statement lowering. One Context lowers exactly one program and is not
// reentrant (see SPEC_FULL.md §5).
type Context struct {
	Symbols *SymbolAlloc
	Fns     *FnAlloc
	Regs    *RegisterAlloc
	Order   ByteOrder
	Log     *logrus.Entry

	// Routines accumulates one Routine per lowered Fn, in handle order
	// (handle 1 first). Lower prepends the main routine at index 0.
	Routines []ir.Routine

	// StackSize is the routine-wide Stack high-water mark; lowerScope
	// maxes it against every child scope's terminal stack usage. lowerFn
	// resets it to the callee's args_size on entry, matching the
	// distilled source's single mutable `context.stack_size` field.
	StackSize uint16

	// returnLayout is the enclosing function's return layout, or nil at
	// top level / inside a void function.
	returnLayout *layout.Layout
}

func constFoldNoSymbols(e ast.Expression) (uint16, bool) { return ConstExpr(e, nil) }

// toRelative narrows a computed jump distance to the IR's int8 relative
// offset, faulting instead of silently truncating when a routine grows
// past what a single jump can reach.
func toRelative(n int) (int8, error) {
	if n < -128 || n > 127 {
		return 0, errors.Errorf("lower: jump offset %d does not fit in a relative jump", n)
	}
	return int8(n), nil
}

// Lower translates a top-level statement vector into a Program: it emits
// the leading Nop(PERSIST)/trailing Stop(Success) envelope described in
// §4.6's "Top-level Ast" rule, lowering any Fn statements encountered
// along the way into additional routines.
func Lower(stmts []ast.Statement, order ByteOrder, log *logrus.Entry) (prog ir.Program, err error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("lower: internal fault: %v", r)
		}
	}()

	ctx := &Context{
		Symbols: NewSymbolAlloc(order),
		Fns:     NewFnAlloc(),
		Regs:    &RegisterAlloc{},
		Order:   order,
		Log:     log,
	}

	main := []ir.Statement{ir.Nop{Kind: ir.NopPersist}}
	if err := ctx.lowerBlock(stmts, &main); err != nil {
		return ir.Program{}, errors.Wrap(err, "lower: main")
	}
	main = append(main, ir.Stop{Status: ir.Success})

	if usage := ctx.Symbols.StackUsage(); usage > ctx.StackSize {
		ctx.StackSize = usage
	}

	ctx.Regs.Close()

	routines := make([]ir.Routine, 0, len(ctx.Routines)+1)
	routines = append(routines, ir.Routine{Name: "main", Statements: main, StackSize: ctx.StackSize})
	routines = append(routines, ctx.Routines...)

	log.WithField("routines", len(routines)).Debug("lower: program lowered")

	return ir.Program{Const: ctx.Symbols.ConstData(), Routines: routines, Main: 0}, nil
}

// lowerScope is compile_scope from the distilled source: it clones the
// symbol allocator, lowers fn against the clone, then restores the
// parent while keeping the child's Static/Const growth and folding its
// Stack high-water mark into ctx.StackSize. Stack growth itself is
// discarded, since Stack is automatic storage scoped to the block.
func (ctx *Context) lowerScope(fn func(*Context) error) error {
	parent := ctx.Symbols
	child := parent.Clone()
	ctx.Symbols = child

	err := fn(ctx)

	childStatic := ctx.Symbols.StaticUsage()
	childStack := ctx.Symbols.StackUsage()
	childConst := ctx.Symbols.ConstData()

	ctx.Symbols = parent
	if childStack > ctx.StackSize {
		ctx.StackSize = childStack
	}
	parent.SetStaticUsage(childStatic)
	parent.SetConst(childConst)

	return err
}

// lowerBlock lowers a statement vector in order. Panic/Break/Continue/
// Return are terminal: once lowered, anything after them in the same
// block is unreachable and must not be allocated, so lowering stops.
func (ctx *Context) lowerBlock(stmts []ast.Statement, out *[]ir.Statement) error {
	for _, s := range stmts {
		switch st := s.(type) {
		case ast.Panic:
			*out = append(*out, ir.Stop{Status: ir.Error})
			return nil
		case ast.Break:
			*out = append(*out, ir.Nop{Kind: ir.NopBreak})
			return nil
		case ast.Continue:
			*out = append(*out, ir.Nop{Kind: ir.NopContinue})
			return nil
		case ast.Return:
			return ctx.lowerReturn(st, out)
		default:
			if err := ctx.lowerStatement(s, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ctx *Context) lowerStatement(s ast.Statement, out *[]ir.Statement) error {
	switch st := s.(type) {
	case ast.If:
		return ctx.lowerIf(st, out)
	case ast.IfElse:
		return ctx.lowerIfElse(st, out)
	case ast.Scope:
		return ctx.lowerScope(func(c *Context) error { return c.lowerBlock(st.Inner, out) })
	case ast.Mod:
		// Treated as a plain Scope: named-path module resolution beyond
		// scoping is an explicit Non-goal, and nothing else in the spec
		// gives Mod's identifier its own semantics (see ast.Mod).
		return ctx.lowerScope(func(c *Context) error { return c.lowerBlock(st.Inner, out) })
	case ast.Static:
		return ctx.lowerStatic(st)
	case ast.Const:
		return ctx.Symbols.AllocConst(st.Field, st.Expr)
	case ast.Let:
		return ctx.lowerLet(st, out)
	case ast.For:
		return ctx.lowerFor(st, out)
	case ast.Loop:
		return ctx.lowerLoop(st, out)
	case ast.Inline:
		return CompileExprVoid(st.Expr, ctx.Symbols, ctx.Fns, ctx.Regs, out)
	case ast.Fn:
		return ctx.lowerFn(st)
	default:
		return errors.Errorf("lower: unsupported statement %T", s)
	}
}

func (ctx *Context) lowerStatic(st ast.Static) error {
	if st.Offset != nil {
		off, ok := ConstExpr(st.Offset, ctx.Symbols)
		if !ok {
			return errors.New("lower: static offset is not a constant expression")
		}
		return ctx.Symbols.AllocAbsolute(st.Field, off)
	}
	return ctx.Symbols.AllocStatic(st.Field)
}

func (ctx *Context) lowerLet(st ast.Let, out *[]ir.Statement) error {
	addr, err := ctx.Symbols.AllocStackField(st.Field)
	if err != nil {
		return err
	}
	l, err := layout.New(st.Field.Type, constFoldNoSymbols)
	if err != nil {
		return err
	}
	dst := ir.Pointer{Space: ir.Stack, Addr: addr}
	return CompileExpressionIntoPointer(st.Expr, l, ctx.Symbols, ctx.Fns, dst, ctx.Regs, out)
}

func (ctx *Context) lowerReturn(st ast.Return, out *[]ir.Statement) error {
	if ctx.returnLayout != nil {
		if st.Expr == nil {
			return errors.New("lower: function with a return type requires a return expression")
		}
		dst := ir.Pointer{Space: ir.Return, Addr: 0}
		if err := CompileExpressionIntoPointer(st.Expr, *ctx.returnLayout, ctx.Symbols, ctx.Fns, dst, ctx.Regs, out); err != nil {
			return err
		}
	}
	*out = append(*out, ir.Ret{})
	return nil
}

// lowerIf implements §4.6's If rule: a constant-foldable condition skips
// straight-line lowering of dead code entirely; otherwise the condition
// and body are lowered behind a JmpCmpNot.
func (ctx *Context) lowerIf(st ast.If, out *[]ir.Statement) error {
	n, ok := ConstExpr(st.Cond, ctx.Symbols)
	switch {
	case ok && n == 0:
		return nil
	case ok:
		return ctx.lowerScope(func(c *Context) error { return c.lowerBlock(st.Inner, out) })
	default:
		return ctx.lowerScope(func(c *Context) error {
			return c.lowerConditionalBody(st.Cond, st.Inner, false, out)
		})
	}
}

func (ctx *Context) lowerIfElse(st ast.IfElse, out *[]ir.Statement) error {
	n, ok := ConstExpr(st.Cond, ctx.Symbols)
	switch {
	case ok && n == 0:
		return ctx.lowerScope(func(c *Context) error { return c.lowerBlock(st.Else, out) })
	case ok:
		return ctx.lowerScope(func(c *Context) error { return c.lowerBlock(st.Inner, out) })
	default:
		var elseOut []ir.Statement
		if err := ctx.lowerScope(func(c *Context) error { return c.lowerBlock(st.Else, &elseOut) }); err != nil {
			return err
		}
		if err := ctx.lowerScope(func(c *Context) error {
			return c.lowerConditionalBody(st.Cond, st.Inner, true, out)
		}); err != nil {
			return err
		}
		rel, err := toRelative(len(elseOut))
		if err != nil {
			return err
		}
		*out = append(*out, ir.Jmp{Location: ir.Location{Relative: rel}})
		*out = append(*out, elseOut...)
		return nil
	}
}

// lowerConditionalBody compiles cond to an 8-bit source, lowers inner to
// a temporary buffer, and emits JmpCmpNot over it. hasElse extends the
// jump by one statement so it also skips the if-arm's trailing
// unconditional Jmp to the end of the else arm (emitted by the caller).
func (ctx *Context) lowerConditionalBody(cond ast.Expression, inner []ast.Statement, hasElse bool, out *[]ir.Statement) error {
	src, err := CompileExpr(cond, ctx.Symbols, ctx.Fns, ctx.Regs, out)
	if err != nil {
		return err
	}
	FreeSourceRegisters(src, ctx.Regs)

	var body []ir.Statement
	if err := ctx.lowerBlock(inner, &body); err != nil {
		return err
	}

	jmp := len(body)
	if hasElse {
		jmp++
	}
	rel, err := toRelative(jmp)
	if err != nil {
		return err
	}
	*out = append(*out, ir.JmpCmpNot{Location: ir.Location{Relative: rel}, Source: src})
	*out = append(*out, body...)
	return nil
}

func (ctx *Context) lowerLoop(st ast.Loop, out *[]ir.Statement) error {
	return ctx.lowerScope(func(c *Context) error {
		return c.lowerGeneralizedLoop(nil, st.Inner, nil, out)
	})
}

// lowerGeneralizedLoop is the LoopInner shape from §4.6: build
// prefix++body++suffix, append the back-edge Jmp, then resolve every
// BREAK/CONTINUE placeholder against the now-known length.
func (ctx *Context) lowerGeneralizedLoop(prefix []ir.Statement, inner []ast.Statement, suffix []ir.Statement, out *[]ir.Statement) error {
	body := append([]ir.Statement(nil), prefix...)
	if err := ctx.lowerBlock(inner, &body); err != nil {
		return err
	}
	body = append(body, suffix...)

	backEdge, err := toRelative(-(len(body) + 1))
	if err != nil {
		return err
	}
	body = append(body, ir.Jmp{Location: ir.Location{Relative: backEdge}})

	n := len(body)
	for i, s := range body {
		nop, ok := s.(ir.Nop)
		if !ok {
			continue
		}
		switch nop.Kind {
		case ir.NopBreak:
			rel, err := toRelative(n - i - 1)
			if err != nil {
				return err
			}
			body[i] = ir.Jmp{Location: ir.Location{Relative: rel}}
		case ir.NopContinue:
			rel, err := toRelative(-(i + 1))
			if err != nil {
				return err
			}
			body[i] = ir.Jmp{Location: ir.Location{Relative: rel}}
		}
	}

	*out = append(*out, body...)
	return nil
}

// lowerFor implements §4.6's For rule, including the three
// constant-evaluable degenerate range shapes that skip the loop
// machinery entirely and lower to a straight-line body.
func (ctx *Context) lowerFor(st ast.For, out *[]ir.Statement) error {
	return ctx.lowerScope(func(c *Context) error {
		addr, err := c.Symbols.AllocStackField(st.Field)
		if err != nil {
			return err
		}
		inductionPtr := ir.Pointer{Space: ir.Stack, Addr: addr}

		init, err := CompileExpr(st.Range.Left, c.Symbols, c.Fns, c.Regs, out)
		if err != nil {
			return err
		}
		FreeSourceRegisters(init, c.Regs)
		*out = append(*out, ir.Ld{Source: init, Destination: ir.DestPtr(inductionPtr)})

		// Three range shapes fold to a known iteration count at lower
		// time, letting the loop machinery be skipped entirely: a
		// `..+len` range's count is len itself, an inclusive range's
		// count is r-l+1, and a plain exclusive range's count is r-l.
		l, lok := ConstExpr(st.Range.Left, c.Symbols)
		r, rok := ConstExpr(st.Range.Right, c.Symbols)
		if lok && rok {
			count := r - l
			if st.Range.Plus {
				count = r
			} else if st.Range.Inclusive {
				count++
			}
			switch count {
			case 0:
				return nil
			case 1:
				return c.lowerBlock(st.Inner, out)
			}
		}

		end, err := CompileExpr(st.Range.Right, c.Symbols, c.Fns, c.Regs, out)
		if err != nil {
			return err
		}
		endReg := c.Regs.Alloc()
		*out = append(*out, ir.Ld{Source: end, Destination: ir.DestReg(endReg)})
		FreeSourceRegisters(end, c.Regs)
		if st.Range.Inclusive {
			*out = append(*out, ir.Inc{Source: ir.Reg[uint8](endReg), Destination: ir.DestReg(endReg)})
		}

		cmpReg := c.Regs.Alloc()
		prefix := []ir.Statement{
			ir.NewSub(ir.Reg[uint8](endReg), ir.Ptr[uint8](inductionPtr), ir.DestReg(cmpReg)),
			ir.JmpCmp{Location: ir.Location{Relative: 1}, Source: ir.Reg[uint8](cmpReg)},
			ir.Nop{Kind: ir.NopBreak},
		}
		c.Regs.Free(cmpReg)
		suffix := []ir.Statement{
			ir.Inc{Source: ir.Ptr[uint8](inductionPtr), Destination: ir.DestPtr(inductionPtr)},
		}

		if err := c.lowerGeneralizedLoop(prefix, st.Inner, suffix, out); err != nil {
			return err
		}
		c.Regs.Free(endReg)
		return nil
	})
}

// lowerFn implements §4.6's Fn rule: a fresh stack frame, a dense handle,
// argument allocation, and a self-contained routine appended to
// ctx.Routines.
//
// This does not go through the generic lowerScope helper: ClearStack
// starts the callee's Stack cursor over from 0, so the child allocator's
// terminal Stack usage measures the callee's own frame size, a number
// with no relationship to the enclosing scope's Stack high-water mark.
// Folding it into ctx.StackSize the way lowerScope does for an ordinary
// block would let an unrelated function's frame size clobber the
// enclosing routine's tracked maximum. Static/Const growth still survive
// the function body the same way any other scope's does.
func (ctx *Context) lowerFn(st ast.Fn) error {
	parent := ctx.Symbols
	child := parent.Clone()
	ctx.Symbols = child
	prevStackSize := ctx.StackSize

	err := ctx.lowerFnBody(st)

	childStatic := ctx.Symbols.StaticUsage()
	childConst := ctx.Symbols.ConstData()
	ctx.Symbols = parent
	ctx.StackSize = prevStackSize
	parent.SetStaticUsage(childStatic)
	parent.SetConst(childConst)

	return err
}

func (ctx *Context) lowerFnBody(st ast.Fn) error {
	c := ctx
	c.Symbols.ClearStack()

	if _, err := c.Fns.Alloc(st); err != nil {
		return err
	}

	for _, arg := range st.Args {
		if _, err := c.Symbols.AllocStackField(arg); err != nil {
			return err
		}
	}

	argsSize := c.Symbols.StackUsage()
	c.StackSize = argsSize

	var retLayout *layout.Layout
	if st.Return != nil {
		l, err := layout.New(st.Return, constFoldNoSymbols)
		if err != nil {
			return err
		}
		retLayout = &l
	}
	var returnSize uint16
	if retLayout != nil {
		returnSize = retLayout.Size()
	}

	prevReturn := c.returnLayout
	c.returnLayout = retLayout

	body := []ir.Statement{ir.Nop{Kind: ir.NopPersist}}
	err := c.lowerBlock(st.Inner, &body)
	c.returnLayout = prevReturn
	if err != nil {
		return err
	}
	body = append(body, ir.Ret{})

	fnStackSize := c.StackSize

	c.Log.WithField("fn", st.Ident).WithField("stack_size", fnStackSize).Debug("lower: function lowered")

	c.Routines = append(c.Routines, ir.Routine{
		Name:       st.Ident,
		Statements: body,
		StackSize:  fnStackSize,
		ArgsSize:   argsSize,
		ReturnSize: returnSize,
	})
	return nil
}
