package vm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"ggbcc/ir"
)

// callFrames tracks the routine/pc/stack-window triple for every
// in-flight call, the combined PC stack, routine stack, and stack-frame
// window stack SPEC_FULL.md §4.8 describes.
type callFrames struct {
	frames   []*frame
	stackTop uint16
}

func (v *VM) pushFrame(cf *callFrames, routine int, stackSize uint16) (*frame, error) {
	if int(cf.stackTop)+int(stackSize) > len(v.stack) {
		return nil, errors.Wrapf(ErrSegfault, "stack overflow entering routine %d", routine)
	}
	fr := v.newFrame(routine, cf.stackTop)
	cf.stackTop += stackSize
	cf.frames = append(cf.frames, fr)
	return fr, nil
}

func (v *VM) popFrame(cf *callFrames, stackSize uint16) {
	cf.frames = cf.frames[:len(cf.frames)-1]
	cf.stackTop -= stackSize
}

// breakpoint identifies a (routine, statement index) pair set from the
// debug REPL's `b`/`break` command.
type breakpoint struct {
	routine, pc int
}

// debugHooks lets RunDebug observe and pause the fetch-execute loop; Run
// passes nil and pays no cost for it.
type debugHooks struct {
	out         io.Writer
	in          *bufio.Reader
	interactive bool
	breakpoints map[breakpoint]struct{}
	stepping    bool
}

func newDebugHooks(in io.Reader, out io.Writer) *debugHooks {
	h := &debugHooks{
		out:         out,
		in:          bufio.NewReader(in),
		breakpoints: map[breakpoint]struct{}{},
		stepping:    true,
	}
	if f, ok := in.(*os.File); ok {
		h.interactive = term.IsTerminal(int(f.Fd()))
	}
	fmt.Fprintf(out, "Commands:\n\tn or next: execute next statement\n\tr or run: run to completion or breakpoint\n\tb or break <routine> <pc>: toggle a breakpoint\n\n")
	return h
}

// before pauses ahead of the statement at (routine, pc) when single-stepping
// or when a breakpoint is set there, driving the n/r/b REPL until the user
// asks to proceed; otherwise it returns at once.
func (h *debugHooks) before(routine, pc int, prog ir.Program, fr *frame) {
	_, atBreak := h.breakpoints[breakpoint{routine, pc}]
	if !h.stepping && !atBreak {
		return
	}
	h.stepping = true
	for {
		fmt.Fprintf(h.out, "%s[%d]: %s\n", prog.Routines[routine].Name, pc, prog.Routines[routine].Statements[pc])
		if h.interactive {
			fmt.Fprint(h.out, "-> ")
		}
		line, _ := h.in.ReadString('\n')
		line = strings.ToLower(strings.TrimSpace(line))
		switch {
		case line == "" || line == "n" || line == "next":
			return
		case line == "r" || line == "run":
			h.stepping = false
			return
		case strings.HasPrefix(line, "b"):
			fields := strings.Fields(line)
			if len(fields) != 3 {
				fmt.Fprintln(h.out, "usage: break <routine> <pc>")
				continue
			}
			r, err1 := strconv.Atoi(fields[1])
			p, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				fmt.Fprintln(h.out, "break expects two integers")
				continue
			}
			bp := breakpoint{r, p}
			if _, ok := h.breakpoints[bp]; ok {
				delete(h.breakpoints, bp)
				fmt.Fprintln(h.out, "breakpoint removed")
			} else {
				h.breakpoints[bp] = struct{}{}
				fmt.Fprintln(h.out, "breakpoint set")
			}
		default:
			fmt.Fprintln(h.out, "unrecognized command")
		}
	}
}

// Run drives prog to completion starting at prog.Main, disabling the GC
// for the duration the way the teacher's own RunProgram does: lowering
// and VM construction allocate everything up front, so collecting during
// the hot fetch-execute loop only costs time.
func (v *VM) Run(prog ir.Program) error {
	return v.run(prog, nil)
}

// RunDebug drives prog under the single-stepping REPL.
func (v *VM) RunDebug(prog ir.Program) error {
	return v.run(prog, newDebugHooks(v.in, v.out))
}

func (v *VM) run(prog ir.Program, hooks *debugHooks) (err error) {
	prevPercent := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(prevPercent)

	v.constant = append([]byte(nil), prog.Const...)

	for _, b := range v.devices {
		info := b.dev.Info()
		v.log.WithField("device", info.Name).WithField("base", b.base).WithField("size", info.Size).Debug("vm: device mapped")
		b.dev.Reset()
	}

	defer func() {
		for _, b := range v.devices {
			b.dev.Close()
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("vm: internal fault: %v", r)
		}
	}()

	if prog.Main < 0 || prog.Main >= len(prog.Routines) {
		return errors.Errorf("vm: invalid entry routine %d", prog.Main)
	}

	cf := &callFrames{}
	fr, err := v.pushFrame(cf, prog.Main, prog.Routines[prog.Main].StackSize)
	if err != nil {
		return err
	}

	for {
		fr = cf.frames[len(cf.frames)-1]
		routine := prog.Routines[fr.routine]
		if fr.pc < 0 || fr.pc >= len(routine.Statements) {
			return errors.Errorf("vm: pc %d out of range in routine %q", fr.pc, routine.Name)
		}

		if hooks != nil {
			hooks.before(fr.routine, fr.pc, prog, fr)
		}

		stmt := routine.Statements[fr.pc]
		res, err := v.execStatement(fr, stmt)
		if err != nil {
			return errors.Wrapf(err, "vm: fault in routine %q at %d", routine.Name, fr.pc)
		}

		switch {
		case res.halted:
			if res.success {
				return nil
			}
			return ErrPanic
		case res.call != nil:
			callee := prog.Routines[res.call.Routine]
			argLen := res.call.End - res.call.Start
			fr.pc++
			callerFrame := fr
			calleeFrame, err := v.pushFrame(cf, res.call.Routine, callee.StackSize)
			if err != nil {
				return err
			}
			if argLen > 0 {
				copy(v.stack[calleeFrame.stackBase:calleeFrame.stackBase+argLen],
					v.stack[callerFrame.stackBase+res.call.Start:callerFrame.stackBase+res.call.End])
			}
			for i := int(calleeFrame.stackBase) + int(argLen); i < int(calleeFrame.stackBase)+int(callee.StackSize); i++ {
				v.stack[i] = 0
			}
		case res.ret:
			v.popFrame(cf, routine.StackSize)
			if len(cf.frames) == 0 {
				return nil
			}
		default:
			fr.pc += res.delta
		}
	}
}
