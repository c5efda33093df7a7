// Command ggbcc is the compiler/VM toolchain's entry point: a cobra
// command tree (build/run/disasm/debug) over the small set of built-in
// fixture programs, replacing the teacher's own flag-parsing main.go
// preamble with the same command-tree shape the rest of this pack's
// compiler-adjacent tools use.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ggbcc/fixtures"
	"ggbcc/ir"
	"ggbcc/lower"
	"ggbcc/optimize"
	"ggbcc/vm"
)

var (
	fixtureName string
	bigEndian   bool
	logLevel    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ggbcc",
		Short:         "middle-end compiler and VM for the embedded 8-bit language",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&fixtureName, "fixture", "sum", fmt.Sprintf("fixture program to compile, one of %v", fixtures.Names()))
	root.PersistentFlags().BoolVar(&bigEndian, "big-endian", false, "encode 16-bit literals big-endian instead of little-endian")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	root.AddCommand(newBuildCmd(), newRunCmd(), newDisasmCmd(), newDebugCmd())
	return root
}

func newLogger() *logrus.Entry {
	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	log.SetLevel(level)
	return logrus.NewEntry(log)
}

func byteOrder() binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// buildProgram lowers and optimizes the selected fixture, the "AST
// fixture -> optimized IR" pipeline named in SPEC_FULL.md §2's CLI row.
func buildProgram() (ir.Program, error) {
	build, ok := fixtures.Registry[fixtureName]
	if !ok {
		return ir.Program{}, errors.Errorf("unknown fixture %q, available: %v", fixtureName, fixtures.Names())
	}
	log := newLogger()

	prog, err := lower.Lower(build(), byteOrder(), log)
	if err != nil {
		return ir.Program{}, errors.Wrap(err, "lower")
	}
	prog, err = optimize.Program(prog, log)
	if err != nil {
		return ir.Program{}, errors.Wrap(err, "optimize")
	}
	return prog, nil
}

func newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "lower and optimize a fixture, printing its routines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			prog, err := buildProgram()
			if err != nil {
				return err
			}
			printProgram(cmd.OutOrStdout(), prog)
			return nil
		},
	}
}

func newDisasmCmd() *cobra.Command {
	var routineName string
	cmd := &cobra.Command{
		Use:   "disasm",
		Short: "print the mnemonic form of one routine, or every routine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			prog, err := buildProgram()
			if err != nil {
				return err
			}
			if routineName == "" {
				printProgram(cmd.OutOrStdout(), prog)
				return nil
			}
			for _, r := range prog.Routines {
				if r.Name == routineName {
					printRoutine(cmd.OutOrStdout(), r)
					return nil
				}
			}
			return errors.Errorf("no routine named %q", routineName)
		},
	}
	cmd.Flags().StringVar(&routineName, "routine", "", "print only this routine")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "build a fixture and execute it, printing its terminal memory and error state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			prog, err := buildProgram()
			if err != nil {
				return err
			}
			machine := vm.New(
				vm.WithByteOrder(byteOrder()),
				vm.WithLogger(newLogger()),
				vm.WithStdout(cmd.OutOrStdout()),
				vm.WithStdin(cmd.InOrStdin()),
			)
			runErr := machine.Run(prog)
			fmt.Fprint(cmd.OutOrStdout(), machine.Memory())
			if runErr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %v\n", runErr)
				return runErr
			}
			fmt.Fprintln(cmd.OutOrStdout(), "error: none")
			return nil
		},
	}
}

func newDebugCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "debug",
		Short: "execute a fixture under the interactive single-step REPL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			prog, err := buildProgram()
			if err != nil {
				return err
			}
			machine := vm.New(
				vm.WithByteOrder(byteOrder()),
				vm.WithLogger(newLogger()),
				vm.WithStdout(cmd.OutOrStdout()),
				vm.WithStdin(cmd.InOrStdin()),
			)
			return machine.RunDebug(prog)
		},
	}
}

func printProgram(w io.Writer, prog ir.Program) {
	for _, r := range prog.Routines {
		printRoutine(w, r)
	}
}

func printRoutine(w io.Writer, r ir.Routine) {
	fmt.Fprintf(w, "routine %s (stack=%d args=%d return=%d)\n", r.Name, r.StackSize, r.ArgsSize, r.ReturnSize)
	for i, s := range r.Statements {
		fmt.Fprintf(w, "  [%d] %s\n", i, s)
	}
}
