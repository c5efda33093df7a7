package vm

import (
	"fmt"
	"strings"
)

// Memory is the VM's terminal memory state: a snapshot of the four
// spaces named in SPEC_FULL.md §4.8, taken after Run or RunDebug
// returns. Absolute and Static back the same underlying buffer (see
// readByte/writeByte in vm.go), so Absolute() and Static() return
// identical contents; both accessors exist to name the space the way
// callers address it in ir.Pointer.
type Memory struct {
	absolute []byte
	static   []byte
	constant []byte
	stack    []byte
}

func (m Memory) Absolute() []byte { return m.absolute }
func (m Memory) Static() []byte   { return m.static }
func (m Memory) Const() []byte    { return m.constant }
func (m Memory) Stack() []byte    { return m.stack }

// String renders each space's size and its non-zero bytes. The backing
// buffers are sized to the configured address space (64KB by default),
// so dumping every byte would bury the handful a program actually
// touched; this is what cmd/ggbcc's run command prints for the
// "terminal memory state" SPEC_FULL.md §6 calls for.
func (m Memory) String() string {
	var b strings.Builder
	for _, region := range []struct {
		name string
		data []byte
	}{
		{"absolute", m.absolute},
		{"static", m.static},
		{"const", m.constant},
		{"stack", m.stack},
	} {
		fmt.Fprintf(&b, "%s[%d]:", region.name, len(region.data))
		any := false
		for addr, v := range region.data {
			if v != 0 {
				fmt.Fprintf(&b, " %04x=%02x", addr, v)
				any = true
			}
		}
		if !any {
			fmt.Fprint(&b, " (all zero)")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Memory snapshots the VM's terminal memory state. Call it after Run or
// RunDebug returns: each buffer is copied so the snapshot can never
// alias a later mutation.
func (v *VM) Memory() Memory {
	return Memory{
		absolute: append([]byte(nil), v.static...),
		static:   append([]byte(nil), v.static...),
		constant: append([]byte(nil), v.constant...),
		stack:    append([]byte(nil), v.stack...),
	}
}
