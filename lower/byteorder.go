package lower

import "encoding/binary"

// ByteOrder controls how 16-bit literals and aggregates are serialized
// into the const blob and, symmetrically, how the VM reads them back.
// The distilled spec suggests a compile-time type parameter; this port
// uses Go's own encoding/binary.ByteOrder value instead (the teacher
// already depends on encoding/binary and binary.LittleEndian throughout
// its bytecode encoder), so callers just pass binary.LittleEndian or
// binary.BigEndian.
type ByteOrder = binary.ByteOrder
