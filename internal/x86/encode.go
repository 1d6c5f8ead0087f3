package x86

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoded sizes of the redirect and thunk sequences.
const (
	JmpRel32Size = 5  // E9 rel32
	ShortJmpSize = 2  // EB rel8
	JmpAbsSize   = 14 // FF 25 00000000 imm64
	CallAbsSize  = 16 // FF 15 02000000 EB 08 imm64
	JccAbsSize   = 16 // 7x 0E FF 25 00000000 imm64
)

// Padding bytes compilers place between functions.
var paddingBytes = [...]byte{0x00, 0x90, 0xCC}

// Rel32Reachable reports whether an instruction of size bytes at from can
// reach to with a signed 32-bit displacement.
func Rel32Reachable(from, to uint64, size int) bool {
	rel := int64(to - (from + uint64(size)))
	return rel >= math.MinInt32 && rel <= math.MaxInt32
}

// JmpRel32 encodes `jmp rel32` placed at from.
func JmpRel32(from, to uint64) ([]byte, error) {
	if !Rel32Reachable(from, to, JmpRel32Size) {
		return nil, fmt.Errorf("jmp 0x%x -> 0x%x: displacement overflows rel32", from, to)
	}
	b := make([]byte, JmpRel32Size)
	b[0] = 0xE9
	binary.LittleEndian.PutUint32(b[1:], uint32(int32(int64(to-(from+JmpRel32Size)))))
	return b, nil
}

// ShortJmp encodes `jmp rel8` placed at from.
func ShortJmp(from, to uint64) ([]byte, error) {
	rel := int64(to - (from + ShortJmpSize))
	if rel < math.MinInt8 || rel > math.MaxInt8 {
		return nil, fmt.Errorf("jmp 0x%x -> 0x%x: displacement overflows rel8", from, to)
	}
	return []byte{0xEB, byte(int8(rel))}, nil
}

// JmpAbs encodes `jmp [rip+0]` followed by the 64-bit destination.
func JmpAbs(to uint64) []byte {
	b := []byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint64(b[6:], to)
	return b
}

// CallAbs encodes `call [rip+2]; jmp +8` followed by the 64-bit destination.
func CallAbs(to uint64) []byte {
	b := []byte{0xFF, 0x15, 0x02, 0x00, 0x00, 0x00, 0xEB, 0x08, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint64(b[8:], to)
	return b
}

// JccAbs encodes a conditional absolute jump: a short jump with the
// inverted condition skips over a JmpAbs to the destination.
func JccAbs(cond uint8, to uint64) []byte {
	b := make([]byte, 0, JccAbsSize)
	b = append(b, 0x71^cond&0x0F, JmpAbsSize)
	return append(b, JmpAbs(to)...)
}

// IsCodePadding reports whether b is a run of a single padding byte.
func IsCodePadding(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	first := b[0]
	known := false
	for _, p := range paddingBytes {
		if first == p {
			known = true
			break
		}
	}
	if !known {
		return false
	}
	for _, c := range b[1:] {
		if c != first {
			return false
		}
	}
	return true
}

// FollowJumpChain follows jump stubs (incremental-link thunks, import
// thunks) from addr to the function they forward to. It stops at the first
// instruction that is not an unconditional jump, or after maxDepth hops.
func FollowJumpChain(mem Reader, addr uint64, maxDepth int) (uint64, error) {
	for i := 0; i < maxDepth; i++ {
		inst, err := DecodeAt(mem, addr)
		if err != nil {
			return 0, err
		}
		switch {
		case inst.Class == DirectJump:
			addr = inst.Target
		case inst.IndirectJump && inst.DispSize == 4:
			ptr := uint64(int64(inst.End()) + inst.Disp)
			b, err := mem.Read(ptr, 8)
			if err != nil {
				return 0, fmt.Errorf("read jump slot 0x%x: %w", ptr, err)
			}
			addr = binary.LittleEndian.Uint64(b)
		default:
			return addr, nil
		}
	}
	return addr, nil
}
