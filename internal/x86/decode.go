// Package x86 decodes and classifies x86-64 instructions for relocation.
//
// Decoding is delegated to golang.org/x/arch/x86/x86asm; this package only
// adds what relocating a function prologue needs: a coarse class, the
// location and width of PC-relative fields, and absolute branch targets.
package x86

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// MaxLen is the architectural maximum instruction length.
const MaxLen = 15

// Class is the relocation-relevant category of an instruction.
type Class int

const (
	Plain Class = iota
	DirectCall
	DirectJump
	DirectConditionalJump
	Return
	RipRelativeOperand
)

func (c Class) String() string {
	switch c {
	case Plain:
		return "plain"
	case DirectCall:
		return "call"
	case DirectJump:
		return "jmp"
	case DirectConditionalJump:
		return "jcc"
	case Return:
		return "ret"
	case RipRelativeOperand:
		return "rip-rel"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Prefix is a set of legacy and REX prefixes present on an instruction.
type Prefix uint16

const (
	PrefixOperandSize Prefix = 1 << iota
	PrefixAddressSize
	PrefixSegment
	PrefixLock
	PrefixRep
	PrefixRepne
	PrefixRex
)

// Has reports whether all bits of q are set in p.
func (p Prefix) Has(q Prefix) bool { return p&q == q }

var (
	// ErrInvalid reports an illegal or undefined encoding.
	ErrInvalid = errors.New("invalid instruction")
	// ErrTruncated reports an instruction running past the readable bytes.
	ErrTruncated = errors.New("truncated instruction")
)

// DecodeError is returned when the bytes at Addr cannot be decoded.
type DecodeError struct {
	Addr  uint64
	Bytes []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode at 0x%x [% x]: %v", e.Addr, e.Bytes, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Instruction is one decoded instruction.
type Instruction struct {
	Addr     uint64
	Len      int
	Class    Class
	Prefixes Prefix

	// Displacement (RIP-relative memory operand) or relative branch offset.
	Disp       int64
	DispSize   int // bytes: 1, 2 or 4; 0 if absent
	DispOffset int // offset of the field within Raw

	Imm     int64
	ImmSize int // 0 if absent

	Cond         uint8  // condition nibble of a Jcc (0x70-0x7F low bits)
	Loop         bool   // LOOP/LOOPcc/JrCXZ: conditional, but has no inverse form
	IndirectJump bool   // jmp through a RIP-relative operand
	Target       uint64 // destination of a direct branch

	Raw  []byte
	Inst x86asm.Inst
}

// End returns the address following the instruction.
func (i Instruction) End() uint64 { return i.Addr + uint64(i.Len) }

// String renders the instruction in Intel syntax.
func (i Instruction) String() string {
	return x86asm.IntelSyntax(i.Inst, i.Addr, nil)
}

var jccConds = map[x86asm.Op]uint8{
	x86asm.JO: 0x0, x86asm.JNO: 0x1, x86asm.JB: 0x2, x86asm.JAE: 0x3,
	x86asm.JE: 0x4, x86asm.JNE: 0x5, x86asm.JBE: 0x6, x86asm.JA: 0x7,
	x86asm.JS: 0x8, x86asm.JNS: 0x9, x86asm.JP: 0xA, x86asm.JNP: 0xB,
	x86asm.JL: 0xC, x86asm.JGE: 0xD, x86asm.JLE: 0xE, x86asm.JG: 0xF,
}

// Decode decodes the first instruction in code, which is located at pc.
func Decode(code []byte, pc uint64) (Instruction, error) {
	if len(code) > MaxLen {
		code = code[:MaxLen]
	}
	inst, err := x86asm.Decode(code, 64)
	if err == nil && inst.Op == 0 {
		// x86asm reports both undefined opcodes and short input as a
		// one-byte prefix pseudo-instruction.
		err = ErrInvalid
		if len(code) < MaxLen {
			padded := make([]byte, MaxLen)
			copy(padded, code)
			if full, perr := x86asm.Decode(padded, 64); perr == nil && full.Op != 0 && full.Len > len(code) {
				err = ErrTruncated
			}
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, x86asm.ErrTruncated):
		err = ErrTruncated
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrTruncated):
	default:
		err = fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err != nil {
		return Instruction{}, &DecodeError{Addr: pc, Bytes: append([]byte(nil), code...), Err: err}
	}

	out := Instruction{
		Addr: pc,
		Len:  inst.Len,
		Raw:  append([]byte(nil), code[:inst.Len]...),
		Inst: inst,
	}
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		if p&x86asm.PrefixInvalid != 0 {
			return Instruction{}, &DecodeError{Addr: pc, Bytes: out.Raw, Err: ErrInvalid}
		}
		out.Prefixes |= classifyPrefix(p)
	}

	if inst.PCRel > 0 {
		out.DispOffset = inst.PCRelOff
		out.DispSize = inst.PCRel
		out.Disp = readSigned(out.Raw[inst.PCRelOff:], inst.PCRel)
	}

	rel, isRel := inst.Args[0].(x86asm.Rel)
	switch {
	case inst.Op == x86asm.CALL && isRel:
		out.Class = DirectCall
	case inst.Op == x86asm.JMP && isRel:
		out.Class = DirectJump
	case isRel && isConditional(inst.Op):
		out.Class = DirectConditionalJump
		out.Cond = jccConds[inst.Op]
		_, known := jccConds[inst.Op]
		out.Loop = !known
	case inst.Op == x86asm.RET || inst.Op == x86asm.LRET:
		out.Class = Return
	case hasRipOperand(inst):
		out.Class = RipRelativeOperand
		out.IndirectJump = inst.Op == x86asm.JMP
	default:
		out.Class = Plain
	}
	if isRel {
		out.Target = out.End() + uint64(int64(rel))
	}

	out.Imm, out.ImmSize = immediate(out)
	return out, nil
}

// Reader reads bytes from an address space.
type Reader interface {
	Read(addr, size uint64) ([]byte, error)
}

// DecodeAt reads and decodes the instruction at addr.
func DecodeAt(mem Reader, addr uint64) (Instruction, error) {
	code, err := mem.Read(addr, MaxLen)
	if err != nil {
		// The instruction may end just before an unmapped page.
		n := 0x1000 - addr&0xFFF
		if n >= MaxLen {
			return Instruction{}, &DecodeError{Addr: addr, Err: err}
		}
		code, err = mem.Read(addr, n)
		if err != nil {
			return Instruction{}, &DecodeError{Addr: addr, Err: err}
		}
	}
	return Decode(code, addr)
}

func isConditional(op x86asm.Op) bool {
	if _, ok := jccConds[op]; ok {
		return true
	}
	switch op {
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return true
	}
	return false
}

func hasRipOperand(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if m, ok := a.(x86asm.Mem); ok && m.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

func classifyPrefix(p x86asm.Prefix) Prefix {
	b := p & 0xFF
	switch {
	case b == x86asm.PrefixDataSize:
		return PrefixOperandSize
	case b == x86asm.PrefixAddrSize:
		return PrefixAddressSize
	case b == x86asm.PrefixES, b == x86asm.PrefixCS, b == x86asm.PrefixSS,
		b == x86asm.PrefixDS, b == x86asm.PrefixFS, b == x86asm.PrefixGS:
		return PrefixSegment
	case b == x86asm.PrefixLOCK:
		return PrefixLock
	case b == x86asm.PrefixREP:
		return PrefixRep
	case b == x86asm.PrefixREPN:
		return PrefixRepne
	case b&0xF0 == x86asm.PrefixREX:
		return PrefixRex
	}
	return 0
}

func readSigned(b []byte, size int) int64 {
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	shift := uint(64 - 8*size)
	return int64(v<<shift) >> shift
}

// immediate locates the immediate operand. x86asm does not report its
// width, so the trailing bytes are matched against the decoded value.
func immediate(in Instruction) (int64, int) {
	var imm int64
	found := false
	for _, a := range in.Inst.Args {
		if a == nil {
			break
		}
		if v, ok := a.(x86asm.Imm); ok {
			imm, found = int64(v), true
		}
	}
	if !found {
		return 0, 0
	}
	if in.Class == RipRelativeOperand {
		return imm, in.Len - (in.DispOffset + in.DispSize)
	}
	for _, size := range []int{8, 4, 2, 1} {
		if size >= in.Len {
			continue
		}
		tail := in.Raw[in.Len-size:]
		signed := readSigned(tail, size)
		unsigned := int64(uint64(signed) & (1<<(8*uint(size)) - 1))
		if size == 8 {
			unsigned = signed
		}
		if signed == imm || unsigned == imm {
			return imm, size
		}
	}
	return imm, 0
}
