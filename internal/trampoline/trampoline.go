// Package trampoline relocates the prologue of a function so it can be
// executed from a different address.
//
// A trampoline is the relocated prologue followed by an absolute jump back
// to the first instruction that was not moved. It lives in a fixed-size code
// slot whose tail holds the relay stub:
//
//	[0, MaxBodySize)            relocated prologue + continuation jump
//	[RelayOffset, +6)           jmp [rip+0]
//	[DetourCellOffset, +8)      detour address read by the relay
//
// The redirect written over the target jumps to the relay, so replacing the
// detour is a single 8-byte store into the detour cell.
package trampoline

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/zboralski/detour/internal/x86"
)

// Slot layout.
const (
	SlotSize         = 64
	MaxBodySize      = SlotSize - x86.JmpAbsSize // 50
	RelayOffset      = MaxBodySize
	DetourCellOffset = RelayOffset + 6

	// MaxInstructions bounds the number of relocated instructions.
	MaxInstructions = 8
)

// Build failure causes, matched with errors.Is.
var (
	ErrTooLarge         = errors.New("relocated prologue exceeds slot")
	ErrTooManyInsns     = errors.New("too many instructions in prologue")
	ErrBranchResize     = errors.New("instruction inside internal branch changes size")
	ErrLoopOutside      = errors.New("loop/jrcxz branch leaves the patched region")
	ErrDisplacement     = errors.New("relocated displacement overflows rel32")
	ErrInsufficientRoom = errors.New("not enough bytes for the redirect")
)

// BuildError is returned when no trampoline can be built for Target.
type BuildError struct {
	Target uint64
	Reason string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build trampoline for 0x%x: %s: %v", e.Target, e.Reason, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// IPMapping pairs the offset of a relocated instruction in the target with
// its offset in the trampoline.
type IPMapping struct {
	Old int
	New int
}

// Memory is what the builder reads from.
type Memory interface {
	x86.Reader
	Executable(addr uint64) bool
}

// Trampoline is a relocated prologue ready to be written at Address.
type Trampoline struct {
	Target     uint64
	Address    uint64
	Code       []byte
	Consumed   int         // original bytes relocated
	IPs        []IPMapping // one entry per relocated instruction
	PatchAbove bool        // redirect lives in the padding before Target
}

// Relay returns the address of the relay stub.
func (t *Trampoline) Relay() uint64 { return t.Address + RelayOffset }

// DetourCell returns the address of the relay's detour pointer.
func (t *Trampoline) DetourCell() uint64 { return t.Address + DetourCellOffset }

// PatchAddr returns the first address overwritten by the redirect.
func (t *Trampoline) PatchAddr() uint64 {
	if t.PatchAbove {
		return t.Target - x86.JmpRel32Size
	}
	return t.Target
}

// PatchSize returns the number of bytes overwritten by the redirect.
func (t *Trampoline) PatchSize() int {
	if t.PatchAbove {
		return x86.JmpRel32Size + x86.ShortJmpSize
	}
	return x86.JmpRel32Size
}

// Redirect encodes the bytes written at PatchAddr to divert Target to the relay.
func (t *Trampoline) Redirect() ([]byte, error) {
	if !t.PatchAbove {
		return x86.JmpRel32(t.Target, t.Relay())
	}
	jmp, err := x86.JmpRel32(t.PatchAddr(), t.Relay())
	if err != nil {
		return nil, err
	}
	back, err := x86.ShortJmp(t.Target, t.PatchAddr())
	if err != nil {
		return nil, err
	}
	return append(jmp, back...), nil
}

// Image returns the full slot contents with the relay pointing at detour.
func (t *Trampoline) Image(detour uint64) []byte {
	img := bytes.Repeat([]byte{0xCC}, SlotSize)
	copy(img, t.Code)
	copy(img[RelayOffset:], x86.JmpAbs(detour))
	return img
}

// Translate maps an instruction pointer at a relocated instruction of the
// target to the matching trampoline address.
func (t *Trampoline) Translate(ip uint64) (uint64, bool) {
	for _, m := range t.IPs {
		if ip == t.Target+uint64(m.Old) {
			return t.Address + uint64(m.New), true
		}
	}
	return 0, false
}

// Reverse maps an instruction pointer inside the trampoline back to the target.
func (t *Trampoline) Reverse(ip uint64) (uint64, bool) {
	for _, m := range t.IPs {
		if ip == t.Address+uint64(m.New) {
			return t.Target + uint64(m.Old), true
		}
	}
	return 0, false
}

// Build relocates the prologue of target into a trampoline placed at at.
func Build(mem Memory, target, at uint64) (*Trampoline, error) {
	t := &Trampoline{Target: target, Address: at}
	fail := func(reason string, err error) (*Trampoline, error) {
		return nil, &BuildError{Target: target, Reason: reason, Err: err}
	}

	var (
		oldPos, newPos int
		jmpDest        uint64 // furthest internal branch destination
		finished       bool
	)
	inRegion := func(dest uint64) bool {
		return dest >= target && dest < target+x86.JmpRel32Size
	}

	for !finished {
		oldAddr := target + uint64(oldPos)
		newAddr := at + uint64(newPos)

		if oldPos >= x86.JmpRel32Size {
			// Enough bytes moved: continue in the original function.
			cont := x86.JmpAbs(oldAddr)
			if newPos+len(cont) > MaxBodySize {
				return fail("continuation", ErrTooLarge)
			}
			t.Code = append(t.Code, cont...)
			break
		}

		inst, err := x86.DecodeAt(mem, oldAddr)
		if err != nil {
			return fail("decode", err)
		}

		out := inst.Raw
		switch inst.Class {
		case x86.RipRelativeOperand:
			out, err = relocateDisp(inst, newAddr)
			if err != nil {
				return fail(inst.String(), err)
			}
			if inst.IndirectJump {
				finished = oldAddr >= jmpDest
			}

		case x86.DirectCall:
			out = x86.CallAbs(inst.Target)

		case x86.DirectJump:
			if inRegion(inst.Target) {
				jmpDest = max(jmpDest, inst.Target)
			} else {
				out = x86.JmpAbs(inst.Target)
				finished = oldAddr >= jmpDest
			}

		case x86.DirectConditionalJump:
			switch {
			case inRegion(inst.Target):
				jmpDest = max(jmpDest, inst.Target)
			case inst.Loop:
				return fail(inst.String(), ErrLoopOutside)
			default:
				out = x86.JccAbs(inst.Cond, inst.Target)
			}

		case x86.Return:
			finished = oldAddr >= jmpDest
		}

		if oldAddr < jmpDest && len(out) != inst.Len {
			return fail(inst.String(), ErrBranchResize)
		}
		if newPos+len(out) > MaxBodySize {
			return fail(inst.String(), ErrTooLarge)
		}
		if len(t.IPs) >= MaxInstructions {
			return fail(inst.String(), ErrTooManyInsns)
		}

		t.IPs = append(t.IPs, IPMapping{Old: oldPos, New: newPos})
		t.Code = append(t.Code, out...)
		newPos += len(out)
		oldPos += inst.Len
	}
	t.Consumed = oldPos

	if oldPos < x86.JmpRel32Size && !padded(mem, target+uint64(oldPos), x86.JmpRel32Size-oldPos) {
		// The function is shorter than a near jump. Fall back to a short
		// jump at the target and the near jump in the padding above it.
		if oldPos < x86.ShortJmpSize && !padded(mem, target+uint64(oldPos), x86.ShortJmpSize-oldPos) {
			return fail("patch", ErrInsufficientRoom)
		}
		above := target - x86.JmpRel32Size
		if !mem.Executable(above) || !padded(mem, above, x86.JmpRel32Size) {
			return fail("patch above", ErrInsufficientRoom)
		}
		t.PatchAbove = true
	}

	return t, nil
}

func padded(mem x86.Reader, addr uint64, n int) bool {
	b, err := mem.Read(addr, uint64(n))
	return err == nil && x86.IsCodePadding(b)
}

// relocateDisp rewrites the RIP-relative displacement of inst so the
// operand resolves to the same absolute address when executed at newAddr.
func relocateDisp(inst x86.Instruction, newAddr uint64) ([]byte, error) {
	out := append([]byte(nil), inst.Raw...)
	abs := int64(inst.End()) + inst.Disp
	disp := abs - int64(newAddr+uint64(inst.Len))
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return nil, ErrDisplacement
	}
	v := uint32(int32(disp))
	off := inst.DispOffset
	out[off] = byte(v)
	out[off+1] = byte(v >> 8)
	out[off+2] = byte(v >> 16)
	out[off+3] = byte(v >> 24)
	return out, nil
}
