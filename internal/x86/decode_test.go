package x86

import (
	"errors"
	"fmt"
	"testing"
)

func TestDecodeClasses(t *testing.T) {
	const pc = 0x140001000
	tests := []struct {
		name   string
		code   []byte
		len    int
		class  Class
		target uint64
	}{
		{"push rbp", []byte{0x55}, 1, Plain, 0},
		{"mov rbp, rsp", []byte{0x48, 0x89, 0xE5}, 3, Plain, 0},
		{"sub rsp, 0x28", []byte{0x48, 0x83, 0xEC, 0x28}, 4, Plain, 0},
		{"mov rax, [rip+0x10]", []byte{0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00}, 7, RipRelativeOperand, 0},
		{"lea rcx, [rip-0x20]", []byte{0x48, 0x8D, 0x0D, 0xE0, 0xFF, 0xFF, 0xFF}, 7, RipRelativeOperand, 0},
		{"call rel32", []byte{0xE8, 0x00, 0x01, 0x00, 0x00}, 5, DirectCall, pc + 5 + 0x100},
		{"jmp rel8 self", []byte{0xEB, 0xFE}, 2, DirectJump, pc},
		{"jmp rel32 back", []byte{0xE9, 0xFB, 0xFF, 0xFF, 0xFF}, 5, DirectJump, pc},
		{"je rel8", []byte{0x74, 0x05}, 2, DirectConditionalJump, pc + 7},
		{"jne rel32", []byte{0x0F, 0x85, 0x10, 0x00, 0x00, 0x00}, 6, DirectConditionalJump, pc + 0x16},
		{"jrcxz", []byte{0xE3, 0x02}, 2, DirectConditionalJump, pc + 4},
		{"ret", []byte{0xC3}, 1, Return, 0},
		{"ret 8", []byte{0xC2, 0x08, 0x00}, 3, Return, 0},
		{"jmp [rip]", []byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00}, 6, RipRelativeOperand, 0},
		{"call [rip+8]", []byte{0xFF, 0x15, 0x08, 0x00, 0x00, 0x00}, 6, RipRelativeOperand, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := Decode(tt.code, pc)
			if err != nil {
				t.Fatalf("Decode(% x): %v", tt.code, err)
			}
			if inst.Len != tt.len {
				t.Errorf("Len = %d, want %d", inst.Len, tt.len)
			}
			if inst.Class != tt.class {
				t.Errorf("Class = %v, want %v", inst.Class, tt.class)
			}
			if tt.target != 0 && inst.Target != tt.target {
				t.Errorf("Target = 0x%x, want 0x%x", inst.Target, tt.target)
			}
		})
	}
}

func TestDecodeFields(t *testing.T) {
	// mov rax, [rip+0x10]
	inst, err := Decode([]byte{0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.DispSize != 4 || inst.DispOffset != 3 || inst.Disp != 0x10 {
		t.Errorf("disp = %d/%d/%d, want 0x10/4/3", inst.Disp, inst.DispSize, inst.DispOffset)
	}
	if !inst.Prefixes.Has(PrefixRex) {
		t.Error("REX prefix not reported")
	}

	// lea rcx, [rip-0x20]
	inst, err = Decode([]byte{0x48, 0x8D, 0x0D, 0xE0, 0xFF, 0xFF, 0xFF}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Disp != -0x20 {
		t.Errorf("Disp = %d, want -0x20", inst.Disp)
	}

	// je rel8: condition nibble and branch width
	inst, err = Decode([]byte{0x74, 0x05}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Cond != 0x4 || inst.Loop || inst.DispSize != 1 {
		t.Errorf("je: cond=%x loop=%v dispsize=%d", inst.Cond, inst.Loop, inst.DispSize)
	}

	// jg rel32 (0F 8F)
	inst, err = Decode([]byte{0x0F, 0x8F, 0x00, 0x00, 0x00, 0x00}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Cond != 0xF || inst.DispSize != 4 {
		t.Errorf("jg: cond=%x dispsize=%d", inst.Cond, inst.DispSize)
	}

	// jrcxz has no inverse
	inst, err = Decode([]byte{0xE3, 0x02}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if !inst.Loop {
		t.Error("jrcxz not flagged as loop-family")
	}

	// ret 8: 16-bit immediate
	inst, err = Decode([]byte{0xC2, 0x08, 0x00}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Imm != 8 || inst.ImmSize != 2 {
		t.Errorf("ret 8: imm=%d size=%d", inst.Imm, inst.ImmSize)
	}

	// jmp [rip]: indirect
	inst, err = Decode([]byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if !inst.IndirectJump {
		t.Error("jmp [rip] not flagged as indirect jump")
	}
}

func TestDecodePrefixes(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want Prefix
	}{
		{"66 nop", []byte{0x66, 0x90}, PrefixOperandSize},
		{"rep ret", []byte{0xF3, 0xC3}, PrefixRep},
		{"lock cmpxchg", []byte{0xF0, 0x48, 0x0F, 0xB1, 0x0A}, PrefixLock | PrefixRex},
		{"fs load", []byte{0x64, 0x48, 0x8B, 0x04, 0x25, 0x28, 0x00, 0x00, 0x00}, PrefixSegment | PrefixRex},
		{"addr32 lea", []byte{0x67, 0x8D, 0x04, 0x08}, PrefixAddressSize},
		{"repne scasb", []byte{0xF2, 0xAE}, PrefixRepne},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := Decode(tt.code, 0x1000)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !inst.Prefixes.Has(tt.want) {
				t.Errorf("Prefixes = %b, want %b set", inst.Prefixes, tt.want)
			}
			if inst.Len != len(tt.code) {
				t.Errorf("Len = %d, want %d", inst.Len, len(tt.code))
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want error
	}{
		{"truncated disp", []byte{0x48, 0x8B, 0x05, 0x10}, ErrTruncated},
		{"truncated call", []byte{0xE8, 0x00}, ErrTruncated},
		{"push es in long mode", []byte{0x06, 0x90, 0x90}, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.code, 0x2000)
			if err == nil {
				t.Fatal("expected error")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error %T is not *DecodeError", err)
			}
			if de.Addr != 0x2000 {
				t.Errorf("Addr = 0x%x", de.Addr)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

type pageMem struct {
	base uint64
	data []byte
}

func (m *pageMem) Read(addr, size uint64) ([]byte, error) {
	if addr < m.base || addr+size > m.base+uint64(len(m.data)) {
		return nil, fmt.Errorf("unmapped read 0x%x+%d", addr, size)
	}
	off := addr - m.base
	return m.data[off : off+size], nil
}

func TestDecodeAtPageEnd(t *testing.T) {
	// A one-page region ending with "push rbp; ret": reading 15 bytes fails,
	// the retry reads up to the page boundary.
	mem := &pageMem{base: 0x10000, data: make([]byte, 0x1000)}
	mem.data[0xFFE] = 0x55
	mem.data[0xFFF] = 0xC3

	inst, err := DecodeAt(mem, 0x10FFE)
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	if inst.Len != 1 || inst.Class != Plain {
		t.Errorf("got len=%d class=%v", inst.Len, inst.Class)
	}

	// mov eax, imm32 cut by the page end
	mem.data[0xFFD] = 0xB8
	if _, err := DecodeAt(mem, 0x10FFD); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected truncated, got %v", err)
	}

	if _, err := DecodeAt(mem, 0x20000); err == nil {
		t.Error("expected error for unmapped address")
	}
}

func TestInstructionString(t *testing.T) {
	inst, err := Decode([]byte{0x48, 0x89, 0xE5}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if s := inst.String(); s != "mov rbp, rsp" {
		t.Errorf("String() = %q", s)
	}
}
