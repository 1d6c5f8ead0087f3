package trampoline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/zboralski/detour/internal/x86"
)

const (
	testTarget = 0x140001000
	testSlot   = 0x140100000
)

// flatMem is a single region pre-filled with int3 padding.
type flatMem struct {
	base uint64
	data []byte
	exec bool
}

func newFlatMem(code []byte) *flatMem {
	m := &flatMem{base: testTarget - 0x100, data: bytes.Repeat([]byte{0xCC}, 0x200), exec: true}
	copy(m.data[0x100:], code)
	return m
}

func (m *flatMem) Read(addr, size uint64) ([]byte, error) {
	if addr < m.base || addr+size > m.base+uint64(len(m.data)) {
		return nil, fmt.Errorf("unmapped 0x%x", addr)
	}
	off := addr - m.base
	return m.data[off : off+size], nil
}

func (m *flatMem) Executable(addr uint64) bool {
	return m.exec && addr >= m.base && addr < m.base+uint64(len(m.data))
}

func TestBuildPlainPrologue(t *testing.T) {
	code := []byte{
		0x55,                   // push rbp
		0x48, 0x89, 0xE5,       // mov rbp, rsp
		0x48, 0x83, 0xEC, 0x20, // sub rsp, 0x20
		0x89, 0xF8,             // mov eax, edi
	}
	tr, err := Build(newFlatMem(code), testTarget, testSlot)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if tr.Consumed != 8 {
		t.Errorf("Consumed = %d, want 8", tr.Consumed)
	}
	want := append(append([]byte{}, code[:8]...), x86.JmpAbs(testTarget+8)...)
	if !bytes.Equal(tr.Code, want) {
		t.Errorf("Code = % x\nwant   % x", tr.Code, want)
	}
	wantIPs := []IPMapping{{0, 0}, {1, 1}, {4, 4}}
	if fmt.Sprint(tr.IPs) != fmt.Sprint(wantIPs) {
		t.Errorf("IPs = %v, want %v", tr.IPs, wantIPs)
	}
	if tr.PatchAbove {
		t.Error("unexpected patch above")
	}

	// IP translation both ways
	if ip, ok := tr.Translate(testTarget + 4); !ok || ip != testSlot+4 {
		t.Errorf("Translate(target+4) = 0x%x, %v", ip, ok)
	}
	if _, ok := tr.Translate(testTarget + 2); ok {
		t.Error("Translate should reject an IP in the middle of an instruction")
	}
	if ip, ok := tr.Reverse(testSlot + 1); !ok || ip != testTarget+1 {
		t.Errorf("Reverse(slot+1) = 0x%x, %v", ip, ok)
	}
}

func TestBuildRipRelative(t *testing.T) {
	code := []byte{
		0x48, 0x8B, 0x05, 0x00, 0x10, 0x00, 0x00, // mov rax, [rip+0x1000]
		0xC3,                                     // ret
	}
	tr, err := Build(newFlatMem(code), testTarget, testSlot)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Operand address: target+7+0x1000. From the slot: slot+7+disp.
	abs := int64(testTarget + 7 + 0x1000)
	wantDisp := int32(abs - int64(testSlot+7))
	gotDisp := int32(binary.LittleEndian.Uint32(tr.Code[3:7]))
	if gotDisp != wantDisp {
		t.Errorf("disp = %#x, want %#x", gotDisp, wantDisp)
	}
	if !bytes.Equal(tr.Code[:3], code[:3]) {
		t.Errorf("opcode bytes changed: % x", tr.Code[:3])
	}
	if !bytes.Equal(tr.Code[7:], x86.JmpAbs(testTarget+7)) {
		t.Errorf("continuation = % x", tr.Code[7:])
	}
}

func TestBuildRipRelativeOutOfRange(t *testing.T) {
	code := []byte{0x48, 0x8B, 0x05, 0x00, 0x00, 0x00, 0x00} // mov rax, [rip]
	_, err := Build(newFlatMem(code), testTarget, testTarget+0x100000000)
	if !errors.Is(err, ErrDisplacement) {
		t.Fatalf("expected ErrDisplacement, got %v", err)
	}
}

func TestBuildCall(t *testing.T) {
	code := []byte{0xE8, 0x00, 0x10, 0x00, 0x00} // call target+5+0x1000
	tr, err := Build(newFlatMem(code), testTarget, testSlot)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := append(x86.CallAbs(testTarget+5+0x1000), x86.JmpAbs(testTarget+5)...)
	if !bytes.Equal(tr.Code, want) {
		t.Errorf("Code = % x\nwant   % x", tr.Code, want)
	}
}

func TestBuildJumpOutside(t *testing.T) {
	code := []byte{0xE9, 0x00, 0x20, 0x00, 0x00} // jmp target+5+0x2000
	tr, err := Build(newFlatMem(code), testTarget, testSlot)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bytes.Equal(tr.Code, x86.JmpAbs(testTarget+5+0x2000)) {
		t.Errorf("Code = % x", tr.Code)
	}
	if tr.Consumed != 5 {
		t.Errorf("Consumed = %d", tr.Consumed)
	}
}

func TestBuildConditionalOutside(t *testing.T) {
	code := []byte{
		0x74, 0x10,       // je target+0x12
		0x48, 0x89, 0xE5, // mov rbp, rsp
	}
	tr, err := Build(newFlatMem(code), testTarget, testSlot)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var want []byte
	want = append(want, x86.JccAbs(0x4, testTarget+0x12)...)
	want = append(want, code[2:5]...)
	want = append(want, x86.JmpAbs(testTarget+5)...)
	if !bytes.Equal(tr.Code, want) {
		t.Errorf("Code = % x\nwant   % x", tr.Code, want)
	}
	if tr.IPs[1] != (IPMapping{Old: 2, New: x86.JccAbsSize}) {
		t.Errorf("IPs = %v", tr.IPs)
	}
}

func TestBuildInternalBranch(t *testing.T) {
	code := []byte{
		0x74, 0x02, // je target+4 (inside the patched region)
		0x90,       // nop
		0x90,       // nop
		0xC3,       // ret
	}
	tr, err := Build(newFlatMem(code), testTarget, testSlot)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// The ret at target+4 is reachable from the branch, so it is copied and
	// terminates the trampoline without a continuation jump.
	if !bytes.Equal(tr.Code, code) {
		t.Errorf("Code = % x, want % x", tr.Code, code)
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want error
	}{
		{
			"resize inside branch",
			[]byte{
				0x74, 0x02,                   // je target+4
				0xE8, 0x00, 0x00, 0x00, 0x00, // call (grows to 16 bytes)
			},
			ErrBranchResize,
		},
		{
			"loop leaves region",
			[]byte{0xE2, 0x10, 0x90, 0x90, 0x90}, // loop target+0x12
			ErrLoopOutside,
		},
		{
			"too large",
			[]byte{
				0x74, 0x10, // je
				0x75, 0x10, // jne
				0x76, 0x10, // jbe
			},
			ErrTooLarge,
		},
		{
			"undecodable",
			[]byte{0x06, 0x90, 0x90, 0x90, 0x90},
			x86.ErrInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(newFlatMem(tt.code), testTarget, testSlot)
			if err == nil {
				t.Fatal("expected error")
			}
			var be *BuildError
			if !errors.As(err, &be) || be.Target != testTarget {
				t.Fatalf("error %v is not a BuildError for the target", err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBuildShortFunctionPadding(t *testing.T) {
	// ret followed by int3 padding: the near jump fits over the padding.
	tr, err := Build(newFlatMem([]byte{0xC3}), testTarget, testSlot)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tr.PatchAbove || tr.Consumed != 1 {
		t.Errorf("PatchAbove=%v Consumed=%d", tr.PatchAbove, tr.Consumed)
	}
}

func TestBuildPatchAbove(t *testing.T) {
	code := []byte{
		0x31, 0xC0, // xor eax, eax
		0xC3,       // ret
		0x48, 0x89, // next function
	}
	tr, err := Build(newFlatMem(code), testTarget, testSlot)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !tr.PatchAbove {
		t.Fatal("expected patch above")
	}
	if tr.PatchAddr() != testTarget-5 || tr.PatchSize() != 7 {
		t.Errorf("patch at 0x%x size %d", tr.PatchAddr(), tr.PatchSize())
	}

	redirect, err := tr.Redirect()
	if err != nil {
		t.Fatal(err)
	}
	jmp, _ := x86.JmpRel32(testTarget-5, tr.Relay())
	want := append(jmp, 0xEB, 0xF9)
	if !bytes.Equal(redirect, want) {
		t.Errorf("Redirect = % x, want % x", redirect, want)
	}

	// Same layout without executable padding above fails.
	m := newFlatMem(code)
	m.exec = false
	if _, err := Build(m, testTarget, testSlot); !errors.Is(err, ErrInsufficientRoom) {
		t.Errorf("expected ErrInsufficientRoom, got %v", err)
	}
}

func TestBuildTooShort(t *testing.T) {
	code := []byte{
		0xC3,       // ret
		0x55, 0x48, // next function starts immediately
	}
	if _, err := Build(newFlatMem(code), testTarget, testSlot); !errors.Is(err, ErrInsufficientRoom) {
		t.Errorf("expected ErrInsufficientRoom, got %v", err)
	}
}

func TestImageAndRelay(t *testing.T) {
	code := []byte{0x48, 0x83, 0xEC, 0x28, 0x90}
	tr, err := Build(newFlatMem(code), testTarget, testSlot)
	if err != nil {
		t.Fatal(err)
	}

	const detour = 0x7FF600001234
	img := tr.Image(detour)
	if len(img) != SlotSize {
		t.Fatalf("image size = %d", len(img))
	}
	if !bytes.Equal(img[:len(tr.Code)], tr.Code) {
		t.Error("image does not start with the trampoline body")
	}
	if !bytes.Equal(img[RelayOffset:DetourCellOffset], []byte{0xFF, 0x25, 0, 0, 0, 0}) {
		t.Errorf("relay = % x", img[RelayOffset:DetourCellOffset])
	}
	if got := binary.LittleEndian.Uint64(img[DetourCellOffset:]); got != detour {
		t.Errorf("detour cell = 0x%x", got)
	}
	if tr.DetourCell()%8 != 0 {
		t.Errorf("detour cell 0x%x not 8-byte aligned", tr.DetourCell())
	}

	redirect, err := tr.Redirect()
	if err != nil {
		t.Fatal(err)
	}
	inst, err := x86.Decode(redirect, testTarget)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Class != x86.DirectJump || inst.Target != tr.Relay() {
		t.Errorf("redirect decodes to %v -> 0x%x, want jmp 0x%x", inst.Class, inst.Target, tr.Relay())
	}
}
