package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zboralski/detour/internal/trace"
	"github.com/zboralski/detour/internal/ui/colorize"
	"github.com/zboralski/detour/internal/x86"
	"golang.org/x/arch/x86/x86asm"
)

const bytesCol = 26

// line is one row of a listing.
type line struct {
	addr uint64
	raw  []byte
	text string
	tags []string
	note string
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", "\t", "", "\n", "", "0x", "", ",", "").Replace(s)
	code, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse hex: %w", err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("parse hex: no bytes")
	}
	return code, nil
}

func classTags(inst x86.Instruction) []string {
	var tags []string
	if inst.Class != x86.Plain {
		tags = append(tags, "#"+inst.Class.String())
	}
	if inst.IndirectJump {
		tags = append(tags, "#indirect")
	}
	if inst.Loop {
		tags = append(tags, "#loop")
	}
	return tags
}

// disassemble decodes code placed at addr. Absolute jump and call thunks
// keep their 64-bit destination inline; those words are shown as data.
func disassemble(code []byte, addr uint64) ([]line, error) {
	var (
		out  []line
		data = make(map[uint64]bool)
	)
	for off := 0; off < len(code); {
		at := addr + uint64(off)
		if data[at] && off+8 <= len(code) {
			v := binary.LittleEndian.Uint64(code[off:])
			out = append(out, line{addr: at, raw: code[off : off+8], text: fmt.Sprintf("dq 0x%x", v), tags: []string{"#data"}})
			off += 8
			continue
		}
		inst, err := x86.Decode(code[off:], at)
		if err != nil {
			return out, err
		}
		if inst.Raw[0] == 0xFF && (inst.IndirectJump || inst.Inst.Op == x86asm.CALL) && inst.DispSize == 4 {
			data[inst.End()+uint64(inst.Disp)] = true
		}
		out = append(out, line{addr: at, raw: inst.Raw, text: inst.String(), tags: classTags(inst)})
		off += inst.Len
	}
	return out, nil
}

func formatLine(l line) string {
	var b strings.Builder
	b.Grow(256)

	b.WriteString(colorize.Address(l.addr))
	b.WriteString("  ")

	hexText := fmt.Sprintf("% x", l.raw)
	b.WriteString(colorize.HexBytes(l.raw))
	pad := bytesCol - len(hexText)
	if pad < 2 {
		pad = 2
	}
	b.WriteString(strings.Repeat(" ", pad))
	b.WriteString(colorize.Instruction(l.text))

	if len(l.tags) > 0 || l.note != "" {
		gap := 32 - len(l.text)
		if gap < 2 {
			gap = 2
		}
		b.WriteString(strings.Repeat(" ", gap))
		var parts []string
		for _, t := range l.tags {
			parts = append(parts, colorize.Tag(t))
		}
		if l.note != "" {
			parts = append(parts, colorize.Detail(l.note))
		}
		b.WriteString(colorize.Detail("; ") + strings.Join(parts, " "))
	}
	return b.String()
}

func formatEvent(e *trace.Event) string {
	var b strings.Builder
	b.WriteString(colorize.Address(e.Addr))
	b.WriteString("  ")
	var tags []string
	for _, t := range e.Tags.Strings() {
		tags = append(tags, colorize.Tag(t))
	}
	b.WriteString(strings.Join(tags, " "))
	if e.Name != "" {
		b.WriteString("  ")
		b.WriteString(colorize.Symbol(e.Name))
	}
	if e.Detail != "" {
		b.WriteString("  ")
		b.WriteString(colorize.Detail(e.Detail))
	}
	return b.String()
}

func rule(title string) string {
	return colorize.Border("── ") + colorize.Header(title) + " " + colorize.Border(strings.Repeat("─", 48-len(title)))
}
