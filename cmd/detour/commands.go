package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/zboralski/detour/internal/emulator"
	"github.com/zboralski/detour/internal/hook"
	"github.com/zboralski/detour/internal/slots"
	"github.com/zboralski/detour/internal/trace"
	"github.com/zboralski/detour/internal/trampoline"
	"github.com/zboralski/detour/internal/ui/colorize"
)

func newSlots(emu *emulator.Emulator) *slots.Allocator {
	return slots.New(emu, slots.Options{
		SlotSize:       cfg.SlotSize,
		PoolSize:       cfg.PoolGranularity,
		KeepEmptyPools: cfg.KeepEmptyPools,
	})
}

func newTable(emu *emulator.Emulator, a *slots.Allocator, journal *trace.Journal) *hook.Table {
	return hook.New(emu, a, hook.Options{
		FollowJumps:  cfg.FollowJumps,
		MaxJumpChain: cfg.MaxJumpChain,
		Journal:      journal,
	})
}

func runDecode(cmd *cobra.Command, args []string) error {
	code, err := parseHex(args[0])
	if err != nil {
		return err
	}

	w := newOutputWriter()
	defer w.Close()

	lines, err := disassemble(code, pc)
	for _, l := range lines {
		w.Write(formatLine(l))
	}
	if err != nil {
		w.Write(colorize.Error(err.Error()))
		return err
	}
	return nil
}

// loadCode maps the page around addr, padded with int3, and writes code at addr.
func loadCode(emu *emulator.Emulator, addr uint64, code []byte) error {
	base := addr &^ (emulator.PageSize - 1)
	off := addr - base
	img := bytes.Repeat([]byte{0xCC}, int(off)+len(code)+emulator.PageSize)
	copy(img[off:], code)
	_, err := emu.LoadImage("input", base, img)
	return err
}

func runTrampoline(cmd *cobra.Command, args []string) error {
	code, err := parseHex(args[0])
	if err != nil {
		return err
	}

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	if err := loadCode(emu, pc, code); err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	alloc := newSlots(emu)
	slot, err := alloc.Acquire(pc)
	if err != nil {
		return err
	}
	defer alloc.Release(slot)

	tramp, err := trampoline.Build(emu, pc, slot.Addr)
	if err != nil {
		return err
	}

	w := newOutputWriter()
	defer w.Close()

	w.Write(rule("target"))
	orig, _ := disassemble(code[:min(tramp.Consumed, len(code))], pc)
	for _, l := range orig {
		w.Write(formatLine(l))
	}

	w.Write(rule("trampoline"))
	lines, err := disassemble(tramp.Code, tramp.Address)
	newToOld := make(map[uint64]uint64, len(tramp.IPs))
	for _, m := range tramp.IPs {
		newToOld[tramp.Address+uint64(m.New)] = pc + uint64(m.Old)
	}
	for _, l := range lines {
		if old, ok := newToOld[l.addr]; ok {
			l.note = "from " + colorize.Address(old)
		}
		w.Write(formatLine(l))
	}
	if err != nil {
		return err
	}

	redirect, err := tramp.Redirect()
	if err != nil {
		return err
	}
	w.Write(rule("redirect"))
	patch, _ := disassemble(redirect, tramp.PatchAddr())
	for _, l := range patch {
		w.Write(formatLine(l))
	}
	w.Writef("  %s %d  %s %v  %s %s",
		colorize.Detail("consumed:"), tramp.Consumed,
		colorize.Detail("above:"), tramp.PatchAbove,
		colorize.Detail("relay:"), colorize.Address(tramp.Relay()))
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("file not found: %s", absPath)
	}

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	info, err := emu.LoadELF(absPath)
	if err != nil {
		return fmt.Errorf("load binary: %w", err)
	}

	fmt.Printf("%s %s\n", colorize.Detail("Binary: "), colorize.Symbol(info.Name))
	fmt.Printf("%s %s\n", colorize.Detail("Base:   "), colorize.Address(info.BaseAddr))
	fmt.Printf("%s %s %s\n", colorize.Detail("End:    "), colorize.Address(info.EndAddr),
		colorize.Detail(fmt.Sprintf("(0x%x bytes mapped)", info.Size())))
	fmt.Printf("%s %s\n", colorize.Detail("Entry:  "), colorize.Address(info.Entry))
	fmt.Printf("%s %d\n", colorize.Detail("Symbols:"), len(info.Symbols))
	fmt.Printf("%s %d\n\n", colorize.Detail("Imports:"), len(info.Imports))

	fmt.Println(rule("segments"))
	for _, seg := range info.Segments {
		perm := []byte("r--")
		if seg.IsWritable() {
			perm[1] = 'w'
		}
		if seg.IsExecutable() {
			perm[2] = 'x'
		}
		fmt.Printf("%s  %s  %s\n", colorize.Address(seg.VAddr), string(perm), colorize.Detail(fmt.Sprintf("0x%x", seg.MemSz)))
	}

	type sym struct {
		name string
		addr uint64
	}
	source := info.Symbols
	if symbolFilter != "" {
		source = info.FindSymbolsBySubstring(symbolFilter)
	}
	var syms []sym
	for name, addr := range source {
		if _, imported := info.Imports[name]; !imported && addr != 0 {
			syms = append(syms, sym{name, addr})
		}
	}
	if len(syms) == 0 {
		return nil
	}
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].addr != syms[j].addr {
			return syms[i].addr < syms[j].addr
		}
		return syms[i].name < syms[j].name
	})

	fmt.Println(rule("hookable"))
	shown := 0
	for _, s := range syms {
		if !emu.Executable(s.addr) {
			continue
		}
		if _, err := trampoline.Build(emu, s.addr, s.addr); err != nil {
			var be *trampoline.BuildError
			if errors.As(err, &be) {
				fmt.Printf("%s  %s  %s\n", colorize.Address(s.addr), colorize.Symbol(s.name), colorize.Error(be.Reason))
				shown++
			}
			continue
		}
		fmt.Printf("%s  %s\n", colorize.Address(s.addr), colorize.Symbol(s.name))
		shown++
	}
	if shown == 0 {
		fmt.Println(colorize.Detail("  no executable symbols"))
	}
	return nil
}
