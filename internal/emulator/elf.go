package emulator

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// x86-64 relocation types
const (
	R_X86_64_64        = 1 // Absolute 64-bit symbol reference
	R_X86_64_GLOB_DAT  = 6 // GOT entry for global data symbol
	R_X86_64_JUMP_SLOT = 7 // PLT GOT entry for function call
	R_X86_64_RELATIVE  = 8 // Position-independent data reference
)

// ELFInfo contains parsed ELF metadata
type ELFInfo struct {
	Path     string
	Name     string
	Machine  elf.Machine
	Entry    uint64
	Symbols  map[string]uint64 // symbol name -> virtual address (all symbols)
	Imports  map[string]uint64 // symbol name -> PLT stub address (external imports only)
	Segments []Segment
	BaseAddr uint64 // Load base address
	EndAddr  uint64 // End of loaded memory
}

// Size returns the page-aligned span of the loaded image.
func (info *ELFInfo) Size() uint64 {
	return (info.EndAddr - info.BaseAddr + PageSize - 1) &^ (PageSize - 1)
}

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr  uint64
	Offset uint64
	Size   uint64 // File size
	MemSz  uint64 // Memory size (may be larger due to .bss)
	Flags  elf.ProgFlag
	Data   []byte
}

// LoadELFBase is the default base address for position-independent images.
const LoadELFBase = 0x140000000

// LoadELF loads an ELF file and maps it into the emulator.
// Position-independent images (base addr 0) are relocated to LoadELFBase.
func (e *Emulator) LoadELF(path string) (*ELFInfo, error) {
	return e.LoadELFAt(path, 0) // 0 means auto-select base
}

// LoadELFAt loads an ELF file at a specific base address.
// If loadBase is 0, executables keep their vaddr and PIE images are
// relocated to LoadELFBase.
func (e *Emulator) LoadELFAt(path string, loadBase uint64) (*ELFInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("expected x86-64 (EM_X86_64), got %v", f.Machine)
	}

	fileBase, fileEnd, ok := loadBounds(f)
	if !ok {
		return nil, fmt.Errorf("%s: no PT_LOAD segments", filepath.Base(path))
	}

	var relocOffset uint64
	if loadBase != 0 {
		relocOffset = loadBase - fileBase
	} else if fileBase < 0x10000 {
		relocOffset = LoadELFBase - fileBase
	}

	info := &ELFInfo{
		Path:     path,
		Name:     filepath.Base(path),
		Machine:  f.Machine,
		Entry:    f.Entry + relocOffset,
		Symbols:  make(map[string]uint64),
		Imports:  make(map[string]uint64),
		BaseAddr: fileBase + relocOffset,
		EndAddr:  fileEnd + relocOffset,
	}

	collectSymbols(f, relocOffset, info.Symbols)

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	// mappedEnd lets adjacent segments that share a page map once
	var mappedEnd uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		loadVAddr := prog.Vaddr + relocOffset
		seg := Segment{
			VAddr:  loadVAddr,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		}
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			seg.Data = fileData[prog.Off : prog.Off+prog.Filesz]
		}
		info.Segments = append(info.Segments, seg)

		alignedAddr := loadVAddr &^ (PageSize - 1)
		alignedEnd := (loadVAddr + prog.Memsz + PageSize - 1) &^ (PageSize - 1)
		if alignedAddr < mappedEnd {
			alignedAddr = mappedEnd
		}
		if alignedAddr < alignedEnd {
			name := fmt.Sprintf("%s:%d", info.Name, len(info.Segments)-1)
			if err := e.Map(alignedAddr, alignedEnd-alignedAddr, name, seg.IsExecutable()); err != nil {
				return nil, err
			}
			mappedEnd = alignedEnd
		}

		if len(seg.Data) > 0 {
			if err := e.Write(loadVAddr, seg.Data); err != nil {
				return nil, fmt.Errorf("write segment at 0x%x: %w", loadVAddr, err)
			}
		}
		// .bss is already zero: fresh Unicorn mappings are zero-filled
	}

	addPLTSymbols(f, relocOffset, info.Symbols, info.Imports)

	if err := e.applyRelocations(f, relocOffset, info.Imports); err != nil {
		return nil, fmt.Errorf("apply relocations: %w", err)
	}

	return info, nil
}

// loadBounds returns the span covered by the PT_LOAD segments.
func loadBounds(f *elf.File) (lo, hi uint64, ok bool) {
	lo = ^uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		lo = min(lo, prog.Vaddr)
		hi = max(hi, prog.Vaddr+prog.Memsz)
		ok = true
	}
	return lo, hi, ok
}

// collectSymbols records defined symbols from .dynsym and .symtab. Dynamic
// names are also stored without their version suffix.
func collectSymbols(f *elf.File, relocOffset uint64, symbols map[string]uint64) {
	add := func(syms []elf.Symbol, strip bool) {
		for _, sym := range syms {
			if sym.Value == 0 || sym.Name == "" {
				continue
			}
			symbols[sym.Name] = sym.Value + relocOffset
			if strip {
				symbols[stripVersion(sym.Name)] = sym.Value + relocOffset
			}
		}
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms, true)
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms, false)
	}
}

func stripVersion(name string) string {
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}

// addPLTSymbols adds PLT stub addresses for external symbols.
func addPLTSymbols(f *elf.File, relocOffset uint64, symbols, imports map[string]uint64) {
	pltSec := f.Section(".plt")
	relaPlt := f.Section(".rela.plt")
	if pltSec == nil || relaPlt == nil {
		return
	}

	// Go's DynamicSymbols skips STN_UNDEF at index 0
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}
	relaData, err := relaPlt.Data()
	if err != nil {
		return
	}

	// x86-64 lazy PLT: 16-byte header (PLT0), then 16 bytes per entry
	pltBase := pltSec.Addr + relocOffset
	const pltHeaderSize = 16
	const pltEntrySize = 16

	entryIdx := 0
	for i := 0; i+24 <= len(relaData); i += 24 {
		rInfo := binary.LittleEndian.Uint64(relaData[i+8:])
		arrayIdx := int(rInfo>>32) - 1
		if arrayIdx >= 0 && arrayIdx < len(dynSyms) {
			sym := dynSyms[arrayIdx]
			if sym.Name != "" && sym.Value == 0 {
				pltAddr := pltBase + pltHeaderSize + uint64(entryIdx)*pltEntrySize
				name := stripVersion(sym.Name)
				symbols[name] = pltAddr
				imports[name] = pltAddr
			}
		}
		entryIdx++
	}
}

// applyRelocations processes RELA relocations to fix GOT entries and
// absolute pointers. External symbols resolve to their PLT stubs.
func (e *Emulator) applyRelocations(f *elf.File, relocOffset uint64, imports map[string]uint64) error {
	dynSyms, _ := f.DynamicSymbols()
	symByIndex := make(map[int]elf.Symbol)
	for i, sym := range dynSyms {
		symByIndex[i+1] = sym
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		if sec.Name != ".rela.dyn" && sec.Name != ".rela.plt" {
			continue
		}

		data, err := sec.Data()
		if err != nil {
			continue
		}

		// r_offset (8), r_info (8), r_addend (8)
		for i := 0; i+24 <= len(data); i += 24 {
			rOffset := binary.LittleEndian.Uint64(data[i:])
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			rAddend := int64(binary.LittleEndian.Uint64(data[i+16:]))

			relType := uint32(rInfo & 0xFFFFFFFF)
			sym, hasSym := symByIndex[int(rInfo>>32)]
			target := rOffset + relocOffset

			var resolved uint64
			switch relType {
			case R_X86_64_RELATIVE:
				resolved = relocOffset + uint64(rAddend)
			case R_X86_64_GLOB_DAT, R_X86_64_JUMP_SLOT, R_X86_64_64:
				if !hasSym {
					continue
				}
				addend := uint64(0)
				if relType == R_X86_64_64 {
					addend = uint64(rAddend)
				}
				switch {
				case sym.Value != 0:
					resolved = sym.Value + relocOffset + addend
				case imports[stripVersion(sym.Name)] != 0:
					resolved = imports[stripVersion(sym.Name)] + addend
				default:
					continue
				}
			default:
				continue
			}
			if err := e.MemWriteU64(target, resolved); err != nil {
				return fmt.Errorf("relocation at 0x%x: %w", target, err)
			}
		}
	}

	return nil
}

// FindSymbolsBySubstring finds symbols containing the given substring
func (info *ELFInfo) FindSymbolsBySubstring(substr string) map[string]uint64 {
	result := make(map[string]uint64)
	lower := strings.ToLower(substr)
	for name, addr := range info.Symbols {
		if strings.Contains(strings.ToLower(name), lower) {
			result[name] = addr
		}
	}
	return result
}

// IsExecutable returns true if the segment is executable
func (s *Segment) IsExecutable() bool {
	return s.Flags&elf.PF_X != 0
}

// IsWritable returns true if the segment is writable
func (s *Segment) IsWritable() bool {
	return s.Flags&elf.PF_W != 0
}
