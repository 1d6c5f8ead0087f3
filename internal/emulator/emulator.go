// Package emulator provides an x86-64 process model on Unicorn Engine.
//
// The emulator implements process.Process: memory is a set of named mapped
// regions, executable memory is reserved at exact addresses, and threads are
// saved register contexts that run one at a time on the single Unicorn CPU.
// A thread that is not running is, by construction, suspended.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"github.com/zboralski/detour/internal/process"
)

// Memory layout constants
const (
	PageSize    = 0x1000
	Granularity = 0x10000 // reservation granule, like VirtualAlloc

	StackBase       = 0x00100000
	StackSize       = 0x00400000 // 4MB, split between threads
	ThreadStackSize = 0x00040000 // 256KB per thread
	HeapBase        = 0x10000000
	HeapSize        = 0x01000000 // 16MB heap
	HostBase        = 0x7FFE0000 // exit sentinel lives here
	HostSize        = 0x00010000

	// ExitAddr is the return address pushed for every thread; reaching it
	// ends the thread.
	ExitAddr = HostBase

	MinAppAddr = 0x10000
	MaxAppAddr = 0x7FFFFFFEFFFF
)

var (
	errOverlap   = errors.New("region overlaps an existing mapping")
	errUnaligned = errors.New("address or size not aligned")
)

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// Region is a mapped range of emulator memory.
type Region struct {
	Base uint64
	Size uint64
	Name string
	Exec bool
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Base + r.Size }

// Emulator wraps Unicorn for x86-64 emulation
type Emulator struct {
	mu uc.Unicorn

	// Memory management
	regionsMu sync.RWMutex
	regions   []Region
	heapPtr   uint64 // Current heap allocation pointer

	// Hooks
	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// Threads
	threads    []*Thread
	nextTID    uint64
	current    *Thread
	skipBreak  uint64 // breakpoint address to step over on resume
	breakpoint map[uint64]bool

	// Stop flag
	stopped bool
}

// New creates a new x86-64 emulator
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:         mu,
		heapPtr:    HeapBase,
		addrHooks:  make(map[uint64]AddressHookFunc),
		breakpoint: make(map[uint64]bool),
		nextTID:    1,
	}

	// Map memory regions
	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	// Set up internal hooks
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []Region{
		{StackBase, StackSize, "stack", false},
		{HeapBase, HeapSize, "heap", false},
		{HostBase, HostSize, "host", true},
	}

	for _, r := range regions {
		if err := e.Map(r.Base, r.Size, r.Name, r.Exec); err != nil {
			return err
		}
	}

	// hlt at the exit sentinel; the address hook stops before it executes
	if err := e.mu.MemWrite(ExitAddr, []byte{0xF4}); err != nil {
		return fmt.Errorf("write exit sentinel: %w", err)
	}
	e.addrHooks[ExitAddr] = func(*Emulator) bool { return true }

	return nil
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	// Code hook for breakpoints, address hooks and tracing
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		// Check for stop
		if e.stopped {
			e.mu.Stop()
			return
		}

		if e.breakpoint[addr] {
			if e.skipBreak == addr {
				e.skipBreak = 0
			} else {
				e.Stop()
				return
			}
		}
		e.skipBreak = 0

		// Check address hooks (protected by mutex)
		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		// Call user code hooks
		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)

	return err
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// Map maps a page-aligned region and records it.
func (e *Emulator) Map(addr, size uint64, name string, exec bool) error {
	if addr%PageSize != 0 || size == 0 || size%PageSize != 0 {
		return fmt.Errorf("map %s (0x%x+0x%x): %w", name, addr, size, errUnaligned)
	}
	e.regionsMu.Lock()
	defer e.regionsMu.Unlock()

	for _, r := range e.regions {
		if addr < r.End() && r.Base < addr+size {
			return fmt.Errorf("map %s (0x%x): %w: %s", name, addr, errOverlap, r.Name)
		}
	}
	if err := e.mu.MemMap(addr, size); err != nil {
		return fmt.Errorf("map %s (0x%x): %w", name, addr, err)
	}
	e.regions = append(e.regions, Region{Base: addr, Size: size, Name: name, Exec: exec})
	sort.Slice(e.regions, func(i, j int) bool { return e.regions[i].Base < e.regions[j].Base })
	return nil
}

// Unmap removes a region previously created by Map.
func (e *Emulator) Unmap(addr, size uint64) error {
	e.regionsMu.Lock()
	defer e.regionsMu.Unlock()

	for i, r := range e.regions {
		if r.Base == addr && r.Size == size {
			if err := e.mu.MemUnmap(addr, size); err != nil {
				return fmt.Errorf("unmap 0x%x: %w", addr, err)
			}
			e.regions = append(e.regions[:i], e.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unmap 0x%x+0x%x: no such region", addr, size)
}

// RegionAt returns the region containing addr.
func (e *Emulator) RegionAt(addr uint64) (Region, bool) {
	e.regionsMu.RLock()
	defer e.regionsMu.RUnlock()
	for _, r := range e.regions {
		if addr >= r.Base && addr < r.End() {
			return r, true
		}
	}
	return Region{}, false
}

// Regions returns a copy of the mapped regions ordered by address.
func (e *Emulator) Regions() []Region {
	e.regionsMu.RLock()
	defer e.regionsMu.RUnlock()
	return append([]Region(nil), e.regions...)
}

// LoadImage maps an executable image of code at base, rounded up to pages.
func (e *Emulator) LoadImage(name string, base uint64, code []byte) (Region, error) {
	size := (uint64(len(code)) + PageSize - 1) &^ (PageSize - 1)
	if size == 0 {
		size = PageSize
	}
	if err := e.Map(base, size, name, true); err != nil {
		return Region{}, err
	}
	if err := e.mu.MemWrite(base, code); err != nil {
		return Region{}, fmt.Errorf("write %s: %w", name, err)
	}
	return Region{Base: base, Size: size, Name: name, Exec: true}, nil
}

// process.Memory

// Read reads bytes from memory
func (e *Emulator) Read(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// Write writes bytes to memory
func (e *Emulator) Write(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// StoreUint64 writes an aligned uint64 (little endian).
func (e *Emulator) StoreUint64(addr, val uint64) error {
	if addr%8 != 0 {
		return fmt.Errorf("store 0x%x: %w", addr, errUnaligned)
	}
	return e.MemWriteU64(addr, val)
}

// Executable reports whether addr is inside an executable region.
func (e *Emulator) Executable(addr uint64) bool {
	r, ok := e.RegionAt(addr)
	return ok && r.Exec
}

// FlushInstructions is a no-op: Unicorn invalidates translated blocks on
// memory writes.
func (e *Emulator) FlushInstructions(addr, size uint64) error { return nil }

// process.Allocator

// Reserve maps an executable region at exactly addr.
func (e *Emulator) Reserve(addr, size uint64) error {
	if addr%Granularity != 0 {
		return fmt.Errorf("reserve 0x%x: %w", addr, errUnaligned)
	}
	if addr < MinAppAddr || addr+size > MaxAppAddr {
		return fmt.Errorf("reserve 0x%x: outside application range", addr)
	}
	return e.Map(addr, size, "slots", true)
}

// Free releases a region created by Reserve.
func (e *Emulator) Free(addr, size uint64) error {
	return e.Unmap(addr, size)
}

// Granularity returns the reservation granule.
func (e *Emulator) Granularity() uint64 { return Granularity }

// Bounds returns the usable application address range.
func (e *Emulator) Bounds() (uint64, uint64) { return MinAppAddr, MaxAppAddr }

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// Malloc allocates memory from the heap (bump allocator).
// Panics if heap is exhausted - this indicates a fundamental emulation problem.
func (e *Emulator) Malloc(size uint64) uint64 {
	// Align to 16 bytes
	size = (size + 15) & ^uint64(15)

	addr := e.heapPtr
	e.heapPtr += size

	if e.heapPtr >= HeapBase+HeapSize {
		panic("heap exhausted")
	}

	return addr
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// SetBreakpoint pauses any thread about to execute addr.
func (e *Emulator) SetBreakpoint(addr uint64) {
	e.breakpoint[addr] = true
}

// ClearBreakpoint removes a breakpoint.
func (e *Emulator) ClearBreakpoint(addr uint64) {
	delete(e.breakpoint, addr)
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// x86-64 register constants (re-exported for convenience)
const (
	RegRAX    = uc.X86_REG_RAX
	RegRBX    = uc.X86_REG_RBX
	RegRCX    = uc.X86_REG_RCX
	RegRDX    = uc.X86_REG_RDX
	RegRSI    = uc.X86_REG_RSI
	RegRDI    = uc.X86_REG_RDI
	RegRBP    = uc.X86_REG_RBP
	RegRSP    = uc.X86_REG_RSP
	RegR8     = uc.X86_REG_R8
	RegR9     = uc.X86_REG_R9
	RegR10    = uc.X86_REG_R10
	RegR11    = uc.X86_REG_R11
	RegR12    = uc.X86_REG_R12
	RegR13    = uc.X86_REG_R13
	RegR14    = uc.X86_REG_R14
	RegR15    = uc.X86_REG_R15
	RegRIP    = uc.X86_REG_RIP
	RegEFLAGS = uc.X86_REG_EFLAGS
)

// contextRegs are saved and restored on every thread switch.
var contextRegs = []int{
	RegRAX, RegRBX, RegRCX, RegRDX, RegRSI, RegRDI, RegRBP, RegRSP,
	RegR8, RegR9, RegR10, RegR11, RegR12, RegR13, RegR14, RegR15,
	RegRIP, RegEFLAGS,
}

// compile-time interface check
var _ process.Process = (*Emulator)(nil)
