package emulator

import (
	"errors"
	"fmt"

	"github.com/zboralski/detour/internal/process"
)

var (
	errBusy       = errors.New("emulator is already running a thread")
	errThreadDone = errors.New("thread has exited")
	errNoStack    = errors.New("no free thread stack")
)

// argRegs holds the System V integer argument registers.
var argRegs = []int{RegRDI, RegRSI, RegRDX, RegRCX, RegR8, RegR9}

// Thread is a saved CPU context. Only the thread passed to RunThread is
// ever live on the CPU; every other thread is suspended.
type Thread struct {
	id    uint64
	emu   *Emulator
	regs  map[int]uint64
	stack int
	done  bool
}

// ID returns the thread id.
func (t *Thread) ID() uint64 { return t.id }

// Done reports whether the thread returned to ExitAddr.
func (t *Thread) Done() bool { return t.done }

// PC returns the saved instruction pointer, or the live one while running.
func (t *Thread) PC() (uint64, error) { return t.Reg(RegRIP) }

// SetPC moves the thread's instruction pointer.
func (t *Thread) SetPC(pc uint64) error { return t.SetReg(RegRIP, pc) }

// Reg reads a register from the thread context.
func (t *Thread) Reg(reg int) (uint64, error) {
	if t.emu.current == t {
		return t.emu.mu.RegRead(reg)
	}
	return t.regs[reg], nil
}

// SetReg writes a register in the thread context.
func (t *Thread) SetReg(reg int, val uint64) error {
	if t.emu.current == t {
		return t.emu.mu.RegWrite(reg, val)
	}
	t.regs[reg] = val
	return nil
}

// Result returns RAX.
func (t *Thread) Result() uint64 {
	v, _ := t.Reg(RegRAX)
	return v
}

// SpawnThread creates a suspended thread that will call entry with args
// and end when entry returns.
func (e *Emulator) SpawnThread(entry uint64, args ...uint64) (*Thread, error) {
	if len(args) > len(argRegs) {
		return nil, fmt.Errorf("spawn thread: %d arguments, at most %d", len(args), len(argRegs))
	}
	// exited threads give their stacks back
	live := e.threads[:0]
	used := make(map[int]bool)
	for _, t := range e.threads {
		if !t.done {
			live = append(live, t)
			used[t.stack] = true
		}
	}
	e.threads = live
	slot := -1
	for i := 0; uint64(i+1)*ThreadStackSize <= StackSize; i++ {
		if !used[i] {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, errNoStack
	}

	top := uint64(StackBase) + uint64(slot+1)*ThreadStackSize - 0x100
	sp := top - 8 // return address keeps the ABI entry alignment
	if err := e.MemWriteU64(sp, ExitAddr); err != nil {
		return nil, fmt.Errorf("spawn thread: %w", err)
	}

	t := &Thread{id: e.nextTID, emu: e, regs: make(map[int]uint64), stack: slot}
	e.nextTID++
	t.regs[RegRIP] = entry
	t.regs[RegRSP] = sp
	t.regs[RegRBP] = top
	t.regs[RegEFLAGS] = 0x202
	for i, a := range args {
		t.regs[argRegs[i]] = a
	}
	e.threads = append(e.threads, t)
	return t, nil
}

// Threads returns every thread that has not exited.
func (e *Emulator) Threads() []*Thread {
	var out []*Thread
	for _, t := range e.threads {
		if !t.done {
			out = append(out, t)
		}
	}
	return out
}

// RunThread loads t onto the CPU and runs it until it exits, hits a
// breakpoint, or an address hook stops emulation.
func (e *Emulator) RunThread(t *Thread) error {
	if t.done {
		return errThreadDone
	}
	if e.current != nil {
		return errBusy
	}

	for _, reg := range contextRegs {
		if err := e.mu.RegWrite(reg, t.regs[reg]); err != nil {
			return fmt.Errorf("restore thread %d: %w", t.id, err)
		}
	}

	e.current = t
	e.stopped = false
	start := t.regs[RegRIP]
	if e.breakpoint[start] {
		e.skipBreak = start
	}
	runErr := e.mu.Start(start, 0)
	exited := e.atExit()
	e.current = nil

	for _, reg := range contextRegs {
		v, err := e.mu.RegRead(reg)
		if err != nil {
			return fmt.Errorf("save thread %d: %w", t.id, err)
		}
		t.regs[reg] = v
	}
	if exited {
		t.done = true
	}
	if runErr != nil {
		return fmt.Errorf("thread %d at 0x%x: %w", t.id, t.regs[RegRIP], runErr)
	}
	return nil
}

func (e *Emulator) atExit() bool {
	rip, err := e.mu.RegRead(RegRIP)
	return err == nil && (rip == ExitAddr || rip == ExitAddr+1)
}

// Call runs entry with args on a new thread to completion and returns RAX.
func (e *Emulator) Call(entry uint64, args ...uint64) (uint64, error) {
	t, err := e.SpawnThread(entry, args...)
	if err != nil {
		return 0, err
	}
	if err := e.RunThread(t); err != nil {
		return 0, err
	}
	if !t.done {
		pc, _ := t.PC()
		return 0, fmt.Errorf("call 0x%x: stopped at 0x%x", entry, pc)
	}
	return t.Result(), nil
}

// Suspend returns every live thread other than the one currently running.
// Threads that are not on the CPU are already suspended.
func (e *Emulator) Suspend() ([]process.Thread, error) {
	var out []process.Thread
	for _, t := range e.threads {
		if t.done || t == e.current {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Resume is a no-op: suspended threads run again when passed to RunThread.
func (e *Emulator) Resume([]process.Thread) error { return nil }
