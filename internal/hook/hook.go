// Package hook installs, enables, disables and removes inline function
// hooks. A hook diverts a target function to a detour through a code slot
// holding the relocated prologue and a relay stub.
package hook

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zboralski/detour/internal/diag"
	glog "github.com/zboralski/detour/internal/log"
	"github.com/zboralski/detour/internal/process"
	"github.com/zboralski/detour/internal/slots"
	"github.com/zboralski/detour/internal/trace"
	"github.com/zboralski/detour/internal/trampoline"
	"github.com/zboralski/detour/internal/x86"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const component = "hooks"

var (
	ErrAlreadyInstalled = errors.New("hook already installed")
	ErrNotInstalled     = errors.New("hook not installed")
	ErrNotExecutable    = errors.New("target is not executable")
)

// Hook is a snapshot of an installed hook.
type Hook struct {
	Target     uint64
	Detour     uint64
	Trampoline uint64 // call this to run the original function
	Enabled    bool
	Queued     bool // enable state to apply on ApplyQueued
	PatchAbove bool
	Backup     []byte // original bytes at the patch address
	IPs        []trampoline.IPMapping

	tramp *trampoline.Trampoline
	slot  *slots.Slot
}

// Relay returns the address the redirect jumps to.
func (h *Hook) Relay() uint64 { return h.tramp.Relay() }

// DetourCell returns the address of the relay's detour pointer.
func (h *Hook) DetourCell() uint64 { return h.tramp.DetourCell() }

// PatchAddr returns the first byte overwritten while enabled.
func (h *Hook) PatchAddr() uint64 { return h.tramp.PatchAddr() }

// Options configure a Table.
type Options struct {
	// FollowJumps resolves jump stubs at the target before installing.
	FollowJumps  bool
	MaxJumpChain int
	Reporter     diag.Reporter
	Journal      *trace.Journal
	Log          *glog.Logger
}

// Table owns every hook installed in one process.
type Table struct {
	mu      sync.Mutex
	proc    process.Process
	slots   *slots.Allocator
	hooks   map[uint64]*Hook
	aliases map[uint64]uint64 // requested target -> resolved target
	opts    Options
	log     *glog.Logger
}

// New creates a hook table patching proc and drawing slots from a.
func New(proc process.Process, a *slots.Allocator, opts Options) *Table {
	if opts.MaxJumpChain <= 0 {
		opts.MaxJumpChain = 8
	}
	return &Table{
		proc:    proc,
		slots:   a,
		hooks:   make(map[uint64]*Hook),
		aliases: make(map[uint64]uint64),
		opts:    opts,
		log:     glog.OrGlobal(opts.Log).WithCategory(component),
	}
}

func (t *Table) record(tag trace.Tag, addr uint64, name, detail string) {
	t.log.Event(string(tag), name, detail)
	if t.opts.Journal != nil {
		t.opts.Journal.Add(trace.NewEvent(addr, string(tag), name, detail))
	}
}

func (t *Table) resolve(target uint64) uint64 {
	if resolved, ok := t.aliases[target]; ok {
		return resolved
	}
	return target
}

func (t *Table) get(target uint64) (*Hook, error) {
	h, ok := t.hooks[t.resolve(target)]
	if !ok {
		return nil, fmt.Errorf("hook 0x%x: %w", target, ErrNotInstalled)
	}
	return h, nil
}

// Install builds a trampoline for target and stores the hook disabled.
// On any failure the code slot is released and nothing is patched.
func (t *Table) Install(target, detour uint64) (*Hook, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	requested := target
	if _, ok := t.hooks[t.resolve(target)]; ok {
		return nil, fmt.Errorf("install 0x%x: %w", target, ErrAlreadyInstalled)
	}
	if t.opts.FollowJumps {
		resolved, err := x86.FollowJumpChain(t.proc, target, t.opts.MaxJumpChain)
		if err != nil {
			return nil, fmt.Errorf("install 0x%x: %w", target, err)
		}
		target = resolved
	}
	if !t.proc.Executable(target) {
		return nil, fmt.Errorf("install 0x%x: %w", target, ErrNotExecutable)
	}
	if _, ok := t.hooks[target]; ok {
		return nil, fmt.Errorf("install 0x%x: %w", target, ErrAlreadyInstalled)
	}

	slot, err := t.slots.Acquire(target)
	if err != nil {
		return nil, err
	}
	h, err := t.build(target, detour, slot)
	if err != nil {
		if rerr := t.slots.Release(slot); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		return nil, err
	}

	t.hooks[target] = h
	if requested != target {
		t.aliases[requested] = target
	}
	t.log.HookInstall(target, detour, h.Trampoline, h.PatchAbove)
	t.record(trace.Install, target, glog.Hex(target), "detour="+glog.Hex(detour))
	out := *h
	return &out, nil
}

func (t *Table) build(target, detour uint64, slot *slots.Slot) (*Hook, error) {
	tr, err := trampoline.Build(t.proc, target, slot.Addr)
	if err != nil {
		return nil, err
	}
	backup, err := t.proc.Read(tr.PatchAddr(), uint64(tr.PatchSize()))
	if err != nil {
		return nil, fmt.Errorf("backup 0x%x: %w", tr.PatchAddr(), err)
	}
	if err := t.proc.Write(slot.Addr, tr.Image(detour)); err != nil {
		return nil, fmt.Errorf("write trampoline 0x%x: %w", slot.Addr, err)
	}
	if err := t.proc.FlushInstructions(slot.Addr, slot.Size); err != nil {
		return nil, fmt.Errorf("flush 0x%x: %w", slot.Addr, err)
	}
	return &Hook{
		Target:     target,
		Detour:     detour,
		Trampoline: tr.Address,
		PatchAbove: tr.PatchAbove,
		Backup:     backup,
		IPs:        tr.IPs,
		tramp:      tr,
		slot:       slot,
	}, nil
}

// Enable writes the redirect at target with every other thread suspended.
func (t *Table) Enable(target uint64) error { return t.setState(target, true) }

// Disable restores the original bytes at target.
func (t *Table) Disable(target uint64) error { return t.setState(target, false) }

func (t *Table) setState(target uint64, enable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := "Disable"
	if enable {
		op = "Enable"
	}
	h, err := t.get(target)
	if err != nil {
		return err
	}
	if h.Enabled == enable {
		return diag.Raise(t.opts.Reporter, component, op, glog.Hex(h.Target), "hook already "+stateName(enable))
	}
	return t.apply([]change{{h, enable}})
}

func stateName(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

// EnableAll enables every disabled hook in one suspension.
func (t *Table) EnableAll() error { return t.setAll(true) }

// DisableAll disables every enabled hook in one suspension.
func (t *Table) DisableAll() error { return t.setAll(false) }

func (t *Table) setAll(enable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []change
	for _, h := range t.sorted() {
		if h.Enabled != enable {
			changes = append(changes, change{h, enable})
		}
	}
	return t.apply(changes)
}

// Queue records the enable state to apply on the next ApplyQueued.
func (t *Table) Queue(target uint64, enable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.get(target)
	if err != nil {
		return err
	}
	h.Queued = enable
	return nil
}

// ApplyQueued moves every hook to its queued state in one suspension.
func (t *Table) ApplyQueued() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []change
	for _, h := range t.sorted() {
		if h.Queued != h.Enabled {
			changes = append(changes, change{h, h.Queued})
		}
	}
	return t.apply(changes)
}

// Uninstall removes a disabled hook and releases its code slot.
func (t *Table) Uninstall(target uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.get(target)
	if err != nil {
		return err
	}
	if h.Enabled {
		return diag.Raise(t.opts.Reporter, component, "Uninstall", glog.Hex(h.Target), "hook is enabled")
	}
	return t.remove(h)
}

func (t *Table) remove(h *Hook) error {
	delete(t.hooks, h.Target)
	for alias, resolved := range t.aliases {
		if resolved == h.Target {
			delete(t.aliases, alias)
		}
	}
	t.record(trace.Uninstall, h.Target, glog.Hex(h.Target), "")
	return t.slots.Release(h.slot)
}

// SetDetour swaps the detour of an installed hook with a single store into
// the relay's detour cell. No thread is suspended.
func (t *Table) SetDetour(target, detour uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.get(target)
	if err != nil {
		return err
	}
	if err := t.proc.StoreUint64(h.DetourCell(), detour); err != nil {
		return fmt.Errorf("set detour 0x%x: %w", h.Target, err)
	}
	h.Detour = detour
	t.record(trace.Detour, h.Target, glog.Hex(h.Target), "detour="+glog.Hex(detour))
	return nil
}

// Trampoline returns the address that runs the original function.
func (t *Table) Trampoline(target uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.get(target)
	if err != nil {
		return 0, err
	}
	return h.Trampoline, nil
}

// Lookup returns a snapshot of the hook installed at target.
func (t *Table) Lookup(target uint64) (Hook, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.hooks[t.resolve(target)]
	if !ok {
		return Hook{}, false
	}
	return *h, true
}

// Hooks returns snapshots of every hook ordered by target.
func (t *Table) Hooks() []Hook {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Hook
	for _, h := range t.sorted() {
		out = append(out, *h)
	}
	return out
}

// InRange returns the hooks whose detour or target lies in [lo, hi).
func (t *Table) InRange(lo, hi uint64) []Hook {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Hook
	for _, h := range t.inRange(lo, hi) {
		out = append(out, *h)
	}
	return out
}

func (t *Table) inRange(lo, hi uint64) []*Hook {
	var out []*Hook
	for _, h := range t.sorted() {
		if (h.Detour >= lo && h.Detour < hi) || (h.Target >= lo && h.Target < hi) {
			out = append(out, h)
		}
	}
	return out
}

// Name identifies the table in cleanup reports.
func (t *Table) Name() string { return component }

// SweepRange removes every hook whose detour or target lies in [lo, hi).
// Enabled hooks are disabled in one batch first; if that batch fails
// nothing is removed and the error is returned. Once the batch succeeded
// the sweep itself does not fail.
func (t *Table) SweepRange(lo, hi uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	victims := t.inRange(lo, hi)
	var changes []change
	for _, h := range victims {
		if h.Enabled {
			changes = append(changes, change{h, false})
		}
	}
	if err := t.apply(changes); err != nil {
		return 0, fmt.Errorf("sweep %s: %w", glog.Hex(lo), err)
	}

	// The hooks are gone from the code; a slot that cannot be given back
	// only leaks pool memory and must not block the unload.
	for _, h := range victims {
		if err := t.remove(h); err != nil {
			t.log.Warn("release slot", glog.Target(h.Target), zap.Error(err))
		}
	}
	t.log.Sweep(component, lo, hi, len(victims))
	if len(victims) > 0 {
		t.record(trace.Sweep, lo, component, fmt.Sprintf("removed=%d", len(victims)))
	}
	return len(victims), nil
}

func (t *Table) sorted() []*Hook {
	out := make([]*Hook, 0, len(t.hooks))
	for _, h := range t.hooks {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

type change struct {
	h      *Hook
	enable bool
}

// apply patches every change under a single suspension. A failed patch
// rolls back the ones already written before threads resume.
func (t *Table) apply(changes []change) error {
	if len(changes) == 0 {
		return nil
	}
	return process.WithAllThreadsSuspended(t.proc, func(threads []process.Thread) error {
		for i, c := range changes {
			if err := t.patch(c.h, c.enable); err != nil {
				for j := i - 1; j >= 0; j-- {
					err = multierr.Append(err, t.patch(changes[j].h, !changes[j].enable))
				}
				return err
			}
		}

		for _, c := range changes {
			moved, err := process.Relocate(threads, c.move())
			if err != nil {
				t.log.Warn("relocate threads", glog.Target(c.h.Target), zap.Error(err))
			}
			tag := trace.Disable
			if c.enable {
				tag = trace.Enable
			}
			t.record(tag, c.h.Target, glog.Hex(c.h.Target), fmt.Sprintf("moved=%d", moved))
		}
		return nil
	})
}

// move maps a suspended thread's PC across the patch.
func (c change) move() func(pc uint64) (uint64, bool) {
	tr := c.h.tramp
	if c.enable {
		return tr.Translate
	}
	return func(pc uint64) (uint64, bool) {
		if next, ok := tr.Reverse(pc); ok {
			return next, true
		}
		relay := tr.Relay()
		if pc >= relay && pc < relay+x86.JmpAbsSize {
			return tr.Target, true
		}
		if tr.PatchAbove && pc == tr.PatchAddr() {
			return tr.Target, true
		}
		return 0, false
	}
}

func (t *Table) patch(h *Hook, enable bool) error {
	code := h.Backup
	if enable {
		var err error
		if code, err = h.tramp.Redirect(); err != nil {
			return fmt.Errorf("redirect 0x%x: %w", h.Target, err)
		}
	}
	addr := h.tramp.PatchAddr()
	if err := t.proc.Write(addr, code); err != nil {
		return fmt.Errorf("patch 0x%x: %w", addr, err)
	}
	if err := t.proc.FlushInstructions(addr, uint64(len(code))); err != nil {
		return fmt.Errorf("flush 0x%x: %w", addr, err)
	}
	h.Enabled = enable
	h.Queued = enable
	return nil
}
