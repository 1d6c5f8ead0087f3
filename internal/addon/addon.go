// Package addon tracks which loaded module owns which address range and
// tears a module's hooks and callbacks down before its memory is freed.
package addon

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zboralski/detour/internal/cleanup"
	glog "github.com/zboralski/detour/internal/log"
	"github.com/zboralski/detour/internal/trace"
	"go.uber.org/zap"
)

var (
	ErrOverlap       = errors.New("module range overlaps a registered module")
	ErrUnknownModule = errors.New("module not registered")
	ErrEmptyRange    = errors.New("module range is empty")

	ErrUnloadInProgress = errors.New("module unload already in progress")
)

// State is the lifecycle state of a registered module.
type State int32

const (
	StateLoaded State = iota
	StateUnloading
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "Loaded"
	case StateUnloading:
		return "Unloading"
	case StateUnloaded:
		return "Unloaded"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ModuleRecord describes a loaded module image.
type ModuleRecord struct {
	Handle uint64 // platform module handle
	Name   string
	Base   uint64
	Size   uint64
}

// End returns the first address past the module.
func (r ModuleRecord) End() uint64 { return r.Base + r.Size }

// Contains reports whether addr lies in [Base, Base+Size).
func (r ModuleRecord) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

// Module is a registered module.
type Module struct {
	ModuleRecord
	ID uuid.UUID

	state   atomic.Int32
	running atomic.Bool
}

// State returns the lifecycle state.
func (m *Module) State() State { return State(m.state.Load()) }

// Running reports whether calls into the module may be dispatched.
func (m *Module) Running() bool { return m.running.Load() }

func (m *Module) set(s State, running bool) {
	m.state.Store(int32(s))
	m.running.Store(running)
}

// UnloadBlockedError is returned when a module's hooks could not be
// removed. The module stays loaded and its memory must not be freed.
type UnloadBlockedError struct {
	Module string
	Err    error
}

func (e *UnloadBlockedError) Error() string {
	return fmt.Sprintf("unload %s blocked: %v", e.Module, e.Err)
}

func (e *UnloadBlockedError) Unwrap() error { return e.Err }

// HookSweeper removes the hooks that point into an address range.
type HookSweeper interface {
	SweepRange(lo, hi uint64) (int, error)
}

// Freer releases a module's memory once nothing refers to it.
type Freer interface {
	Free(rec ModuleRecord) error
}

// FreerFunc adapts a function to Freer.
type FreerFunc func(rec ModuleRecord) error

// Free implements Freer.
func (f FreerFunc) Free(rec ModuleRecord) error { return f(rec) }

// Options wire Owners to the components swept on unload.
type Options struct {
	Hooks   HookSweeper
	Cleanup *cleanup.Context
	Freer   Freer
	Journal *trace.Journal
	Log     *glog.Logger
}

// Owners is the registry of loaded modules.
type Owners struct {
	mu      sync.RWMutex
	modules []*Module // sorted by Base
	opts    Options
	log     *glog.Logger
}

// NewOwners creates an empty module registry.
func NewOwners(opts Options) *Owners {
	return &Owners{opts: opts, log: glog.OrGlobal(opts.Log).WithCategory("addon")}
}

// Register records a loaded module. Ranges of registered modules never
// overlap.
func (o *Owners) Register(rec ModuleRecord) (*Module, error) {
	if rec.Size == 0 {
		return nil, fmt.Errorf("register %s: %w", rec.Name, ErrEmptyRange)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, m := range o.modules {
		if rec.Base < m.End() && m.Base < rec.End() {
			return nil, fmt.Errorf("register %s: %w: %s", rec.Name, ErrOverlap, m.Name)
		}
	}
	m := &Module{ModuleRecord: rec, ID: uuid.New()}
	m.set(StateLoaded, true)
	o.modules = append(o.modules, m)
	sort.Slice(o.modules, func(i, j int) bool { return o.modules[i].Base < o.modules[j].Base })

	o.log.Info("module registered",
		glog.Module(rec.Name),
		glog.Range(rec.Base, rec.End()),
		zap.String("id", m.ID.String()),
	)
	return m, nil
}

// Owner returns the module whose range contains addr, or nil.
func (o *Owners) Owner(addr uint64) *Module {
	o.mu.RLock()
	defer o.mu.RUnlock()

	i := sort.Search(len(o.modules), func(i int) bool { return o.modules[i].End() > addr })
	if i < len(o.modules) && o.modules[i].Contains(addr) {
		return o.modules[i]
	}
	return nil
}

// Modules returns the registered modules ordered by base address.
func (o *Owners) Modules() []*Module {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*Module(nil), o.modules...)
}

// Guard reports whether a call to addr may be dispatched. Addresses owned
// by no module belong to the host and are always dispatchable.
func (o *Owners) Guard(addr uint64) bool {
	m := o.Owner(addr)
	return m == nil || m.Running()
}

// claim moves the module described by rec from Loaded to Unloading and
// stops dispatch into it. Only one caller can win the claim.
func (o *Owners) claim(rec ModuleRecord) (*Module, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.modules {
		if m.Handle != rec.Handle || m.Base != rec.Base {
			continue
		}
		if !m.state.CompareAndSwap(int32(StateLoaded), int32(StateUnloading)) {
			return nil, ErrUnloadInProgress
		}
		m.running.Store(false)
		return m, nil
	}
	return nil, ErrUnknownModule
}

func (o *Owners) remove(m *Module) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, have := range o.modules {
		if have == m {
			o.modules = append(o.modules[:i], o.modules[i+1:]...)
			return
		}
	}
}

func (o *Owners) record(tag trace.Tag, m *Module, detail string) {
	o.log.Event(string(tag), m.Name, detail)
	if o.opts.Journal != nil {
		e := trace.NewEvent(m.Base, string(tag), m.Name, detail)
		e.Annotate("id", m.ID.String())
		o.opts.Journal.Add(e)
	}
}

// UnloadModule stops dispatch into the module, removes its hooks and every
// callback pointing into its range, frees it and forgets it.
//
// If a hook cannot be disabled the module is put back into service and an
// *UnloadBlockedError is returned; nothing is freed. A second unload of a
// module already being unloaded fails with ErrUnloadInProgress. If freeing
// fails the module is left Loaded but not running, so the unload can be
// retried while nothing dispatches into it.
func (o *Owners) UnloadModule(rec ModuleRecord) (cleanup.Report, error) {
	m, err := o.claim(rec)
	if err != nil {
		return cleanup.Report{}, fmt.Errorf("unload %s: %w", rec.Name, err)
	}
	lo, hi := m.Base, m.End()

	hooks := 0
	if o.opts.Hooks != nil {
		n, err := o.opts.Hooks.SweepRange(lo, hi)
		if err != nil {
			m.set(StateLoaded, true)
			o.log.Warn("unload blocked", glog.Module(m.Name), zap.Error(err))
			o.record(trace.Blocked, m, err.Error())
			return cleanup.Report{}, &UnloadBlockedError{Module: m.Name, Err: err}
		}
		hooks = n
	}

	report := cleanup.Report{Counts: make(map[string]int)}
	if o.opts.Cleanup != nil {
		report = o.opts.Cleanup.SweepRange(lo, hi)
	}
	if hooks > 0 {
		report.Counts["hooks"] += hooks
	}
	if s := report.String(); s != "" {
		o.log.Info(s, glog.Module(m.Name))
	}

	if o.opts.Freer != nil {
		if err := o.opts.Freer.Free(m.ModuleRecord); err != nil {
			m.set(StateLoaded, false)
			o.log.Warn("free failed", glog.Module(m.Name), zap.Error(err))
			return report, fmt.Errorf("free %s: %w", m.Name, err)
		}
	}
	o.remove(m)
	m.set(StateUnloaded, false)
	o.record(trace.Unload, m, fmt.Sprintf("removed=%d", report.Total()))
	return report, nil
}
