// Package slots hands out fixed-size blocks of executable memory placed
// within rel32 reach of the code that will jump to them.
package slots

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/zboralski/detour/internal/diag"
	glog "github.com/zboralski/detour/internal/log"
	"github.com/zboralski/detour/internal/process"
	"go.uber.org/zap"
)

const (
	// DefaultSlotSize fits a trampoline body plus its relay stub.
	DefaultSlotSize = 64

	// MaxRange keeps every byte of a pool within a signed 32-bit
	// displacement of the address it was requested for.
	MaxRange = 0x7FF00000
)

// ErrNoRegion is returned when no free region exists within MaxRange.
var ErrNoRegion = errors.New("no free region within rel32 range")

// AllocError is returned when no reachable pool can be grown.
type AllocError struct {
	Near uint64
	Err  error
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("allocate code slot near 0x%x: %v", e.Near, e.Err)
}

func (e *AllocError) Unwrap() error { return e.Err }

// Backend reserves memory and writes the slot filler.
type Backend interface {
	process.Allocator
	Write(addr uint64, data []byte) error
}

// Slot is one block handed out by an Allocator.
type Slot struct {
	Addr  uint64
	Size  uint64
	pool  *pool
	index int
}

type pool struct {
	base  uint64
	size  uint64
	used  []bool
	inUse int
}

func (p *pool) reachable(near uint64) bool {
	lo := uint64(0)
	if near > MaxRange {
		lo = near - MaxRange
	}
	return p.base >= lo && p.base+p.size <= near+MaxRange
}

// Options configure an Allocator.
type Options struct {
	SlotSize uint64
	// PoolSize is rounded up to the backend's granularity.
	PoolSize       uint64
	KeepEmptyPools bool
	Reporter       diag.Reporter
	Log            *glog.Logger
}

// Stats describes the allocator's pools.
type Stats struct {
	Pools int
	Slots int
	Used  int
}

// Allocator manages pools of code slots.
type Allocator struct {
	mu       sync.Mutex
	backend  Backend
	slotSize uint64
	poolSize uint64
	keep     bool
	pools    []*pool
	reporter diag.Reporter
	log      *glog.Logger
}

// New creates an allocator drawing pools from b.
func New(b Backend, opts Options) *Allocator {
	size := opts.SlotSize
	if size == 0 {
		size = DefaultSlotSize
	}
	return &Allocator{
		backend:  b,
		slotSize: size,
		poolSize: opts.PoolSize,
		keep:     opts.KeepEmptyPools,
		reporter: opts.Reporter,
		log:      glog.OrGlobal(opts.Log),
	}
}

// SlotSize returns the size of every slot.
func (a *Allocator) SlotSize() uint64 { return a.slotSize }

// Acquire returns a free slot reachable from near with a rel32 jump.
func (a *Allocator) Acquire(near uint64) (*Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.pools {
		if p.inUse == len(p.used) || !p.reachable(near) {
			continue
		}
		return a.take(p)
	}

	p, err := a.grow(near)
	if err != nil {
		return nil, &AllocError{Near: near, Err: err}
	}
	return a.take(p)
}

func (a *Allocator) take(p *pool) (*Slot, error) {
	for i, used := range p.used {
		if used {
			continue
		}
		s := &Slot{Addr: p.base + uint64(i)*a.slotSize, Size: a.slotSize, pool: p, index: i}
		if err := a.fill(s); err != nil {
			return nil, &AllocError{Near: s.Addr, Err: err}
		}
		p.used[i] = true
		p.inUse++
		return s, nil
	}
	return nil, &AllocError{Near: p.base, Err: errors.New("pool exhausted")}
}

func (a *Allocator) fill(s *Slot) error {
	return a.backend.Write(s.Addr, bytes.Repeat([]byte{0xCC}, int(s.Size)))
}

// grow reserves a new pool, searching downward from near first and then
// upward, one allocation granule at a time.
func (a *Allocator) grow(near uint64) (*pool, error) {
	gran := a.backend.Granularity()
	lo, hi := a.backend.Bounds()
	size := (a.poolSize + gran - 1) &^ (gran - 1)
	if size == 0 {
		size = gran
	}

	minAddr := lo
	if near > MaxRange && near-MaxRange > minAddr {
		minAddr = near - MaxRange
	}
	maxAddr := hi
	if near+MaxRange < maxAddr {
		maxAddr = near + MaxRange
	}
	if maxAddr < size {
		return nil, ErrNoRegion
	}
	maxAddr -= size // last usable pool base

	start := near &^ (gran - 1)
	try := func(addr uint64) *pool {
		if err := a.backend.Reserve(addr, size); err != nil {
			return nil
		}
		p := &pool{base: addr, size: size, used: make([]bool, size/a.slotSize)}
		a.pools = append(a.pools, p)
		a.log.Debug("slot pool", glog.Addr(addr), glog.Size(size), glog.Ptr("near", near))
		return p
	}

	for addr := start; addr >= minAddr; addr -= gran {
		if addr <= maxAddr {
			if p := try(addr); p != nil {
				return p, nil
			}
		}
		if addr < gran {
			break
		}
	}
	for addr := start + gran; addr <= maxAddr; addr += gran {
		if addr < minAddr {
			continue
		}
		if p := try(addr); p != nil {
			return p, nil
		}
	}
	return nil, ErrNoRegion
}

// Release returns s to its pool. Releasing a slot twice is reported as a
// consistency error and otherwise ignored.
func (a *Allocator) Release(s *Slot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s == nil || s.pool == nil || !s.pool.used[s.index] {
		key := "<nil>"
		if s != nil {
			key = glog.Hex(s.Addr)
		}
		return diag.Raise(a.reporter, "slots", "Release", key, "slot not in use")
	}

	if err := a.fill(s); err != nil {
		a.log.Warn("clear slot", glog.Addr(s.Addr), zap.Error(err))
	}
	p := s.pool
	p.used[s.index] = false
	p.inUse--
	s.pool = nil

	if p.inUse == 0 && !a.keep {
		if err := a.backend.Free(p.base, p.size); err != nil {
			return fmt.Errorf("free pool 0x%x: %w", p.base, err)
		}
		for i, q := range a.pools {
			if q == p {
				a.pools = append(a.pools[:i], a.pools[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Stats reports pool usage.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var st Stats
	for _, p := range a.pools {
		st.Pools++
		st.Slots += len(p.used)
		st.Used += p.inUse
	}
	return st
}
