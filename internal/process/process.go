// Package process defines the address-space and thread capabilities the
// hook engine needs from its host, and the stop-the-world helper built on
// them.
package process

import (
	"fmt"

	"go.uber.org/multierr"
)

// Memory reads and patches code in the host address space.
type Memory interface {
	Read(addr, size uint64) ([]byte, error)
	// Write stores data regardless of the page protection of the range.
	Write(addr uint64, data []byte) error
	// StoreUint64 performs a single aligned 8-byte store.
	StoreUint64(addr, val uint64) error
	Executable(addr uint64) bool
	FlushInstructions(addr, size uint64) error
}

// Allocator reserves executable memory at exact addresses.
type Allocator interface {
	Reserve(addr, size uint64) error
	Free(addr, size uint64) error
	// Granularity is the alignment and minimum size of a reservation.
	Granularity() uint64
	// Bounds returns the lowest and highest usable application addresses.
	Bounds() (lo, hi uint64)
}

// Thread is a suspended OS thread.
type Thread interface {
	ID() uint64
	PC() (uint64, error)
	SetPC(pc uint64) error
}

// Threads suspends and resumes every thread except the caller's.
type Threads interface {
	Suspend() ([]Thread, error)
	Resume(threads []Thread) error
}

// Process is the full capability set of a host.
type Process interface {
	Memory
	Allocator
	Threads
}

// WithAllThreadsSuspended runs fn while every other thread is suspended.
// Threads are resumed on every exit path, including a panic in fn.
func WithAllThreadsSuspended(t Threads, fn func(threads []Thread) error) (err error) {
	threads, err := t.Suspend()
	if err != nil {
		return fmt.Errorf("suspend threads: %w", err)
	}
	defer func() {
		if rerr := t.Resume(threads); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("resume threads: %w", rerr))
		}
	}()
	return fn(threads)
}

// Relocate moves the instruction pointer of every thread for which move
// returns a new address. It returns the number of threads moved.
func Relocate(threads []Thread, move func(pc uint64) (uint64, bool)) (int, error) {
	moved := 0
	var errs error
	for _, th := range threads {
		pc, err := th.PC()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("thread %d: %w", th.ID(), err))
			continue
		}
		next, ok := move(pc)
		if !ok || next == pc {
			continue
		}
		if err := th.SetPC(next); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("thread %d: %w", th.ID(), err))
			continue
		}
		moved++
	}
	return moved, errs
}
