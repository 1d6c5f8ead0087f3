// Package registry holds the callback tables modules publish handlers into.
//
// Every table maps an identifier to a handler address inside some module.
// Queries take a reference that Release gives back; SweepRange removes
// everything pointing into an address range so nothing dispatches into a
// module after it is unloaded.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zboralski/detour/internal/diag"
	glog "github.com/zboralski/detour/internal/log"
	"go.uber.org/zap"
)

// Entry is one registered handler.
type Entry[K comparable, V any] struct {
	ID      K
	Handler uint64
	Value   V
	Refs    int
	// Pending is set when Deregister found outstanding references; the
	// entry is invisible to Query and is dropped by the last Release.
	Pending bool
	// Seq identifies this registration of ID. A reference taken by Query
	// is given back with the same Seq.
	Seq uint64
}

// ref names one registration of an id.
type ref[K comparable] struct {
	id  K
	seq uint64
}

// Options configure a Registry.
type Options struct {
	Reporter diag.Reporter
	Log      *glog.Logger
}

// Registry is a reference-counted handler table.
type Registry[K comparable, V any] struct {
	name      string
	mu        sync.Mutex
	entries   map[K]*Entry[K, V]
	swept     map[ref[K]]int // references still held on swept entries
	seq       uint64
	reporter  diag.Reporter
	log       *glog.Logger
	formatKey func(K) string
}

// New creates an empty registry reported as name.
func New[K comparable, V any](name string, opts Options) *Registry[K, V] {
	return &Registry[K, V]{
		name:      name,
		entries:   make(map[K]*Entry[K, V]),
		swept:     make(map[ref[K]]int),
		reporter:  opts.Reporter,
		log:       glog.OrGlobal(opts.Log),
		formatKey: func(k K) string { return fmt.Sprint(k) },
	}
}

// Name identifies the registry in cleanup reports.
func (r *Registry[K, V]) Name() string { return r.name }

// Register adds a handler. The first registration of an id wins; later
// ones are ignored and return false.
func (r *Registry[K, V]) Register(id K, handler uint64, value V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return false
	}
	r.seq++
	r.entries[id] = &Entry[K, V]{ID: id, Handler: handler, Value: value, Seq: r.seq}
	return true
}

// Deregister removes id. With outstanding references the removal is
// deferred to the last Release and deferred is true.
func (r *Registry[K, V]) Deregister(id K) (deferred bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Pending {
		return false, false
	}
	if e.Refs > 0 {
		e.Pending = true
		r.log.Debug("deregister deferred",
			zap.String("registry", r.name),
			zap.String("id", r.formatKey(id)),
			zap.Int("refs", e.Refs),
		)
		return true, true
	}
	delete(r.entries, id)
	return false, true
}

// Query returns the entry for id and takes a reference on it.
func (r *Registry[K, V]) Query(id K) (Entry[K, V], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Pending {
		return Entry[K, V]{}, false
	}
	e.Refs++
	return *e, true
}

// Release gives back a reference taken by Query on the registration seq.
// Releasing more than was queried, or a reference the registry never
// handed out, is a consistency error and changes nothing.
func (r *Registry[K, V]) Release(id K, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok && e.Seq == seq {
		if e.Refs <= 0 {
			return diag.Raise(r.reporter, r.name, "Release", r.formatKey(id), "reference count underflow")
		}
		e.Refs--
		if e.Refs == 0 && e.Pending {
			delete(r.entries, id)
		}
		return nil
	}

	key := ref[K]{id, seq}
	n, held := r.swept[key]
	if !held {
		return diag.Raise(r.reporter, r.name, "Release", r.formatKey(id), fmt.Sprintf("unknown reference (seq %d)", seq))
	}
	if n <= 1 {
		delete(r.swept, key)
	} else {
		r.swept[key] = n - 1
	}
	return nil
}

// With queries id, runs fn on the entry and releases the reference.
// ok is false when id is not registered.
func (r *Registry[K, V]) With(id K, fn func(Entry[K, V])) (ok bool, err error) {
	e, ok := r.Query(id)
	if !ok {
		return false, nil
	}
	defer func() { err = r.Release(id, e.Seq) }()
	fn(e)
	return true, nil
}

// SweepRange removes every entry whose handler lies in [lo, hi), including
// entries with outstanding references, and returns how many were removed.
// References held on removed entries can still be released.
func (r *Registry[K, V]) SweepRange(lo, hi uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		if e.Handler >= lo && e.Handler < hi {
			if e.Refs > 0 {
				r.swept[ref[K]{id, e.Seq}] += e.Refs
			}
			delete(r.entries, id)
			removed++
		}
	}
	r.log.Sweep(r.name, lo, hi, removed)
	return removed
}

// Len returns the number of entries visible to Query.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if !e.Pending {
			n++
		}
	}
	return n
}

// Snapshot returns copies of the visible entries in registration order.
func (r *Registry[K, V]) Snapshot() []Entry[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry[K, V], 0, len(r.entries))
	for _, e := range r.entries {
		if !e.Pending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
