// Package cleanup sweeps every component that can hold references into a
// module's address range.
package cleanup

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Cleaner drops whatever it holds that points into [lo, hi) and returns
// how many references it removed.
type Cleaner interface {
	Name() string
	SweepRange(lo, hi uint64) int
}

// Context is the set of registered cleaners.
type Context struct {
	mu       sync.Mutex
	cleaners []Cleaner
}

// Register adds c. Registering the same cleaner twice is a no-op.
func (c *Context) Register(cl Cleaner) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, have := range c.cleaners {
		if have == cl {
			return
		}
	}
	c.cleaners = append(c.cleaners, cl)
}

// Deregister removes c.
func (c *Context) Deregister(cl Cleaner) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, have := range c.cleaners {
		if have == cl {
			c.cleaners = append(c.cleaners[:i], c.cleaners[i+1:]...)
			return
		}
	}
}

// SweepRange runs every cleaner over [lo, hi).
func (c *Context) SweepRange(lo, hi uint64) Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := Report{Counts: make(map[string]int)}
	for _, cl := range c.cleaners {
		r.Counts[cl.Name()] += cl.SweepRange(lo, hi)
	}
	return r
}

// Report holds the references removed per component name.
type Report struct {
	Counts map[string]int
}

// Total returns the number of references removed.
func (r Report) Total() int {
	n := 0
	for _, v := range r.Counts {
		n += v
	}
	return n
}

// Names returns the components that removed something, sorted.
func (r Report) Names() []string {
	var names []string
	for name, n := range r.Counts {
		if n > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// String renders the report, or "" when nothing was removed.
func (r Report) String() string {
	names := r.Names()
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Cleaned leftover references for\n")
	for _, name := range names {
		fmt.Fprintf(&b, "\t%s: %d\n", name, r.Counts[name])
	}
	return b.String()
}
