// Package trace provides types for diagnostics event collection.
package trace

import (
	"sync"
	"time"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Install     Tag = "install"
	Enable      Tag = "enable"
	Disable     Tag = "disable"
	Uninstall   Tag = "uninstall"
	Detour      Tag = "detour"
	Relocate    Tag = "relocate"
	Sweep       Tag = "sweep"
	Unload      Tag = "unload"
	Blocked     Tag = "blocked"
	Consistency Tag = "consistency"
	Registry    Tag = "registry"
	Alloc       Tag = "alloc"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Set adds or updates an annotation.
func (a Annotations) Set(k, v string) {
	a[k] = v
}

// Get retrieves an annotation value.
func (a Annotations) Get(k string) string {
	return a[k]
}

// Event represents a diagnostics event.
type Event struct {
	Addr        uint64      // Address the event is about (hook target, range start)
	Tags        Tags        // Multiple hashtags, first is primary
	Name        string      // Component or operation (e.g., "keybinds", "Release")
	Detail      string      // Additional detail (e.g., "id=H1")
	Annotations Annotations // Key-value metadata
	Timestamp   time.Time   // When the event occurred
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(addr uint64, category, name, detail string) *Event {
	return &Event{
		Addr:        addr,
		Tags:        Tags{Tag(category)},
		Name:        name,
		Detail:      detail,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations.Set(k, v)
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher enriches trace events based on category and name.
type Enricher func(e *Event)

// DefaultEnricher adds secondary tags based on the primary category.
func DefaultEnricher(e *Event) {
	switch e.Tags.Primary() {
	case Enable, Disable:
		e.AddTag(Relocate)
	case Unload:
		e.AddTag(Sweep)
	case Consistency:
		e.AddTag(Registry)
	}
}

// Journal collects events for later inspection. The zero value is ready to use.
type Journal struct {
	mu       sync.Mutex
	events   []*Event
	enricher Enricher
}

// NewJournal creates a journal that runs enrich on every added event.
func NewJournal(enrich Enricher) *Journal {
	return &Journal{enricher: enrich}
}

// Add appends an event.
func (j *Journal) Add(e *Event) {
	if j.enricher != nil {
		j.enricher(e)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

// Events returns a copy of the collected events.
func (j *Journal) Events() []*Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*Event(nil), j.events...)
}

// GetAndClear returns the collected events and empties the journal.
func (j *Journal) GetAndClear() []*Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	events := j.events
	j.events = nil
	return events
}

// Count returns the number of collected events carrying tag.
func (j *Journal) Count(tag Tag) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.events {
		if e.Tags.Has(tag) {
			n++
		}
	}
	return n
}
