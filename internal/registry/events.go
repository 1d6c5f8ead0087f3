package registry

import (
	"fmt"

	"go.uber.org/multierr"
)

// Subscription is one consumer of a named event.
type Subscription struct {
	Event   string
	Handler uint64
}

func (s Subscription) String() string { return fmt.Sprintf("%s@0x%X", s.Event, s.Handler) }

// Events maps event identifiers to the handlers subscribed to them. A
// handler may subscribe to any number of events and an event may have any
// number of consumers.
type Events struct {
	*Registry[Subscription, struct{}]
}

// NewEvents creates an empty event table.
func NewEvents(opts Options) *Events {
	r := New[Subscription, struct{}]("events", opts)
	r.formatKey = Subscription.String
	return &Events{r}
}

// Subscribe adds handler as a consumer of event. Subscribing the same
// handler twice is ignored and returns false.
func (ev *Events) Subscribe(event string, handler uint64) bool {
	return ev.Register(Subscription{event, handler}, handler, struct{}{})
}

// Unsubscribe removes handler from event.
func (ev *Events) Unsubscribe(event string, handler uint64) bool {
	_, ok := ev.Deregister(Subscription{event, handler})
	return ok
}

// Consumers returns the handlers subscribed to event in subscription order.
func (ev *Events) Consumers(event string) []uint64 {
	var out []uint64
	for _, e := range ev.Snapshot() {
		if e.ID.Event == event {
			out = append(out, e.Handler)
		}
	}
	return out
}

// Raise calls fn for every consumer of event in subscription order and
// returns how many were called. Each call holds a reference on its
// subscription, so a sweep during fn cannot free the entry under it.
func (ev *Events) Raise(event string, fn func(handler uint64)) (called int, err error) {
	for _, e := range ev.Snapshot() {
		if e.ID.Event != event {
			continue
		}
		ok, rerr := ev.With(e.ID, func(e Entry[Subscription, struct{}]) { fn(e.Handler) })
		err = multierr.Append(err, rerr)
		if ok {
			called++
		}
	}
	return called, err
}
