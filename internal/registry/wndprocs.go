package registry

import (
	glog "github.com/zboralski/detour/internal/log"
	"go.uber.org/multierr"
)

// WndProcs is the ordered list of window-message callbacks, keyed by the
// callback address.
type WndProcs struct {
	*Registry[uint64, struct{}]
}

// NewWndProcs creates an empty callback list.
func NewWndProcs(opts Options) *WndProcs {
	r := New[uint64, struct{}]("wndprocs", opts)
	r.formatKey = glog.Hex
	return &WndProcs{r}
}

// Add appends a callback.
func (w *WndProcs) Add(handler uint64) bool { return w.Register(handler, handler, struct{}{}) }

// Remove drops a callback.
func (w *WndProcs) Remove(handler uint64) bool {
	_, ok := w.Deregister(handler)
	return ok
}

// Dispatch calls fn for each callback in registration order until one
// consumes the message, and returns the number of callbacks invoked.
// The list is copied under the lock and fn runs without it; each call
// holds a reference on its entry. Release failures are collected into err
// and do not stop dispatch.
func (w *WndProcs) Dispatch(fn func(handler uint64) (consumed bool)) (called int, err error) {
	for _, e := range w.Snapshot() {
		var consumed bool
		ok, rerr := w.With(e.ID, func(e Entry[uint64, struct{}]) {
			consumed = fn(e.Handler)
		})
		err = multierr.Append(err, rerr)
		if !ok {
			continue // removed since the snapshot
		}
		called++
		if consumed {
			break
		}
	}
	return called, err
}
