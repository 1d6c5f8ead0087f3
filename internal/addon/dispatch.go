package addon

import (
	"errors"
	"fmt"

	"github.com/zboralski/detour/internal/registry"
)

var (
	ErrNoHandler  = errors.New("no handler registered")
	ErrNotRunning = errors.New("owning module is not running")
)

// Call looks id up in reg, checks that the handler's module still accepts
// calls and invokes fn. The reference taken by the lookup is released on
// every path.
func Call[K comparable, V any](o *Owners, reg *registry.Registry[K, V], id K, fn func(registry.Entry[K, V]) error) (err error) {
	e, ok := reg.Query(id)
	if !ok {
		return fmt.Errorf("%s %v: %w", reg.Name(), id, ErrNoHandler)
	}
	defer func() {
		if rerr := reg.Release(id, e.Seq); rerr != nil && err == nil {
			err = rerr
		}
	}()
	if !o.Guard(e.Handler) {
		return fmt.Errorf("%s %v: %w", reg.Name(), id, ErrNotRunning)
	}
	return fn(e)
}
