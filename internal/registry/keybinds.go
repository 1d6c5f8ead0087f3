package registry

import (
	"fmt"
	"strings"
)

// Keybind is a key scancode with its modifiers.
type Keybind struct {
	Key   uint16
	Alt   bool
	Ctrl  bool
	Shift bool
}

// IsZero reports whether no key is bound.
func (k Keybind) IsZero() bool { return k.Key == 0 }

// String renders the bind as "ALT+CTRL+SHIFT+0x1E".
func (k Keybind) String() string {
	if k.IsZero() {
		return "(null)"
	}
	var parts []string
	if k.Alt {
		parts = append(parts, "ALT")
	}
	if k.Ctrl {
		parts = append(parts, "CTRL")
	}
	if k.Shift {
		parts = append(parts, "SHIFT")
	}
	parts = append(parts, fmt.Sprintf("0x%02X", k.Key))
	return strings.Join(parts, "+")
}

// HandlerKind selects the handler signature a keybind calls.
type HandlerKind int

const (
	// HandlerPress handlers receive the identifier on key down.
	HandlerPress HandlerKind = iota
	// HandlerPressRelease handlers also receive a release flag.
	HandlerPressRelease
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerPress:
		return "press"
	case HandlerPressRelease:
		return "press+release"
	default:
		return fmt.Sprintf("HandlerKind(%d)", int(k))
	}
}

// Binding is the payload stored per keybind identifier.
type Binding struct {
	Bind Keybind
	Kind HandlerKind
}

// Keybinds is the table of named keybinds and their handlers.
type Keybinds struct {
	*Registry[string, Binding]
}

// NewKeybinds creates an empty keybind table.
func NewKeybinds(opts Options) *Keybinds {
	return &Keybinds{New[string, Binding]("keybinds", opts)}
}

// Bind registers handler for id with bind.
func (k *Keybinds) Bind(id string, kind HandlerKind, handler uint64, bind Keybind) bool {
	return k.Register(id, handler, Binding{Bind: bind, Kind: kind})
}

// Bindings returns every keybind in registration order.
func (k *Keybinds) Bindings() []Entry[string, Binding] { return k.Snapshot() }

// Find returns the identifiers bound to bind, in registration order.
func (k *Keybinds) Find(bind Keybind) []string {
	var ids []string
	for _, e := range k.Snapshot() {
		if !bind.IsZero() && e.Value.Bind == bind {
			ids = append(ids, e.ID)
		}
	}
	return ids
}
