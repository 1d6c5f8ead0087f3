package cleanup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCleaner struct {
	name  string
	addrs []uint64
}

func (f *fakeCleaner) Name() string { return f.name }

func (f *fakeCleaner) SweepRange(lo, hi uint64) int {
	kept := f.addrs[:0]
	n := 0
	for _, a := range f.addrs {
		if a >= lo && a < hi {
			n++
			continue
		}
		kept = append(kept, a)
	}
	f.addrs = kept
	return n
}

func TestSweepReport(t *testing.T) {
	var ctx Context
	keys := &fakeCleaner{name: "keybinds", addrs: []uint64{0xA000, 0xA010, 0xC000}}
	events := &fakeCleaner{name: "events", addrs: []uint64{0xAFFF}}
	fonts := &fakeCleaner{name: "fonts", addrs: []uint64{0xB000}}
	ctx.Register(keys)
	ctx.Register(events)
	ctx.Register(fonts)
	ctx.Register(keys)

	r := ctx.SweepRange(0xA000, 0xB000)
	require.Equal(t, 3, r.Total())
	require.Equal(t, []string{"events", "keybinds"}, r.Names())
	require.Equal(t, "Cleaned leftover references for\n\tevents: 1\n\tkeybinds: 2\n", r.String())

	require.Empty(t, ctx.SweepRange(0xA000, 0xB000).String())
}

func TestDeregister(t *testing.T) {
	var ctx Context
	c := &fakeCleaner{name: "wndprocs", addrs: []uint64{0xA000}}
	ctx.Register(c)
	ctx.Deregister(c)

	require.Zero(t, ctx.SweepRange(0, 0xFFFF).Total())
	require.Len(t, c.addrs, 1)
}
