package addon

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zboralski/detour/internal/cleanup"
	"github.com/zboralski/detour/internal/emulator"
	"github.com/zboralski/detour/internal/hook"
	glog "github.com/zboralski/detour/internal/log"
	"github.com/zboralski/detour/internal/registry"
	"github.com/zboralski/detour/internal/slots"
	"github.com/zboralski/detour/internal/trace"
)

type fakeHooks struct {
	swept [][2]uint64
	err   error
}

func (f *fakeHooks) SweepRange(lo, hi uint64) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.swept = append(f.swept, [2]uint64{lo, hi})
	return 0, nil
}

func TestRegisterOverlap(t *testing.T) {
	o := NewOwners(Options{Log: glog.NewNop()})

	a, err := o.Register(ModuleRecord{Handle: 1, Name: "a.dll", Base: 0xA000, Size: 0x1000})
	require.NoError(t, err)
	require.Equal(t, StateLoaded, a.State())
	require.True(t, a.Running())

	_, err = o.Register(ModuleRecord{Handle: 2, Name: "b.dll", Base: 0xAFFF, Size: 0x1000})
	require.ErrorIs(t, err, ErrOverlap)

	b, err := o.Register(ModuleRecord{Handle: 2, Name: "b.dll", Base: 0xB000, Size: 0x1000})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	_, err = o.Register(ModuleRecord{Handle: 3, Name: "empty.dll", Base: 0xD000})
	require.ErrorIs(t, err, ErrEmptyRange)

	require.Same(t, a, o.Owner(0xA000))
	require.Same(t, a, o.Owner(0xAFFF))
	require.Same(t, b, o.Owner(0xB000), "upper bound is exclusive")
	require.Nil(t, o.Owner(0xC000))
	require.Len(t, o.Modules(), 2)
}

func TestUnloadModule(t *testing.T) {
	opts := registry.Options{Log: glog.NewNop()}
	keybinds := registry.NewKeybinds(opts)
	functions := registry.NewFunctions(opts)
	events := registry.NewEvents(opts)
	var ctx cleanup.Context
	ctx.Register(keybinds)
	ctx.Register(functions)
	ctx.Register(events)

	hooks := &fakeHooks{}
	var freed []ModuleRecord
	journal := trace.NewJournal(trace.DefaultEnricher)
	o := NewOwners(Options{
		Hooks:   hooks,
		Cleanup: &ctx,
		Freer:   FreerFunc(func(rec ModuleRecord) error { freed = append(freed, rec); return nil }),
		Journal: journal,
		Log:     glog.NewNop(),
	})

	rec := ModuleRecord{Handle: 1, Name: "a.dll", Base: 0xA000, Size: 0x1000}
	m, err := o.Register(rec)
	require.NoError(t, err)

	keybinds.Bind("H1", registry.HandlerPress, 0xA000, registry.Keybind{Key: 0x1E})
	keybinds.Bind("HOST", registry.HandlerPress, 0x5000, registry.Keybind{Key: 0x1F})
	functions.Share("fn", 0xA800)
	events.Subscribe("EV_RENDER", 0xA100)
	events.Subscribe("EV_RENDER", 0x5100)

	report, err := o.UnloadModule(rec)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"keybinds": 1, "functions": 1, "events": 1}, report.Counts)
	require.Equal(t, "Cleaned leftover references for\n\tevents: 1\n\tfunctions: 1\n\tkeybinds: 1\n", report.String())
	require.Equal(t, [][2]uint64{{0xA000, 0xB000}}, hooks.swept)
	require.Equal(t, []ModuleRecord{rec}, freed)

	require.Equal(t, StateUnloaded, m.State())
	require.Nil(t, o.Owner(0xA000))
	require.Equal(t, 1, keybinds.Len())
	require.Equal(t, []uint64{0x5100}, events.Consumers("EV_RENDER"))
	require.Equal(t, 1, journal.Count(trace.Unload))

	_, err = o.UnloadModule(rec)
	require.ErrorIs(t, err, ErrUnknownModule)
}

func TestUnloadBlocked(t *testing.T) {
	functions := registry.NewFunctions(registry.Options{Log: glog.NewNop()})
	var ctx cleanup.Context
	ctx.Register(functions)

	cause := errors.New("patch failed")
	freed := false
	o := NewOwners(Options{
		Hooks:   &fakeHooks{err: cause},
		Cleanup: &ctx,
		Freer:   FreerFunc(func(ModuleRecord) error { freed = true; return nil }),
		Log:     glog.NewNop(),
	})
	rec := ModuleRecord{Handle: 1, Name: "a.dll", Base: 0xA000, Size: 0x1000}
	m, err := o.Register(rec)
	require.NoError(t, err)
	functions.Share("fn", 0xA800)

	_, err = o.UnloadModule(rec)
	var blocked *UnloadBlockedError
	require.ErrorAs(t, err, &blocked)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "a.dll", blocked.Module)

	require.False(t, freed)
	require.True(t, m.Running())
	require.Equal(t, StateLoaded, m.State())
	require.Equal(t, 1, functions.Len(), "callbacks survive a blocked unload")
}

func TestUnloadInProgress(t *testing.T) {
	entered := make(chan struct{}, 2)
	unblock := make(chan struct{})
	var frees atomic.Int32
	o := NewOwners(Options{
		Hooks: &fakeHooks{},
		Freer: FreerFunc(func(ModuleRecord) error {
			frees.Add(1)
			entered <- struct{}{}
			<-unblock
			return nil
		}),
		Log: glog.NewNop(),
	})
	rec := ModuleRecord{Handle: 1, Name: "a.dll", Base: 0xA000, Size: 0x1000}
	m, err := o.Register(rec)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := o.UnloadModule(rec)
		done <- err
	}()
	<-entered
	require.Equal(t, StateUnloading, m.State())
	require.False(t, m.Running())

	// A second unload while the first one is freeing must not free again.
	_, err = o.UnloadModule(rec)
	require.ErrorIs(t, err, ErrUnloadInProgress)

	close(unblock)
	require.NoError(t, <-done)
	require.Equal(t, int32(1), frees.Load())
	require.Equal(t, StateUnloaded, m.State())

	_, err = o.UnloadModule(rec)
	require.ErrorIs(t, err, ErrUnknownModule)
}

func TestConcurrentUnloadFreesOnce(t *testing.T) {
	var frees atomic.Int32
	o := NewOwners(Options{
		Freer: FreerFunc(func(ModuleRecord) error { frees.Add(1); return nil }),
		Log:   glog.NewNop(),
	})
	rec := ModuleRecord{Handle: 1, Name: "a.dll", Base: 0xA000, Size: 0x1000}
	_, err := o.Register(rec)
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.UnloadModule(rec)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrUnloadInProgress), errors.Is(err, ErrUnknownModule):
			default:
				t.Errorf("unload: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(1), frees.Load())
	require.Empty(t, o.Modules())
}

func TestUnloadFreeFailureRetry(t *testing.T) {
	cause := errors.New("region busy")
	frees := 0
	o := NewOwners(Options{
		Hooks: &fakeHooks{},
		Freer: FreerFunc(func(ModuleRecord) error {
			frees++
			if frees == 1 {
				return cause
			}
			return nil
		}),
		Log: glog.NewNop(),
	})
	rec := ModuleRecord{Handle: 1, Name: "a.dll", Base: 0xA000, Size: 0x1000}
	m, err := o.Register(rec)
	require.NoError(t, err)

	_, err = o.UnloadModule(rec)
	require.ErrorIs(t, err, cause)
	require.Equal(t, StateLoaded, m.State(), "a failed free can be retried")
	require.False(t, m.Running())
	require.Same(t, m, o.Owner(0xA800))
	require.False(t, o.Guard(0xA800))

	_, err = o.UnloadModule(rec)
	require.NoError(t, err)
	require.Equal(t, 2, frees)
	require.Equal(t, StateUnloaded, m.State())
	require.Nil(t, o.Owner(0xA800))
}

func TestCallGuard(t *testing.T) {
	functions := registry.NewFunctions(registry.Options{Log: glog.NewNop()})
	o := NewOwners(Options{Log: glog.NewNop()})
	rec := ModuleRecord{Handle: 1, Name: "a.dll", Base: 0xA000, Size: 0x1000}
	m, err := o.Register(rec)
	require.NoError(t, err)
	functions.Share("fn", 0xA800)

	calls := 0
	call := func(e registry.Entry[string, struct{}]) error {
		calls++
		require.Equal(t, 1, e.Refs)
		return nil
	}
	require.NoError(t, Call(o, functions.Registry, "fn", call))
	require.Equal(t, 1, calls)

	m.set(StateUnloading, false)
	require.ErrorIs(t, Call(o, functions.Registry, "fn", call), ErrNotRunning)
	require.Equal(t, 1, calls)
	require.ErrorIs(t, Call(o, functions.Registry, "missing", call), ErrNoHandler)

	// References are released on every path.
	for _, e := range functions.Snapshot() {
		require.Zero(t, e.Refs)
	}
}

func TestUnloadRemovesLiveHooks(t *testing.T) {
	const (
		hostBase = 0x140000000
		modBase  = 0x150000000
	)
	emu, err := emulator.New()
	require.NoError(t, err)
	t.Cleanup(func() { emu.Close() })

	host := bytes.Repeat([]byte{0xCC}, 0x1000)
	copy(host, []byte{
		0x55,             // push rbp
		0x48, 0x89, 0xE5, // mov rbp, rsp
		0x48, 0x89, 0xF8, // mov rax, rdi
		0x48, 0x01, 0xF0, // add rax, rsi
		0x5D,             // pop rbp
		0xC3,             // ret
	})
	_, err = emu.LoadImage("host", hostBase, host)
	require.NoError(t, err)
	mod, err := emu.LoadImage("a.dll", modBase, []byte{
		0x48, 0x89, 0xF8,       // mov rax, rdi
		0x48, 0x0F, 0xAF, 0xC6, // imul rax, rsi
		0xC3,                   // ret
	})
	require.NoError(t, err)

	table := hook.New(emu, slots.New(emu, slots.Options{Log: glog.NewNop()}), hook.Options{Log: glog.NewNop()})
	o := NewOwners(Options{
		Hooks: table,
		Freer: FreerFunc(func(rec ModuleRecord) error { return emu.Unmap(rec.Base, rec.Size) }),
		Log:   glog.NewNop(),
	})
	rec := ModuleRecord{Handle: modBase, Name: mod.Name, Base: mod.Base, Size: mod.Size}
	_, err = o.Register(rec)
	require.NoError(t, err)

	_, err = table.Install(hostBase, modBase)
	require.NoError(t, err)
	require.NoError(t, table.Enable(hostBase))
	got, err := emu.Call(hostBase, 6, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)

	report, err := o.UnloadModule(rec)
	require.NoError(t, err)
	require.Equal(t, 1, report.Counts["hooks"])
	require.Empty(t, table.Hooks())

	// The module is gone and the host function runs unpatched.
	require.False(t, emu.Executable(modBase))
	got, err = emu.Call(hostBase, 6, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(13), got)
}
