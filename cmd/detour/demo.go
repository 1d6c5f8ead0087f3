package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zboralski/detour/internal/addon"
	"github.com/zboralski/detour/internal/cleanup"
	"github.com/zboralski/detour/internal/diag"
	"github.com/zboralski/detour/internal/emulator"
	glog "github.com/zboralski/detour/internal/log"
	"github.com/zboralski/detour/internal/registry"
	"github.com/zboralski/detour/internal/trace"
	"github.com/zboralski/detour/internal/ui/colorize"
	"go.uber.org/zap"
)

const (
	demoHost   = 0x140000000
	demoModule = 0x150000000

	modMul      = demoModule + 0x00
	modKeyPress = demoModule + 0x10
	modWndProc  = demoModule + 0x20
	modDouble   = demoModule + 0x30
	modRender   = demoModule + 0x38
)

var demoHostCode = []byte{
	0x55,             // push rbp
	0x48, 0x89, 0xE5, // mov rbp, rsp
	0x48, 0x89, 0xF8, // mov rax, rdi
	0x48, 0x01, 0xF0, // add rax, rsi
	0x5D,             // pop rbp
	0xC3,             // ret
}

func demoModuleCode() []byte {
	img := bytes.Repeat([]byte{0xCC}, 0x40)
	copy(img[0x00:], []byte{0x48, 0x89, 0xF8, 0x48, 0x0F, 0xAF, 0xC6, 0xC3}) // mov rax, rdi; imul rax, rsi; ret
	copy(img[0x10:], []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3})             // mov eax, 1; ret
	copy(img[0x20:], []byte{0x31, 0xC0, 0xC3})                               // xor eax, eax; ret
	copy(img[0x30:], []byte{0x48, 0x8D, 0x04, 0x3F, 0xC3})                   // lea rax, [rdi+rdi]; ret
	copy(img[0x38:], []byte{0x31, 0xC0, 0xC3})                               // xor eax, eax; ret
	return img
}

func runDemo(cmd *cobra.Command, args []string) error {
	w := newOutputWriter()
	defer w.Close()

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	journal := trace.NewJournal(trace.DefaultEnricher)
	reporter := diag.ReporterFunc(func(ce *diag.ConsistencyError) {
		journal.Add(trace.NewEvent(0, string(trace.Consistency), ce.Component, ce.Error()))
	})

	regOpts := registry.Options{Reporter: reporter, Log: glog.L}
	keybinds := registry.NewKeybinds(regOpts)
	functions := registry.NewFunctions(regOpts)
	wndprocs := registry.NewWndProcs(regOpts)
	events := registry.NewEvents(regOpts)

	var ctx cleanup.Context
	ctx.Register(keybinds)
	ctx.Register(functions)
	ctx.Register(wndprocs)
	ctx.Register(events)

	table := newTable(emu, newSlots(emu), journal)
	owners := addon.NewOwners(addon.Options{
		Hooks:   table,
		Cleanup: &ctx,
		Freer:   addon.FreerFunc(func(rec addon.ModuleRecord) error { return emu.Unmap(rec.Base, rec.Size) }),
		Journal: journal,
		Log:     glog.L,
	})

	if _, err := emu.LoadImage("host.exe", demoHost, demoHostCode); err != nil {
		return err
	}
	region, err := emu.LoadImage("addon.dll", demoModule, demoModuleCode())
	if err != nil {
		return err
	}
	rec := addon.ModuleRecord{Handle: region.Base, Name: region.Name, Base: region.Base, Size: region.Size}
	mod, err := owners.Register(rec)
	if err != nil {
		return err
	}
	w.Writef("%s %s  %s-%s  %s", colorize.Header("▶"), colorize.Symbol(mod.Name),
		colorize.Address(mod.Base), colorize.Address(mod.End()), colorize.Detail(mod.ID.String()))

	call := func(label string, entry uint64, args ...uint64) error {
		got, err := emu.Call(entry, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		w.Writef("  %-24s %s", colorize.Detail(label), colorize.Symbol(fmt.Sprint(got)))
		return nil
	}

	w.Write(rule("hook"))
	if err := call("add(6, 7)", demoHost, 6, 7); err != nil {
		return err
	}
	h, err := table.Install(demoHost, modMul)
	if err != nil {
		return err
	}
	if err := table.Enable(demoHost); err != nil {
		return err
	}
	if cur, ok := table.Lookup(demoHost); ok {
		w.Writef("  %s -> %s  %s %s  %s", colorize.Address(cur.Target), colorize.Address(cur.Detour),
			colorize.Detail("trampoline"), colorize.Address(cur.Trampoline), colorize.State(cur.Enabled))
	}
	if err := call("add(6, 7) hooked", demoHost, 6, 7); err != nil {
		return err
	}
	if err := call("trampoline(6, 7)", h.Trampoline, 6, 7); err != nil {
		return err
	}

	w.Write(rule("callbacks"))
	toggle := registry.Keybind{Key: 0x1E, Ctrl: true, Shift: true}
	keybinds.Bind("TOGGLE", registry.HandlerPress, modKeyPress, toggle)
	keybinds.Bind("HOST", registry.HandlerPress, demoHost, registry.Keybind{Key: 0x1F})
	functions.Share("Double", modDouble)
	wndprocs.Add(modWndProc)
	events.Subscribe("EV_RENDER", modRender)
	events.Subscribe("EV_RENDER", demoHost)

	raise := func(label string) error {
		n, err := events.Raise("EV_RENDER", func(handler uint64) {
			if _, cerr := emu.Call(handler, 1, 2); cerr != nil {
				glog.L.Warn("event consumer", glog.Addr(handler), zap.Error(cerr))
			}
		})
		if err != nil {
			return err
		}
		w.Writef("  %-24s %s", colorize.Detail(label), colorize.Symbol(fmt.Sprint(n)))
		return nil
	}

	for _, id := range keybinds.Find(toggle) {
		err := addon.Call(owners, keybinds.Registry, id, func(e registry.Entry[string, registry.Binding]) error {
			return call(fmt.Sprintf("%s %s", e.Value.Bind, e.Value.Kind), e.Handler)
		})
		if err != nil {
			return err
		}
	}
	if fe, ok := functions.Get("Double"); ok {
		err := call("Double(21)", fe.Handler, 21)
		if perr := functions.Put(fe); err == nil {
			err = perr
		}
		if err != nil {
			return err
		}
	}
	n, err := wndprocs.Dispatch(func(handler uint64) bool {
		got, err := emu.Call(handler, 0, 0x0100, 0x1E, 0)
		return err == nil && got != 0
	})
	if err != nil {
		return err
	}
	w.Writef("  %-24s %s", colorize.Detail("wndprocs called"), colorize.Symbol(fmt.Sprint(n)))
	if err := raise("EV_RENDER consumers"); err != nil {
		return err
	}

	// A caller still holding a reference when the module goes away.
	held, ok := keybinds.Query("TOGGLE")
	if !ok {
		return fmt.Errorf("TOGGLE not registered")
	}

	w.Write(rule("unload"))
	report, err := owners.UnloadModule(rec)
	if err != nil {
		return err
	}
	for _, l := range strings.Split(strings.TrimSuffix(report.String(), "\n"), "\n") {
		w.Write(colorize.Detail(l))
	}
	w.Writef("  %-24s %s", colorize.Detail("state"), colorize.Symbol(mod.State().String()))
	w.Writef("  %-24s %v", colorize.Detail("module mapped"), emu.Executable(demoModule))

	if err := keybinds.Release(held.ID, held.Seq); err != nil {
		return err
	}
	if err := call("add(6, 7) after unload", demoHost, 6, 7); err != nil {
		return err
	}
	err = addon.Call(owners, keybinds.Registry, "TOGGLE", func(registry.Entry[string, registry.Binding]) error { return nil })
	w.Writef("  %-24s %s", colorize.Detail("TOGGLE"), colorize.Error(err.Error()))
	w.Writef("  %-24s %d", colorize.Detail("keybinds left"), keybinds.Len())
	if err := raise("EV_RENDER after unload"); err != nil {
		return err
	}

	w.Write(rule("journal"))
	for _, e := range journal.Events() {
		w.Write(formatEvent(e))
	}
	return nil
}
