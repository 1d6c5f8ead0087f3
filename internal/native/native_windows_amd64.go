package native

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	glog "github.com/zboralski/detour/internal/log"
	"github.com/zboralski/detour/internal/process"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const (
	granularity = 0x10000
	minAppAddr  = 0x10000
	maxAppAddr  = 0x7FFFFFFEFFFF

	contextControl = 0x00100001 // CONTEXT_AMD64 | CONTEXT_CONTROL
	contextSize    = 1232
	contextFlags   = 0x30
	contextRip     = 0xF8

	threadAccess = windows.THREAD_SUSPEND_RESUME | windows.THREAD_GET_CONTEXT |
		windows.THREAD_SET_CONTEXT | windows.THREAD_QUERY_INFORMATION

	execProtect = windows.PAGE_EXECUTE | windows.PAGE_EXECUTE_READ |
		windows.PAGE_EXECUTE_READWRITE | windows.PAGE_EXECUTE_WRITECOPY
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procSuspendThread         = kernel32.NewProc("SuspendThread")
	procGetThreadContext      = kernel32.NewProc("GetThreadContext")
	procSetThreadContext      = kernel32.NewProc("SetThreadContext")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

var (
	errUnaligned  = errors.New("address is not aligned")
	errNotMapped  = errors.New("range is not committed memory")
	errMisplaced  = errors.New("reservation landed at a different address")
	errBadContext = errors.New("thread context call failed")
)

// Options configure a Process.
type Options struct {
	Log *glog.Logger
}

// Process is the current process.
type Process struct {
	mu  sync.Mutex // serializes protection changes
	log *glog.Logger
}

var _ process.Process = (*Process)(nil)

// New returns a Process patching the calling process.
func New(opts Options) *Process {
	return &Process{log: glog.OrGlobal(opts.Log).WithCategory("native")}
}

func query(addr uint64) (windows.MemoryBasicInformation, error) {
	var mbi windows.MemoryBasicInformation
	err := windows.VirtualQuery(uintptr(addr), &mbi, unsafe.Sizeof(mbi))
	return mbi, err
}

// committed checks that [addr, addr+size) is committed and readable.
func committed(addr, size uint64) error {
	for cur, end := addr, addr+size; cur < end; {
		mbi, err := query(cur)
		if err != nil {
			return fmt.Errorf("query 0x%x: %w", cur, err)
		}
		if mbi.State != windows.MEM_COMMIT || mbi.Protect&(windows.PAGE_NOACCESS|windows.PAGE_GUARD) != 0 {
			return fmt.Errorf("0x%x: %w", cur, errNotMapped)
		}
		cur = uint64(mbi.BaseAddress) + uint64(mbi.RegionSize)
	}
	return nil
}

func view(addr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}

// Read copies size bytes at addr.
func (p *Process) Read(addr, size uint64) ([]byte, error) {
	if err := committed(addr, size); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, view(addr, size))
	return out, nil
}

// unprotect makes the range writable for the duration of fn.
func (p *Process) unprotect(addr, size uint64, fn func()) error {
	if err := committed(addr, size); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var old uint32
	if err := windows.VirtualProtect(uintptr(addr), uintptr(size), windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return fmt.Errorf("protect 0x%x: %w", addr, err)
	}
	fn()
	if err := windows.VirtualProtect(uintptr(addr), uintptr(size), old, &old); err != nil {
		return fmt.Errorf("restore protection 0x%x: %w", addr, err)
	}
	return nil
}

// Write stores data at addr regardless of the page protection.
func (p *Process) Write(addr uint64, data []byte) error {
	return p.unprotect(addr, uint64(len(data)), func() {
		copy(view(addr, uint64(len(data))), data)
	})
}

// StoreUint64 performs a single aligned 8-byte store.
func (p *Process) StoreUint64(addr, val uint64) error {
	if addr%8 != 0 {
		return fmt.Errorf("store 0x%x: %w", addr, errUnaligned)
	}
	return p.unprotect(addr, 8, func() {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(uintptr(addr))), val)
	})
}

// Executable reports whether addr is committed with an execute protection.
func (p *Process) Executable(addr uint64) bool {
	mbi, err := query(addr)
	if err != nil {
		return false
	}
	return mbi.State == windows.MEM_COMMIT && mbi.Protect&execProtect != 0 && mbi.Protect&windows.PAGE_GUARD == 0
}

// FlushInstructions flushes the instruction cache for the range.
func (p *Process) FlushInstructions(addr, size uint64) error {
	r, _, err := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), uintptr(addr), uintptr(size))
	if r == 0 {
		return fmt.Errorf("flush 0x%x: %w", addr, err)
	}
	return nil
}

// Reserve commits RWX memory at exactly addr.
func (p *Process) Reserve(addr, size uint64) error {
	if addr%granularity != 0 {
		return fmt.Errorf("reserve 0x%x: %w", addr, errUnaligned)
	}
	got, err := windows.VirtualAlloc(uintptr(addr), uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return fmt.Errorf("reserve 0x%x: %w", addr, err)
	}
	if uint64(got) != addr {
		windows.VirtualFree(got, 0, windows.MEM_RELEASE)
		return fmt.Errorf("reserve 0x%x: %w", addr, errMisplaced)
	}
	p.log.Debug("reserve", glog.Addr(addr), glog.Size(size))
	return nil
}

// Free releases a reservation made by Reserve.
func (p *Process) Free(addr, size uint64) error {
	if err := windows.VirtualFree(uintptr(addr), 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("free 0x%x: %w", addr, err)
	}
	p.log.Debug("free", glog.Addr(addr), glog.Size(size))
	return nil
}

// Granularity returns the allocation granularity.
func (p *Process) Granularity() uint64 { return granularity }

// Bounds returns the user-mode address range.
func (p *Process) Bounds() (uint64, uint64) { return minAppAddr, maxAppAddr }

// Thread is a suspended thread of the process.
type Thread struct {
	id     uint32
	handle windows.Handle
}

// ID returns the OS thread id.
func (t *Thread) ID() uint64 { return uint64(t.id) }

// threadContext is a 16-byte aligned CONTEXT buffer.
type threadContext struct {
	buf [contextSize + 16]byte
}

func (c *threadContext) ptr() unsafe.Pointer {
	p := uintptr(unsafe.Pointer(&c.buf[0]))
	return unsafe.Pointer(&c.buf[(16-p%16)%16])
}

func (c *threadContext) flags() *uint32 { return (*uint32)(unsafe.Add(c.ptr(), contextFlags)) }
func (c *threadContext) rip() *uint64   { return (*uint64)(unsafe.Add(c.ptr(), contextRip)) }

func (t *Thread) context() (*threadContext, error) {
	c := new(threadContext)
	*c.flags() = contextControl
	if r, _, err := procGetThreadContext.Call(uintptr(t.handle), uintptr(c.ptr())); r == 0 {
		return nil, fmt.Errorf("get context of thread %d: %w: %v", t.id, errBadContext, err)
	}
	return c, nil
}

// PC returns the thread's instruction pointer.
func (t *Thread) PC() (uint64, error) {
	c, err := t.context()
	if err != nil {
		return 0, err
	}
	return *c.rip(), nil
}

// SetPC moves the thread's instruction pointer.
func (t *Thread) SetPC(pc uint64) error {
	c, err := t.context()
	if err != nil {
		return err
	}
	*c.rip() = pc
	if r, _, err := procSetThreadContext.Call(uintptr(t.handle), uintptr(c.ptr())); r == 0 {
		return fmt.Errorf("set context of thread %d: %w: %v", t.id, errBadContext, err)
	}
	return nil
}

// Suspend suspends every other thread of the process. The calling
// goroutine stays locked to its OS thread until Resume.
func (p *Process) Suspend() ([]process.Thread, error) {
	runtime.LockOSThread()

	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("thread snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	pid := windows.GetCurrentProcessId()
	self := windows.GetCurrentThreadId()

	var (
		threads []process.Thread
		entry   windows.ThreadEntry32
	)
	entry.Size = uint32(unsafe.Sizeof(entry))
	for err = windows.Thread32First(snap, &entry); err == nil; err = windows.Thread32Next(snap, &entry) {
		if entry.OwnerProcessID != pid || entry.ThreadID == self {
			continue
		}
		h, oerr := windows.OpenThread(threadAccess, false, entry.ThreadID)
		if oerr != nil {
			// exited since the snapshot
			continue
		}
		if r, _, _ := procSuspendThread.Call(uintptr(h)); r == 0xFFFFFFFF {
			windows.CloseHandle(h)
			continue
		}
		threads = append(threads, &Thread{id: entry.ThreadID, handle: h})
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		p.Resume(threads)
		return nil, fmt.Errorf("walk threads: %w", err)
	}
	p.log.Debug("suspended", zap.Int("threads", len(threads)))
	return threads, nil
}

// Resume resumes and closes threads returned by Suspend.
func (p *Process) Resume(threads []process.Thread) error {
	defer runtime.UnlockOSThread()

	var err error
	for _, th := range threads {
		t, ok := th.(*Thread)
		if !ok {
			continue
		}
		if _, rerr := windows.ResumeThread(t.handle); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("resume thread %d: %w", t.id, rerr))
		}
		windows.CloseHandle(t.handle)
	}
	return err
}
