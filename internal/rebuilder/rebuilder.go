// Package rebuilder implements component F: rebuilding a victim task's
// address space from a decoded snapshot.
//
// SPEC_FULL.md §0 explains why this is a package, not a character device:
// the kernel module spec.md describes (/dev/krestore_mapping, opened once
// per restore, written once with the whole snapshot) has no Go-native equivalent, since
// Go cannot host kernel-resident code. The substitution keeps the same
// externally observable contract — unmap the victim's current mappings,
// then recreate each snapshot region in the victim's address space, in
// order, content verbatim — but drives it from a user-space tracer instead
// of from inside the kernel.
//
// The technique is classic ptrace syscall injection, grounded on the
// stub/trap pattern in gVisor's ptrace platform subprocess (the
// attachedThread/syscall sequence in
// pkg/sentry/platform/ptrace/subprocess_linux.go): set the victim's
// general registers to the desired syscall number and arguments, point its
// instruction pointer at a `syscall` opcode living in the victim's own
// address space, single-step across that one instruction, then read back
// the return value from Rax. Content that a syscall can't carry as a
// register argument (the bytes of an anonymous region) is written
// directly into the victim's address space with process_vm_writev — the
// user-space analogue of the kernel's copy_to_user.
package rebuilder

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/cs477-epfl/process-live-migration/internal/procmaps"
	"github.com/cs477-epfl/process-live-migration/internal/snapshot"
	"github.com/cs477-epfl/process-live-migration/internal/tracer"
	"golang.org/x/sys/unix"
)

// State mirrors the open/closed duality the spec's character device
// exposed: a restore session opens the rebuilder once, performs exactly one
// remap pass, and closes it.
type State int

const (
	StateEntry State = iota
	StateRemapping
)

// Errors returned by the rebuilder. Named after the ENODEV/EBUSY/EFAULT
// family the original character device returned for the equivalent
// conditions.
var (
	ErrBusy          = errors.New("rebuilder: already remapping")
	ErrInvalidState  = errors.New("rebuilder: write attempted outside a remapping session")
	ErrPathNotFound  = errors.New("rebuilder: file-backed region path not found on this host")
	ErrUnmapFailed   = errors.New("rebuilder: failed unmapping a victim region")
	ErrMapFailed     = errors.New("rebuilder: failed mapping a victim region")
	ErrCopyFailed    = errors.New("rebuilder: failed copying region content into the victim")
	ErrReservedClash = errors.New("rebuilder: snapshot region collides with the reserved stub page")
)

// reservedStubAddr is a fixed address in the high canonical user range that
// the rebuilder carves out for its own bootstrap page. It is deliberately
// far from where a normal process places its stack, heap, or mmap arena, so
// a real snapshot is vanishingly unlikely to claim it; Write aborts loudly
// with ErrReservedClash if one ever does.
const reservedStubAddr = uintptr(0x0000700000000000)
const reservedStubSize = snapshot.PageSize

// scratchOffset is where open(2) path strings are staged within the
// reserved page, leaving the first bytes free for the syscall opcode
// itself.
const scratchOffset = 64

// syscallOpcode is the two-byte x86_64 `syscall` instruction.
var syscallOpcode = []byte{0x0f, 0x05}

// Rebuilder drives a victim's address space through the unmap/remap
// sequence. It carries no per-victim state beyond the open/closed flag, so
// one Rebuilder can serve successive restores.
type Rebuilder struct {
	mu    sync.Mutex
	state State
}

// New returns a rebuilder in StateEntry.
func New() *Rebuilder { return &Rebuilder{} }

// Open transitions ENTRY -> REMAPPING. Mirrors the character device's open
// call, which the original kernel module refused to service concurrently.
func (rb *Rebuilder) Open() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.state == StateRemapping {
		return ErrBusy
	}
	rb.state = StateRemapping
	return nil
}

// Close transitions unconditionally back to ENTRY.
func (rb *Rebuilder) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.state = StateEntry
}

// Write performs one full remap pass against a stopped victim: unmap every
// VMA except the ones the kernel itself manages ([vdso]/[vvar]/[vsyscall]),
// any /dev/ mapping, and the rebuilder's own reserved page, then recreate every region the
// snapshot lists, in order, with verbatim content.
//
// t must already be attached and stopped. Write does not resume or detach
// the victim; that is the orchestrator's job once registers are restored.
func (rb *Rebuilder) Write(t *tracer.Tracer, snap *snapshot.Snapshot) error {
	rb.mu.Lock()
	if rb.state != StateRemapping {
		rb.mu.Unlock()
		return ErrInvalidState
	}
	rb.mu.Unlock()

	if err := preflightPaths(snap); err != nil {
		return err
	}
	if err := checkReservedClash(snap); err != nil {
		return err
	}

	if err := bootstrapStub(t); err != nil {
		return err
	}

	if err := unmapExisting(t); err != nil {
		return err
	}

	for i := range snap.Regions {
		if err := mapRegion(t, &snap.Regions[i]); err != nil {
			return fmt.Errorf("rebuilder: region %d [%#x,%#x) path=%q: %w",
				i, snap.Regions[i].Start, snap.Regions[i].End, snap.Regions[i].Path, err)
		}
	}

	return nil
}

// preflightPaths validates that every file-backed region's source path is
// visible and readable on this host before any destructive unmapping
// begins — spec §4.6 requires validating up front rather than discovering a
// missing or unreadable library mid-rebuild with the victim's old address
// space already gone. Opening read-only (rather than os.Stat) also catches
// a path that exists but this process can't actually read.
func preflightPaths(snap *snapshot.Snapshot) error {
	for i := range snap.Regions {
		r := &snap.Regions[i]
		if r.Kind() != snapshot.KindFileBacked {
			continue
		}
		f, err := os.Open(r.Path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPathNotFound, r.Path, err)
		}
		f.Close()
	}
	return nil
}

func checkReservedClash(snap *snapshot.Snapshot) error {
	resStart := uint64(reservedStubAddr)
	resEnd := resStart + uint64(reservedStubSize)
	for i := range snap.Regions {
		r := &snap.Regions[i]
		if r.Start < resEnd && resStart < r.End {
			return fmt.Errorf("%w: region [%#x,%#x)", ErrReservedClash, r.Start, r.End)
		}
	}
	return nil
}

// bootstrapStub maps the reserved page into the victim and writes the
// syscall opcode into it. The very first injected syscall (the mmap that
// creates this page) has nowhere pre-existing to run from, so it borrows
// whatever two bytes currently sit at the victim's instruction pointer,
// executes there, and restores them immediately after — safe because the
// unmap phase that follows is about to discard that page anyway.
func bootstrapStub(t *tracer.Tracer) error {
	// PROT_EXEC is required here, not just PROT_READ|PROT_WRITE: every
	// subsequent injected syscall points RIP at this page and executes the
	// two-byte `syscall` opcode staged in it. An instruction fetch from a
	// non-executable page takes a fault instead of running the syscall, and
	// since that fault itself is a stop, injectSyscall's Stopped() check
	// alone can't tell the difference — it would silently accept a bogus
	// Rax.
	ret, err := injectSyscallAtCurrentRIP(t, unix.SYS_MMAP,
		reservedStubAddr, reservedStubSize,
		uintptr(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED),
		^uintptr(0), 0)
	if err != nil {
		return fmt.Errorf("%w: bootstrapping reserved page: %v", ErrMapFailed, err)
	}
	if ret != int64(reservedStubAddr) {
		return fmt.Errorf("%w: reserved page mapped at unexpected address %#x", ErrMapFailed, ret)
	}

	if err := processVMWritev(t.PID(), reservedStubAddr, syscallOpcode); err != nil {
		return fmt.Errorf("%w: writing stub opcode: %v", ErrCopyFailed, err)
	}
	return nil
}

// unmapExisting tears down every VMA the victim currently has, except the
// kernel-managed vdso/vvar/vsyscall triad (never user-mapped, can't be
// unmapped meaningfully), /dev/ mappings (snapshot.KindSkipped, like the
// triad), and the reserved stub page just created.
func unmapExisting(t *tracer.Tracer) error {
	vmas, err := procmaps.ListVMAs(t.PID())
	if err != nil {
		return fmt.Errorf("rebuilder: listing victim VMAs: %w", err)
	}

	for _, r := range vmas {
		if r.Kind() == snapshot.KindSkipped {
			continue
		}
		if uintptr(r.Start) == reservedStubAddr {
			continue
		}
		if _, err := injectSyscall(t, reservedStubAddr, unix.SYS_MUNMAP,
			uintptr(r.Start), uintptr(r.Size()), 0, 0, 0, 0); err != nil {
			return fmt.Errorf("%w: [%#x,%#x): %v", ErrUnmapFailed, r.Start, r.End, err)
		}
	}
	return nil
}

// mapRegion recreates one snapshot region in the victim's (now mostly
// empty) address space.
func mapRegion(t *tracer.Tracer, r *snapshot.Region) error {
	if r.Kind() == snapshot.KindSkipped || r.Size() == 0 {
		return nil
	}

	prot := 0
	if r.Readable() {
		prot |= unix.PROT_READ
	}
	if r.Writable() {
		prot |= unix.PROT_WRITE
	}
	if r.Executable() {
		prot |= unix.PROT_EXEC
	}

	switch r.Kind() {
	case snapshot.KindFileBacked:
		return mapFileBacked(t, r, prot)
	case snapshot.KindAnonymousContent:
		return mapAnonymous(t, r, prot)
	default:
		return nil
	}
}

func mapFileBacked(t *tracer.Tracer, r *snapshot.Region, prot int) error {
	pathBytes := append([]byte(r.Path), 0)
	if len(pathBytes) > snapshot.PageSize-scratchOffset {
		return fmt.Errorf("path %q too long to stage in the reserved page", r.Path)
	}
	if err := processVMWritev(t.PID(), reservedStubAddr+scratchOffset, pathBytes); err != nil {
		return fmt.Errorf("staging path: %w", err)
	}

	fdRet, err := injectSyscall(t, reservedStubAddr, unix.SYS_OPEN,
		reservedStubAddr+scratchOffset, uintptr(unix.O_RDONLY), 0, 0, 0, 0)
	if err != nil || fdRet < 0 {
		return fmt.Errorf("%w: open %q: %v (ret=%d)", ErrMapFailed, r.Path, err, fdRet)
	}
	fd := uintptr(fdRet)

	mmapRet, err := injectSyscall(t, reservedStubAddr, unix.SYS_MMAP,
		uintptr(r.Start), uintptr(r.Size()), uintptr(prot),
		uintptr(unix.MAP_PRIVATE|unix.MAP_FIXED), fd, uintptr(r.Offset))
	closeErr := closeFD(t, fd)
	if err != nil || mmapRet != int64(r.Start) {
		return fmt.Errorf("%w: mmap %q at %#x: %v (ret=%#x)", ErrMapFailed, r.Path, r.Start, err, mmapRet)
	}
	if closeErr != nil {
		return fmt.Errorf("closing fd for %q: %w", r.Path, closeErr)
	}
	return nil
}

func mapAnonymous(t *tracer.Tracer, r *snapshot.Region, prot int) error {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_FIXED
	if r.Path == "[stack]" {
		flags |= unix.MAP_GROWSDOWN
	}

	// Map read-write first regardless of the target permissions so the
	// content copy below can always land; narrow to the real permissions
	// with a second mprotect afterward if the target excludes write.
	mapProt := prot | unix.PROT_WRITE
	ret, err := injectSyscall(t, reservedStubAddr, unix.SYS_MMAP,
		uintptr(r.Start), uintptr(r.Size()), uintptr(mapProt),
		uintptr(flags), ^uintptr(0), 0)
	if err != nil || ret != int64(r.Start) {
		return fmt.Errorf("%w: mmap anon at %#x: %v (ret=%#x)", ErrMapFailed, r.Start, err, ret)
	}

	if len(r.Content) > 0 {
		if err := processVMWritev(t.PID(), uintptr(r.Start), r.Content); err != nil {
			return fmt.Errorf("%w: %v", ErrCopyFailed, err)
		}
	}

	if prot&unix.PROT_WRITE == 0 {
		if _, err := injectSyscall(t, reservedStubAddr, unix.SYS_MPROTECT,
			uintptr(r.Start), uintptr(r.Size()), uintptr(prot), 0, 0, 0); err != nil {
			return fmt.Errorf("%w: narrowing protection at %#x: %v", ErrMapFailed, r.Start, err)
		}
	}
	return nil
}

func closeFD(t *tracer.Tracer, fd uintptr) error {
	ret, err := injectSyscall(t, reservedStubAddr, unix.SYS_CLOSE, fd, 0, 0, 0, 0, 0)
	if err != nil || ret != 0 {
		return fmt.Errorf("close fd %d: %v (ret=%d)", fd, err, ret)
	}
	return nil
}

// injectSyscall sets the victim's registers to invoke syscall nr with the
// given six arguments, single-steps across the syscall instruction living
// at stub, and returns Rax (the syscall's return value, or -errno). The
// victim's pre-call registers are restored afterward so injected calls
// never leak into the architectural state the orchestrator eventually
// restores.
func injectSyscall(t *tracer.Tracer, stub uintptr, nr uintptr, a1, a2, a3, a4, a5, a6 uintptr) (int64, error) {
	saved, err := t.GetRegs()
	if err != nil {
		return 0, err
	}

	call := *saved
	call.Rip = uint64(stub)
	call.Rax = uint64(nr)
	call.Orig_rax = uint64(nr)
	call.Rdi = uint64(a1)
	call.Rsi = uint64(a2)
	call.Rdx = uint64(a3)
	call.R10 = uint64(a4)
	call.R8 = uint64(a5)
	call.R9 = uint64(a6)
	if err := t.SetRegs(&call); err != nil {
		return 0, err
	}

	if err := t.SingleStep(); err != nil {
		return 0, err
	}
	status, err := t.WaitForStop()
	if err != nil {
		return 0, err
	}
	if !status.Stopped() {
		return 0, fmt.Errorf("rebuilder: victim did not stop after injected syscall, status %v", status)
	}

	after, err := t.GetRegs()
	if err != nil {
		return 0, err
	}
	ret := int64(after.Rax)

	if err := t.SetRegs(saved); err != nil {
		return ret, err
	}
	return ret, nil
}

// injectSyscallAtCurrentRIP is injectSyscall's bootstrap variant: it borrows
// the instruction bytes at the victim's current RIP instead of a
// pre-existing stub, since no stub exists yet.
func injectSyscallAtCurrentRIP(t *tracer.Tracer, nr uintptr, a1, a2, a3, a4, a5, a6 uintptr) (int64, error) {
	regs, err := t.GetRegs()
	if err != nil {
		return 0, err
	}
	addr := uintptr(regs.Rip)

	orig := make([]byte, len(syscallOpcode))
	if _, err := unix.PtracePeekText(t.PID(), addr, orig); err != nil {
		return 0, fmt.Errorf("rebuilder: peeking bootstrap bytes at %#x: %w", addr, err)
	}
	if _, err := unix.PtracePokeText(t.PID(), addr, syscallOpcode); err != nil {
		return 0, fmt.Errorf("rebuilder: poking bootstrap syscall at %#x: %w", addr, err)
	}
	defer unix.PtracePokeText(t.PID(), addr, orig)

	return injectSyscall(t, addr, nr, a1, a2, a3, a4, a5, a6)
}

// processVMWritev copies data directly into pid's address space at dst,
// the user-space analogue of copy_to_user the original kernel module used
// for the same purpose. Requires the caller to already be the ptrace
// tracer of pid (or otherwise hold CAP_SYS_PTRACE over it).
func processVMWritev(pid int, dst uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	remote := []unix.Iovec{{Base: (*byte)(unsafe.Pointer(dst)), Len: uint64(len(data))}}

	n, _, errno := unix.Syscall6(unix.SYS_PROCESS_VM_WRITEV,
		uintptr(pid),
		uintptr(unsafe.Pointer(&local[0])), uintptr(len(local)),
		uintptr(unsafe.Pointer(&remote[0])), uintptr(len(remote)),
		0)
	if errno != 0 {
		return fmt.Errorf("process_vm_writev pid %d dst %#x: %w", pid, dst, errno)
	}
	if int(n) != len(data) {
		return fmt.Errorf("process_vm_writev pid %d dst %#x: short write %d of %d bytes", pid, dst, n, len(data))
	}
	return nil
}
