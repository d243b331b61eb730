// Package tracer wraps the debugger-attach primitives this system is built
// on: attach/detach, register transfer, single-stepping, and syscall-stop
// resumption. It is the lowest layer (component A) — the user-metadata
// reader and the rebuilder drive a target through a *Tracer.
//
// Modeled on the ptrace usage in gVisor's ptrace platform
// (pkg/sentry/platform/ptrace/subprocess_linux.go): attach, wait for
// SIGSTOP, then drive the target purely through golang.org/x/sys/unix's
// Ptrace* wrappers. No retries happen at this layer — callers decide how to
// react to a failed primitive.
package tracer

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Errors returned by tracer operations (spec §7).
var (
	ErrAttachDenied = errors.New("tracer: attach denied")
	ErrWaitFailed   = errors.New("tracer: wait failed")
	ErrNotStopped   = errors.New("tracer: target did not reach a stopped state")
)

// ptracePeekUser is PTRACE_PEEKUSR. golang.org/x/sys/unix does not wrap this
// request directly (unlike PEEKTEXT/PEEKDATA), so Tracer issues it with the
// raw ptrace syscall. At the raw syscall level the kernel stores the peeked
// word at the address passed as the data argument; the return value only
// signals success or failure.
const ptracePeekUser = 3

// Tracer supervises exactly one traced task (component A's contract).
type Tracer struct {
	pid int
}

// New wraps an already-known task id without attaching. Used by the
// orchestrator for a victim that attaches to itself and expects its parent
// to drive it (spec §4.7).
func New(pid int) *Tracer { return &Tracer{pid: pid} }

// PID returns the traced task id.
func (t *Tracer) PID() int { return t.pid }

// Attach requests debugger supervision of pid and blocks until the target
// reports stopped.
func Attach(pid int) (*Tracer, error) {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("%w: pid %d: %v", ErrAttachDenied, pid, err)
	}
	t := &Tracer{pid: pid}
	status, err := t.WaitForStop()
	if err != nil {
		return nil, err
	}
	if !status.Stopped() {
		return nil, fmt.Errorf("%w: pid %d, status %v", ErrNotStopped, pid, status)
	}
	return t, nil
}

// Detach releases supervision. killAfter additionally sends SIGKILL once
// detached — the source side does this because migration destroys the
// source instance (spec §4.1); the destination side does not.
func (t *Tracer) Detach(killAfter bool) error {
	if err := unix.PtraceDetach(t.pid); err != nil {
		return fmt.Errorf("tracer: detach pid %d: %w", t.pid, err)
	}
	if killAfter {
		if err := unix.Kill(t.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("tracer: kill pid %d after detach: %w", t.pid, err)
		}
	}
	return nil
}

// GetRegs transfers the architectural general-register block from the
// target.
func (t *Tracer) GetRegs() (*unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
		return nil, fmt.Errorf("tracer: get regs pid %d: %w", t.pid, err)
	}
	return &regs, nil
}

// SetRegs transfers the architectural general-register block onto the
// target.
func (t *Tracer) SetRegs(regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(t.pid, regs); err != nil {
		return fmt.Errorf("tracer: set regs pid %d: %w", t.pid, err)
	}
	return nil
}

// PeekUser returns one machine word at a byte offset within the kernel's
// struct user for this task. Callers assemble the full auxiliary block word
// by word (see internal/userstate).
func (t *Tracer) PeekUser(wordOffset uintptr) (uint64, error) {
	var word uint64
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptracePeekUser, uintptr(t.pid), wordOffset, uintptr(unsafe.Pointer(&word)), 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("tracer: peekuser pid %d offset %#x: %w", t.pid, wordOffset, errno)
	}
	return word, nil
}

// SingleStep resumes the target for exactly one instruction.
func (t *Tracer) SingleStep() error {
	if err := unix.PtraceSingleStep(t.pid); err != nil {
		return fmt.Errorf("tracer: single-step pid %d: %w", t.pid, err)
	}
	return nil
}

// ResumeUntilSyscall resumes the target; the next stop is at either syscall
// entry or syscall exit (PTRACE_SYSCALL semantics).
func (t *Tracer) ResumeUntilSyscall() error {
	if err := unix.PtraceSyscall(t.pid, 0); err != nil {
		return fmt.Errorf("tracer: resume-until-syscall pid %d: %w", t.pid, err)
	}
	return nil
}

// Cont resumes the target without stopping at the next syscall boundary.
func (t *Tracer) Cont() error {
	if err := unix.PtraceCont(t.pid, 0); err != nil {
		return fmt.Errorf("tracer: cont pid %d: %w", t.pid, err)
	}
	return nil
}

// WaitForStop blocks for the target's next stop/exit notification.
func (t *Tracer) WaitForStop() (unix.WaitStatus, error) {
	var status unix.WaitStatus
	_, err := unix.Wait4(t.pid, &status, 0, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: pid %d: %v", ErrWaitFailed, t.pid, err)
	}
	return status, nil
}

// IsSyscallStop reports whether status is a PTRACE_SYSCALL stop, as opposed
// to a signal-delivery stop. It recognizes only the SIGTRAP|0x80 stop signal
// that PTRACE_O_TRACESYSGOOD produces; without that option (see SetOptions)
// a syscall stop reports plain SIGTRAP and this returns false.
func IsSyscallStop(status unix.WaitStatus) bool {
	return status.Stopped() && status.StopSignal() == unix.Signal(int(unix.SIGTRAP)|0x80)
}

// SetOptions sets ptrace options (e.g. PTRACE_O_TRACESYSGOOD) on the target.
func (t *Tracer) SetOptions(options int) error {
	if err := unix.PtraceSetOptions(t.pid, options); err != nil {
		return fmt.Errorf("tracer: set options pid %d: %w", t.pid, err)
	}
	return nil
}
