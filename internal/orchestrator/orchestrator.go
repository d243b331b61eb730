// Package orchestrator implements component G: the destination-side
// process that accepts an incoming snapshot, forks the victim task that
// will become the restored process, drives it through the rebuilder, and
// hands control back to it at its original instruction pointer.
//
// Logging follows internal/vm/machine_linux.go's style: a package-level
// logrus logger, structured with WithField/WithError rather than
// formatted into the message string.
package orchestrator

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/cs477-epfl/process-live-migration/internal/rebuilder"
	"github.com/cs477-epfl/process-live-migration/internal/snapshot"
	"github.com/cs477-epfl/process-live-migration/internal/tracer"
	"github.com/cs477-epfl/process-live-migration/internal/userstate"
	"github.com/cs477-epfl/process-live-migration/internal/wire"
	"github.com/mattn/go-runewidth"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Errors returned by the orchestrator.
var (
	ErrForkFailed   = errors.New("orchestrator: forking victim failed")
	ErrAcceptFailed = errors.New("orchestrator: accepting connection failed")
)

// Options configures one restore run.
type Options struct {
	// StepMode, once registers are restored, single-steps the victim one
	// instruction at a time and prints all its GPRs after each step,
	// waiting on stdin between steps, until the operator resumes it —
	// spec.md's -s flag for interactive debugging of a restore.
	StepMode bool
	// DiagnosticOut, if non-nil, receives a rendered memory-map table of
	// the rebuilt victim once restore completes (SPEC_FULL.md §4).
	DiagnosticOut *os.File
}

// Listen accepts exactly one snapshot transfer on addr (host:port), drives
// one restore from it, and returns that restore's result — the single-shot
// CLI usage in spec §6.
func Listen(addr string, opts Options) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("orchestrator: listening on %s: %w", addr, err)
	}
	defer ln.Close()

	log.WithField("addr", addr).Info("restore orchestrator listening")

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAcceptFailed, err)
	}
	defer conn.Close()
	return handleConn(conn, opts)
}

func handleConn(conn net.Conn, opts Options) error {
	snap, err := wire.Decode(conn)
	if err != nil {
		return fmt.Errorf("orchestrator: decoding snapshot: %w", err)
	}
	log.WithField("regions", len(snap.Regions)).Info("snapshot received")

	return Restore(snap, opts)
}

// Restore runs one full restore: forks a victim, drives it through the
// rebuilder, rewrites its registers from the captured state, and releases
// it to run at its original instruction pointer.
func Restore(snap *snapshot.Snapshot, opts Options) error {
	t, cleanup, err := spawnVictim()
	if err != nil {
		return err
	}
	defer cleanup()

	rb := rebuilder.New()
	if err := rb.Open(); err != nil {
		return err
	}
	defer rb.Close()

	if err := rb.Write(t, snap); err != nil {
		return fmt.Errorf("orchestrator: rebuilding address space: %w", err)
	}
	log.Info("address space rebuilt")

	regs := userstate.ToPtraceRegs(snap.User.GPRegs)
	if err := t.SetRegs(&regs); err != nil {
		return fmt.Errorf("orchestrator: restoring registers: %w", err)
	}

	if opts.DiagnosticOut != nil {
		printDiagnosticMap(opts.DiagnosticOut, t.PID(), snap)
	}

	if opts.StepMode {
		if err := stepRestoredChild(t); err != nil {
			return fmt.Errorf("orchestrator: step mode: %w", err)
		}
	}

	if err := t.Detach(false); err != nil {
		return fmt.Errorf("orchestrator: detaching victim: %w", err)
	}
	log.WithField("pid", t.PID()).Info("victim resumed")
	return nil
}

// spawnVictim forks a child that immediately traces itself and stops,
// waiting for the parent (this process) to drive it through the rebuilder
// — the destination-side half of spec §4.7's self-attach contract. Unlike a
// parent-initiated PTRACE_ATTACH, the child calls PTRACE_TRACEME itself
// (RunVictimStub) once its own Go runtime has started, so the fork here
// must NOT ask the kernel to trace-stop it at the exec trap — that would
// stop the child before any Go code, including RunVictimStub, ever runs,
// making the self-attach call unreachable. The calling goroutine is locked
// to its OS thread via runtime.LockOSThread so ptrace's per-thread tracer
// relationship stays valid.
func spawnVictim() (*tracer.Tracer, func(), error) {
	runtime.LockOSThread()
	pid, err := unix.ForkExec("/proc/self/exe", []string{"procmigrate-victim-stub"}, &unix.ProcAttr{})
	if err != nil {
		runtime.UnlockOSThread()
		return nil, nil, fmt.Errorf("%w: %v", ErrForkFailed, err)
	}

	t := tracer.New(pid)
	status, err := t.WaitForStop()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, nil, err
	}
	if !status.Stopped() {
		runtime.UnlockOSThread()
		return nil, nil, fmt.Errorf("orchestrator: victim pid %d did not stop after self-attach, status %v", pid, status)
	}

	cleanup := func() { runtime.UnlockOSThread() }
	return t, cleanup, nil
}

// victimStubArg is the argv[0] spawnVictim re-execs itself with; cmd/restore
// checks for it at startup and calls RunVictimStub instead of the normal CLI
// path when it's present.
const victimStubArg = "procmigrate-victim-stub"

// IsVictimStub reports whether argv matches the sentinel spawnVictim
// launches its forked child with.
func IsVictimStub(argv []string) bool {
	return len(argv) > 0 && argv[0] == victimStubArg
}

// RunVictimStub is the entire body of the forked victim process: trace
// itself, stop, and wait to be driven. It never returns under normal
// operation — the parent's Restore eventually overwrites its registers and
// detaches it, at which point execution resumes at the restored RIP inside
// whatever address space the rebuilder just built, not here.
func RunVictimStub() {
	if err := unix.PtraceTraceme(); err != nil {
		fmt.Fprintf(os.Stderr, "procmigrate victim stub: traceme: %v\n", err)
		os.Exit(1)
	}
	if err := unix.Kill(os.Getpid(), unix.SIGSTOP); err != nil {
		fmt.Fprintf(os.Stderr, "procmigrate victim stub: raising SIGSTOP: %v\n", err)
		os.Exit(1)
	}
	// Unreachable in the intended flow: the parent detaches with a
	// rewritten RIP before ever resuming this instruction stream normally.
	select {}
}

// stepRestoredChild implements spec §4.7 / SPEC_FULL §4's step-by-step
// diagnostic mode: once registers are restored, single-step the victim one
// instruction at a time, printing every general-purpose register after
// each step, until the operator signals resume — the same GPR-dump loop
// restore.c/observe_restore.c in the original implementation drove from
// PTRACE_SINGLESTEP in a loop around PTRACE_GETREGS. Typing "c"/"continue"
// (or closing stdin) ends the loop; anything else (including a bare
// newline) single-steps once more.
func stepRestoredChild(t *tracer.Tracer) error {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprintln(os.Stderr, "[step] enter to single-step, or c/continue to resume")
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "c" || line == "continue" || errors.Is(err, io.EOF) {
			return nil
		}

		if err := t.SingleStep(); err != nil {
			return fmt.Errorf("single-stepping: %w", err)
		}
		status, err := t.WaitForStop()
		if err != nil {
			return fmt.Errorf("waiting for step: %w", err)
		}
		if !status.Stopped() {
			return fmt.Errorf("restored victim exited during step mode, status %v", status)
		}

		regs, err := t.GetRegs()
		if err != nil {
			return fmt.Errorf("reading registers: %w", err)
		}
		printGPRs(os.Stderr, regs)
	}
}

// printGPRs renders every general-purpose register, the diagnostic the
// original restore.c's observation loop printed on each single-step.
func printGPRs(out io.Writer, r *unix.PtraceRegs) {
	fmt.Fprintf(out, "  rip=%#016x rsp=%#016x rbp=%#016x eflags=%#x\n", r.Rip, r.Rsp, r.Rbp, r.Eflags)
	fmt.Fprintf(out, "  rax=%#016x rbx=%#016x rcx=%#016x rdx=%#016x\n", r.Rax, r.Rbx, r.Rcx, r.Rdx)
	fmt.Fprintf(out, "  rsi=%#016x rdi=%#016x orig_rax=%#016x\n", r.Rsi, r.Rdi, r.Orig_rax)
	fmt.Fprintf(out, "  r8=%#016x  r9=%#016x  r10=%#016x r11=%#016x\n", r.R8, r.R9, r.R10, r.R11)
	fmt.Fprintf(out, "  r12=%#016x r13=%#016x r14=%#016x r15=%#016x\n", r.R12, r.R13, r.R14, r.R15)
	fmt.Fprintf(out, "  cs=%#x ss=%#x ds=%#x es=%#x fs=%#x gs=%#x\n", r.Cs, r.Ss, r.Ds, r.Es, r.Fs, r.Gs)
}

// diagnosticPathWidth is how wide the path column in the diagnostic map is
// padded to. Paths are padded by display width rather than byte length so
// the table stays aligned even if a backing path contains multi-byte
// characters, the same rune-width accounting
// github.com/mattn/go-runewidth provides for terminal-table rendering
// elsewhere in the ecosystem.
const diagnosticPathWidth = 40

func printDiagnosticMap(out *os.File, pid int, snap *snapshot.Snapshot) {
	fmt.Fprintf(out, "restored pid %d, %d regions:\n", pid, len(snap.Regions))
	for i := range snap.Regions {
		r := &snap.Regions[i]
		path := runewidth.Truncate(r.Path, diagnosticPathWidth, "…")
		path = runewidth.FillRight(path, diagnosticPathWidth)
		fmt.Fprintf(out, "  %#016x-%#016x %s %-8s %s\n", r.Start, r.End, r.PermString(), r.Kind(), path)
	}
}
