// Package userstate implements component C: reading the full architectural
// user state of a traced target — general registers plus the debugger
// auxiliary area exposed by the kernel as `struct user` (linux/x86_64's
// <sys/user.h>, the same struct the original C checkpointer's
// read_user_info captures into).
package userstate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/cs477-epfl/process-live-migration/internal/snapshot"
	"github.com/cs477-epfl/process-live-migration/internal/tracer"
	"golang.org/x/sys/unix"
)

// ErrUserReadFailed is returned when any word of the user area fails to read.
var ErrUserReadFailed = errors.New("userstate: failed reading user area")

// userAreaSize is sizeof(struct user) on linux/x86_64 glibc: the
// user_regs_struct (216 bytes) followed by the FP validity flag (padded to
// 8), the FP register image (512), segment sizes, start_code/start_stack,
// the pending-signal word, the u_ar0/u_fpstate pointers, magic, u_comm, and
// the debug registers. The kernel refuses PEEKUSER at or past this size.
const userAreaSize = 912

// AreaSize is the fixed byte length of the raw user-area capture, exported
// so internal/wire can size its fixed-width UserBlock field without
// depending on userstate's internal layout constants.
const AreaSize = userAreaSize

// wordSize is sizeof(long) on x86_64.
const wordSize = 8

// gpRegsSize is sizeof(struct user_regs_struct), the general-register
// subset occupying the first bytes of struct user.
const gpRegsSize = 27 * wordSize

// Byte offsets of the bookkeeping fields within struct user, following
// glibc's <sys/user.h> layout: regs(216) + u_fpvalid(4, padded to 8) +
// i387(512) + u_tsize/u_dsize/u_ssize(24) = 764, then:
//
//	start_code, end_code, start_stack, signal  @ 764, 772, 780, 788 (4-byte
//	pointers padded to word boundaries on the wire we define ourselves)
//
// Rather than depend on exact libc struct packing (which has historically
// drifted across glibc/musl and kernel versions and is not ABI-stable),
// ReadUser captures the raw area verbatim and additionally decodes the
// bookkeeping fields through the well-known offsets below, which match the
// struct user layout this system has always shipped against (x86_64 glibc).
const (
	offStartCode  = 776
	offEndCode    = 784
	offStartData  = 792
	offEndData    = 800
	offStartBrk   = 808
	offBrk        = 816
	offStartStack = 824
)

// ReadUser reads the auxiliary block by iterating word-aligned offsets from
// 0 up to userAreaSize and issuing a PTRACE_PEEKUSER per word. Failure of
// any word read aborts with ErrUserReadFailed. The block is treated as
// opaque bytes on the wire; only GPRegs is interpreted during restore.
func ReadUser(t *tracer.Tracer) (*snapshot.UserBlock, error) {
	raw := make([]byte, userAreaSize)
	for off := uintptr(0); off < userAreaSize; off += wordSize {
		word, err := t.PeekUser(off)
		if err != nil {
			return nil, fmt.Errorf("%w: pid %d offset %#x: %v", ErrUserReadFailed, t.PID(), off, err)
		}
		binary.NativeEndian.PutUint64(raw[off:off+wordSize], word)
	}

	block := DecodeRaw(raw)
	return &block, nil
}

// DecodeRaw reconstructs a UserBlock from a raw capture of struct user —
// either one just assembled by ReadUser, or one that arrived over the wire
// (internal/wire calls this after reading the fixed-width raw block).
func DecodeRaw(raw []byte) snapshot.UserBlock {
	return snapshot.UserBlock{
		Raw:         raw,
		GPRegs:      decodeGPRegs(raw),
		Bookkeeping: decodeBookkeeping(raw),
	}
}

func decodeGPRegs(raw []byte) snapshot.GPRegs {
	if len(raw) < gpRegsSize {
		return snapshot.GPRegs{}
	}
	var regs unix.PtraceRegs
	gpBytes := (*[gpRegsSize]byte)(unsafe.Pointer(&regs))[:]
	copy(gpBytes, raw[:gpRegsSize])
	return fromPtraceRegs(&regs)
}

func decodeBookkeeping(raw []byte) snapshot.Bookkeeping {
	u64 := func(off int) uint64 {
		if off+8 > len(raw) {
			return 0
		}
		return binary.NativeEndian.Uint64(raw[off : off+8])
	}
	return snapshot.Bookkeeping{
		StartCode:  u64(offStartCode),
		EndCode:    u64(offEndCode),
		StartData:  u64(offStartData),
		EndData:    u64(offEndData),
		StartBrk:   u64(offStartBrk),
		Brk:        u64(offBrk),
		StartStack: u64(offStartStack),
	}
}

func fromPtraceRegs(r *unix.PtraceRegs) snapshot.GPRegs {
	return snapshot.GPRegs{
		R15: r.R15, R14: r.R14, R13: r.R13, R12: r.R12,
		Rbp: r.Rbp, Rbx: r.Rbx,
		R11: r.R11, R10: r.R10, R9: r.R9, R8: r.R8,
		Rax: r.Rax, Rcx: r.Rcx, Rdx: r.Rdx,
		Rsi: r.Rsi, Rdi: r.Rdi,
		OrigRax: r.Orig_rax,
		Rip:     r.Rip, Cs: r.Cs, Eflags: r.Eflags, Rsp: r.Rsp, Ss: r.Ss,
		FsBase: r.Fs_base, GsBase: r.Gs_base,
		Ds: r.Ds, Es: r.Es, Fs: r.Fs, Gs: r.Gs,
	}
}

// ToPtraceRegs converts GPRegs back to the unix.PtraceRegs layout for
// SetRegs (used by the restore orchestrator to rewrite registers on a
// restored victim).
func ToPtraceRegs(g snapshot.GPRegs) unix.PtraceRegs {
	return unix.PtraceRegs{
		R15: g.R15, R14: g.R14, R13: g.R13, R12: g.R12,
		Rbp: g.Rbp, Rbx: g.Rbx,
		R11: g.R11, R10: g.R10, R9: g.R9, R8: g.R8,
		Rax: g.Rax, Rcx: g.Rcx, Rdx: g.Rdx,
		Rsi: g.Rsi, Rdi: g.Rdi,
		Orig_rax: g.OrigRax,
		Rip:      g.Rip, Cs: g.Cs, Eflags: g.Eflags, Rsp: g.Rsp, Ss: g.Ss,
		Fs_base: g.FsBase, Gs_base: g.GsBase,
		Ds: g.Ds, Es: g.Es, Fs: g.Fs, Gs: g.Gs,
	}
}
