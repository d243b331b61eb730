// Package snapshot holds the in-memory representation of a captured
// process: its architectural user state plus the ordered set of memory
// regions that make up its address space.
package snapshot

import (
	"errors"
	"fmt"
)

// Errors returned by Validate. See spec §3 invariants.
var (
	ErrRegionsUnordered  = errors.New("snapshot: regions are not strictly ordered by start address")
	ErrRegionOverlap     = errors.New("snapshot: regions overlap")
	ErrContentMismatch   = errors.New("snapshot: content presence does not match classification")
	ErrBadPermissions    = errors.New("snapshot: permissions field contains invalid characters")
	ErrBadRegionBounds   = errors.New("snapshot: region start must be < end and page aligned")
)

// PageSize is the x86_64 page size; region bounds must be multiples of it.
const PageSize = 4096

// Kind classifies a region the way the rebuilder dispatches on it. It is a
// pure function of Path (spec §4.2, §9 "Polymorphism over region kinds").
type Kind int

const (
	// KindSkipped regions are never mapped on restore and never carry content:
	// vdso/vvar/vsyscall and anything under /dev/.
	KindSkipped Kind = iota
	// KindFileBacked regions carry only metadata; content is re-read from the
	// backing file on restore.
	KindFileBacked
	// KindAnonymousContent regions carry their bytes because nothing external
	// can reproduce them: heap, stack, anonymous mappings.
	KindAnonymousContent
)

func (k Kind) String() string {
	switch k {
	case KindSkipped:
		return "skipped"
	case KindFileBacked:
		return "file-backed"
	case KindAnonymousContent:
		return "anonymous-content"
	default:
		return "unknown"
	}
}

// Classify is a pure function of path, per spec §4.2 and the invariant in
// §8.4 (two regions with equal paths receive equal classification).
func Classify(path string) Kind {
	switch path {
	case "[vdso]", "[vvar]", "[vsyscall]":
		return KindSkipped
	}
	if len(path) > 0 && path[0] == '/' {
		if len(path) >= 5 && path[:5] == "/dev/" {
			return KindSkipped
		}
		return KindFileBacked
	}
	return KindAnonymousContent
}

// Region is one contiguous virtual-address mapping within a process's
// address space, as read from /proc/<pid>/maps.
type Region struct {
	Start, End uint64
	Offset     uint64
	Perms      [4]byte // {r|-}{w|-}{x|-}{p|s}
	Path       string
	Content    []byte // non-nil iff Classify(Path) == KindAnonymousContent
}

// Size returns End - Start.
func (r *Region) Size() uint64 { return r.End - r.Start }

// Kind classifies the region from its Path.
func (r *Region) Kind() Kind { return Classify(r.Path) }

// PermString renders the permissions as the four-character mode string.
func (r *Region) PermString() string { return string(r.Perms[:]) }

// Readable/Writable/Executable inspect the permission bytes.
func (r *Region) Readable() bool   { return r.Perms[0] == 'r' }
func (r *Region) Writable() bool   { return r.Perms[1] == 'w' }
func (r *Region) Executable() bool { return r.Perms[2] == 'x' }

// UserBlock is the opaque architectural user area captured via PTRACE_PEEKUSER:
// general registers plus the debugger auxiliary fields (segment bases, the
// process bookkeeping fields from struct user, signal-auxiliary data). Only
// GPRegs is interpreted during restore; the rest travels as opaque bytes.
type UserBlock struct {
	// Raw is the full byte-for-byte capture of the kernel's struct user for
	// this architecture, word by word, exactly as read by userstate.ReadUser.
	Raw []byte

	// GPRegs is the general-register subset, decoded from Raw for
	// convenience; this is the only part the restore orchestrator writes back.
	GPRegs GPRegs

	// Bookkeeping mirrors struct user's process-level fields
	// (start_code/end_code/.../start_stack). Captured per SPEC_FULL.md §4
	// but not replayed into the victim's mm_struct on restore — see
	// DESIGN.md for the rationale.
	Bookkeeping Bookkeeping
}

// GPRegs is the general-purpose register subset of UserBlock, laid out to
// match x86_64 struct user_regs_struct so it round-trips through
// golang.org/x/sys/unix.PtraceRegs without reinterpretation.
type GPRegs struct {
	R15, R14, R13, R12    uint64
	Rbp, Rbx               uint64
	R11, R10, R9, R8       uint64
	Rax, Rcx, Rdx          uint64
	Rsi, Rdi               uint64
	OrigRax                uint64
	Rip, Cs, Eflags, Rsp, Ss uint64
	FsBase, GsBase         uint64
	Ds, Es, Fs, Gs         uint64
}

// Bookkeeping mirrors the process-level address-space endpoints from struct
// user (start_code, end_code, ...). See spec §9.
type Bookkeeping struct {
	StartCode, EndCode   uint64
	StartData, EndData   uint64
	StartBrk, Brk        uint64
	StartStack           uint64
}

// Snapshot is the ownership root of a captured process: the user state plus
// an ordered sequence of memory regions, in the order /proc/<pid>/maps
// produced them (ascending start address). The ordering must be preserved
// on the wire and during restore (spec §3).
type Snapshot struct {
	User    UserBlock
	Regions []Region
}

// Validate enforces the invariants from spec §3:
//  1. regions are non-overlapping and strictly ordered by start
//  2. Content is non-nil iff the region is content-carrying
//  3. permissions contain only the literal characters r/-, w/-, x/-, p/s
func (s *Snapshot) Validate() error {
	var prevEnd uint64
	for i := range s.Regions {
		r := &s.Regions[i]
		if r.Start >= r.End {
			return fmt.Errorf("%w: region %d [%#x,%#x)", ErrBadRegionBounds, i, r.Start, r.End)
		}
		if i > 0 && r.Start < prevEnd {
			if r.Start < s.Regions[i-1].Start {
				return fmt.Errorf("%w: region %d starts before region %d", ErrRegionsUnordered, i, i-1)
			}
			return fmt.Errorf("%w: region %d [%#x,%#x) overlaps preceding region ending at %#x", ErrRegionOverlap, i, r.Start, r.End, prevEnd)
		}
		prevEnd = r.End

		if r.Start%PageSize != 0 || r.End%PageSize != 0 {
			return fmt.Errorf("%w: region %d [%#x,%#x) is not page aligned", ErrBadRegionBounds, i, r.Start, r.End)
		}

		if err := validatePerms(r.Perms); err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}

		wantContent := r.Kind() == KindAnonymousContent && r.Size() > 0
		hasContent := r.Content != nil
		if wantContent != hasContent {
			return fmt.Errorf("%w: region %d path=%q kind=%s content=%v", ErrContentMismatch, i, r.Path, r.Kind(), hasContent)
		}
	}
	return nil
}

func validatePerms(p [4]byte) error {
	if p[0] != 'r' && p[0] != '-' {
		return ErrBadPermissions
	}
	if p[1] != 'w' && p[1] != '-' {
		return ErrBadPermissions
	}
	if p[2] != 'x' && p[2] != '-' {
		return ErrBadPermissions
	}
	if p[3] != 'p' && p[3] != 's' {
		return ErrBadPermissions
	}
	return nil
}
