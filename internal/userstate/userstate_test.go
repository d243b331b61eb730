package userstate

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDecodeRaw_ShortBufferDoesNotPanic(t *testing.T) {
	block := DecodeRaw(make([]byte, 4))
	assert.Equal(t, uint64(0), block.GPRegs.Rax)
	assert.Equal(t, uint64(0), block.Bookkeeping.StartCode)
}

func TestDecodeRaw_GPRegsRoundTripThroughPtraceRegs(t *testing.T) {
	var want unix.PtraceRegs
	want.Rip = 0x400123
	want.Rsp = 0x7ffffffde000
	want.Rax = 42
	want.Orig_rax = 59
	want.Fs_base = 0x1111
	want.Gs_base = 0x2222

	raw := make([]byte, userAreaSize)
	copyPtraceRegsInto(raw, &want)

	block := DecodeRaw(raw)
	got := ToPtraceRegs(block.GPRegs)
	assert.Equal(t, want, got)
}

func TestDecodeRaw_Bookkeeping(t *testing.T) {
	raw := make([]byte, userAreaSize)
	binary.NativeEndian.PutUint64(raw[offStartCode:], 0x400000)
	binary.NativeEndian.PutUint64(raw[offEndCode:], 0x401000)
	binary.NativeEndian.PutUint64(raw[offStartStack:], 0x7ffffffff000)

	block := DecodeRaw(raw)
	assert.Equal(t, uint64(0x400000), block.Bookkeeping.StartCode)
	assert.Equal(t, uint64(0x401000), block.Bookkeeping.EndCode)
	assert.Equal(t, uint64(0x7ffffffff000), block.Bookkeeping.StartStack)
}

func TestDecodeRaw_PreservesRawBytes(t *testing.T) {
	raw := make([]byte, userAreaSize)
	for i := range raw {
		raw[i] = byte(i)
	}
	block := DecodeRaw(raw)
	require.Equal(t, raw, block.Raw)
}

// copyPtraceRegsInto overlays regs onto the first gpRegsSize bytes of raw,
// the inverse of decodeGPRegs's cast, for constructing test fixtures.
func copyPtraceRegsInto(raw []byte, regs *unix.PtraceRegs) {
	gpBytes := (*[gpRegsSize]byte)(unsafe.Pointer(regs))[:]
	copy(raw[:gpRegsSize], gpBytes)
}
