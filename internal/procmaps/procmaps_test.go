package procmaps

import (
	"os"
	"testing"

	"github.com/cs477-epfl/process-live-migration/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfPID() int { return os.Getpid() }

func TestParseLine_FileBacked(t *testing.T) {
	r, err := parseLine("00400000-00401000 r-xp 00000000 08:01 123456 /usr/bin/true")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400000), r.Start)
	assert.Equal(t, uint64(0x401000), r.End)
	assert.Equal(t, uint64(0), r.Offset)
	assert.Equal(t, "r-xp", r.PermString())
	assert.Equal(t, "/usr/bin/true", r.Path)
	assert.Equal(t, snapshot.KindFileBacked, r.Kind())
}

func TestParseLine_AnonymousNoPath(t *testing.T) {
	r, err := parseLine("7f0000000000-7f0000001000 rw-p 00000000 00:00 0")
	require.NoError(t, err)
	assert.Equal(t, "", r.Path)
	assert.Equal(t, snapshot.KindAnonymousContent, r.Kind())
}

func TestParseLine_Heap(t *testing.T) {
	r, err := parseLine("01234000-01255000 rw-p 00000000 00:00 0                          [heap]")
	require.NoError(t, err)
	assert.Equal(t, "[heap]", r.Path)
	assert.Equal(t, snapshot.KindAnonymousContent, r.Kind())
}

func TestParseLine_Vdso(t *testing.T) {
	r, err := parseLine("7ffff7fcc000-7ffff7fce000 r-xp 00000000 00:00 0                  [vdso]")
	require.NoError(t, err)
	assert.Equal(t, snapshot.KindSkipped, r.Kind())
}

func TestParseLine_DevSkipped(t *testing.T) {
	r, err := parseLine("7f0000010000-7f0000011000 rw-s 00000000 00:05 1024 /dev/zero")
	require.NoError(t, err)
	assert.Equal(t, snapshot.KindSkipped, r.Kind())
}

func TestParseLine_MalformedTooFewFields(t *testing.T) {
	_, err := parseLine("not-a-valid-line")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMapsParseError)
}

func TestParseLine_MalformedAddressRange(t *testing.T) {
	_, err := parseLine("zzzzzz r-xp 00000000 08:01 1 /bin/true")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMapsParseError)
}

func TestParseLine_MalformedPermissions(t *testing.T) {
	_, err := parseLine("1000-2000 r 00000000 08:01 1 /bin/true")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMapsParseError)
}

func TestListVMAs_SelfProcess(t *testing.T) {
	// ListVMAs only parses /proc/<pid>/maps (no /proc/<pid>/mem access, which
	// needs ptrace against another task), so it's safe to exercise against
	// our own process here.
	regions, err := ListVMAs(selfPID())
	require.NoError(t, err)
	assert.NotEmpty(t, regions)
}
