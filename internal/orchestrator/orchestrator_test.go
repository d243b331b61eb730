package orchestrator

import (
	"bytes"
	"os"
	"testing"

	"github.com/cs477-epfl/process-live-migration/internal/snapshot"
	"github.com/stretchr/testify/assert"
)

func TestIsVictimStub(t *testing.T) {
	assert.True(t, IsVictimStub([]string{"procmigrate-victim-stub"}))
	assert.False(t, IsVictimStub([]string{"restore", "9000"}))
	assert.False(t, IsVictimStub(nil))
}

func TestPrintDiagnosticMap(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "diag")
	assert.NoError(t, err)
	defer f.Close()

	var p [4]byte
	copy(p[:], "r-xp")
	snap := &snapshot.Snapshot{Regions: []snapshot.Region{
		{Start: 0x400000, End: 0x401000, Perms: p, Path: "/bin/true"},
	}}
	printDiagnosticMap(f, 42, snap)

	out, err := os.ReadFile(f.Name())
	assert.NoError(t, err)
	assert.True(t, bytes.Contains(out, []byte("restored pid 42")))
	assert.True(t, bytes.Contains(out, []byte("/bin/true")))
}
