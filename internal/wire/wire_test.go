package wire

import (
	"bytes"
	"testing"

	"github.com/cs477-epfl/process-live-migration/internal/snapshot"
	"github.com/cs477-epfl/process-live-migration/internal/userstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleUserBlock() snapshot.UserBlock {
	raw := make([]byte, userstate.AreaSize)
	for i := range raw {
		raw[i] = byte(i)
	}
	return userstate.DecodeRaw(raw)
}

func regionWithPerms(start, end uint64, perms string, path string, content []byte) snapshot.Region {
	var p [4]byte
	copy(p[:], perms)
	return snapshot.Region{Start: start, End: end, Perms: p, Path: path, Content: content}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB}, 0x1000)
	snap := &snapshot.Snapshot{
		User: sampleUserBlock(),
		Regions: []snapshot.Region{
			regionWithPerms(0x400000, 0x401000, "r-xp", "/bin/true", nil),
			regionWithPerms(0x7f0000000000, 0x7f0000001000, "rw-p", "[heap]", content),
			regionWithPerms(0x7fffffffe000, 0x7ffffffff000, "rw-p", "[stack]", bytes.Repeat([]byte{0x11}, 0x1000)),
		},
	}
	require.NoError(t, snap.Validate())

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, snap))

	decoded, err := Decode(&buf)
	require.NoError(t, err)

	require.Equal(t, len(snap.Regions), len(decoded.Regions))
	for i := range snap.Regions {
		want, got := snap.Regions[i], decoded.Regions[i]
		assert.Equal(t, want.Start, got.Start)
		assert.Equal(t, want.End, got.End)
		assert.Equal(t, want.Perms, got.Perms)
		assert.Equal(t, want.Path, got.Path)
		assert.Equal(t, want.Content, got.Content)
	}
	assert.Equal(t, snap.User.Raw, decoded.User.Raw)
	assert.Equal(t, snap.User.GPRegs, decoded.User.GPRegs)
}

func TestEncodeDecodeRoundTrip_NoRegions(t *testing.T) {
	snap := &snapshot.Snapshot{User: sampleUserBlock()}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, snap))

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.Empty(t, decoded.Regions)
}

func TestEncode_RejectsInvalidSnapshot(t *testing.T) {
	snap := &snapshot.Snapshot{
		User: sampleUserBlock(),
		Regions: []snapshot.Region{
			regionWithPerms(0x2000, 0x1000, "r--p", "[heap]", nil),
		},
	}
	var buf bytes.Buffer
	err := Encode(&buf, snap)
	require.Error(t, err)
}

func TestDecode_TruncatedStreamIsWireTruncated(t *testing.T) {
	snap := &snapshot.Snapshot{
		User: sampleUserBlock(),
		Regions: []snapshot.Region{
			regionWithPerms(0x1000, 0x2000, "rw-p", "[heap]", make([]byte, 0x1000)),
		},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, snap))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-10])
	_, err := Decode(truncated)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWireTruncated)
}

func TestPathExceedingFieldSizeIsRejected(t *testing.T) {
	longPath := "/" + string(bytes.Repeat([]byte("a"), pathFieldSize))
	snap := &snapshot.Snapshot{
		User: sampleUserBlock(),
		Regions: []snapshot.Region{
			regionWithPerms(0x1000, 0x2000, "r--p", longPath, nil),
		},
	}
	var buf bytes.Buffer
	err := Encode(&buf, snap)
	require.Error(t, err)
}
