package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		path string
		want Kind
	}{
		{"[vdso]", KindSkipped},
		{"[vvar]", KindSkipped},
		{"[vsyscall]", KindSkipped},
		{"/dev/zero", KindSkipped},
		{"/dev/shm/foo", KindSkipped},
		{"/usr/lib/x86_64-linux-gnu/libc.so.6", KindFileBacked},
		{"/bin/true", KindFileBacked},
		{"[heap]", KindAnonymousContent},
		{"[stack]", KindAnonymousContent},
		{"[anon]", KindAnonymousContent},
		{"", KindAnonymousContent},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.path), "path %q", c.path)
	}
}

func TestClassifyIsPureFunctionOfPath(t *testing.T) {
	// Spec invariant: two regions with equal paths receive equal
	// classification regardless of any other field.
	assert.Equal(t, Classify("/lib/libc.so"), Classify("/lib/libc.so"))
}

func region(start, end uint64, perms string, path string, content []byte) Region {
	var p [4]byte
	copy(p[:], perms)
	return Region{Start: start, End: end, Perms: p, Path: path, Content: content}
}

func TestValidate_OrderedNonOverlapping(t *testing.T) {
	s := &Snapshot{Regions: []Region{
		region(0x1000, 0x2000, "r--p", "[heap]", []byte{1}),
		region(0x2000, 0x3000, "rw-p", "[anon]", make([]byte, 0x1000)),
	}}
	require.NoError(t, s.Validate())
}

func TestValidate_RejectsOverlap(t *testing.T) {
	s := &Snapshot{Regions: []Region{
		region(0x1000, 0x3000, "r--p", "[heap]", make([]byte, 0x2000)),
		region(0x2000, 0x4000, "rw-p", "[anon]", make([]byte, 0x2000)),
	}}
	err := s.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegionOverlap)
}

func TestValidate_RejectsUnordered(t *testing.T) {
	s := &Snapshot{Regions: []Region{
		region(0x2000, 0x3000, "r--p", "[heap]", []byte{1}),
		region(0x1000, 0x1500, "r--p", "[heap]", []byte{1}),
	}}
	err := s.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegionsUnordered)
}

func TestValidate_RejectsContentMismatch_Missing(t *testing.T) {
	s := &Snapshot{Regions: []Region{
		region(0x1000, 0x2000, "rw-p", "[heap]", nil),
	}}
	err := s.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContentMismatch)
}

func TestValidate_RejectsContentMismatch_Unexpected(t *testing.T) {
	s := &Snapshot{Regions: []Region{
		region(0x1000, 0x2000, "r--p", "/bin/true", []byte{1, 2, 3}),
	}}
	err := s.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContentMismatch)
}

func TestValidate_RejectsEmptyRegionBounds(t *testing.T) {
	s := &Snapshot{Regions: []Region{
		region(0x1000, 0x1000, "---p", "[heap]", nil),
	}}
	err := s.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadRegionBounds)
}

func TestValidate_RejectsBadPermissions(t *testing.T) {
	s := &Snapshot{Regions: []Region{
		region(0x1000, 0x2000, "xyz-", "[heap]", []byte{1}),
	}}
	err := s.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadPermissions)
}

func TestRegionHelpers(t *testing.T) {
	r := region(0x1000, 0x2000, "rwxp", "[heap]", nil)
	assert.Equal(t, uint64(0x1000), r.Size())
	assert.True(t, r.Readable())
	assert.True(t, r.Writable())
	assert.True(t, r.Executable())
	assert.Equal(t, "rwxp", r.PermString())
}
