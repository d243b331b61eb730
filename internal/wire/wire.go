// Package wire implements component E: serializing and deserializing a
// snapshot over a stream transport. Framing is a flat sequence (no length
// prefix beyond what's listed below) — spec §4.5 and §9 ("never send
// pointers; send counts, then payloads in order").
//
// The reader tolerates short reads the way a TCP stream delivers them;
// io.ReadFull loops internally until each fixed-size field or content block
// is fully assembled, the same short-read-tolerant pattern
// internal/vm/uffd_linux.go uses when draining a UFFD socket in fixed-size
// chunks.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cs477-epfl/process-live-migration/internal/snapshot"
	"github.com/cs477-epfl/process-live-migration/internal/userstate"
)

// Errors returned by Encode/Decode.
var (
	ErrWireTruncated = errors.New("wire: truncated stream")
	ErrWireIO        = errors.New("wire: io error")
)

// pathFieldSize is the fixed, NUL-padded width of the Path field on the
// wire.
const pathFieldSize = 256

// permsFieldSize is 4 permission characters plus a trailing NUL.
const permsFieldSize = 5

var byteOrder = binary.LittleEndian

// Encode writes a snapshot in the order spec §4.5 specifies: the user
// block, the region count, then each region's fixed metadata followed by
// its content (only for content-carrying regions, determined by
// re-classifying Path — never a flag on the wire).
func Encode(w io.Writer, s *snapshot.Snapshot) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("wire: refusing to encode invalid snapshot: %w", err)
	}

	if err := writeUserBlock(w, &s.User); err != nil {
		return err
	}

	if err := binary.Write(w, byteOrder, uint64(len(s.Regions))); err != nil {
		return wireIOErr("writing region count", err)
	}

	for i := range s.Regions {
		if err := writeRegion(w, &s.Regions[i]); err != nil {
			return fmt.Errorf("wire: region %d: %w", i, err)
		}
	}
	return nil
}

// Decode reads a snapshot framed per Encode. Region buffers are freshly
// allocated here (this is the destination-side allocation spec §4.4
// describes).
func Decode(r io.Reader) (*snapshot.Snapshot, error) {
	user, err := readUserBlock(r)
	if err != nil {
		return nil, err
	}

	var numRegions uint64
	if err := binary.Read(r, byteOrder, &numRegions); err != nil {
		return nil, wireReadErr("reading region count", err)
	}

	regions := make([]snapshot.Region, 0, numRegions)
	for i := uint64(0); i < numRegions; i++ {
		region, err := readRegion(r)
		if err != nil {
			return nil, fmt.Errorf("wire: region %d: %w", i, err)
		}
		regions = append(regions, region)
	}

	s := &snapshot.Snapshot{User: *user, Regions: regions}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("wire: decoded an invalid snapshot: %w", err)
	}
	return s, nil
}

func writeUserBlock(w io.Writer, u *snapshot.UserBlock) error {
	if _, err := w.Write(u.Raw); err != nil {
		return wireIOErr("writing user block", err)
	}
	return nil
}

func readUserBlock(r io.Reader) (*snapshot.UserBlock, error) {
	// The raw user-area size is presumed identical on both ends (same
	// architecture family, spec §6); userstate.ReadUser on the source
	// always produces the same fixed length.
	raw := make([]byte, userstate.AreaSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, wireReadErr("reading user block", err)
	}
	block := userstate.DecodeRaw(raw)
	return &block, nil
}

func writeRegion(w io.Writer, r *snapshot.Region) error {
	fields := []uint64{r.Start, r.End, r.Size(), r.Offset}
	for _, f := range fields {
		if err := binary.Write(w, byteOrder, f); err != nil {
			return wireIOErr("writing region metadata", err)
		}
	}

	var permsBuf [permsFieldSize]byte
	copy(permsBuf[:4], r.Perms[:])
	if _, err := w.Write(permsBuf[:]); err != nil {
		return wireIOErr("writing permissions", err)
	}

	var pathBuf [pathFieldSize]byte
	if len(r.Path) > pathFieldSize-1 {
		return fmt.Errorf("wire: path %q exceeds %d bytes", r.Path, pathFieldSize-1)
	}
	copy(pathBuf[:], r.Path)
	if _, err := w.Write(pathBuf[:]); err != nil {
		return wireIOErr("writing path", err)
	}

	if r.Kind() == snapshot.KindAnonymousContent && r.Size() > 0 {
		if uint64(len(r.Content)) != r.Size() {
			return fmt.Errorf("wire: content length %d does not match region size %d", len(r.Content), r.Size())
		}
		if _, err := w.Write(r.Content); err != nil {
			return wireIOErr("writing content", err)
		}
	}
	return nil
}

func readRegion(r io.Reader) (snapshot.Region, error) {
	var region snapshot.Region

	var start, end, size, offset uint64
	for _, dst := range []*uint64{&start, &end, &size, &offset} {
		if err := binary.Read(r, byteOrder, dst); err != nil {
			return region, wireReadErr("reading region metadata", err)
		}
	}
	region.Start, region.End, region.Offset = start, end, offset
	if end-start != size {
		return region, fmt.Errorf("%w: region size %d does not match start/end span %d", ErrWireTruncated, size, end-start)
	}

	var permsBuf [permsFieldSize]byte
	if _, err := io.ReadFull(r, permsBuf[:]); err != nil {
		return region, wireReadErr("reading permissions", err)
	}
	copy(region.Perms[:], permsBuf[:4])

	var pathBuf [pathFieldSize]byte
	if _, err := io.ReadFull(r, pathBuf[:]); err != nil {
		return region, wireReadErr("reading path", err)
	}
	region.Path = cStringFromBuf(pathBuf[:])

	if region.Kind() == snapshot.KindAnonymousContent && size > 0 {
		content := make([]byte, size)
		if _, err := io.ReadFull(r, content); err != nil {
			return region, wireReadErr("reading content", err)
		}
		region.Content = content
	}

	return region, nil
}

func cStringFromBuf(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func wireIOErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrWireIO, what, err)
}

func wireReadErr(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: %v", ErrWireTruncated, what, err)
	}
	return wireIOErr(what, err)
}
