// Test snapshot factories and blob placement helpers shared by the package
// tests and the snaptool self-test corpus.
package testing

import (
	"io"
	"syscall"
	"testing"

	snapcorpus "github.com/fuzzlab/snapcorpus"
	"github.com/fuzzlab/snapcorpus/snap"
	"github.com/fuzzlab/snapcorpus/snap/gen"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// TestSnapshotKind selects one of the built-in snapshot archetypes.
type TestSnapshotKind int

const (
	// EndsAsExpected runs a small code page and stops at a known address
	// with a known register and memory delta.
	EndsAsExpected TestSnapshotKind = iota
	// SigSegvWrite faults before reaching any end state, so the snapshot has
	// no end state at all.
	SigSegvWrite
)

const (
	testCodeAddress = snapcorpus.Address(0x32355000)
	testDataAddress = snapcorpus.Address(0x10000000)
	testPageSize    = 4096
)

// NewTestSnapshot builds one of the built-in snapshot archetypes: a one-page
// executable code mapping, a one-page writable data mapping, and (for
// EndsAsExpected) an end state with register and memory deltas.
func NewTestSnapshot(arch *snapcorpus.Arch, kind TestSnapshotKind) (*snapcorpus.Snapshot, error) {
	id := "ends_as_expected"
	if kind == SigSegvWrite {
		id = "sigsegv_write"
	}
	s := snapcorpus.NewSnapshot(id, arch)

	codeMapping := snapcorpus.MemoryMapping{
		StartAddress: testCodeAddress,
		NumBytes:     testPageSize,
		Perms:        snapcorpus.PermR | snapcorpus.PermX,
	}
	if err := s.AddMemoryMapping(codeMapping); err != nil {
		return nil, err
	}
	// Non-repeating "instructions" followed by a zero-filled tail, the usual
	// shape of a real code page. Run-length encoding collapses the tail;
	// direct-mmap encoding keeps the page whole.
	code := make([]byte, 128)
	for i := range code {
		code[i] = byte(i*7 + 13)
	}
	if err := s.AddMemoryBytes(snapcorpus.MemoryBytes{
		StartAddress: testCodeAddress,
		Bytes:        code,
	}); err != nil {
		return nil, err
	}

	dataMapping := snapcorpus.MemoryMapping{
		StartAddress: testDataAddress,
		NumBytes:     testPageSize,
		Perms:        snapcorpus.PermR | snapcorpus.PermW,
	}
	if err := s.AddMemoryMapping(dataMapping); err != nil {
		return nil, err
	}
	if err := s.AddMemoryBytes(snapcorpus.MemoryBytes{
		StartAddress: testDataAddress,
		Bytes:        []byte{0xab, 0xab, 0xab, 0xab, 0xab, 0xab, 0xab, 0xab},
	}); err != nil {
		return nil, err
	}

	s.Registers = arch.NewRegisterState()
	copy(s.Registers.GRegs, []byte{0x01, 0x02, 0x03, 0x04})

	if kind == EndsAsExpected {
		endRegisters := arch.NewRegisterState()
		copy(endRegisters.GRegs, []byte{0x11, 0x12, 0x13, 0x14})
		s.AddEndState(snapcorpus.EndState{
			Registers:          endRegisters,
			InstructionAddress: testCodeAddress + uint64(len(code)),
			MemoryBytes: []snapcorpus.MemoryBytes{
				{StartAddress: testDataAddress, Bytes: []byte{0xcd, 0xcd, 0xcd, 0xcd}},
			},
			Platforms: []snapcorpus.PlatformID{snapcorpus.PlatformAny},
		})
	}
	return s, nil
}

// MakeTestSnapshot is NewTestSnapshot for tests: it either returns a valid
// snapshot or fails the test.
func MakeTestSnapshot(
	t *testing.T, arch *snapcorpus.Arch, kind TestSnapshotKind,
) *snapcorpus.Snapshot {
	s, err := NewTestSnapshot(arch, kind)
	require.NoError(t, err, "failed to build test snapshot")
	return s
}

// MmapBlob copies a blob into fresh page-aligned writable memory, the way
// the loader places a corpus file. Relocation needs a page-aligned base for
// the direct-mmap alignment guarantees to hold.
func MmapBlob(t *testing.T, blob []byte) []byte {
	data, err := syscall.Mmap(
		-1, 0, len(blob),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE)
	require.NoError(t, err, "failed to mmap %d bytes", len(blob))
	copy(data, blob)
	return data
}

// GenerateBlob snapifies the given snapshots and generates a relocatable
// blob, failing the test on any error.
func GenerateBlob(
	t *testing.T,
	arch *snapcorpus.Arch,
	snapshots []*snapcorpus.Snapshot,
	opts gen.SnapifyOptions,
) []byte {
	generator := gen.NewGenerator(arch)
	names := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		snapified, err := gen.Snapify(s, opts)
		require.NoError(t, err, "failed to snapify %s", s.ID)
		require.NoError(t, generator.GenerateSnap(s.ID, snapified, opts))
		names = append(names, s.ID)
	}
	require.NoError(t, generator.GenerateSnapArray("corpus", names))
	blob, err := generator.Bytes()
	require.NoError(t, err)
	return blob
}

// GenerateRelocatedCorpus snapifies the given snapshots, generates a
// relocatable blob, places it in page-aligned memory and relocates it. It
// either returns a usable corpus or fails the test.
func GenerateRelocatedCorpus(
	t *testing.T,
	arch *snapcorpus.Arch,
	snapshots []*snapcorpus.Snapshot,
	opts gen.SnapifyOptions,
) *snap.Corpus {
	blob := GenerateBlob(t, arch, snapshots, opts)
	corpus, err := snap.RelocateCorpus(MmapBlob(t, blob), arch)
	require.NoError(t, err, "relocation failed")
	require.Equal(t, len(snapshots), corpus.SnapCount())
	return corpus
}

// BlobSeeker returns a seekable read-write view over blob bytes. Tests use
// it to corrupt specific reference fields in place.
func BlobSeeker(blob []byte) io.ReadWriteSeeker {
	return bytesextra.NewReadWriteSeeker(blob)
}
