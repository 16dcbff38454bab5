package snap_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"testing"

	snapcorpus "github.com/fuzzlab/snapcorpus"
	"github.com/fuzzlab/snapcorpus/snap"
	"github.com/fuzzlab/snapcorpus/snap/gen"
	snaptesting "github.com/fuzzlab/snapcorpus/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelocate__RoundTrip(t *testing.T) {
	for _, arch := range []*snapcorpus.Arch{snapcorpus.X86_64, snapcorpus.AArch64} {
		t.Run(arch.Name, func(t *testing.T) {
			opts := gen.V2InputRunOpts(arch)
			s := snaptesting.MakeTestSnapshot(t, arch, snaptesting.EndsAsExpected)
			snapified, err := gen.Snapify(s, opts)
			require.NoError(t, err)

			corpus := snaptesting.GenerateRelocatedCorpus(
				t, arch, []*snapcorpus.Snapshot{snapified}, opts)

			restored, err := corpus.Snap(0).ToSnapshot()
			require.NoError(t, err)
			assert.True(t, snapified.NormalizedEqual(restored),
				"restored snapshot differs from the snapified source")
		})
	}
}

func TestRelocate__UndefinedEndState(t *testing.T) {
	opts := gen.V2InputRunOpts(snapcorpus.X86_64)
	opts.AllowUndefinedEndState = true

	s := snaptesting.MakeTestSnapshot(t, snapcorpus.X86_64, snaptesting.SigSegvWrite)
	corpus := snaptesting.GenerateRelocatedCorpus(
		t, snapcorpus.X86_64, []*snapcorpus.Snapshot{s}, opts)

	assert.Equal(t, s.ID, corpus.Snap(0).ID())
}

// nonRepeatingPage returns page content with no two adjacent bytes equal, so
// run-length splitting keeps it as a single literal.
func nonRepeatingPage() []byte {
	page := make([]byte, 4096)
	for i := range page {
		page[i] = byte(i*7 + 13)
	}
	return page
}

// addPageMapping adds a read-only page with the given content.
func addPageMapping(
	t *testing.T, s *snapcorpus.Snapshot, address snapcorpus.Address, content []byte,
) {
	require.NoError(t, s.AddMemoryMapping(snapcorpus.MemoryMapping{
		StartAddress: address,
		NumBytes:     uint64(len(content)),
		Perms:        snapcorpus.PermR,
	}))
	require.NoError(t, s.AddMemoryBytes(snapcorpus.MemoryBytes{
		StartAddress: address,
		Bytes:        content,
	}))
}

// findLiteralAddresses collects the shared-array address of every literal
// record in the snap whose content equals `want`.
func findLiteralAddresses(s snap.Snap, want []byte) []uint64 {
	var addresses []uint64
	for i := 0; i < s.MappingCount(); i++ {
		m := s.Mapping(i)
		for j := 0; j < m.MemoryBytesCount(); j++ {
			mb := m.MemoryBytes(j)
			if !mb.Repeating() && bytes.Equal(mb.LiteralBytes(), want) {
				addresses = append(addresses, mb.LiteralAddress())
			}
		}
	}
	return addresses
}

func uniqueAddresses(addresses []uint64) map[uint64]bool {
	unique := make(map[uint64]bool)
	for _, addr := range addresses {
		unique[addr] = true
	}
	return unique
}

// Two memory regions with byte-identical content must resolve to the same
// shared array after relocation.
func TestRelocate__DedupeMemoryBytes(t *testing.T) {
	s := snaptesting.MakeTestSnapshot(t, snapcorpus.X86_64, snaptesting.EndsAsExpected)
	page := nonRepeatingPage()
	addPageMapping(t, s, 0x6502*4096, page)
	addPageMapping(t, s, 0x8086*4096, page)

	corpus := snaptesting.GenerateRelocatedCorpus(
		t, snapcorpus.X86_64, []*snapcorpus.Snapshot{s}, gen.V2InputRunOpts(snapcorpus.X86_64))

	addresses := findLiteralAddresses(corpus.Snap(0), page)
	assert.Len(t, addresses, 2, "both regions should reference the content")
	assert.Len(t, uniqueAddresses(addresses), 1, "content should be stored once")
}

// N occurrences of the same literal content yield exactly one arena copy and
// N references to it.
func TestRelocate__DedupeIdempotentUnderScale(t *testing.T) {
	const occurrences = 5

	s := snaptesting.MakeTestSnapshot(t, snapcorpus.X86_64, snaptesting.EndsAsExpected)
	page := nonRepeatingPage()
	for i := 0; i < occurrences; i++ {
		addPageMapping(t, s, snapcorpus.Address(0x400000000+i*0x10000), page)
	}

	corpus := snaptesting.GenerateRelocatedCorpus(
		t, snapcorpus.X86_64, []*snapcorpus.Snapshot{s}, gen.V2InputRunOpts(snapcorpus.X86_64))

	addresses := findLiteralAddresses(corpus.Snap(0), page)
	assert.Len(t, addresses, occurrences)
	assert.Len(t, uniqueAddresses(addresses), 1)
}

// Regions with differing content must never share an address.
func TestRelocate__NoFalseSharing(t *testing.T) {
	s := snaptesting.MakeTestSnapshot(t, snapcorpus.X86_64, snaptesting.EndsAsExpected)
	pageA := nonRepeatingPage()
	pageB := nonRepeatingPage()
	pageB[100] ^= 0xff
	addPageMapping(t, s, 0x6502*4096, pageA)
	addPageMapping(t, s, 0x8086*4096, pageB)

	corpus := snaptesting.GenerateRelocatedCorpus(
		t, snapcorpus.X86_64, []*snapcorpus.Snapshot{s}, gen.V2InputRunOpts(snapcorpus.X86_64))

	addressesA := findLiteralAddresses(corpus.Snap(0), pageA)
	addressesB := findLiteralAddresses(corpus.Snap(0), pageB)
	require.Len(t, addressesA, 1)
	require.Len(t, addressesB, 1)
	assert.NotEqual(t, addressesA[0], addressesB[0])
}

func generateTestCorpus(t *testing.T, directMmap bool) *snap.Corpus {
	opts := gen.V2InputRunOpts(snapcorpus.X86_64)
	opts.CompressRepeatingBytes = true
	opts.SupportDirectMmap = directMmap
	s := snaptesting.MakeTestSnapshot(t, snapcorpus.X86_64, snaptesting.EndsAsExpected)
	return snaptesting.GenerateRelocatedCorpus(
		t, snapcorpus.X86_64, []*snapcorpus.Snapshot{s}, opts)
}

func executableMapping(t *testing.T, s snap.Snap) snap.Mapping {
	for i := 0; i < s.MappingCount(); i++ {
		if s.Mapping(i).Perms().Executable() {
			return s.Mapping(i)
		}
	}
	t.Fatal("no executable mapping in snap")
	return snap.Mapping{}
}

func TestRelocate__DirectMmapAlignment(t *testing.T) {
	corpus := generateTestCorpus(t, true)
	m := executableMapping(t, corpus.Snap(0))

	// Direct-mmap encoding stores the executable page as exactly one
	// uncompressed literal, page-aligned and page-sized.
	require.Equal(t, 1, m.MemoryBytesCount())
	mb := m.MemoryBytes(0)
	require.False(t, mb.Repeating())
	assert.True(t, mb.DirectMmap())
	assert.EqualValues(t, 0, mb.LiteralAddress()%4096, "literal is not page-aligned")
	assert.EqualValues(t, 0, mb.NumBytes()%4096, "literal size is not page-granular")
}

func TestRelocate__LiteralAlignment(t *testing.T) {
	corpus := generateTestCorpus(t, false)
	s := corpus.Snap(0)

	m := executableMapping(t, s)
	assert.Greater(t, m.MemoryBytesCount(), 1,
		"run-length encoding should split the executable page")

	for i := 0; i < s.MappingCount(); i++ {
		mapping := s.Mapping(i)
		for j := 0; j < mapping.MemoryBytesCount(); j++ {
			mb := mapping.MemoryBytes(j)
			if !mb.Repeating() {
				assert.EqualValues(t, 0, mb.LiteralAddress()%8,
					"literal at %#x is not 8-aligned", mb.StartAddress())
			}
		}
	}
}

// The direct-mmap corpus pays for the uncompressed executable page but no
// more: strictly larger than the run-length corpus, by less than two pages.
func TestRelocate__DirectMmapSizeBound(t *testing.T) {
	rle := generateTestCorpus(t, false)
	mmap := generateTestCorpus(t, true)

	assert.Less(t, rle.NumBytes()+3072, mmap.NumBytes())
	assert.Greater(t, rle.NumBytes()+8192, mmap.NumBytes())
}

// corruptBlob rewrites `size` bytes at blob offset `off`.
func corruptBlob(t *testing.T, blob []byte, off int64, value interface{}) {
	seeker := snaptesting.BlobSeeker(blob)
	_, err := seeker.Seek(off, io.SeekStart)
	require.NoError(t, err)
	require.NoError(t, binary.Write(seeker, binary.LittleEndian, value))
}

func TestRelocate__RejectsOutOfBoundsOffset(t *testing.T) {
	opts := gen.V2InputRunOpts(snapcorpus.X86_64)
	s := snaptesting.MakeTestSnapshot(t, snapcorpus.X86_64, snaptesting.EndsAsExpected)
	blob := snaptesting.GenerateBlob(t, snapcorpus.X86_64, []*snapcorpus.Snapshot{s}, opts)

	// Push the snap-array reference past the end of the blob.
	corruptBlob(t, blob, 24, uint64(len(blob))+8)

	corpus, err := snap.RelocateCorpus(snaptesting.MmapBlob(t, blob), snapcorpus.X86_64)
	assert.ErrorIs(t, err, snapcorpus.ErrOutOfBoundsOffset)
	assert.Nil(t, corpus, "a failed relocation must not produce a handle")
}

func TestCorpus__SnapIndexOutOfRange(t *testing.T) {
	corpus := generateTestCorpus(t, false)
	require.Equal(t, 1, corpus.SnapCount())

	assert.Panics(t, func() { corpus.Snap(1) })
	assert.Panics(t, func() { corpus.Snap(-1) })
}

func TestRelocate__RejectsIncompatibleVersion(t *testing.T) {
	opts := gen.V2InputRunOpts(snapcorpus.X86_64)
	s := snaptesting.MakeTestSnapshot(t, snapcorpus.X86_64, snaptesting.EndsAsExpected)
	blob := snaptesting.GenerateBlob(t, snapcorpus.X86_64, []*snapcorpus.Snapshot{s}, opts)

	corruptBlob(t, blob, 4, uint32(99))

	corpus, err := snap.RelocateCorpus(snaptesting.MmapBlob(t, blob), snapcorpus.X86_64)
	assert.ErrorIs(t, err, snapcorpus.ErrIncompatibleVersion)
	assert.Nil(t, corpus)
}

func TestRelocate__RejectsIncompatibleArchitecture(t *testing.T) {
	opts := gen.V2InputRunOpts(snapcorpus.X86_64)
	s := snaptesting.MakeTestSnapshot(t, snapcorpus.X86_64, snaptesting.EndsAsExpected)
	blob := snaptesting.GenerateBlob(t, snapcorpus.X86_64, []*snapcorpus.Snapshot{s}, opts)

	corpus, err := snap.RelocateCorpus(snaptesting.MmapBlob(t, blob), snapcorpus.AArch64)
	assert.ErrorIs(t, err, snapcorpus.ErrIncompatibleArchitecture)
	assert.Nil(t, corpus)
}

func TestRelocate__RejectsTruncatedBlob(t *testing.T) {
	opts := gen.V2InputRunOpts(snapcorpus.X86_64)
	s := snaptesting.MakeTestSnapshot(t, snapcorpus.X86_64, snaptesting.EndsAsExpected)
	blob := snaptesting.GenerateBlob(t, snapcorpus.X86_64, []*snapcorpus.Snapshot{s}, opts)

	for _, size := range []int{0, 32, len(blob) - 8} {
		t.Run(fmt.Sprintf("%d_bytes", size), func(t *testing.T) {
			truncated := make([]byte, size)
			copy(truncated, blob)
			corpus, err := snap.RelocateCorpus(truncated, snapcorpus.X86_64)
			assert.ErrorIs(t, err, snapcorpus.ErrMalformedCorpus)
			assert.Nil(t, corpus)
		})
	}
}
