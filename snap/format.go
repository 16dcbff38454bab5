// Package snap defines the relocatable corpus blob format and the loader-side
// relocator that turns a blob into a usable read-only corpus.
//
// A blob is a header followed by a flat arena holding every variable-length
// array and byte buffer. Internal linkage is expressed as 64-bit references.
// Before relocation a reference holds an offset relative to the blob's own
// base; after relocation it holds an absolute address. The generator only
// ever produces the former and the relocator is the only code that produces
// the latter.
package snap

// Blob layout constants. Everything is little-endian.
const (
	// Magic is "SNAP" read as a little-endian uint32.
	Magic   uint32 = 0x50414e53
	Version uint32 = 1

	HeaderSize            = 64
	SnapRecordSize        = 88
	MappingRecordSize     = 40
	MemoryBytesRecordSize = 32
	RefSize               = 8

	// LiteralAlignment is the minimum arena alignment of a literal byte
	// array. Copying and comparing memory are less efficient with narrower
	// alignments than this.
	LiteralAlignment = 8

	// PageAlignment is the arena alignment of a direct-mmap executable
	// literal. The runner maps such a literal straight into an executable
	// page, so both its start and its size must be page-granular.
	PageAlignment = 4096
)

// Header is the fixed-size blob header. Reserved fields pad it to HeaderSize
// bytes and must be zero.
type Header struct {
	Magic        uint32
	Version      uint32
	Arch         uint32
	Reserved0    uint32
	SnapCount    uint64
	SnapArrayRef uint64
	BlobSize     uint64
	Reserved1    [24]byte
}

// SnapRecord is the corpus-resident representation of one snapshot.
type SnapRecord struct {
	IDRef        uint64
	IDSize       uint64
	MappingsRef  uint64
	MappingCount uint64
	GRegsRef     uint64
	FPRegsRef    uint64

	EndStateInstructionAddress uint64
	EndStateGRegsRef           uint64
	EndStateFPRegsRef          uint64
	EndStateMemoryBytesRef     uint64
	EndStateMemoryBytesCount   uint64
}

// MappingRecord describes one memory mapping and its ordered memory-bytes
// records.
type MappingRecord struct {
	StartAddress     uint64
	NumBytes         uint64
	Perms            uint64
	MemoryBytesRef   uint64
	MemoryBytesCount uint64
}

// MemoryBytesRecord is a tagged variant. A repeating record stores the byte
// value directly in Data and the run length in Size. A literal record stores
// a reference to a shared byte array in Data and its length in Size.
type MemoryBytesRecord struct {
	StartAddress uint64
	Flags        uint64
	Size         uint64
	Data         uint64
}

const (
	// FlagRepeating marks a run-length record.
	FlagRepeating uint64 = 1 << 0
	// FlagDirectMmap marks a literal reserved for direct execution mapping.
	// Such literals are page-aligned, page-sized, and never shared.
	FlagDirectMmap uint64 = 1 << 1
)

func (r MemoryBytesRecord) Repeating() bool {
	return r.Flags&FlagRepeating != 0
}

func (r MemoryBytesRecord) DirectMmap() bool {
	return r.Flags&FlagDirectMmap != 0
}

// Byte offsets of every reference field, used by the relocator to rewrite
// references in place. These must match the field order of the record structs
// above; the generator serializes the structs with encoding/binary, which
// lays uint64 fields out back to back.
const (
	headerSnapArrayRefOffset = 24

	snapIDRefOffset                = 0
	snapMappingsRefOffset          = 16
	snapGRegsRefOffset             = 32
	snapFPRegsRefOffset            = 40
	snapEndStateGRegsRefOffset     = 56
	snapEndStateFPRegsRefOffset    = 64
	snapEndStateMemoryBytesRefOffs = 72

	mappingMemoryBytesRefOffset = 24

	memoryBytesDataOffset = 24
)
