package snap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	snapcorpus "github.com/fuzzlab/snapcorpus"
)

// Corpus is a read-only view over a successfully relocated blob. It may be
// read concurrently from any number of goroutines; there is no mutation path
// once relocation has succeeded. The corpus keeps the underlying memory alive
// for the life of the process and is never freed.
type Corpus struct {
	data []byte
	arch *snapcorpus.Arch
}

func (c *Corpus) Arch() *snapcorpus.Arch {
	return c.arch
}

// NumBytes returns the total size of the corpus blob.
func (c *Corpus) NumBytes() int {
	return len(c.data)
}

func (c *Corpus) SnapCount() int {
	return int(binary.LittleEndian.Uint64(c.data[16:]))
}

// Snap returns the i-th snap in corpus order. Panics if i is outside
// [0, SnapCount()); indexing past the snap array would dereference
// arbitrary memory.
func (c *Corpus) Snap(i int) Snap {
	if i < 0 || i >= c.SnapCount() {
		panic(fmt.Sprintf("snap index %d out of range [0, %d)", i, c.SnapCount()))
	}
	arrayAddr := binary.LittleEndian.Uint64(c.data[headerSnapArrayRefOffset:])
	elem := deref(arrayAddr+uint64(i)*RefSize, RefSize)
	recAddr := binary.LittleEndian.Uint64(elem)

	var rec SnapRecord
	mustDecode(deref(recAddr, SnapRecordSize), &rec)
	return Snap{rec: rec, arch: c.arch}
}

// Snap is the reader for one corpus-resident snap. All reference fields have
// been rewritten to absolute addresses by the relocator, so accessors
// dereference them directly.
type Snap struct {
	rec  SnapRecord
	arch *snapcorpus.Arch
}

func (s Snap) ID() string {
	return string(deref(s.rec.IDRef, s.rec.IDSize))
}

func (s Snap) MappingCount() int {
	return int(s.rec.MappingCount)
}

func (s Snap) Mapping(i int) Mapping {
	var rec MappingRecord
	mustDecode(
		deref(s.rec.MappingsRef+uint64(i)*MappingRecordSize, MappingRecordSize),
		&rec)
	return Mapping{rec: rec}
}

// Registers returns a copy of the snap's initial register blocks.
func (s Snap) Registers() snapcorpus.RegisterState {
	return s.registersAt(s.rec.GRegsRef, s.rec.FPRegsRef)
}

// EndStateRegisters returns a copy of the expected end-state register blocks.
func (s Snap) EndStateRegisters() snapcorpus.RegisterState {
	return s.registersAt(s.rec.EndStateGRegsRef, s.rec.EndStateFPRegsRef)
}

func (s Snap) registersAt(gregsAddr, fpregsAddr uint64) snapcorpus.RegisterState {
	rs := s.arch.NewRegisterState()
	copy(rs.GRegs, deref(gregsAddr, uint64(s.arch.GRegsSize)))
	copy(rs.FPRegs, deref(fpregsAddr, uint64(s.arch.FPRegsSize)))
	return rs
}

func (s Snap) EndStateInstructionAddress() uint64 {
	return s.rec.EndStateInstructionAddress
}

func (s Snap) EndStateMemoryBytesCount() int {
	return int(s.rec.EndStateMemoryBytesCount)
}

func (s Snap) EndStateMemoryBytes(i int) MemoryBytes {
	return memoryBytesAt(s.rec.EndStateMemoryBytesRef, i)
}

// Mapping is the reader for one memory-mapping record.
type Mapping struct {
	rec MappingRecord
}

func (m Mapping) StartAddress() uint64 {
	return m.rec.StartAddress
}

func (m Mapping) NumBytes() uint64 {
	return m.rec.NumBytes
}

func (m Mapping) Perms() snapcorpus.Perms {
	return snapcorpus.Perms(m.rec.Perms)
}

func (m Mapping) MemoryBytesCount() int {
	return int(m.rec.MemoryBytesCount)
}

func (m Mapping) MemoryBytes(i int) MemoryBytes {
	return memoryBytesAt(m.rec.MemoryBytesRef, i)
}

// MemoryBytes is the reader for one memory-byte record.
type MemoryBytes struct {
	rec MemoryBytesRecord
}

func memoryBytesAt(arrayAddr uint64, i int) MemoryBytes {
	var rec MemoryBytesRecord
	mustDecode(
		deref(arrayAddr+uint64(i)*MemoryBytesRecordSize, MemoryBytesRecordSize),
		&rec)
	return MemoryBytes{rec: rec}
}

func (mb MemoryBytes) StartAddress() uint64 {
	return mb.rec.StartAddress
}

func (mb MemoryBytes) Repeating() bool {
	return mb.rec.Repeating()
}

func (mb MemoryBytes) DirectMmap() bool {
	return mb.rec.DirectMmap()
}

// NumBytes returns the run length of a repeating record or the literal length
// of a literal record.
func (mb MemoryBytes) NumBytes() uint64 {
	return mb.rec.Size
}

// ByteValue returns the repeated byte of a repeating record.
func (mb MemoryBytes) ByteValue() byte {
	return byte(mb.rec.Data)
}

// LiteralAddress returns the absolute address of a literal record's shared
// byte array. Two records with identical non-direct-mmap content resolve to
// the same address.
func (mb MemoryBytes) LiteralAddress() uint64 {
	return mb.rec.Data
}

// LiteralBytes returns the literal record's shared byte array, without
// copying.
func (mb MemoryBytes) LiteralBytes() []byte {
	return deref(mb.rec.Data, mb.rec.Size)
}

// Realize writes the record's content into `out`, which holds the bytes of
// [mappingStart, mappingStart+len(out)).
func (mb MemoryBytes) Realize(mappingStart uint64, out []byte) {
	at := mb.rec.StartAddress - mappingStart
	if mb.Repeating() {
		region := out[at : at+mb.rec.Size]
		for i := range region {
			region[i] = mb.ByteValue()
		}
		return
	}
	copy(out[at:], mb.LiteralBytes())
}

// ToSnapshot converts a relocated snap back to the snapshot shape that
// produced it. The result compares equal to the snapified source snapshot
// under normalized equality.
func (s Snap) ToSnapshot() (*snapcorpus.Snapshot, error) {
	out := snapcorpus.NewSnapshot(s.ID(), s.arch)
	out.Registers = s.Registers()

	for i := 0; i < s.MappingCount(); i++ {
		m := s.Mapping(i)
		mapping := snapcorpus.MemoryMapping{
			StartAddress: m.StartAddress(),
			NumBytes:     m.NumBytes(),
			Perms:        m.Perms(),
		}
		if err := out.AddMemoryMapping(mapping); err != nil {
			return nil, snapcorpus.ErrMalformedCorpus.Wrap(err)
		}
		content := make([]byte, mapping.NumBytes)
		for j := 0; j < m.MemoryBytesCount(); j++ {
			m.MemoryBytes(j).Realize(mapping.StartAddress, content)
		}
		if err := out.AddMemoryBytes(snapcorpus.MemoryBytes{
			StartAddress: mapping.StartAddress,
			Bytes:        content,
		}); err != nil {
			return nil, snapcorpus.ErrMalformedCorpus.Wrap(err)
		}
	}

	endState := snapcorpus.EndState{
		Registers:          s.EndStateRegisters(),
		InstructionAddress: s.EndStateInstructionAddress(),
	}
	for i := 0; i < s.EndStateMemoryBytesCount(); i++ {
		mb := s.EndStateMemoryBytes(i)
		content := make([]byte, mb.NumBytes())
		mb.Realize(mb.StartAddress(), content)
		endState.MemoryBytes = append(endState.MemoryBytes, snapcorpus.MemoryBytes{
			StartAddress: mb.StartAddress(),
			Bytes:        content,
		})
	}
	out.AddEndState(endState)
	return out, nil
}

// deref converts a relocated absolute address back into a byte slice. The
// address always points into the corpus blob, which stays alive for the whole
// process, so the slice never outlives its backing memory.
func deref(addr uint64, n uint64) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// mustDecode decodes a fixed-size record from raw bytes. The relocator bounds
// checked every record before handing out the corpus, so decoding cannot
// fail.
func mustDecode(raw []byte, out interface{}) {
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, out); err != nil {
		panic(err)
	}
}
