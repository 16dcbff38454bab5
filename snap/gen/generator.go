package gen

import (
	"encoding/binary"
	"fmt"

	snapcorpus "github.com/fuzzlab/snapcorpus"
	"github.com/fuzzlab/snapcorpus/snap"
	"github.com/noxer/bytewriter"
)

// Generator accumulates snaps into one relocatable corpus blob.
//
// Example usage:
//
//	gen := NewGenerator(snapcorpus.X86_64)
//	snapified, _ := Snapify(snapshot, opts)
//	gen.GenerateSnap("example", snapified, opts)
//	gen.GenerateSnapArray("corpus", []string{"example"})
//	blob, _ := gen.Bytes()
//
// A Generator owns its arena offsets, dedup table and name table and is not
// safe for concurrent use; independent Generator instances share no state and
// may run fully in parallel. The blob layout is deterministic: identical
// snapshot lists and options always produce byte-identical blobs.
type Generator struct {
	arch        *snapcorpus.Arch
	arena       *arena
	dedup       map[string]uint64
	snapOffsets map[string]uint64

	snapCount    uint64
	snapArrayRef uint64
	finalized    bool
}

func NewGenerator(arch *snapcorpus.Arch) *Generator {
	return &Generator{
		arch:        arch,
		arena:       newArena(),
		dedup:       make(map[string]uint64),
		snapOffsets: make(map[string]uint64),
	}
}

// GenerateSnap encodes one snapified snapshot and appends it to the blob
// under construction. The snapshot must have been produced by Snapify with
// the same options; anything else is a bug at the call site, reported as
// ErrNotSnapified.
func (g *Generator) GenerateSnap(
	name string, s *snapcorpus.Snapshot, opts SnapifyOptions,
) error {
	if g.finalized {
		return snapcorpus.ErrCorpusFinalized
	}
	if name == "" {
		return snapcorpus.ErrInvalidArgument.WithMessage("snap name is empty")
	}
	if _, exists := g.snapOffsets[name]; exists {
		return snapcorpus.ErrDuplicateSnapName.WithMessage(name)
	}
	if s.Arch == nil {
		return snapcorpus.ErrInvalidArgument.WithMessage("snapshot has no architecture")
	}
	if s.Arch.ID != g.arch.ID {
		return snapcorpus.ErrIncompatibleArchitecture.WithMessage(fmt.Sprintf(
			"snapshot %s is for %s, generator is for %s", s.ID, s.Arch.Name, g.arch.Name))
	}
	if err := checkSnapified(s); err != nil {
		return err
	}

	endState := &s.ExpectedEndStates[0]
	rec := snap.SnapRecord{
		IDRef:                      g.arena.writeBytes([]byte(s.ID), 1),
		IDSize:                     uint64(len(s.ID)),
		GRegsRef:                   g.arena.writeBytes(s.Registers.GRegs, snap.LiteralAlignment),
		FPRegsRef:                  g.arena.writeBytes(s.Registers.FPRegs, snap.LiteralAlignment),
		EndStateInstructionAddress: endState.InstructionAddress,
		EndStateGRegsRef:           g.arena.writeBytes(endState.Registers.GRegs, snap.LiteralAlignment),
		EndStateFPRegsRef:          g.arena.writeBytes(endState.Registers.FPRegs, snap.LiteralAlignment),
	}

	mappings := s.SortedMemoryMappings()
	mappingRecords := make([]snap.MappingRecord, 0, len(mappings))
	for _, m := range mappings {
		content := mappingContent(m, s.MemoryBytes)
		ref, count := g.writeMemoryBytesRecords(g.encodeMappingBytes(m, content, opts))
		mappingRecords = append(mappingRecords, snap.MappingRecord{
			StartAddress:     m.StartAddress,
			NumBytes:         m.NumBytes,
			Perms:            uint64(m.Perms),
			MemoryBytesRef:   ref,
			MemoryBytesCount: count,
		})
	}
	rec.MappingCount = uint64(len(mappingRecords))
	if len(mappingRecords) > 0 {
		off := g.arena.reserve(
			uint64(len(mappingRecords))*snap.MappingRecordSize, snap.LiteralAlignment)
		g.writeRecords(off, mappingRecords)
		rec.MappingsRef = off
	}

	var endRecords []snap.MemoryBytesRecord
	for _, m := range mappings {
		if !m.Perms.Writable() {
			continue
		}
		content := mappingContent(m, endState.MemoryBytes)
		// End-state bytes are compared against memory after execution, never
		// executed, so they stay eligible for compression and dedup even
		// inside an executable mapping.
		esMapping := m
		esMapping.Perms &^= snapcorpus.PermX
		endRecords = append(endRecords, g.encodeMappingBytes(esMapping, content, opts)...)
	}
	rec.EndStateMemoryBytesRef, rec.EndStateMemoryBytesCount = g.writeMemoryBytesRecords(endRecords)

	recOff := g.arena.reserve(snap.SnapRecordSize, snap.LiteralAlignment)
	g.writeRecords(recOff, []snap.SnapRecord{rec})
	g.snapOffsets[name] = recOff
	return nil
}

// GenerateSnapArray appends the top-level array referencing previously
// generated snaps, in the given order. This order becomes the corpus's
// iteration order. A corpus holds exactly one snap array; the name is kept
// for symmetry with GenerateSnap and appears only in error messages.
func (g *Generator) GenerateSnapArray(name string, snapNames []string) error {
	if g.finalized {
		return snapcorpus.ErrCorpusFinalized.WithMessage(name)
	}
	refs := make([]uint64, 0, len(snapNames))
	seen := make(map[string]bool, len(snapNames))
	for _, snapName := range snapNames {
		off, ok := g.snapOffsets[snapName]
		if !ok {
			return snapcorpus.ErrUnknownSnapName.WithMessage(snapName)
		}
		// Two array elements referencing one snap record would make the
		// relocator visit its reference fields twice; the second pass sees
		// already-absolute addresses and rejects the blob.
		if seen[snapName] {
			return snapcorpus.ErrDuplicateSnapName.WithMessage(snapName)
		}
		seen[snapName] = true
		refs = append(refs, off)
	}
	if len(refs) > 0 {
		off := g.arena.reserve(uint64(len(refs))*snap.RefSize, snap.LiteralAlignment)
		g.writeRecords(off, refs)
		g.snapArrayRef = off
	}
	g.snapCount = uint64(len(refs))
	g.finalized = true
	return nil
}

// Bytes finalizes the header and returns the relocatable blob. The generator
// must have been finalized with GenerateSnapArray first.
func (g *Generator) Bytes() ([]byte, error) {
	if !g.finalized {
		return nil, snapcorpus.ErrInvalidArgument.WithMessage(
			"GenerateSnapArray has not been called")
	}
	header := snap.Header{
		Magic:        snap.Magic,
		Version:      snap.Version,
		Arch:         uint32(g.arch.ID),
		SnapCount:    g.snapCount,
		SnapArrayRef: g.snapArrayRef,
		BlobSize:     g.arena.size(),
	}
	g.writeRecords(0, []snap.Header{header})
	return g.arena.buf, nil
}

// writeMemoryBytesRecords reserves and fills an arena array of memory-byte
// records, returning its reference and element count. An empty list produces
// a zero reference, which the relocator skips.
func (g *Generator) writeMemoryBytesRecords(records []snap.MemoryBytesRecord) (uint64, uint64) {
	if len(records) == 0 {
		return 0, 0
	}
	off := g.arena.reserve(
		uint64(len(records))*snap.MemoryBytesRecordSize, snap.LiteralAlignment)
	g.writeRecords(off, records)
	return off, uint64(len(records))
}

// writeRecords serializes fixed-size records into an already-reserved arena
// region at `off`.
func (g *Generator) writeRecords(off uint64, records interface{}) {
	size := uint64(binary.Size(records))
	writer := bytewriter.New(g.arena.slice(off, size))
	if err := binary.Write(writer, binary.LittleEndian, records); err != nil {
		// Reservation and record sizes are fixed at compile time, so a write
		// failure is unreachable.
		panic(err)
	}
}

// mappingContent returns the single contiguous memory-bytes record covering
// the mapping. checkSnapified guarantees it exists.
func mappingContent(m snapcorpus.MemoryMapping, records []snapcorpus.MemoryBytes) []byte {
	for _, mb := range records {
		if mb.StartAddress == m.StartAddress && mb.NumBytes() == m.NumBytes {
			return mb.Bytes
		}
	}
	return nil
}

// checkSnapified verifies the structural shape Snapify produces: exactly one
// end state, one contiguous memory-bytes record per mapping, one per writable
// mapping in the end state, and architecture-sized register blocks.
func checkSnapified(s *snapcorpus.Snapshot) error {
	if len(s.ExpectedEndStates) != 1 {
		return snapcorpus.ErrNotSnapified.WithMessage(fmt.Sprintf(
			"snapshot %s has %d end states, want exactly 1", s.ID, len(s.ExpectedEndStates)))
	}
	if len(s.Registers.GRegs) != s.Arch.GRegsSize ||
		len(s.Registers.FPRegs) != s.Arch.FPRegsSize {
		return snapcorpus.ErrNotSnapified.WithMessage(fmt.Sprintf(
			"snapshot %s has unsized register blocks", s.ID))
	}
	endState := &s.ExpectedEndStates[0]
	if len(endState.Registers.GRegs) != s.Arch.GRegsSize ||
		len(endState.Registers.FPRegs) != s.Arch.FPRegsSize {
		return snapcorpus.ErrNotSnapified.WithMessage(fmt.Sprintf(
			"snapshot %s has unsized end-state register blocks", s.ID))
	}

	writableCount := 0
	for _, m := range s.MemoryMappings {
		if mappingContent(m, s.MemoryBytes) == nil {
			return snapcorpus.ErrNotSnapified.WithMessage(fmt.Sprintf(
				"snapshot %s: mapping [%#x, %#x) has no contiguous content",
				s.ID, m.StartAddress, m.LimitAddress()))
		}
		if !m.Perms.Writable() {
			continue
		}
		writableCount++
		if mappingContent(m, endState.MemoryBytes) == nil {
			return snapcorpus.ErrNotSnapified.WithMessage(fmt.Sprintf(
				"snapshot %s: writable mapping [%#x, %#x) is not covered by the end state",
				s.ID, m.StartAddress, m.LimitAddress()))
		}
	}
	if len(s.MemoryBytes) != len(s.MemoryMappings) ||
		len(endState.MemoryBytes) != writableCount {
		return snapcorpus.ErrNotSnapified.WithMessage(fmt.Sprintf(
			"snapshot %s has stray memory-bytes records", s.ID))
	}
	return nil
}
