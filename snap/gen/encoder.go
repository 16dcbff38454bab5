package gen

import (
	snapcorpus "github.com/fuzzlab/snapcorpus"
	"github.com/fuzzlab/snapcorpus/snap"
	"github.com/fuzzlab/snapcorpus/utilities/runlength"
)

// encodeMappingBytes encodes the flattened content of one mapping into
// memory-byte records, placing literal byte arrays in the generator's arena.
//
// A direct-mmap executable mapping is always emitted as exactly one literal
// covering the whole mapping, unsplit, page-aligned and never deduplicated,
// even when its content is a single repeated byte: the runner maps the arena
// region straight into an executable page, so the bytes must stay page-exact.
// Everything else is run-length split when compression is on, or stored as
// one 8-aligned deduplicated literal when it is off.
func (g *Generator) encodeMappingBytes(
	m snapcorpus.MemoryMapping, content []byte, opts SnapifyOptions,
) []snap.MemoryBytesRecord {
	if m.Perms.Executable() && opts.SupportDirectMmap {
		paddedSize := g.arch.RoundUpToPageSize(uint64(len(content)))
		off := g.arena.writeBytesPadded(content, snap.PageAlignment, paddedSize)
		return []snap.MemoryBytesRecord{{
			StartAddress: m.StartAddress,
			Flags:        snap.FlagDirectMmap,
			Size:         paddedSize,
			Data:         off,
		}}
	}

	if !opts.CompressRepeatingBytes {
		return []snap.MemoryBytesRecord{{
			StartAddress: m.StartAddress,
			Size:         uint64(len(content)),
			Data:         g.dedupLiteral(content),
		}}
	}

	var records []snap.MemoryBytesRecord
	addr := m.StartAddress
	var literal []byte
	flushLiteral := func() {
		if len(literal) == 0 {
			return
		}
		records = append(records, snap.MemoryBytesRecord{
			StartAddress: addr - uint64(len(literal)),
			Size:         uint64(len(literal)),
			Data:         g.dedupLiteral(literal),
		})
		literal = nil
	}
	for _, run := range runlength.Split(content) {
		if run.Repeating() {
			flushLiteral()
			records = append(records, snap.MemoryBytesRecord{
				StartAddress: addr,
				Flags:        snap.FlagRepeating,
				Size:         uint64(run.RunLength),
				Data:         uint64(run.Byte),
			})
		} else {
			literal = append(literal, run.Byte)
		}
		addr += uint64(run.RunLength)
	}
	flushLiteral()
	return records
}

// dedupLiteral places literal content in the arena, reusing the existing copy
// when byte-identical content was encoded before. The table is keyed by exact
// content and scoped to this generator, so independent generation runs never
// interfere.
func (g *Generator) dedupLiteral(content []byte) uint64 {
	if off, ok := g.dedup[string(content)]; ok {
		return off
	}
	off := g.arena.writeBytes(content, snap.LiteralAlignment)
	g.dedup[string(content)] = off
	return off
}
