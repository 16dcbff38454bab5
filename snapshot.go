// Package snapcorpus defines the in-memory snapshot model shared by the
// corpus generator and the relocated-corpus reader. A snapshot is one CPU
// execution test case: an initial memory and register state plus one or more
// expected end states.
package snapcorpus

import (
	"bytes"
	"fmt"
	"sort"
)

// Address is a guest virtual address inside a snapshot.
type Address = uint64

// Perms is the permission set of a memory mapping.
type Perms uint8

const (
	PermR Perms = 1 << iota
	PermW
	PermX
)

func (p Perms) Readable() bool   { return p&PermR != 0 }
func (p Perms) Writable() bool   { return p&PermW != 0 }
func (p Perms) Executable() bool { return p&PermX != 0 }

func (p Perms) String() string {
	flags := []byte("---")
	if p.Readable() {
		flags[0] = 'r'
	}
	if p.Writable() {
		flags[1] = 'w'
	}
	if p.Executable() {
		flags[2] = 'x'
	}
	return string(flags)
}

// MemoryMapping describes one contiguous mapped region of the snapshot's
// address space. Mappings never overlap.
type MemoryMapping struct {
	StartAddress Address
	NumBytes     uint64
	Perms        Perms
}

// LimitAddress returns the first address past the end of the mapping.
func (m MemoryMapping) LimitAddress() Address {
	return m.StartAddress + m.NumBytes
}

// Contains reports whether [start, start+numBytes) lies fully inside the
// mapping.
func (m MemoryMapping) Contains(start Address, numBytes uint64) bool {
	return start >= m.StartAddress && start+numBytes <= m.LimitAddress()
}

// Overlaps reports whether two mappings share at least one byte.
func (m MemoryMapping) Overlaps(other MemoryMapping) bool {
	return m.StartAddress < other.LimitAddress() && other.StartAddress < m.LimitAddress()
}

// MemoryBytes is the raw content of part of a mapping. Records may partition
// a mapping but must never cross its bounds.
type MemoryBytes struct {
	StartAddress Address
	Bytes        []byte
}

func (mb MemoryBytes) NumBytes() uint64 {
	return uint64(len(mb.Bytes))
}

func (mb MemoryBytes) LimitAddress() Address {
	return mb.StartAddress + mb.NumBytes()
}

// RegisterState holds the architecture's general-purpose and floating-point
// register blocks. Both are opaque fixed-size byte records; only their sizes
// are validated, against the snapshot's architecture descriptor.
type RegisterState struct {
	GRegs  []byte
	FPRegs []byte
}

// Equal compares two register states byte for byte.
func (rs RegisterState) Equal(other RegisterState) bool {
	return bytes.Equal(rs.GRegs, other.GRegs) && bytes.Equal(rs.FPRegs, other.FPRegs)
}

// EndState is one candidate outcome of executing a snapshot: the registers
// after execution, the address the instruction pointer stops at, and the
// memory the execution changed. Platforms lists the microarchitectures this
// outcome was observed on; an empty list means the end state has not been
// attributed to any platform yet.
type EndState struct {
	Registers          RegisterState
	InstructionAddress Address
	MemoryBytes        []MemoryBytes
	Platforms          []PlatformID
}

// MatchesPlatform reports whether this end state is usable for the given
// platform. PlatformAny matches every end state.
func (es *EndState) MatchesPlatform(id PlatformID) bool {
	if id == PlatformAny {
		return true
	}
	for _, p := range es.Platforms {
		if p == id || p == PlatformAny {
			return true
		}
	}
	return false
}

// Snapshot is one CPU execution test case.
type Snapshot struct {
	ID                string
	Arch              *Arch
	MemoryMappings    []MemoryMapping
	MemoryBytes       []MemoryBytes
	Registers         RegisterState
	ExpectedEndStates []EndState
}

// NewSnapshot returns an empty snapshot with zero-filled registers.
func NewSnapshot(id string, arch *Arch) *Snapshot {
	return &Snapshot{
		ID:        id,
		Arch:      arch,
		Registers: arch.NewRegisterState(),
	}
}

// CanAddMemoryMapping checks that the mapping is non-empty and does not
// overlap any existing mapping.
func (s *Snapshot) CanAddMemoryMapping(m MemoryMapping) error {
	if m.NumBytes == 0 {
		return ErrInvalidArgument.WithMessage("mapping is empty")
	}
	for _, existing := range s.MemoryMappings {
		if existing.Overlaps(m) {
			return ErrInvalidArgument.WithMessage(fmt.Sprintf(
				"mapping [%#x, %#x) overlaps existing mapping [%#x, %#x)",
				m.StartAddress, m.LimitAddress(),
				existing.StartAddress, existing.LimitAddress()))
		}
	}
	return nil
}

func (s *Snapshot) AddMemoryMapping(m MemoryMapping) error {
	if err := s.CanAddMemoryMapping(m); err != nil {
		return err
	}
	s.MemoryMappings = append(s.MemoryMappings, m)
	return nil
}

// CanAddMemoryBytes checks that the content lies fully within a single
// existing mapping.
func (s *Snapshot) CanAddMemoryBytes(mb MemoryBytes) error {
	if len(mb.Bytes) == 0 {
		return ErrInvalidArgument.WithMessage("memory bytes are empty")
	}
	if _, ok := s.MappingContaining(mb.StartAddress, mb.NumBytes()); !ok {
		return ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"memory bytes [%#x, %#x) are not contained in any mapping",
			mb.StartAddress, mb.LimitAddress()))
	}
	return nil
}

func (s *Snapshot) AddMemoryBytes(mb MemoryBytes) error {
	if err := s.CanAddMemoryBytes(mb); err != nil {
		return err
	}
	s.MemoryBytes = append(s.MemoryBytes, mb)
	return nil
}

func (s *Snapshot) AddEndState(es EndState) {
	s.ExpectedEndStates = append(s.ExpectedEndStates, es)
}

// MappingContaining returns the mapping fully containing [start, start+n), if
// any.
func (s *Snapshot) MappingContaining(start Address, n uint64) (MemoryMapping, bool) {
	for _, m := range s.MemoryMappings {
		if m.Contains(start, n) {
			return m, true
		}
	}
	return MemoryMapping{}, false
}

// SortedMemoryMappings returns the snapshot's mappings ordered by start
// address. Generation iterates mappings in this order so identical inputs
// always produce byte-identical blobs.
func (s *Snapshot) SortedMemoryMappings() []MemoryMapping {
	sorted := make([]MemoryMapping, len(s.MemoryMappings))
	copy(sorted, s.MemoryMappings)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartAddress < sorted[j].StartAddress
	})
	return sorted
}

// FlattenMapping materializes the full content of one mapping from a list of
// memory-bytes records, zero-filling bytes no record defines. Records are
// applied in order, so later records override earlier ones.
func FlattenMapping(m MemoryMapping, records []MemoryBytes) []byte {
	flat := make([]byte, m.NumBytes)
	for _, mb := range records {
		if !m.Contains(mb.StartAddress, mb.NumBytes()) {
			continue
		}
		copy(flat[mb.StartAddress-m.StartAddress:], mb.Bytes)
	}
	return flat
}

// NormalizedEqual compares two snapshots under normalized equality: same ID,
// architecture, mappings, realized initial memory content, registers, and
// single end state (registers, instruction address, realized memory content).
// Memory content is compared per mapping after flattening, so the two sides
// may partition their bytes differently and still be equal.
func (s *Snapshot) NormalizedEqual(other *Snapshot) bool {
	if s.ID != other.ID || s.Arch.ID != other.Arch.ID {
		return false
	}
	aMappings := s.SortedMemoryMappings()
	bMappings := other.SortedMemoryMappings()
	if len(aMappings) != len(bMappings) {
		return false
	}
	for i, m := range aMappings {
		if m != bMappings[i] {
			return false
		}
		if !bytes.Equal(FlattenMapping(m, s.MemoryBytes), FlattenMapping(m, other.MemoryBytes)) {
			return false
		}
	}
	if !s.Registers.Equal(other.Registers) {
		return false
	}
	if len(s.ExpectedEndStates) != 1 || len(other.ExpectedEndStates) != 1 {
		return false
	}
	aEnd := &s.ExpectedEndStates[0]
	bEnd := &other.ExpectedEndStates[0]
	if aEnd.InstructionAddress != bEnd.InstructionAddress {
		return false
	}
	if !aEnd.Registers.Equal(bEnd.Registers) {
		return false
	}
	for _, m := range aMappings {
		if !bytes.Equal(FlattenMapping(m, aEnd.MemoryBytes), FlattenMapping(m, bEnd.MemoryBytes)) {
			return false
		}
	}
	return true
}
