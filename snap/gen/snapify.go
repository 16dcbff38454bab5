package gen

import (
	"fmt"

	bitmap "github.com/boljen/go-bitmap"
	snapcorpus "github.com/fuzzlab/snapcorpus"
)

// CanSnapify tests whether a snapshot can be normalized under the given
// options. It fails with ErrNoMatchingEndState or ErrUndefinedEndState when
// no usable end state exists; callers use that to filter snapshots out of a
// platform's corpus rather than treating it as fatal.
func CanSnapify(s *snapcorpus.Snapshot, opts SnapifyOptions) error {
	if s.Arch == nil {
		return snapcorpus.ErrInvalidArgument.WithMessage("snapshot has no architecture")
	}
	if s.ID == "" {
		return snapcorpus.ErrInvalidArgument.WithMessage("snapshot has no ID")
	}
	for _, m := range s.MemoryMappings {
		if m.StartAddress%s.Arch.PageSize != 0 || m.NumBytes%s.Arch.PageSize != 0 {
			return snapcorpus.ErrInvalidArgument.WithMessage(fmt.Sprintf(
				"mapping [%#x, %#x) is not page-granular", m.StartAddress, m.LimitAddress()))
		}
	}
	if err := checkRegisterSizes(s.Arch, s.Registers); err != nil {
		return err
	}

	endState, err := selectEndState(s, opts)
	if err != nil {
		return err
	}
	if endState == nil {
		return nil
	}
	if err := checkRegisterSizes(s.Arch, endState.Registers); err != nil {
		return err
	}

	// The exit sequence is written at the end-state instruction address, so
	// that address must sit inside an executable mapping with room for it.
	exitLen := uint64(len(s.Arch.ExitSequence))
	m, ok := s.MappingContaining(endState.InstructionAddress, exitLen)
	if !ok || !m.Perms.Executable() {
		return snapcorpus.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"end state instruction address %#x has no executable mapping with %d bytes of room",
			endState.InstructionAddress, exitLen))
	}
	return nil
}

// Snapify converts a snapshot into the canonical shape the corpus format
// requires: exactly one end state, the exit sequence written at the end-state
// instruction address, the initial state flattened to one contiguous
// memory-bytes record per mapping, and the end state widened to cover every
// byte of every writable mapping. Fails only when CanSnapify fails.
func Snapify(s *snapcorpus.Snapshot, opts SnapifyOptions) (*snapcorpus.Snapshot, error) {
	if err := CanSnapify(s, opts); err != nil {
		return nil, err
	}
	endState, _ := selectEndState(s, opts)

	arch := s.Arch
	out := snapcorpus.NewSnapshot(s.ID, arch)
	copyRegisters(out.Registers, s.Registers)

	mappings := s.SortedMemoryMappings()
	initial := make(map[snapcorpus.Address][]byte, len(mappings))
	for _, m := range mappings {
		if err := out.AddMemoryMapping(m); err != nil {
			return nil, err
		}
		initial[m.StartAddress] = snapcorpus.FlattenMapping(m, s.MemoryBytes)
	}

	normalized := snapcorpus.EndState{Registers: arch.NewRegisterState()}
	if endState != nil {
		copyRegisters(normalized.Registers, endState.Registers)
		normalized.InstructionAddress = endState.InstructionAddress
		normalized.Platforms = append([]snapcorpus.PlatformID(nil), endState.Platforms...)

		// Write the exit sequence into the initial content of the mapping
		// holding the end-state instruction address.
		m, _ := s.MappingContaining(normalized.InstructionAddress, uint64(len(arch.ExitSequence)))
		copy(initial[m.StartAddress][normalized.InstructionAddress-m.StartAddress:], arch.ExitSequence)
	}

	for _, m := range mappings {
		if err := out.AddMemoryBytes(snapcorpus.MemoryBytes{
			StartAddress: m.StartAddress,
			Bytes:        initial[m.StartAddress],
		}); err != nil {
			return nil, err
		}
		if !m.Perms.Writable() {
			continue
		}
		content := widenEndStateMapping(m, initial[m.StartAddress], endState)
		normalized.MemoryBytes = append(normalized.MemoryBytes, snapcorpus.MemoryBytes{
			StartAddress: m.StartAddress,
			Bytes:        content,
		})
	}
	out.AddEndState(normalized)
	return out, nil
}

// widenEndStateMapping builds the full end-state content of one writable
// mapping. Bytes the end state overrides come from its deltas; every other
// byte is copied from the initial state, so the end state is self-sufficient
// without consulting the initial state again.
func widenEndStateMapping(
	m snapcorpus.MemoryMapping, initial []byte, endState *snapcorpus.EndState,
) []byte {
	content := make([]byte, m.NumBytes)
	covered := bitmap.New(int(m.NumBytes))
	if endState != nil {
		for _, delta := range endState.MemoryBytes {
			if !m.Contains(delta.StartAddress, delta.NumBytes()) {
				continue
			}
			at := int(delta.StartAddress - m.StartAddress)
			copy(content[at:], delta.Bytes)
			for i := 0; i < len(delta.Bytes); i++ {
				covered.Set(at+i, true)
			}
		}
	}
	for i := range content {
		if !covered.Get(i) {
			content[i] = initial[i]
		}
	}
	return content
}

// selectEndState picks the end state matching the requested platform, or nil
// when the snapshot has none and undefined end states are allowed.
func selectEndState(s *snapcorpus.Snapshot, opts SnapifyOptions) (*snapcorpus.EndState, error) {
	if len(s.ExpectedEndStates) == 0 {
		if opts.AllowUndefinedEndState {
			return nil, nil
		}
		return nil, snapcorpus.ErrUndefinedEndState.WithMessage(s.ID)
	}
	for i := range s.ExpectedEndStates {
		if s.ExpectedEndStates[i].MatchesPlatform(opts.PlatformID) {
			return &s.ExpectedEndStates[i], nil
		}
	}
	return nil, snapcorpus.ErrNoMatchingEndState.WithMessage(fmt.Sprintf(
		"snapshot %s has no end state for platform %s", s.ID, opts.PlatformID))
}

func checkRegisterSizes(arch *snapcorpus.Arch, rs snapcorpus.RegisterState) error {
	if rs.GRegs != nil && len(rs.GRegs) != arch.GRegsSize {
		return snapcorpus.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"GRegs block is %d bytes, %s wants %d", len(rs.GRegs), arch.Name, arch.GRegsSize))
	}
	if rs.FPRegs != nil && len(rs.FPRegs) != arch.FPRegsSize {
		return snapcorpus.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"FPRegs block is %d bytes, %s wants %d", len(rs.FPRegs), arch.Name, arch.FPRegsSize))
	}
	return nil
}

// copyRegisters fills dst (already sized for the architecture) from src.
// A nil block in src leaves the corresponding dst block zeroed.
func copyRegisters(dst snapcorpus.RegisterState, src snapcorpus.RegisterState) {
	copy(dst.GRegs, src.GRegs)
	copy(dst.FPRegs, src.FPRegs)
}
