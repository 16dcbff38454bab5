package snapcorpus

import "fmt"

// ArchID identifies a CPU architecture a snapshot can target. The numeric
// values are part of the corpus blob format and must not be reordered.
type ArchID uint32

const (
	ArchUnknown ArchID = iota
	ArchX86_64
	ArchAArch64
)

// Arch describes everything the pipeline needs to know about an architecture:
// register block sizes, the page size used for direct-mmap alignment, and the
// exit sequence appended at the end-state instruction address. Register blocks
// are opaque fixed-size records; the pipeline never interprets their contents.
type Arch struct {
	ID         ArchID
	Name       string
	PageSize   uint64
	GRegsSize  int
	FPRegsSize int

	// ExitSequence is the instruction sequence the runner expects at the
	// end-state instruction address. The displacement of the branch is
	// patched by the runner at execution time.
	ExitSequence []byte
}

var X86_64 = &Arch{
	ID:         ArchX86_64,
	Name:       "x86_64",
	PageSize:   4096,
	GRegsSize:  216,
	FPRegsSize: 512,
	// call rel32 (patched), then ud2 in case the call returns.
	ExitSequence: []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0x0f, 0x0b},
}

var AArch64 = &Arch{
	ID:         ArchAArch64,
	Name:       "aarch64",
	PageSize:   4096,
	GRegsSize:  280,
	FPRegsSize: 528,
	// b . (patched by the runner).
	ExitSequence: []byte{0x00, 0x00, 0x00, 0x14},
}

var allArches = []*Arch{X86_64, AArch64}

// ArchByID maps a blob architecture tag back to its descriptor.
func ArchByID(id ArchID) (*Arch, error) {
	for _, arch := range allArches {
		if arch.ID == id {
			return arch, nil
		}
	}
	return nil, ErrUnknownArchitecture.WithMessage(fmt.Sprintf("id %d", id))
}

// ArchByName maps an architecture name, as given on a command line, to its
// descriptor.
func ArchByName(name string) (*Arch, error) {
	for _, arch := range allArches {
		if arch.Name == name {
			return arch, nil
		}
	}
	return nil, ErrUnknownArchitecture.WithMessage(name)
}

// NewRegisterState returns a zero-filled register state sized for the
// architecture.
func (arch *Arch) NewRegisterState() RegisterState {
	return RegisterState{
		GRegs:  make([]byte, arch.GRegsSize),
		FPRegs: make([]byte, arch.FPRegsSize),
	}
}

// RoundUpToPageSize rounds n up to the next multiple of the architecture's
// page size.
func (arch *Arch) RoundUpToPageSize(n uint64) uint64 {
	return (n + arch.PageSize - 1) &^ (arch.PageSize - 1)
}
