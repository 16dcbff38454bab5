package snap

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	snapcorpus "github.com/fuzzlab/snapcorpus"
)

type relocatorState int

const (
	stateUnrelocated relocatorState = iota
	stateRelocating
	stateRelocated
	stateFailed
)

// relocator performs the single validating pass that rewrites every
// reference in a blob from "offset relative to blob base" to "absolute
// address". Each reference field is visited exactly once; the pass is linear
// in the number of reference fields, not in blob size. It allocates nothing
// and copies nothing; it mutates the blob it was given, in place.
type relocator struct {
	data  []byte
	base  uint64
	arch  *snapcorpus.Arch
	state relocatorState
}

// RelocateCorpus validates and relocates a blob placed at a fixed base
// address, consuming it. On success the returned corpus is an immutable view
// over the same memory; on failure there is no partially-usable handle and
// the blob must not be used again.
//
// The blob must be writable and should be page-aligned: literal byte arrays
// are aligned relative to the blob base, so a misaligned base would break the
// direct-mmap placement guarantees. Loading through package loader satisfies
// both requirements.
func RelocateCorpus(data []byte, expectedArch *snapcorpus.Arch) (*Corpus, error) {
	r := relocator{data: data, state: stateUnrelocated}
	arch, err := r.run(expectedArch)
	if err != nil {
		r.state = stateFailed
		return nil, err
	}
	r.state = stateRelocated
	return &Corpus{data: data, arch: arch}, nil
}

func (r *relocator) run(expectedArch *snapcorpus.Arch) (*snapcorpus.Arch, error) {
	if r.state != stateUnrelocated {
		return nil, snapcorpus.ErrMalformedCorpus.WithMessage("blob was already relocated")
	}
	r.state = stateRelocating

	if len(r.data) < HeaderSize {
		return nil, snapcorpus.ErrMalformedCorpus.WithMessage(
			fmt.Sprintf("blob is %d bytes, smaller than the header", len(r.data)))
	}
	r.base = uint64(uintptr(unsafe.Pointer(&r.data[0])))

	if binary.LittleEndian.Uint32(r.data[0:]) != Magic {
		return nil, snapcorpus.ErrMalformedCorpus.WithMessage("bad magic")
	}
	if version := binary.LittleEndian.Uint32(r.data[4:]); version != Version {
		return nil, snapcorpus.ErrIncompatibleVersion.WithMessage(
			fmt.Sprintf("blob has version %d, want %d", version, Version))
	}
	archID := snapcorpus.ArchID(binary.LittleEndian.Uint32(r.data[8:]))
	arch, err := snapcorpus.ArchByID(archID)
	if err != nil {
		return nil, snapcorpus.ErrIncompatibleArchitecture.Wrap(err)
	}
	r.arch = arch
	if expectedArch != nil && arch.ID != expectedArch.ID {
		return nil, snapcorpus.ErrIncompatibleArchitecture.WithMessage(
			fmt.Sprintf("blob is for %s, want %s", arch.Name, expectedArch.Name))
	}
	if blobSize := r.u64(32); blobSize != uint64(len(r.data)) {
		return nil, snapcorpus.ErrMalformedCorpus.WithMessage(
			fmt.Sprintf("header says %d bytes, blob is %d", blobSize, len(r.data)))
	}

	snapCount := r.u64(16)
	if snapCount > 0 {
		arrayOff, err := r.relocateRef(headerSnapArrayRefOffset, snapCount*RefSize)
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < snapCount; i++ {
			if err := r.relocateSnap(arrayOff + i*RefSize); err != nil {
				return nil, err
			}
		}
	}
	return arch, nil
}

// relocateSnap relocates the snap reference at blob offset refPos and every
// reference inside the snap record it points to.
func (r *relocator) relocateSnap(refPos uint64) error {
	recOff, err := r.relocateRef(refPos, SnapRecordSize)
	if err != nil {
		return err
	}

	idSize := r.u64(recOff + 8)
	if _, err := r.relocateRef(recOff+snapIDRefOffset, idSize); err != nil {
		return err
	}

	if _, err := r.relocateRef(recOff+snapGRegsRefOffset, uint64(r.arch.GRegsSize)); err != nil {
		return err
	}
	if _, err := r.relocateRef(recOff+snapFPRegsRefOffset, uint64(r.arch.FPRegsSize)); err != nil {
		return err
	}
	if _, err := r.relocateRef(recOff+snapEndStateGRegsRefOffset, uint64(r.arch.GRegsSize)); err != nil {
		return err
	}
	if _, err := r.relocateRef(recOff+snapEndStateFPRegsRefOffset, uint64(r.arch.FPRegsSize)); err != nil {
		return err
	}

	mappingCount := r.u64(recOff + 24)
	if mappingCount > 0 {
		mappingsOff, err := r.relocateRef(recOff+snapMappingsRefOffset, mappingCount*MappingRecordSize)
		if err != nil {
			return err
		}
		for i := uint64(0); i < mappingCount; i++ {
			if err := r.relocateMapping(mappingsOff + i*MappingRecordSize); err != nil {
				return err
			}
		}
	}

	endCount := r.u64(recOff + 80)
	if endCount > 0 {
		endOff, err := r.relocateRef(recOff+snapEndStateMemoryBytesRefOffs, endCount*MemoryBytesRecordSize)
		if err != nil {
			return err
		}
		if err := r.relocateMemoryBytesArray(endOff, endCount); err != nil {
			return err
		}
	}
	return nil
}

func (r *relocator) relocateMapping(recOff uint64) error {
	count := r.u64(recOff + 32)
	if count == 0 {
		return nil
	}
	arrayOff, err := r.relocateRef(recOff+mappingMemoryBytesRefOffset, count*MemoryBytesRecordSize)
	if err != nil {
		return err
	}
	return r.relocateMemoryBytesArray(arrayOff, count)
}

func (r *relocator) relocateMemoryBytesArray(arrayOff, count uint64) error {
	for i := uint64(0); i < count; i++ {
		recOff := arrayOff + i*MemoryBytesRecordSize
		flags := r.u64(recOff + 8)
		if flags&FlagRepeating != 0 {
			// Data holds the byte value, not a reference.
			continue
		}
		size := r.u64(recOff + 16)
		if _, err := r.relocateRef(recOff+memoryBytesDataOffset, size); err != nil {
			return err
		}
	}
	return nil
}

// relocateRef validates the reference at blob offset refPos and rewrites it
// in place to an absolute address. The referenced range [offset,
// offset+targetSize) must lie fully inside the arena. Returns the original
// blob-relative offset so the caller can keep walking the target.
func (r *relocator) relocateRef(refPos, targetSize uint64) (uint64, error) {
	off := r.u64(refPos)
	if off < HeaderSize || off > uint64(len(r.data)) || targetSize > uint64(len(r.data))-off {
		return 0, snapcorpus.ErrOutOfBoundsOffset.WithMessage(fmt.Sprintf(
			"reference at %#x points to [%#x, %#x), blob is %d bytes",
			refPos, off, off+targetSize, len(r.data)))
	}
	binary.LittleEndian.PutUint64(r.data[refPos:], r.base+off)
	return off, nil
}

func (r *relocator) u64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(r.data[off:])
}
