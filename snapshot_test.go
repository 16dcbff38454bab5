package snapcorpus_test

import (
	"testing"

	snapcorpus "github.com/fuzzlab/snapcorpus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot__RejectsOverlappingMappings(t *testing.T) {
	s := snapcorpus.NewSnapshot("overlap", snapcorpus.X86_64)
	require.NoError(t, s.AddMemoryMapping(snapcorpus.MemoryMapping{
		StartAddress: 0x1000, NumBytes: 0x2000, Perms: snapcorpus.PermR,
	}))
	err := s.AddMemoryMapping(snapcorpus.MemoryMapping{
		StartAddress: 0x2000, NumBytes: 0x1000, Perms: snapcorpus.PermR,
	})
	assert.ErrorIs(t, err, snapcorpus.ErrInvalidArgument)
}

func TestSnapshot__RejectsUnmappedMemoryBytes(t *testing.T) {
	s := snapcorpus.NewSnapshot("unmapped", snapcorpus.X86_64)
	require.NoError(t, s.AddMemoryMapping(snapcorpus.MemoryMapping{
		StartAddress: 0x1000, NumBytes: 0x1000, Perms: snapcorpus.PermR,
	}))

	require.NoError(t, s.AddMemoryBytes(snapcorpus.MemoryBytes{
		StartAddress: 0x1ff0, Bytes: make([]byte, 16),
	}))
	// One byte past the end of the mapping.
	err := s.AddMemoryBytes(snapcorpus.MemoryBytes{
		StartAddress: 0x1ff1, Bytes: make([]byte, 16),
	})
	assert.ErrorIs(t, err, snapcorpus.ErrInvalidArgument)
}

// Later records override earlier ones; undefined bytes stay zero.
func TestFlattenMapping(t *testing.T) {
	m := snapcorpus.MemoryMapping{StartAddress: 0x1000, NumBytes: 8, Perms: snapcorpus.PermR}
	flat := snapcorpus.FlattenMapping(m, []snapcorpus.MemoryBytes{
		{StartAddress: 0x1000, Bytes: []byte{1, 1, 1, 1}},
		{StartAddress: 0x1002, Bytes: []byte{2, 2}},
	})
	assert.Equal(t, []byte{1, 1, 2, 2, 0, 0, 0, 0}, flat)
}

func TestPermsString(t *testing.T) {
	assert.Equal(t, "r-x", (snapcorpus.PermR | snapcorpus.PermX).String())
	assert.Equal(t, "---", snapcorpus.Perms(0).String())
	assert.Equal(t, "rwx", (snapcorpus.PermR | snapcorpus.PermW | snapcorpus.PermX).String())
}

func TestEndStateMatchesPlatform(t *testing.T) {
	endState := snapcorpus.EndState{
		Platforms: []snapcorpus.PlatformID{snapcorpus.PlatformIntelSkylake},
	}
	assert.True(t, endState.MatchesPlatform(snapcorpus.PlatformAny))
	assert.True(t, endState.MatchesPlatform(snapcorpus.PlatformIntelSkylake))
	assert.False(t, endState.MatchesPlatform(snapcorpus.PlatformAmdRome))
}

func TestNormalizedEqual(t *testing.T) {
	build := func() *snapcorpus.Snapshot {
		s := snapcorpus.NewSnapshot("eq", snapcorpus.X86_64)
		require.NoError(t, s.AddMemoryMapping(snapcorpus.MemoryMapping{
			StartAddress: 0x1000, NumBytes: 0x1000,
			Perms: snapcorpus.PermR | snapcorpus.PermW,
		}))
		require.NoError(t, s.AddMemoryBytes(snapcorpus.MemoryBytes{
			StartAddress: 0x1000, Bytes: make([]byte, 0x1000),
		}))
		s.AddEndState(snapcorpus.EndState{
			Registers:          snapcorpus.X86_64.NewRegisterState(),
			InstructionAddress: 0x1234,
			MemoryBytes: []snapcorpus.MemoryBytes{
				{StartAddress: 0x1000, Bytes: make([]byte, 0x1000)},
			},
		})
		return s
	}

	a := build()
	b := build()
	assert.True(t, a.NormalizedEqual(b))

	b.ExpectedEndStates[0].MemoryBytes[0].Bytes[5] = 0xff
	assert.False(t, a.NormalizedEqual(b))
}
