package loader_test

import (
	"os"
	"path/filepath"
	"testing"

	snapcorpus "github.com/fuzzlab/snapcorpus"
	"github.com/fuzzlab/snapcorpus/loader"
	"github.com/fuzzlab/snapcorpus/snap/gen"
	snaptesting "github.com/fuzzlab/snapcorpus/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestCorpus(t *testing.T) string {
	opts := gen.V2InputRunOpts(snapcorpus.X86_64)
	s := snaptesting.MakeTestSnapshot(t, snapcorpus.X86_64, snaptesting.EndsAsExpected)
	blob := snaptesting.GenerateBlob(
		t, snapcorpus.X86_64, []*snapcorpus.Snapshot{s}, opts)

	path := filepath.Join(t.TempDir(), "corpus.snap")
	require.NoError(t, os.WriteFile(path, blob, 0o644))
	return path
}

func TestLoadCorpusFromFile(t *testing.T) {
	path := writeTestCorpus(t)

	corpus, err := loader.LoadCorpusFromFile(path, snapcorpus.X86_64)
	require.NoError(t, err)
	require.Equal(t, 1, corpus.SnapCount())
	assert.Equal(t, "ends_as_expected", corpus.Snap(0).ID())
	assert.Equal(t, snapcorpus.X86_64, corpus.Arch())
}

// A nil expected architecture accepts whatever the blob declares.
func TestLoadCorpusFromFile__AnyArchitecture(t *testing.T) {
	path := writeTestCorpus(t)

	corpus, err := loader.LoadCorpusFromFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, snapcorpus.X86_64, corpus.Arch())
}

func TestLoadCorpusFromFile__EmptyPath(t *testing.T) {
	corpus, err := loader.LoadCorpusFromFile("", snapcorpus.X86_64)
	assert.ErrorIs(t, err, snapcorpus.ErrNoCorpus)
	assert.Nil(t, corpus)
}

func TestLoadCorpusFromFile__MissingFile(t *testing.T) {
	corpus, err := loader.LoadCorpusFromFile(
		filepath.Join(t.TempDir(), "does_not_exist.snap"), snapcorpus.X86_64)
	assert.ErrorIs(t, err, snapcorpus.ErrNoCorpus)
	assert.Nil(t, corpus)
}

func TestLoadCorpusFromFile__TruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truncated.snap")
	require.NoError(t, os.WriteFile(path, []byte("SNAP"), 0o644))

	corpus, err := loader.LoadCorpusFromFile(path, snapcorpus.X86_64)
	assert.ErrorIs(t, err, snapcorpus.ErrMalformedCorpus)
	assert.Nil(t, corpus)
}
