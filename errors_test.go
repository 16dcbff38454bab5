package snapcorpus_test

import (
	"errors"
	"testing"

	snapcorpus "github.com/fuzzlab/snapcorpus"
	"github.com/stretchr/testify/assert"
)

func TestCorpusErrorWithMessage(t *testing.T) {
	newErr := snapcorpus.ErrOutOfBoundsOffset.WithMessage("snap array at 0xdeadbeef")
	assert.Equal(
		t,
		"Reference offset out of blob bounds: snap array at 0xdeadbeef",
		newErr.Error(),
		"error message is wrong")
	assert.ErrorIs(t, newErr, snapcorpus.ErrOutOfBoundsOffset)
}

func TestCorpusErrorWrap(t *testing.T) {
	originalErr := errors.New("original error")
	newErr := snapcorpus.ErrMalformedCorpus.Wrap(originalErr)
	expectedMessage := "Corpus blob is malformed: original error"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, snapcorpus.ErrMalformedCorpus, "corpus error not set as parent")
}
