package snapcorpus

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

type CorpusError interface {
	error
	WithMessage(message string) CorpusError
	Wrap(err error) CorpusError
}

type baseCorpusError string

const rootError = baseCorpusError("")

// Normalization errors. These are expected conditions callers use to filter
// snapshots out of a platform's corpus, not failures of the pipeline itself.
var ErrNoMatchingEndState = rootError.WithMessage("No end state matches the requested platform")
var ErrUndefinedEndState = rootError.WithMessage("Snapshot has no defined end state")

// Generation errors. Hitting one of these indicates a bug at the call site.
var ErrNotSnapified = rootError.WithMessage("Snapshot was not snapified")
var ErrDuplicateSnapName = rootError.WithMessage("Snap name already generated")
var ErrUnknownSnapName = rootError.WithMessage("No snap generated under that name")
var ErrCorpusFinalized = rootError.WithMessage("Snap array was already generated")

// Relocation errors. All of these are terminal for the whole blob; a corpus
// with even one bad reference cannot be trusted for any snap.
var ErrMalformedCorpus = rootError.WithMessage("Corpus blob is malformed")
var ErrIncompatibleVersion = rootError.WithMessage("Corpus format version mismatch")
var ErrIncompatibleArchitecture = rootError.WithMessage("Corpus architecture mismatch")
var ErrOutOfBoundsOffset = rootError.WithMessage("Reference offset out of blob bounds")

var ErrNoCorpus = rootError.WithMessage("No corpus file given")
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrUnknownArchitecture = rootError.WithMessage("Unknown architecture")

func (e baseCorpusError) Error() string {
	return string(e)
}

func (e baseCorpusError) WithMessage(message string) CorpusError {
	return customCorpusError{
		message:       message,
		originalError: e,
	}
}

func (e baseCorpusError) Wrap(err error) CorpusError {
	return customCorpusError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customCorpusError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a
// string describing the error.
func (e customCorpusError) Error() string {
	return e.message
}

func (e customCorpusError) WithMessage(message string) CorpusError {
	return customCorpusError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customCorpusError) Wrap(err error) CorpusError {
	return customCorpusError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customCorpusError) Unwrap() error {
	return e.originalError
}
