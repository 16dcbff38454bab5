// Package loader maps corpus files into memory and relocates them. Loading
// is a one-shot operation: callers either get a valid corpus handle or a
// terminal error, never a partial corpus.
package loader

import (
	"fmt"
	"os"
	"syscall"

	snapcorpus "github.com/fuzzlab/snapcorpus"
	"github.com/fuzzlab/snapcorpus/snap"
)

// LoadCorpusFromFile maps the corpus file at `path` and relocates it in
// place. The file is mapped copy-on-write so relocation never touches the
// file, and the mapping is flipped to read-only once relocation succeeds.
//
// An empty path reports ErrNoCorpus rather than attempting a load. The
// returned corpus is deliberately never unmapped; its lifetime is the
// process lifetime.
func LoadCorpusFromFile(path string, arch *snapcorpus.Arch) (*snap.Corpus, error) {
	if path == "" {
		return nil, snapcorpus.ErrNoCorpus
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, snapcorpus.ErrNoCorpus.Wrap(err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, snapcorpus.ErrNoCorpus.Wrap(err)
	}
	if info.Size() < snap.HeaderSize {
		return nil, snapcorpus.ErrMalformedCorpus.WithMessage(fmt.Sprintf(
			"%s is %d bytes, smaller than a corpus header", path, info.Size()))
	}

	data, err := syscall.Mmap(
		int(file.Fd()), 0, int(info.Size()),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE)
	if err != nil {
		return nil, snapcorpus.ErrNoCorpus.Wrap(err)
	}

	corpus, err := snap.RelocateCorpus(data, arch)
	if err != nil {
		syscall.Munmap(data)
		return nil, err
	}
	if err := syscall.Mprotect(data, syscall.PROT_READ); err != nil {
		return nil, snapcorpus.ErrMalformedCorpus.Wrap(err)
	}
	return corpus, nil
}
