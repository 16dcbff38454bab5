// Package gen normalizes snapshots and compiles them into relocatable corpus
// blobs.
package gen

import (
	snapcorpus "github.com/fuzzlab/snapcorpus"
)

// SnapifyOptions configures per-snap normalization and encoding.
type SnapifyOptions struct {
	// AllowUndefinedEndState permits a snapshot with no end state at all to
	// pass normalization. Used only for diagnostic and negative-path corpora.
	AllowUndefinedEndState bool

	// PlatformID selects which candidate end state to keep. PlatformAny
	// accepts the first end state regardless of platform.
	PlatformID snapcorpus.PlatformID

	// CompressRepeatingBytes enables run-length encoding of memory content.
	CompressRepeatingBytes bool

	// SupportDirectMmap keeps executable pages uncompressed, page-aligned and
	// unshared so the runner can map them for execution without a
	// decompression step. This makes the corpus considerably larger; the
	// uncompressed executable pages dominate the difference.
	SupportDirectMmap bool
}

// V2InputRunOpts returns options for running snapshots produced by a V2-style
// maker.
func V2InputRunOpts(arch *snapcorpus.Arch) SnapifyOptions {
	return makeOpts(arch, false)
}

// V2InputMakeOpts returns options for making V2-style snapshots.
func V2InputMakeOpts(arch *snapcorpus.Arch) SnapifyOptions {
	return makeOpts(arch, true)
}

func makeOpts(arch *snapcorpus.Arch, allowUndefinedEndState bool) SnapifyOptions {
	// On aarch64, executable pages are kept mmap-able to work around a
	// runner-side performance bottleneck, at the cost of a much larger
	// corpus. x86_64 does not map executable pages directly.
	return SnapifyOptions{
		AllowUndefinedEndState: allowUndefinedEndState,
		PlatformID:             snapcorpus.PlatformAny,
		CompressRepeatingBytes: true,
		SupportDirectMmap:      arch.ID == snapcorpus.ArchAArch64,
	}
}
