package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"

	snapcorpus "github.com/fuzzlab/snapcorpus"
	"github.com/fuzzlab/snapcorpus/loader"
	"github.com/fuzzlab/snapcorpus/snap"
	"github.com/fuzzlab/snapcorpus/snap/gen"
	snaptesting "github.com/fuzzlab/snapcorpus/testing"
	"github.com/gocarina/gocsv"
	"github.com/urfave/cli/v2"
	"github.com/xaionaro-go/bytesextra"
)

func main() {
	cli := cli.App{
		Usage: "Inspect, verify and generate relocatable snap corpora",
		Commands: []*cli.Command{
			{
				Name:      "inspect",
				Usage:     "Print corpus header and per-snap statistics",
				Action:    inspectCorpus,
				ArgsUsage: "CORPUS_FILE",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "csv",
						Usage: "emit per-snap statistics as CSV",
					},
				},
			},
			{
				Name:      "verify",
				Usage:     "Load and relocate a corpus, reporting success or failure",
				Action:    verifyCorpus,
				ArgsUsage: "CORPUS_FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "arch",
						Usage: "require the corpus to target this architecture",
					},
				},
			},
			{
				Name:      "make-test-corpus",
				Usage:     "Generate a corpus from the built-in test snapshots",
				Action:    makeTestCorpus,
				ArgsUsage: "OUTPUT_FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "arch",
						Value: "x86_64",
						Usage: "target architecture",
					},
					&cli.BoolFlag{
						Name:  "direct-mmap",
						Usage: "keep executable pages uncompressed and page-aligned",
					},
				},
			},
		},
	}

	err := cli.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// snapStats is one CSV/text row of per-snap statistics.
type snapStats struct {
	ID               string `csv:"id"`
	Mappings         int    `csv:"mappings"`
	MappedBytes      uint64 `csv:"mapped_bytes"`
	RepeatingRecords int    `csv:"repeating_records"`
	LiteralRecords   int    `csv:"literal_records"`
	DirectMmapPages  int    `csv:"direct_mmap_pages"`
}

func inspectCorpus(context *cli.Context) error {
	if context.NArg() != 1 {
		return cli.Exit("expected exactly one corpus file", 1)
	}
	path := context.Args().Get(0)

	// The header is readable without relocating anything, so report it first;
	// a corpus that fails relocation still gets its header printed.
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var header snap.Header
	if err := binary.Read(
		bytesextra.NewReadWriteSeeker(raw), binary.LittleEndian, &header); err != nil {
		return snapcorpus.ErrMalformedCorpus.Wrap(err)
	}
	arch, err := snapcorpus.ArchByID(snapcorpus.ArchID(header.Arch))
	archName := "unknown"
	if err == nil {
		archName = arch.Name
	}
	fmt.Printf("magic:    %#08x\n", header.Magic)
	fmt.Printf("version:  %d\n", header.Version)
	fmt.Printf("arch:     %s\n", archName)
	fmt.Printf("snaps:    %d\n", header.SnapCount)
	fmt.Printf("size:     %d bytes\n", header.BlobSize)

	corpus, err := loader.LoadCorpusFromFile(path, nil)
	if err != nil {
		return err
	}

	rows := make([]*snapStats, 0, corpus.SnapCount())
	for i := 0; i < corpus.SnapCount(); i++ {
		rows = append(rows, collectStats(corpus.Snap(i)))
	}
	if context.Bool("csv") {
		return gocsv.Marshal(&rows, os.Stdout)
	}
	for _, row := range rows {
		fmt.Printf(
			"snap %-24s mappings=%d mapped_bytes=%d repeating=%d literal=%d direct_mmap=%d\n",
			row.ID, row.Mappings, row.MappedBytes,
			row.RepeatingRecords, row.LiteralRecords, row.DirectMmapPages)
	}
	return nil
}

func collectStats(s snap.Snap) *snapStats {
	stats := snapStats{ID: s.ID(), Mappings: s.MappingCount()}
	for i := 0; i < s.MappingCount(); i++ {
		m := s.Mapping(i)
		stats.MappedBytes += m.NumBytes()
		for j := 0; j < m.MemoryBytesCount(); j++ {
			countRecord(m.MemoryBytes(j), &stats)
		}
	}
	for i := 0; i < s.EndStateMemoryBytesCount(); i++ {
		countRecord(s.EndStateMemoryBytes(i), &stats)
	}
	return &stats
}

func countRecord(mb snap.MemoryBytes, stats *snapStats) {
	switch {
	case mb.Repeating():
		stats.RepeatingRecords++
	case mb.DirectMmap():
		stats.DirectMmapPages++
	default:
		stats.LiteralRecords++
	}
}

func verifyCorpus(context *cli.Context) error {
	if context.NArg() != 1 {
		return cli.Exit("expected exactly one corpus file", 1)
	}
	var arch *snapcorpus.Arch
	if name := context.String("arch"); name != "" {
		var err error
		arch, err = snapcorpus.ArchByName(name)
		if err != nil {
			return err
		}
	}
	corpus, err := loader.LoadCorpusFromFile(context.Args().Get(0), arch)
	if err != nil {
		return err
	}
	fmt.Printf("OK: %d snaps, %d bytes, %s\n",
		corpus.SnapCount(), corpus.NumBytes(), corpus.Arch().Name)
	return nil
}

func makeTestCorpus(context *cli.Context) error {
	if context.NArg() != 1 {
		return cli.Exit("expected exactly one output file", 1)
	}
	arch, err := snapcorpus.ArchByName(context.String("arch"))
	if err != nil {
		return err
	}
	opts := gen.V2InputMakeOpts(arch)
	opts.SupportDirectMmap = context.Bool("direct-mmap")

	generator := gen.NewGenerator(arch)
	var names []string
	for _, kind := range []snaptesting.TestSnapshotKind{
		snaptesting.EndsAsExpected, snaptesting.SigSegvWrite,
	} {
		snapshot, err := snaptesting.NewTestSnapshot(arch, kind)
		if err != nil {
			return err
		}
		snapified, err := gen.Snapify(snapshot, opts)
		if err != nil {
			return err
		}
		if err := generator.GenerateSnap(snapshot.ID, snapified, opts); err != nil {
			return err
		}
		names = append(names, snapshot.ID)
	}
	if err := generator.GenerateSnapArray("corpus", names); err != nil {
		return err
	}
	blob, err := generator.Bytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(context.Args().Get(0), blob, 0o644); err != nil {
		return err
	}
	log.Printf("wrote %d snaps (%d bytes) to %s", len(names), len(blob), context.Args().Get(0))
	return nil
}
