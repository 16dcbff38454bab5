// Package runlength splits byte slices into maximal runs of a single byte
// value. The corpus encoder uses the runs to decide which parts of a memory
// mapping are stored as repeating-byte records and which as literal arrays.
package runlength

// ByteRun represents a single run of a particular byte value.
type ByteRun struct {
	// Byte is the byte value for this run.
	Byte byte
	// RunLength gives the number of times the byte occurs in the run (not the
	// number of times it's repeated). A valid run always has this be 1 or
	// greater.
	RunLength int
}

// Repeating reports whether the run consists of more than one occurrence of
// its byte value.
func (r ByteRun) Repeating() bool {
	return r.RunLength > 1
}

// Split breaks `data` into maximal runs, in order. Concatenating the runs
// always reproduces `data` exactly. An empty slice yields no runs.
func Split(data []byte) []ByteRun {
	var runs []ByteRun
	for start := 0; start < len(data); {
		end := start + 1
		for end < len(data) && data[end] == data[start] {
			end++
		}
		runs = append(runs, ByteRun{Byte: data[start], RunLength: end - start})
		start = end
	}
	return runs
}
