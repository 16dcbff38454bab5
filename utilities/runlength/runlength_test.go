package runlength_test

import (
	"bytes"
	"testing"

	rl "github.com/fuzzlab/snapcorpus/utilities/runlength"
)

type BasicTestCase struct {
	Data           []byte
	ExpectedResult []rl.ByteRun
	Name           string
}

var basicTestCases = []BasicTestCase{
	{[]byte{}, nil, "empty"},
	{[]byte{0, 0, 1, 0, 0, 0, 0},
		[]rl.ByteRun{
			{Byte: 0, RunLength: 2}, {Byte: 1, RunLength: 1}, {Byte: 0, RunLength: 4},
		},
		"mixed runs"},
	{[]byte{6, 1, 5, 20, 31},
		[]rl.ByteRun{
			{Byte: 6, RunLength: 1}, {Byte: 1, RunLength: 1}, {Byte: 5, RunLength: 1},
			{Byte: 20, RunLength: 1}, {Byte: 31, RunLength: 1},
		},
		"no repeats"},
	{[]byte{9, 9, 9, 9, 9, 9},
		[]rl.ByteRun{{Byte: 9, RunLength: 6}},
		"entire run"},
}

func runsEqual(a, b []rl.ByteRun) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSplit__Basic(t *testing.T) {
	for _, test := range basicTestCases {
		t.Run(
			test.Name,
			func(t *testing.T) {
				result := rl.Split(test.Data)
				if !runsEqual(result, test.ExpectedResult) {
					t.Errorf("expected %+v, got %+v", test.ExpectedResult, result)
				}
			},
		)
	}
}

// Concatenating the runs must always reproduce the input.
func TestSplit__Reassembly(t *testing.T) {
	data := []byte{1, 9, 4, 4, 4, 4, 4, 6, 6, 0, 1, 0, 0, 0}
	var reassembled []byte
	for _, run := range rl.Split(data) {
		reassembled = append(reassembled, bytes.Repeat([]byte{run.Byte}, run.RunLength)...)
	}
	if !bytes.Equal(data, reassembled) {
		t.Errorf("reassembled data is wrong: expected %v, got %v", data, reassembled)
	}
}

func TestSplit__Repeating(t *testing.T) {
	runs := rl.Split([]byte{7, 7, 3})
	if !runs[0].Repeating() {
		t.Error("run of two bytes should be repeating")
	}
	if runs[1].Repeating() {
		t.Error("run of one byte should not be repeating")
	}
}
