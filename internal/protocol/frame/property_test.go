package frame

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSplitterChunkBoundaryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("any chunking of N frames yields the same N frames in order", prop.ForAll(
		func(frames []string, cuts []int) bool {
			var stream []byte
			for _, f := range frames {
				stream = append(stream, f...)
				stream = append(stream, Delimiter)
			}

			s := NewSplitter(DefaultLimits())
			var got [][]byte
			rest := stream
			for _, c := range cuts {
				if len(rest) == 0 {
					break
				}
				n := c % (len(rest) + 1)
				out, err := s.Feed(rest[:n])
				if err != nil {
					return false
				}
				got = append(got, out...)
				rest = rest[n:]
			}
			out, err := s.Feed(rest)
			if err != nil {
				return false
			}
			got = append(got, out...)

			if len(got) != len(frames) || s.Pending() != 0 {
				return false
			}
			for i := range frames {
				if !bytes.Equal(got[i], []byte(frames[i])) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString().SuchThat(func(s string) bool { return s != "" })),
		gen.SliceOf(gen.IntRange(0, 64)),
	))

	properties.TestingRun(t)
}
