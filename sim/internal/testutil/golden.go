// Package testutil provides shared test infrastructure for the flowsim
// packages: golden-file comparison and float assertions.
package testutil

import (
	"bytes"
	"math"
	"testing"

	"github.com/sebdah/goldie/v2"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// AssertGolden compares got with testdata/golden/<name>.golden, relative to
// the calling package. A leading UTF-8 BOM is stripped before comparison so
// that golden files stay plain text. Run with -update to regenerate.
func AssertGolden(t *testing.T, name string, got []byte) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, bytes.TrimPrefix(got, utf8BOM))
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}
