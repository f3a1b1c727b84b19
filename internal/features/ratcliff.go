package features

import (
	"github.com/pmezard/go-difflib/difflib"
)

// ratcliffObershelp is the Ratcliff/Obershelp similarity ratio between two
// token sequences: 2*M / (len(a) + len(b)), where M is the total number of
// matched tokens found by the recursive longest-common-substring partition.
// go-difflib's SequenceMatcher implements exactly this algorithm (it is a
// port of Python's difflib.SequenceMatcher, whose .ratio() is the textbook
// Ratcliff/Obershelp metric); we feed it token sequences rather than plain
// strings so it applies uniformly to reward sums and attestation tuples.
func ratcliffObershelp(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	matcher := difflib.NewMatcher(a, b)
	return matcher.Ratio()
}
