package fetch

import (
	"regexp"

	"github.com/puzpuzpuz/xsync/v4"
)

// validationVerdict is the content-validation outcome for a 2xx body.
type validationVerdict int

const (
	contentValid validationVerdict = iota
	// contentHardFailure: blocked-page signature; terminal, trips the host
	// circuit.
	contentHardFailure
	// contentSoftFailure: JS-required or anti-bot challenge; candidate for
	// headless re-fetch.
	contentSoftFailure
)

// validator matches response bodies against the configured hard and soft
// failure signatures. Compiled patterns are memoised; config validation has
// already guaranteed they compile.
type validator struct {
	compiled *xsync.Map[string, *regexp.Regexp]
}

func newValidator() *validator {
	return &validator{compiled: xsync.NewMap[string, *regexp.Regexp]()}
}

func (v *validator) pattern(expr string) *regexp.Regexp {
	re, _ := v.compiled.LoadOrCompute(expr, func() (*regexp.Regexp, bool) {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, true // cancel: leave invalid pattern uncached
		}
		return re, false
	})
	return re
}

// check scans body against hard patterns first, then soft.
func (v *validator) check(body string, hardPatterns, softPatterns []string) validationVerdict {
	for _, expr := range hardPatterns {
		if re := v.pattern(expr); re != nil && re.MatchString(body) {
			return contentHardFailure
		}
	}
	for _, expr := range softPatterns {
		if re := v.pattern(expr); re != nil && re.MatchString(body) {
			return contentSoftFailure
		}
	}
	return contentValid
}
