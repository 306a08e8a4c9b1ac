package classify

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// datePathRe matches /2024/jan/15/ and /2024/01/15/ style path segments.
var datePathRe = regexp.MustCompile(`/(19|20)\d{2}/(\d{1,2}|[a-z]{3})/\d{1,2}(/|$)`)

// numericIDRe matches a long numeric run inside the final path segment.
var numericIDRe = regexp.MustCompile(`\d{5,}`)

// urlSignals are the pure-string features the decision tree evaluates.
type urlSignals struct {
	URL          string
	Path         string
	PathDepth    int
	Slug         string
	SlugLength   int
	SlugWords    int
	HasDatePath  bool
	HasQuery     bool
	HasNumericID bool
	Extension    string
}

// signalsFor derives URL signals. The input is expected to be an absolute,
// already-normalized URL.
func signalsFor(rawURL string) (urlSignals, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return urlSignals{}, err
	}

	p := u.EscapedPath()
	segments := make([]string, 0, 8)
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}

	slug := ""
	if len(segments) > 0 {
		slug = segments[len(segments)-1]
	}
	ext := path.Ext(slug)
	slugBase := strings.TrimSuffix(slug, ext)

	return urlSignals{
		URL:          rawURL,
		Path:         p,
		PathDepth:    len(segments),
		Slug:         slugBase,
		SlugLength:   len(slugBase),
		SlugWords:    countSlugWords(slugBase),
		HasDatePath:  datePathRe.MatchString(strings.ToLower(p)),
		HasQuery:     u.RawQuery != "",
		HasNumericID: numericIDRe.MatchString(slug),
		Extension:    ext,
	}, nil
}

func countSlugWords(slug string) int {
	if slug == "" {
		return 0
	}
	n := 0
	for _, part := range strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' }) {
		if part != "" {
			n++
		}
	}
	return n
}

// numericField returns the named signal as a float for compare conditions.
// The bool reports whether the field exists.
func (s urlSignals) numericField(name string) (float64, bool) {
	switch name {
	case "path_depth":
		return float64(s.PathDepth), true
	case "slug_length":
		return float64(s.SlugLength), true
	case "slug_words":
		return float64(s.SlugWords), true
	default:
		return 0, false
	}
}

// boolFlag returns the named boolean signal.
func (s urlSignals) boolFlag(name string) (bool, bool) {
	switch name {
	case "has_date_path":
		return s.HasDatePath, true
	case "has_query":
		return s.HasQuery, true
	case "has_numeric_id":
		return s.HasNumericID, true
	case "has_extension":
		return s.Extension != "", true
	default:
		return false, false
	}
}
