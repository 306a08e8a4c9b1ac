// Package urlutil provides URL normalization, host derivation, and URL
// identity keys. The normalized form is the identity key for every other
// subsystem: queue dedupe, visited set, cache rows, and throttle state are
// all keyed on it (directly or through a Key).
package urlutil

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// trackingParams are query keys stripped during normalization. Two URLs that
// differ only in tracking decoration must collapse to the same identity.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"utm_id":       true,
	"fbclid":       true,
	"gclid":        true,
	"dclid":        true,
	"msclkid":      true,
	"mc_cid":       true,
	"mc_eid":       true,
	"igshid":       true,
	"cmpid":        true,
	"ncid":         true,
	"sref":         true,
	"smid":         true,
	"_ga":          true,
}

// InvalidURLError reports a URL that cannot be normalized.
type InvalidURLError struct {
	Raw    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("urlutil: invalid url %q: %s", e.Raw, e.Reason)
}

// Normalize canonicalizes a raw URL string: scheme and host lowercased,
// default ports stripped, path percent-encoding canonicalized, query keys
// sorted with tracking parameters removed, and the fragment dropped.
// Normalize is idempotent: Normalize(Normalize(u)) == Normalize(u).
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &InvalidURLError{Raw: raw, Reason: "empty"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", &InvalidURLError{Raw: raw, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &InvalidURLError{Raw: raw, Reason: "unsupported scheme"}
	}
	if u.Hostname() == "" {
		return "", &InvalidURLError{Raw: raw, Reason: "missing host"}
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimSuffix(host, ".")
	if port := u.Port(); port != "" && !isDefaultPort(u.Scheme, port) {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.User = nil

	// Path and RawPath stay exactly as parsed; EscapedPath canonicalizes the
	// percent-encoding once, at serialization. Re-escaping a stored escaped
	// form would turn %20 into %2520 and break idempotence.
	if u.Path == "" {
		u.Path = "/"
	}

	u.RawQuery = normalizeQuery(u.Query())

	normalized := u.Scheme + "://" + u.Host + u.EscapedPath()
	if u.RawQuery != "" {
		normalized += "?" + u.RawQuery
	}
	return normalized, nil
}

// normalizeQuery sorts query keys ascending (values keep their original
// order per key) and drops tracking parameters.
func normalizeQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		if trackingParams[strings.ToLower(k)] {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	return b.String()
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// Host extracts the lowercased hostname (without port) from a URL string.
// Returns "" if the URL cannot be parsed.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// RegisteredHost reduces a hostname to its registered (eTLD+1) form, e.g.
// "edition.cnn.com" -> "cnn.com". Falls back to the input when the public
// suffix list cannot resolve it (IP literals, single-label hosts).
func RegisteredHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld1
}

// HasQuery reports whether the URL carries a (post-normalization) query string.
func HasQuery(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.RawQuery != ""
}

// Resolve resolves a possibly-relative reference against a base URL and
// normalizes the result. Used for redirect Location headers and link
// extraction.
func Resolve(base, ref string) (string, error) {
	bu, err := url.Parse(base)
	if err != nil {
		return "", &InvalidURLError{Raw: base, Reason: err.Error()}
	}
	ru, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", &InvalidURLError{Raw: ref, Reason: err.Error()}
	}
	return Normalize(bu.ResolveReference(ru).String())
}
