package classify

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/newsdrift/newsdrift/internal/urlutil"
)

// ExtractLinks pulls href targets out of a page, resolves them against
// baseURL, and returns them normalized and de-duplicated in document order.
// Non-http(s) schemes, unparseable hrefs, and self-links are dropped.
func ExtractLinks(html, baseURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("classify: parse html: %w", err)
	}

	normBase, err := urlutil.Normalize(baseURL)
	if err != nil {
		return nil, fmt.Errorf("classify: base url: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
			return
		}
		abs, err := urlutil.Resolve(normBase, href)
		if err != nil {
			return
		}
		norm, err := urlutil.Normalize(abs)
		if err != nil || norm == normBase {
			return
		}
		if _, dup := seen[norm]; dup {
			return
		}
		seen[norm] = struct{}{}
		links = append(links, norm)
	})
	return links, nil
}
