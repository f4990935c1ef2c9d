package content

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Expected link layout for long-form articles.
const (
	ExpectedOwn      = 2
	ExpectedExternal = 1
	ExpectedTotal    = 3
)

// AnalyzeLinks counts the anchors in fragment that point at target, elsewhere,
// and whether any own link uses the exact anchor text.
func AnalyzeLinks(fragment, target, anchor string) promotion.LinkStats {
	var stats promotion.LinkStats
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return stats
	}
	targetURL, _ := url.Parse(strings.TrimSpace(target))
	anchor = strings.TrimSpace(anchor)

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		stats.Total++
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		switch {
		case sameResource(u, targetURL):
			stats.Own++
			if anchor != "" && strings.EqualFold(strings.TrimSpace(sel.Text()), anchor) {
				stats.ExactAnchor = true
			}
		case isExternal(u, targetURL):
			stats.External++
		}
	})
	return stats
}

// LinksValid reports whether stats match the article contract.
func LinksValid(stats promotion.LinkStats) bool {
	return stats.Own == ExpectedOwn && stats.External == ExpectedExternal && stats.Total == ExpectedTotal
}

func sameResource(u, target *url.URL) bool {
	if target == nil || !u.IsAbs() {
		return false
	}
	return normalizeHost(u.Host) == normalizeHost(target.Host) &&
		normalizePath(u.Path) == normalizePath(target.Path) &&
		u.RawQuery == target.RawQuery
}

func isExternal(u, target *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if target == nil {
		return true
	}
	return normalizeHost(u.Host) != normalizeHost(target.Host)
}

func normalizeHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "www.")
}

func normalizePath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}
