package manifest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/site-cache/internal/manager"
)

// assetSelectors pick the attributes holding subresource URLs.
var assetSelectors = []struct {
	selector string
	attr     string
}{
	{`link[rel~="stylesheet"]`, "href"},
	{`link[rel~="icon"]`, "href"},
	{`link[rel="manifest"]`, "href"},
	{`link[rel="preload"]`, "href"},
	{"script[src]", "src"},
	{"img[src]", "src"},
}

// DiscoverAssets fetches page and returns the same-origin stylesheets,
// scripts, icons and images it references, grouped by kind, as
// origin-relative paths.
func DiscoverAssets(ctx context.Context, client manager.Doer, page *url.URL) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status code: %d", page, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", page, err)
	}

	return extractAssets(doc, page), nil
}

func extractAssets(doc *goquery.Document, page *url.URL) []string {
	base := page
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := page.Parse(href); err == nil {
			base = u
		}
	}

	seen := make(map[string]bool)
	var assets []string

	for _, sel := range assetSelectors {
		doc.Find(sel.selector).Each(func(_ int, s *goquery.Selection) {
			raw, ok := s.Attr(sel.attr)
			raw = strings.TrimSpace(raw)
			if !ok || raw == "" || strings.HasPrefix(raw, "data:") {
				return
			}
			u, err := base.Parse(raw)
			if err != nil || !strings.EqualFold(u.Scheme, page.Scheme) || !strings.EqualFold(u.Host, page.Host) {
				return
			}
			u.Fragment = ""
			ref := u.RequestURI()
			if !seen[ref] {
				seen[ref] = true
				assets = append(assets, ref)
			}
		})
	}
	return assets
}
