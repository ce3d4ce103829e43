package labelpage

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// maxLabelTextLen caps the page text sent to the analysis service.
const maxLabelTextLen = 12000

// Fetcher retrieves a product page and reduces it to the plain text the
// screening prompt works on.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a Fetcher with a sane request timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Fetch downloads the product page and returns its visible text with
// scripts, styling and navigation noise removed.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid product page URL: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch product page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch product page: status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse product page: %w", err)
	}

	// Remove noise to save model tokens
	doc.Find("script, style, nav, footer, header, iframe, ads, .ads, #ads").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := collapseWhitespace(doc.Find("body").Text())
	if text == "" {
		return "", fmt.Errorf("product page contains no readable text")
	}
	if len(text) > maxLabelTextLen {
		text = text[:maxLabelTextLen]
	}
	return text, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
