package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// FetcherTimeout bounds a single page fetch.
	FetcherTimeout = 30 * time.Second

	// MaxFetchedContent caps extracted text so a pasted article can't blow
	// out model context.
	MaxFetchedContent = 20000
)

// FetchURLContent fetches a web page and extracts its readable text so it can
// be pasted into a question as context. Scripts, styles and navigation chrome
// are stripped; the result is title plus paragraph text, capped in length.
func FetchURLContent(ctx context.Context, pageURL string) (string, error) {
	if !strings.HasPrefix(pageURL, "http://") && !strings.HasPrefix(pageURL, "https://") {
		return "", fmt.Errorf("unsupported URL scheme: %s", pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	client := &http.Client{Timeout: FetcherTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, pageURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	return ExtractReadableText(doc), nil
}

// ExtractReadableText pulls the title and body text out of a parsed document.
func ExtractReadableText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, aside").Remove()

	var b strings.Builder

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title != "" {
		b.WriteString(title)
		b.WriteString("\n\n")
	}

	// Prefer semantic content containers; fall back to the whole body.
	content := doc.Find("article, main")
	if content.Length() == 0 {
		content = doc.Find("body")
	}

	content.Find("h1, h2, h3, h4, p, li, pre, blockquote").Each(func(i int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		b.WriteString(text)
		b.WriteString("\n")
	})

	result := b.String()
	if result == "" || result == title+"\n\n" {
		// Pages without recognizable structure: take all visible text.
		result = strings.TrimSpace(doc.Find("body").Text())
	}

	result = collapseBlankLines(result)
	if len(result) > MaxFetchedContent {
		result = result[:MaxFetchedContent] + "\n\n[content truncated]"
	}

	return strings.TrimSpace(result)
}

// collapseBlankLines squeezes runs of blank lines down to one.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}
