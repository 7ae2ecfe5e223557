// Package reader implements trawl.Fetcher: it downloads a URL and extracts
// clean readable text, the page title and description, outbound links, and a
// best-effort publication date. HTML goes through readability extraction;
// PDFs are extracted page by page.
package reader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	trawl "github.com/nevindra/trawl"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultMaxBytes = 4 << 20 // 4MB download cap
	defaultMaxChars = 120_000 // extracted-content cap fed to the LLM
	userAgent       = "Mozilla/5.0 (compatible; TrawlBot/1.0)"
)

// Reader fetches and extracts web content.
type Reader struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// Option configures a Reader.
type Option func(*Reader)

// WithHTTPClient overrides the HTTP client (default 15s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Reader) { r.client = hc }
}

// WithMaxBytes caps the downloaded body size (default 4MB).
func WithMaxBytes(n int64) Option {
	return func(r *Reader) { r.maxBytes = n }
}

// WithMaxChars caps the extracted content length (default 120k).
func WithMaxChars(n int) Option {
	return func(r *Reader) { r.maxChars = n }
}

// New creates a Reader.
func New(opts ...Option) *Reader {
	r := &Reader{
		client:   &http.Client{Timeout: defaultTimeout},
		maxBytes: defaultMaxBytes,
		maxChars: defaultMaxChars,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch downloads rawURL and extracts its content. HTML responses go through
// readability; PDF responses through page-by-page text extraction.
func (r *Reader) Fetch(ctx context.Context, rawURL string) (trawl.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return trawl.Page{}, fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,*/*;q=0.8")

	resp, err := r.client.Do(req)
	if err != nil {
		return trawl.Page{}, fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return trawl.Page{}, &trawl.ErrHTTP{Status: resp.StatusCode, Body: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes))
	if err != nil {
		return trawl.Page{}, fmt.Errorf("read error: %w", err)
	}

	ct := resp.Header.Get("Content-Type")
	var page trawl.Page
	if strings.Contains(ct, "application/pdf") || bytes.HasPrefix(body, []byte("%PDF-")) {
		page, err = r.extractPDF(body)
	} else {
		page, err = r.extractHTML(rawURL, body)
	}
	if err != nil {
		return trawl.Page{}, err
	}

	if page.Date == "" {
		page.Date = httpDate(resp.Header.Get("Last-Modified"))
	}
	page.Content = truncateRunes(page.Content, r.maxChars)
	return page, nil
}

// truncateRunes truncates s to n runes, never splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// LastModified probes a URL with a HEAD request for last-modified metadata.
func (r *Reader) LastModified(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", &trawl.ErrHTTP{Status: resp.StatusCode, Body: resp.Status}
	}
	return httpDate(resp.Header.Get("Last-Modified")), nil
}

// extractHTML runs readability extraction, falling back to a plain-text walk
// of the parse tree when readability yields nothing.
func (r *Reader) extractHTML(rawURL string, body []byte) (trawl.Page, error) {
	parsedURL, _ := url.Parse(rawURL)

	page := trawl.Page{Links: extractLinks(body, parsedURL)}

	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		page.Title = article.Title
		page.Description = article.Excerpt
		page.Content = strings.TrimSpace(article.TextContent)
		if article.PublishedTime != nil {
			page.Date = article.PublishedTime.UTC().Format(time.RFC3339)
		}
		return page, nil
	}

	// Readability failed; strip tags directly.
	page.Title, page.Content = plainText(body)
	if strings.TrimSpace(page.Content) == "" {
		return trawl.Page{}, fmt.Errorf("no extractable content in %s", rawURL)
	}
	return page, nil
}

// extractPDF extracts text page by page.
func (r *Reader) extractPDF(content []byte) (trawl.Page, error) {
	pr, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return trawl.Page{}, fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= pr.NumPage(); i++ {
		p := pr.Page(i)
		if p.V.IsNull() {
			continue
		}
		pageText, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	if text.Len() == 0 {
		return trawl.Page{}, fmt.Errorf("no extractable text in pdf")
	}
	return trawl.Page{Content: text.String()}, nil
}

// extractLinks walks the HTML parse tree and resolves every anchor href
// against the base URL. Relative and same-page links are dropped.
func extractLinks(body []byte, base *url.URL) []string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var links []string
	seen := make(map[string]bool)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(attr.Val))
				if err != nil {
					continue
				}
				if base != nil {
					ref = base.ResolveReference(ref)
				}
				if ref.Scheme != "http" && ref.Scheme != "https" {
					continue
				}
				abs := ref.String()
				if !seen[abs] {
					seen[abs] = true
					links = append(links, abs)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

// plainText walks the parse tree collecting the title and visible text,
// skipping script and style subtrees.
func plainText(body []byte) (title, content string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript"):
			return
		case n.Type == html.ElementNode && n.Data == "title" && title == "":
			if n.FirstChild != nil {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
		case n.Type == html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, strings.TrimSpace(b.String())
}

// httpDate converts an HTTP date header to RFC 3339, or "".
func httpDate(v string) string {
	if v == "" {
		return ""
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

var _ trawl.Fetcher = (*Reader)(nil)
