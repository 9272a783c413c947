package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// WebFetchTool fetches a URL and returns its readable text content.
type WebFetchTool struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: 2 * 1024 * 1024,
		maxChars: 10000,
	}
}

// SetDefaultMaxChars overrides the default text truncation limit. Callers
// can still ask for more via the max_chars argument.
func (t *WebFetchTool) SetDefaultMaxChars(n int) {
	if n > 0 {
		t.maxChars = n
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL over HTTP and return the page text"
}

func (t *WebFetchTool) Timeout() time.Duration { return 30 * time.Second }

func (t *WebFetchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The http or https URL to fetch",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"description": "Truncate the extracted text to this many characters, defaults to 10000",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw := StringArg(args, "url", "")
	if raw == "" {
		return "", fmt.Errorf("web_fetch: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("web_fetch: invalid url %q", raw)
	}
	maxChars := IntArg(args, "max_chars", t.maxChars)
	if maxChars <= 0 {
		maxChars = t.maxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("web_fetch: %w", err)
	}
	req.Header.Set("User-Agent", "conduit/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("web_fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("web_fetch: %s returned %d", u.Host, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, t.maxBytes)
	contentType := resp.Header.Get("Content-Type")

	var text string
	if strings.Contains(contentType, "text/html") {
		text, err = extractText(body)
		if err != nil {
			return "", fmt.Errorf("web_fetch: parse html: %w", err)
		}
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("web_fetch: %w", err)
		}
		text = string(data)
	}

	text = strings.TrimSpace(text)
	if len(text) > maxChars {
		text = text[:maxChars] + "\n... (truncated)"
	}
	return text, nil
}

// extractText walks the HTML tree collecting visible text, skipping script,
// style and head subtrees.
func extractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				b.WriteString(s)
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String(), nil
}
