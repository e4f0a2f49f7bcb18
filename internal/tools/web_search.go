package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	searchDefaultCount = 5
	searchMaxCount     = 10
	searchTimeout      = 30 * time.Second
	searchEndpoint     = "https://html.duckduckgo.com/html/?q="
	searchUserAgent    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// WebSearchTool queries DuckDuckGo's HTML endpoint and returns titles, URLs
// and snippets. No API key needed; the endpoint is a fixed public host, so
// it bypasses the SSRF guard that applies to caller-supplied URLs.
type WebSearchTool struct {
	client *http.Client
}

func NewWebSearchTool() *WebSearchTool {
	return &WebSearchTool{client: &http.Client{Timeout: searchTimeout}}
}

func (t *WebSearchTool) Name() string { return "web.search" }

func (t *WebSearchTool) Description() string {
	return "Search the web. Returns result titles, URLs, and snippets."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query string.",
			},
			"count": map[string]interface{}{
				"type":        "number",
				"description": "Number of results to return (1-10).",
				"minimum":     1.0,
				"maximum":     float64(searchMaxCount),
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	count := searchDefaultCount
	if c, ok := args["count"].(float64); ok && int(c) >= 1 && int(c) <= searchMaxCount {
		count = int(c)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchEndpoint+url.QueryEscape(query), nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("create request: %v", err)).WithError(err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search request failed: %v", err)).WithError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read search response: %v", err)).WithError(err)
	}

	results := extractSearchResults(string(body), count)
	if len(results) == 0 {
		return NewResult(fmt.Sprintf("No results found for: %s", query))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.title, r.url)
		if r.snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", r.snippet)
		}
		sb.WriteByte('\n')
	}
	return NewResult(sb.String())
}

type webResult struct {
	title   string
	url     string
	snippet string
}

var (
	resultLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	resultSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe       = regexp.MustCompile(`<[^>]+>`)
)

func extractSearchResults(html string, count int) []webResult {
	links := resultLinkRe.FindAllStringSubmatch(html, count+5)
	snippets := resultSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []webResult
	for i := 0; i < len(links) && i < count; i++ {
		results = append(results, webResult{
			title:   strings.TrimSpace(htmlTagRe.ReplaceAllString(links[i][2], "")),
			url:     unwrapRedirect(links[i][1]),
			snippet: snippetAt(snippets, i),
		})
	}
	return results
}

func snippetAt(snippets [][]string, i int) string {
	if i >= len(snippets) {
		return ""
	}
	return strings.TrimSpace(htmlTagRe.ReplaceAllString(snippets[i][1], ""))
}

// unwrapRedirect extracts the target URL from the engine's redirect link,
// which carries the destination in the uddg query parameter.
func unwrapRedirect(rawURL string) string {
	if !strings.Contains(rawURL, "uddg=") {
		return rawURL
	}
	u, err := url.QueryUnescape(rawURL)
	if err != nil {
		return rawURL
	}
	idx := strings.Index(u, "uddg=")
	if idx == -1 {
		return rawURL
	}
	target := u[idx+5:]
	if amp := strings.Index(target, "&"); amp != -1 {
		target = target[:amp]
	}
	return target
}
