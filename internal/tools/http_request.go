package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/munlucky/moonbot/internal/policy"
)

const (
	httpMaxRedirects = 3
	httpUserAgent    = "moonbot/1.0"
)

// HTTPRequestTool performs outbound HTTP requests with SSRF screening on the
// initial URL and on every redirect target.
type HTTPRequestTool struct {
	bundle   policy.Bundle
	checkURL func(ctx context.Context, rawURL string) error
	client   *http.Client
}

func NewHTTPRequestTool(bundle policy.Bundle) *HTTPRequestTool {
	t := &HTTPRequestTool{
		bundle:   bundle.Normalize(),
		checkURL: policy.CheckURL,
	}
	t.client = &http.Client{
		Timeout: t.bundle.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 15 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= httpMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", httpMaxRedirects)
			}
			// Redirect targets get the same screening as the original URL.
			if err := t.checkURL(req.Context(), req.URL.String()); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
	return t
}

func (t *HTTPRequestTool) Name() string { return "http.request" }

func (t *HTTPRequestTool) Description() string {
	return "Perform an HTTP or HTTPS request to a public host. Private, loopback, and link-local destinations are blocked."
}

func (t *HTTPRequestTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to request",
			},
			"method": map[string]interface{}{
				"type":        "string",
				"description": "HTTP method. Default GET.",
				"enum":        []string{"GET", "POST", "PUT", "DELETE", "HEAD", "PATCH"},
			},
			"body": map[string]interface{}{
				"type":        "string",
				"description": "Request body for POST/PUT/PATCH",
			},
			"headers": map[string]interface{}{
				"type":        "object",
				"description": "Extra request headers",
				"additionalProperties": map[string]interface{}{
					"type": "string",
				},
			},
		},
		"required": []string{"url"},
	}
}

func (t *HTTPRequestTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	body, _ := args["body"].(string)

	if err := t.checkURL(ctx, rawURL); err != nil {
		return violationResult(err)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return ErrorResult(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("User-Agent", httpUserAgent)
	if hdrs, ok := args["headers"].(map[string]interface{}); ok {
		for k, v := range hdrs {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	// Read one byte past the cap so truncation is detectable.
	limited := io.LimitReader(resp.Body, t.bundle.MaxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read body: %v", err))
	}
	clipped, truncated := policy.Truncate(data, t.bundle.MaxBytes)

	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, strings.Join(resp.Header[k], ", "))
	}
	sb.WriteByte('\n')
	sb.Write(clipped)

	return &Result{Content: sb.String(), Truncated: truncated}
}
