package tools

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"google.golang.org/genai"
)

// WebFetchTool fetches content from URLs and converts HTML to markdown.
type WebFetchTool struct {
	client  *http.Client
	maxSize int64
}

// NewWebFetchTool creates a new web fetch tool. A zero timeout uses a
// 30 second default.
func NewWebFetchTool(timeout time.Duration) *WebFetchTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &WebFetchTool{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
		maxSize: 1024 * 1024, // 1MB max
	}
}

func (t *WebFetchTool) Name() string {
	return "web_fetch"
}

func (t *WebFetchTool) Description() string {
	return "Fetches content from a URL and returns it as markdown. Useful for reading documentation, articles, or any web content."
}

func (t *WebFetchTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"url": {
					Type:        genai.TypeString,
					Description: "The URL to fetch content from",
				},
				"selector": {
					Type:        genai.TypeString,
					Description: "Optional CSS-like selector to extract specific content (e.g., 'article', 'main', '.content')",
				},
			},
			Required: []string{"url"},
		},
	}
}

func (t *WebFetchTool) Validate(args map[string]any) error {
	urlStr, ok := GetString(args, "url")
	if !ok || urlStr == "" {
		return NewValidationError("url", "is required")
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return NewValidationError("url", fmt.Sprintf("invalid URL: %s", err))
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return NewValidationError("url", "only http and https URLs are supported")
	}

	// Reject obvious internal targets to limit request forgery
	host := parsed.Hostname()
	if host == "localhost" {
		return NewValidationError("url", "requests to localhost are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
		return NewValidationError("url", "requests to private addresses are not allowed")
	}

	return nil
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	urlStr, _ := GetString(args, "url")
	selector, _ := GetString(args, "selector")

	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("failed to create request: %s", err)), nil
	}

	req.Header.Set("User-Agent", "Tandem/1.0 (AI Assistant)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("failed to fetch URL: %s", err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return NewErrorResult(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status)), nil
	}

	limitedReader := io.LimitReader(resp.Body, t.maxSize)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("failed to read response: %s", err)), nil
	}

	contentType := resp.Header.Get("Content-Type")

	var content string
	lower := strings.ToLower(contentType)
	if strings.Contains(lower, "text/html") || strings.Contains(lower, "application/xhtml") {
		content, err = t.htmlToMarkdown(string(body), selector)
		if err != nil {
			return NewErrorResult(fmt.Sprintf("failed to parse HTML: %s", err)), nil
		}
	} else if strings.Contains(lower, "text/plain") || strings.Contains(lower, "application/json") {
		content = string(body)
	} else {
		// Try to extract text anyway
		content, _ = t.htmlToMarkdown(string(body), selector)
		if content == "" {
			content = string(body)
		}
	}

	const maxLen = 50000
	if len(content) > maxLen {
		content = content[:maxLen] + "\n\n... (content truncated)"
	}

	return NewSuccessResultWithData(content, map[string]any{
		"url":          urlStr,
		"status":       resp.StatusCode,
		"content_type": contentType,
		"length":       len(content),
	}), nil
}

// htmlToMarkdown converts HTML to markdown-like text.
func (t *WebFetchTool) htmlToMarkdown(htmlContent string, selector string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}

	var content strings.Builder
	var extract func(*html.Node)

	skipTags := map[string]bool{
		"script": true, "style": true, "nav": true, "footer": true,
		"header": true, "aside": true, "noscript": true, "iframe": true,
	}

	blockTags := map[string]bool{
		"p": true, "div": true, "section": true, "article": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"li": true, "tr": true, "br": true, "hr": true,
		"blockquote": true, "pre": true, "table": true,
	}

	whitespace := regexp.MustCompile(`\s+`)

	extract = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)

			if skipTags[tag] {
				return
			}

			switch tag {
			case "h1":
				content.WriteString("\n# ")
			case "h2":
				content.WriteString("\n## ")
			case "h3":
				content.WriteString("\n### ")
			case "h4":
				content.WriteString("\n#### ")
			case "h5":
				content.WriteString("\n##### ")
			case "h6":
				content.WriteString("\n###### ")
			case "li":
				content.WriteString("\n- ")
			case "br":
				content.WriteString("\n")
			case "hr":
				content.WriteString("\n---\n")
			case "code":
				content.WriteString("`")
			case "pre":
				content.WriteString("\n```\n")
			case "strong", "b":
				content.WriteString("**")
			case "em", "i":
				content.WriteString("*")
			case "p", "div", "section", "article", "blockquote":
				content.WriteString("\n")
			}
		}

		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				content.WriteString(whitespace.ReplaceAllString(text, " "))
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}

		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			switch tag {
			case "code":
				content.WriteString("`")
			case "pre":
				content.WriteString("\n```\n")
			case "strong", "b":
				content.WriteString("**")
			case "em", "i":
				content.WriteString("*")
			case "a":
				for _, attr := range n.Attr {
					if attr.Key == "href" && attr.Val != "" && !strings.HasPrefix(attr.Val, "#") && !strings.HasPrefix(attr.Val, "javascript:") {
						content.WriteString(fmt.Sprintf(" (%s)", attr.Val))
						break
					}
				}
			}

			if blockTags[tag] {
				content.WriteString("\n")
			}
		}
	}

	// Find body, or the selector target if given
	var findStart func(*html.Node) *html.Node
	findStart = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode {
			if selector != "" && t.matchesSelector(n, selector) {
				return n
			}
			if selector == "" && strings.ToLower(n.Data) == "body" {
				return n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if found := findStart(c); found != nil {
				return found
			}
		}
		return nil
	}

	startNode := findStart(doc)
	if startNode == nil {
		startNode = doc
	}

	extract(startNode)

	result := content.String()
	result = regexp.MustCompile(`\n{3,}`).ReplaceAllString(result, "\n\n")
	return strings.TrimSpace(result), nil
}

// matchesSelector checks if a node matches a simple CSS selector.
func (t *WebFetchTool) matchesSelector(n *html.Node, selector string) bool {
	selector = strings.TrimSpace(selector)

	if strings.HasPrefix(selector, ".") {
		className := selector[1:]
		for _, attr := range n.Attr {
			if attr.Key == "class" {
				for _, c := range strings.Fields(attr.Val) {
					if c == className {
						return true
					}
				}
			}
		}
		return false
	}

	if strings.HasPrefix(selector, "#") {
		id := selector[1:]
		for _, attr := range n.Attr {
			if attr.Key == "id" && attr.Val == id {
				return true
			}
		}
		return false
	}

	return strings.EqualFold(n.Data, selector)
}
