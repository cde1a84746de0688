package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentloom/loom/pkg/models"
)

const maxFetchBody = 2 << 20 // 2 MiB before registry truncation

// --- web_fetch ---

type webFetchArgs struct {
	URL string `json:"url" jsonschema:"required,description=HTTP or HTTPS URL to fetch"`
}

// WebFetch retrieves a URL and returns the response body.
type WebFetch struct {
	client *http.Client
}

func NewWebFetch(client *http.Client) *WebFetch {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebFetch{client: client}
}

func (t *WebFetch) Name() string            { return "web_fetch" }
func (t *WebFetch) Description() string     { return "Fetch a URL and return its body." }
func (t *WebFetch) Schema() json.RawMessage { return SchemaFor(&webFetchArgs{}) }

func (t *WebFetch) Execute(ctx context.Context, args map[string]any) (string, error) {
	var p webFetchArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", models.NewError(models.ErrKindInvalidToolArgs, "url %q is not http(s)", p.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return "", models.WrapError(models.ErrKindInvalidToolArgs, err, "building request for %s", p.URL)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "fetching %s", p.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "reading body of %s", p.URL)
	}
	if resp.StatusCode >= 400 {
		return "", models.NewError(models.ErrKindToolFailed,
			"fetching %s: status %d: %s", p.URL, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// --- web_search ---

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum results to return (default 5)"`
}

// SearchResult is one hit from a search backend.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchBackend abstracts the actual search provider.
type SearchBackend interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// WebSearch queries a pluggable search backend and renders the hits.
type WebSearch struct {
	backend SearchBackend
}

func NewWebSearch(backend SearchBackend) *WebSearch {
	return &WebSearch{backend: backend}
}

func (t *WebSearch) Name() string            { return "web_search" }
func (t *WebSearch) Description() string     { return "Search the web and return result titles, URLs, and snippets." }
func (t *WebSearch) Schema() json.RawMessage { return SchemaFor(&webSearchArgs{}) }

func (t *WebSearch) Execute(ctx context.Context, args map[string]any) (string, error) {
	var p webSearchArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	if t.backend == nil {
		return "", models.NewError(models.ErrKindToolFailed, "no search backend configured")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 5
	}
	results, err := t.backend.Search(ctx, p.Query, limit)
	if err != nil {
		return "", models.WrapError(models.ErrKindToolFailed, err, "searching %q", p.Query)
	}
	if len(results) == 0 {
		return "no results", nil
	}
	var out strings.Builder
	for i, r := range results {
		fmt.Fprintf(&out, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&out, "   %s\n", r.Snippet)
		}
	}
	return out.String(), nil
}
