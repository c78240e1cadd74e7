// Package tools implements the model-callable tools: web search and bulk
// page fetch.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/soyeahso/seekchat/internal/config"
	"github.com/soyeahso/seekchat/internal/logging"
	"github.com/soyeahso/seekchat/internal/version"
)

// Tool names as exposed to the model.
const (
	SearchToolName = "searchWeb"
	FetchToolName  = "scrapePages"
)

// DefaultSearchEndpoint is the Brave web search API.
const DefaultSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"

const maxSearchResults = 20

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Date    string `json:"date,omitempty"`
}

// braveResponse is the subset of the Brave web search response we read.
type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Age         string `json:"age"`
			PageAge     string `json:"page_age"`
		} `json:"results"`
	} `json:"web"`
}

// WebSearch queries the Brave web search API.
type WebSearch struct {
	apiKey       string
	endpoint     string
	country      string
	defaultCount int
	client       *http.Client
	log          *logging.Logger
}

// NewWebSearch creates a search tool from config.
func NewWebSearch(cfg config.SearchConfig, log *logging.Logger) *WebSearch {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultSearchEndpoint
	}
	count := cfg.Count
	if count <= 0 {
		count = 10
	}
	return &WebSearch{
		apiKey:       cfg.APIKey,
		endpoint:     endpoint,
		country:      cfg.Country,
		defaultCount: count,
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          log.Sub("search"),
	}
}

// Search returns up to num results for q in ranking order. num <= 0 uses
// the configured default; larger values are clamped to 20. Cancelling ctx
// aborts the request.
func (s *WebSearch) Search(ctx context.Context, q string, num int) ([]SearchResult, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fmt.Errorf("empty query")
	}
	if num <= 0 {
		num = s.defaultCount
	}
	if num > maxSearchResults {
		num = maxSearchResults
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("count", strconv.Itoa(num))
	if s.country != "" {
		params.Set("country", s.country)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.apiKey)
	req.Header.Set("User-Agent", version.UserAgent())

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API error (status %d): %s", resp.StatusCode, truncateRunes(string(body), 200))
	}

	var br braveResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, fmt.Errorf("parsing search response: %w", err)
	}

	results := make([]SearchResult, 0, len(br.Web.Results))
	for _, r := range br.Web.Results {
		date := r.Age
		if date == "" {
			date = r.PageAge
		}
		results = append(results, SearchResult{
			Title:   stripTags(r.Title),
			Link:    r.URL,
			Snippet: stripTags(r.Description),
			Date:    date,
		})
		if len(results) == num {
			break
		}
	}

	s.log.Debug().
		Str("query", q).
		Int("results", len(results)).
		Dur("elapsed", time.Since(start)).
		Msg("search complete")
	return results, nil
}

// Name implements the agent tool interface.
func (s *WebSearch) Name() string { return SearchToolName }

// Description implements the agent tool interface.
func (s *WebSearch) Description() string {
	return "Search the web. Returns a ranked list of results with title, link, snippet and, when known, date."
}

// InputSchema implements the agent tool interface.
func (s *WebSearch) InputSchema() string {
	return `{
  "type": "object",
  "properties": {
    "q": {"type": "string", "description": "The search query"},
    "num": {"type": "integer", "description": "Number of results to return (1-20, default 10)"}
  },
  "required": ["q"]
}`
}

type searchInput struct {
	Q     string `json:"q"`
	Query string `json:"query"`
	Num   int    `json:"num"`
}

// Execute runs a search from JSON input and returns the results as JSON.
func (s *WebSearch) Execute(ctx context.Context, input string) (string, error) {
	var in searchInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if in.Q == "" {
		in.Q = in.Query
	}
	results, err := s.Search(ctx, in.Q, in.Num)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
