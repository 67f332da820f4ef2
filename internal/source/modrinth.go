package source

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

	"golang.org/x/time/rate"
)

const DefaultModrinthURL = "https://api.modrinth.com/v2"

// ModrinthClient talks to the Modrinth v2 API. All requests, downloads
// included, share one rate limiter.
type ModrinthClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Project struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	ProjectType string `json:"project_type"`
}

type Version struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	VersionNumber string        `json:"version_number"`
	GameVersions  []string      `json:"game_versions"`
	Loaders       []string      `json:"loaders"`
	Files         []VersionFile `json:"files"`
}

type VersionFile struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Primary  bool   `json:"primary"`
	Size     int64  `json:"size"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Request failed with status code %d", e.StatusCode)
}

type ClientOption func(*ModrinthClient)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(m *ModrinthClient) {
		m.httpClient = c
	}
}

func WithUserAgent(ua string) ClientOption {
	return func(m *ModrinthClient) {
		m.userAgent = ua
	}
}

// WithRateLimit caps requests per second; rps <= 0 removes the cap.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(m *ModrinthClient) {
		if rps <= 0 {
			m.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewModrinthClient(baseURL string, opts ...ClientOption) *ModrinthClient {
	if baseURL == "" {
		baseURL = DefaultModrinthURL
	}
	c := &ModrinthClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  "modpack-downloader",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ModrinthClient) Project(ctx context.Context, idOrSlug string) (*Project, error) {
	var p Project
	if err := c.getJSON(ctx, "/project/"+url.PathEscape(idOrSlug), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *ModrinthClient) Versions(ctx context.Context, projectID string) ([]Version, error) {
	var versions []Version
	if err := c.getJSON(ctx, "/project/"+url.PathEscape(projectID)+"/version", nil, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// Download streams fileURL into w and returns the bytes written.
func (c *ModrinthClient) Download(ctx context.Context, fileURL string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, fileURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", fileURL, err)
	}
	return n, nil
}

type SearchParams struct {
	Query  string
	Limit  int
	Offset int
	// Sort is one of relevance, downloads, follows, created, updated.
	Sort string
}

// Search runs a mod search and returns the upstream JSON untouched.
func (c *ModrinthClient) Search(ctx context.Context, params SearchParams) (json.RawMessage, error) {
	if params.Limit <= 0 {
		params.Limit = 20
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	q := url.Values{}
	q.Set("query", params.Query)
	q.Set("limit", strconv.Itoa(params.Limit))
	q.Set("offset", strconv.Itoa(params.Offset))
	q.Set("facets", `[["project_type:mod"]]`)
	if index := searchIndex(params.Sort); index != "" {
		q.Set("index", index)
	}

	var raw json.RawMessage
	if err := c.getJSON(ctx, "/search", q, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func searchIndex(sort string) string {
	switch sort {
	case "downloads":
		return "downloads"
	case "follows":
		return "follows"
	case "created":
		return "newest"
	case "updated":
		return "updated"
	default:
		return ""
	}
}

func (c *ModrinthClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	resp, err := c.do(ctx, target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// do performs a rate-limited GET. Non-2xx responses become *APIError.
func (c *ModrinthClient) do(ctx context.Context, target string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}
