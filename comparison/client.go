package comparison

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/epubviz/horosafe"
)

// ErrNoPreview means the API has no visual comparison for the change
// (HTTP 404 or 501). It is an expected outcome, not a failure.
var ErrNoPreview = errors.New("comparison: no visual preview for this change")

// ErrInvalidKey is returned for job or change ids unsafe to put in a URL path.
var ErrInvalidKey = errors.New("comparison: invalid job or change id")

// StatusError is an unexpected HTTP status from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("comparison: api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("comparison: api returned %d: %s", e.StatusCode, e.Body)
}

// Source fetches comparisons by key.
type Source interface {
	VisualComparison(ctx context.Context, jobID, changeID string) (*VisualComparison, error)
}

// Validate checks both ids.
func (k Key) Validate() error {
	if err := horosafe.ValidateIdentifier(k.JobID); err != nil {
		return fmt.Errorf("%w: job: %v", ErrInvalidKey, err)
	}
	if err := horosafe.ValidateIdentifier(k.ChangeID); err != nil {
		return fmt.Errorf("%w: change: %v", ErrInvalidKey, err)
	}
	return nil
}

// ClientConfig configures the API client.
type ClientConfig struct {
	// BaseURL is the API origin, e.g. "https://audit.internal".
	BaseURL string
	// Timeout per request. Default 30s.
	Timeout time.Duration
	// MaxBytes caps the response body. Default 16 MiB.
	MaxBytes int64
	// Token is sent as a bearer token when set.
	Token     string
	UserAgent string
	// HTTPClient replaces the default client (Timeout is then ignored).
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *ClientConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 16 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "epubviz/1.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client calls the visual-comparison endpoint.
type Client struct {
	cfg  ClientConfig
	base *url.URL
	http *http.Client
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.defaults()
	u, err := horosafe.HTTPURL(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("comparison: base url %q: %w", cfg.BaseURL, err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if req.URL.Host != u.Host {
					return fmt.Errorf("redirect to %s blocked", req.URL.Host)
				}
				return nil
			},
		}
	}
	return &Client{cfg: cfg, base: u, http: hc}, nil
}

// Endpoint returns the URL for a key.
func (c *Client) Endpoint(jobID, changeID string) string {
	return c.base.String() + "/api/v1/epub/job/" + url.PathEscape(jobID) +
		"/changes/" + url.PathEscape(changeID) + "/visual-comparison"
}

// VisualComparison fetches the comparison for (jobID, changeID). A 404 or
// 501 yields ErrNoPreview; any other non-2xx status a *StatusError.
func (c *Client) VisualComparison(ctx context.Context, jobID, changeID string) (*VisualComparison, error) {
	key := Key{JobID: jobID, ChangeID: changeID}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint(jobID, changeID), nil)
	if err != nil {
		return nil, fmt.Errorf("comparison: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comparison: get %s: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := horosafe.LimitedReadAll(resp.Body, c.cfg.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("comparison: read %s: %w", key, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented:
		c.cfg.Logger.Debug("comparison: no preview", "key", key.String(), "status", resp.StatusCode)
		return nil, ErrNoPreview
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)}
	}

	vc, err := Decode(body)
	if err != nil {
		return nil, fmt.Errorf("comparison: decode %s: %w", key, err)
	}
	c.cfg.Logger.Debug("comparison: fetched", "key", key.String(),
		"bytes", len(body), "duration", time.Since(start))
	return vc, nil
}

// Decode parses a comparison payload. A {"data": {...}} envelope is
// unwrapped.
func Decode(body []byte) (*VisualComparison, error) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if d := bytes.TrimSpace(env.Data); len(d) > 0 && d[0] == '{' {
		body = d
	}
	var vc VisualComparison
	if err := json.Unmarshal(body, &vc); err != nil {
		return nil, err
	}
	return &vc, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
