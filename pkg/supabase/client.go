package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/user/ratatosk"
	"golang.org/x/time/rate"
)

// Config connects the client to a PostgREST deployment.
type Config struct {
	URL               string // project base URL, e.g. https://abc.supabase.co
	ServiceKey        string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables client-side pacing
	Burst             int
}

// Client talks to the sink through its REST surface: upserts and deletes
// go to table endpoints, DDL and dynamic selects through the exec_sql
// procedure. All requests pass a shared rate limiter.
type Client struct {
	baseURL string
	key     string
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("supabase service key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL: cfg.URL,
		key:     cfg.ServiceKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}, nil
}

// do sends one authenticated request and returns status plus body.
// Transport failures surface as SinkUnavailable.
func (c *Client) do(ctx context.Context, method, url string, body []byte, prefer string) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, ratatosk.Wrap(ratatosk.KindSinkUnavailable, err, "sink request cancelled")
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, ratatosk.Wrap(ratatosk.KindSinkUnavailable, err, "failed to build sink request")
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, ratatosk.Wrap(ratatosk.KindSinkUnavailable, err, "sink unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, ratatosk.Wrap(ratatosk.KindSinkUnavailable, err, "failed to read sink response")
	}
	return resp.StatusCode, respBody, nil
}

// errorMessage digs the PostgREST error message out of a response body,
// falling back to the raw body.
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "message"); msg.Exists() {
		return msg.String()
	}
	if len(body) > 0 {
		return string(body)
	}
	return "no error detail"
}

// missingRelation reports whether a response describes a table that does
// not exist yet, either as a raw Postgres error or through PostgREST's
// schema cache.
func missingRelation(body []byte) bool {
	code := gjson.GetBytes(body, "code").String()
	if code == "42P01" || code == "PGRST205" {
		return true
	}
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = string(body)
	}
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "Could not find the table")
}
