// internal/adapters/idealista/client.go
package idealista

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"homewatch/internal/adapters/observability"
	"homewatch/internal/domain"
)

const (
	DefaultBaseURL = "https://api.idealista.com"

	// tokenMargin is how long before the real expiry a cached token is
	// considered stale.
	tokenMargin = 60 * time.Second
)

type Config struct {
	BaseURL    string
	Key        string
	Secret     string
	Country    string // es|it|pt
	MaxItems   int
	MaxPages   int
	MaxRetries int // retries on 429/5xx for search calls
	RPS        float64
	Timeout    time.Duration
	Now        func() time.Time
}

// Client is the API-backed domain.Source. The bearer token is private to the
// instance and refreshed lazily.
type Client struct {
	base     string
	key      string
	secret   string
	country  string
	maxItems int
	maxPages int
	retries  int
	hc       *http.Client
	rl       *rate.Limiter
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func New(cfg Config) (*Client, error) {
	if cfg.Key == "" || cfg.Secret == "" {
		return nil, domain.ConfigErrorf("IDEALISTA_API_KEY and IDEALISTA_API_SECRET are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Country == "" {
		cfg.Country = "es"
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 20
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		key:      cfg.Key,
		secret:   cfg.Secret,
		country:  cfg.Country,
		maxItems: cfg.MaxItems,
		maxPages: cfg.MaxPages,
		retries:  cfg.MaxRetries,
		hc:       &http.Client{Timeout: cfg.Timeout},
		rl:       rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		now:      cfg.Now,
	}, nil
}

func (c *Client) Kind() domain.SourceKind { return domain.SourceAPI }

// Fetch runs the search for q and follows totalPages up to the configured
// page cap. Elements that are not JSON objects are reported as dropped.
func (c *Client) Fetch(ctx context.Context, q domain.QueryParameters) (domain.Batch, error) {
	var batch domain.Batch
	idx := 0
	for page := 1; page <= c.maxPages; page++ {
		o := Overrides(q)
		o["numPage"] = page

		resp, err := c.Search(ctx, o)
		if err != nil {
			return domain.Batch{}, err
		}
		for _, el := range resp.Elements {
			m, ok := el.(map[string]any)
			if !ok {
				batch.Dropped = append(batch.Dropped, domain.Dropped{Index: idx, Reason: "element is not an object"})
				idx++
				continue
			}
			batch.Records = append(batch.Records, domain.RawRecord{Kind: domain.SourceAPI, Fields: m})
			idx++
		}
		if page >= resp.TotalPages {
			break
		}
	}
	return batch, nil
}

// Overrides maps query parameters onto search form fields. MinSize stays nil
// when unset so it never replaces anything.
func Overrides(q domain.QueryParameters) map[string]any {
	o := map[string]any{
		"center":    q.Center.String(),
		"distance":  q.Distance,
		"operation": string(q.Type),
		"maxPrice":  q.PriceMax,
		"minSize":   q.MinSize,
	}
	if q.Distance <= 0 {
		o["distance"] = nil
	}
	if q.Type == "" {
		o["operation"] = nil
	}
	if q.PriceMax <= 0 {
		o["maxPrice"] = nil
	}
	return o
}

type SearchResponse struct {
	Elements   []any
	TotalPages int
	Total      int
}

// Search performs one authenticated search call with defaults overlaid by
// the non-nil entries of overrides.
func (c *Client) Search(ctx context.Context, overrides map[string]any) (SearchResponse, error) {
	const op = "idealista.Search"

	tok, err := c.accessToken(ctx)
	if err != nil {
		return SearchResponse{}, err
	}

	form := BuildSearchForm(c.defaults(), overrides)
	endpoint := fmt.Sprintf("%s/3.5/%s/search", c.base, c.country)

	body, err := c.postWithRetry(ctx, op, endpoint, form, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+tok)
	})
	if err != nil {
		return SearchResponse{}, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return SearchResponse{}, domain.ParseError(op, err)
	}
	out := SearchResponse{}
	if v, ok := raw["elementList"]; ok && v != nil {
		list, ok := v.([]any)
		if !ok {
			return SearchResponse{}, domain.ParseError(op, fmt.Errorf("elementList is %T, want array", v))
		}
		out.Elements = list
	}
	if f, ok := raw["totalPages"].(float64); ok {
		out.TotalPages = int(f)
	}
	if f, ok := raw["total"].(float64); ok {
		out.Total = int(f)
	}
	return out, nil
}

func (c *Client) defaults() map[string]any {
	return map[string]any{
		"maxItems":     c.maxItems,
		"numPage":      1,
		"operation":    "sale",
		"propertyType": "homes",
		"distance":     3000,
		"sort":         "desc",
	}
}

// BuildSearchForm overlays overrides on defaults. Nil overrides (including
// typed nil pointers) are skipped so they never erase a default.
func BuildSearchForm(defaults, overrides map[string]any) url.Values {
	form := url.Values{}
	for k, v := range defaults {
		if s, ok := formValue(v); ok {
			form.Set(k, s)
		}
	}
	for k, v := range overrides {
		if s, ok := formValue(v); ok {
			form.Set(k, s)
		}
	}
	return form
}

func formValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case *int:
		if t == nil {
			return "", false
		}
		return strconv.Itoa(*t), true
	case *string:
		if t == nil || *t == "" {
			return "", false
		}
		return *t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// ---- token handling ----

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiry.Add(-tokenMargin)) {
		return c.token, nil
	}

	const op = "idealista.token"
	if err := c.rl.Wait(ctx); err != nil {
		return "", domain.TransportError(op, 0, "", err)
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", domain.TransportError(op, 0, "", err)
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		observability.ObserveExternal("idealista", "token", 0, time.Since(start))
		return "", domain.TransportError(op, 0, "", err)
	}
	defer resp.Body.Close()
	observability.ObserveExternal("idealista", "token", resp.StatusCode, time.Since(start))

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", domain.AuthError(op, resp.StatusCode, strings.TrimSpace(string(b)), nil)
	}

	var tr tokenResponse
	if err := json.Unmarshal(b, &tr); err != nil {
		return "", domain.AuthError(op, resp.StatusCode, "", domain.ParseError(op, err))
	}
	if tr.AccessToken == "" {
		return "", domain.AuthError(op, resp.StatusCode, "response carried no access_token", nil)
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = 3600
	}
	c.token = tr.AccessToken
	c.expiry = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	logger := observability.Named("idealista")
	logger.Info().Time("expires_at", c.expiry).Msg("api token retrieved")
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

// ---- transport ----

// postWithRetry posts a form and returns the body of a 2xx response.
// 429 and transient 5xx are retried up to c.retries times, honoring
// Retry-After. A 401 drops the cached token and surfaces as AuthError.
func (c *Client) postWithRetry(ctx context.Context, op, endpoint string, form url.Values, decorate func(*http.Request)) ([]byte, error) {
	var lastErr error
	for i := 0; i <= c.retries; i++ {
		if err := c.rl.Wait(ctx); err != nil {
			return nil, domain.TransportError(op, 0, "", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, domain.TransportError(op, 0, "", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "homewatch/1.0")
		decorate(req)

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveExternal("idealista", "search", 0, time.Since(start))
			if ctx.Err() != nil {
				return nil, domain.TransportError(op, 0, "", ctx.Err())
			}
			lastErr = domain.TransportError(op, 0, "", err)
			if i < c.retries && sleepCtx(ctx, backoff(i)) {
				continue
			}
			return nil, lastErr
		}
		observability.ObserveExternal("idealista", "search", resp.StatusCode, time.Since(start))

		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return b, nil

		case resp.StatusCode == http.StatusUnauthorized:
			c.invalidateToken()
			return nil, domain.AuthError(op, resp.StatusCode, strings.TrimSpace(string(b)), nil)

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = domain.TransportError(op, resp.StatusCode, snippet(b), nil)
			wait := retryAfter(resp)
			if wait == 0 {
				wait = backoff(i)
			}
			if i < c.retries && sleepCtx(ctx, wait) {
				continue
			}
			return nil, lastErr

		default:
			return nil, domain.TransportError(op, resp.StatusCode, snippet(b), nil)
		}
	}
	return nil, lastErr
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// sleepCtx waits for d or returns false early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After (seconds or HTTP-date). 0 if absent.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff: 200ms, 400ms, 800ms... plus up to 50% jitter.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 200 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	return base + time.Duration(0.5*f*float64(base))
}
