package nominatim

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

	"homewatch/internal/adapters/observability"
	"homewatch/internal/domain"
)

const DefaultBaseURL = "https://nominatim.openstreetmap.org"

// Client resolves zone names with the OpenStreetMap search endpoint. Hits are
// cached when a cache is supplied.
type Client struct {
	base      string
	userAgent string
	hc        *http.Client
	rl        *rate.Limiter
	cache     domain.Cache
	ttlSec    int
}

func New(base, userAgent string, cache domain.Cache, ttlSec int) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	if userAgent == "" {
		userAgent = "homewatch/1.0"
	}
	if ttlSec <= 0 {
		ttlSec = 7 * 24 * 3600
	}
	return &Client{
		base:      strings.TrimRight(base, "/"),
		userAgent: userAgent,
		hc:        &http.Client{Timeout: 10 * time.Second},
		// public instance policy: at most one request per second
		rl:     rate.NewLimiter(rate.Every(time.Second), 1),
		cache:  cache,
		ttlSec: ttlSec,
	}
}

type place struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (c *Client) Geocode(ctx context.Context, zone string) (domain.Coords, bool, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		return domain.Coords{}, false, nil
	}
	key := "geo:" + strings.ToLower(zone)

	if c.cache != nil {
		var cached domain.Coords
		if ok, err := c.cache.Get(ctx, key, &cached); err == nil && ok {
			return cached, true, nil
		}
	}

	if err := c.rl.Wait(ctx); err != nil {
		return domain.Coords{}, false, domain.TransportError("nominatim.Geocode", 0, "", err)
	}

	q := url.Values{"q": {zone}, "format": {"json"}, "limit": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/search?"+q.Encode(), nil)
	if err != nil {
		return domain.Coords{}, false, domain.TransportError("nominatim.Geocode", 0, "", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		observability.ObserveExternal("nominatim", "search", 0, time.Since(start))
		return domain.Coords{}, false, domain.TransportError("nominatim.Geocode", 0, "", err)
	}
	defer resp.Body.Close()
	observability.ObserveExternal("nominatim", "search", resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.Coords{}, false, domain.TransportError("nominatim.Geocode", resp.StatusCode, strings.TrimSpace(string(b)), nil)
	}

	var places []place
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return domain.Coords{}, false, domain.ParseError("nominatim.Geocode", err)
	}
	if len(places) == 0 || places[0].Lat == "" || places[0].Lon == "" {
		return domain.Coords{}, false, nil
	}

	lat, err1 := strconv.ParseFloat(places[0].Lat, 64)
	lon, err2 := strconv.ParseFloat(places[0].Lon, 64)
	if err1 != nil || err2 != nil {
		return domain.Coords{}, false, domain.ParseError("nominatim.Geocode", fmt.Errorf("bad coordinates %q,%q", places[0].Lat, places[0].Lon))
	}
	out := domain.Coords{Lat: lat, Lon: lon}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, out, c.ttlSec); err != nil {
			logger := observability.Named("nominatim")
			logger.Warn().Err(err).Str("zone", zone).Msg("geocode cache set failed")
		}
	}
	return out, true, nil
}
