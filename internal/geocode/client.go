// Package geocode resolves coordinates to a locality name through a Nominatim
// compatible reverse geocoding API.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pablormago/SpotsAndroid-public-sub002/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL       = "https://nominatim.openstreetmap.org"
	DefaultLanguage      = "en"
	DefaultTimeout       = 5 * time.Second
	DefaultRatePerSecond = 1.0
	DefaultCacheTTL      = 30 * 24 * time.Hour

	reversePath  = "/reverse"
	reverseZoom  = "14"
	maxBodyBytes = 1 << 20

	outcomeFound    = "found"
	outcomeNotFound = "not_found"
	outcomeError    = "error"
)

var (
	// ErrMissingUserAgent indicates a client configured without an identifying User-Agent.
	ErrMissingUserAgent = errors.New("geocode: user agent is required")
	// ErrInvalidCoordinate indicates a latitude or longitude outside its range.
	ErrInvalidCoordinate = errors.New("geocode: invalid coordinate")
	// ErrUpstreamStatus indicates the geocoder answered with a non-200 status.
	ErrUpstreamStatus = errors.New("geocode: unexpected upstream status")
)

// Preferred address keys, most specific first. The fallback keys are only consulted
// when none of the preferred keys is present.
var (
	preferredLocalityKeys = []string{"city", "town", "village", "municipality", "hamlet", "suburb"}
	fallbackLocalityKeys  = []string{"district", "county", "state", "region", "province"}
)

// Config describes a reverse geocoding client.
type Config struct {
	BaseURL   string
	UserAgent string
	Language  string
	Timeout   time.Duration
	// RatePerSecond throttles outbound requests. A negative value disables throttling.
	RatePerSecond float64
	Redis         *redis.Client
	CacheTTL      time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// Client performs throttled, optionally cached reverse lookups.
type Client struct {
	baseURL    string
	userAgent  string
	language   string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *redisCache
	logger     *zap.Logger
}

type reverseResponse struct {
	Error   string            `json:"error"`
	Address map[string]string `json:"address"`
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		return nil, ErrMissingUserAgent
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("geocode: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(timeout)
	}
	limit := rate.Limit(cfg.RatePerSecond)
	switch {
	case cfg.RatePerSecond < 0:
		limit = rate.Inf
	case cfg.RatePerSecond == 0:
		limit = rate.Limit(DefaultRatePerSecond)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &Client{
		baseURL:    baseURL,
		userAgent:  userAgent,
		language:   NormalizeLanguage(cfg.Language, DefaultLanguage),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
	if cfg.Redis != nil {
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = DefaultCacheTTL
		}
		client.cache = &redisCache{client: cfg.Redis, ttl: ttl}
	}
	return client, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout / 2, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout / 2,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// NormalizeLanguage reduces a language tag such as "pt-BR" to its base language.
// Empty or unparseable input yields fallback.
func NormalizeLanguage(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return fallback
	}
	base, confidence := tag.Base()
	if confidence == language.No {
		return fallback
	}
	return base.String()
}

// ReverseLocality returns the most specific locality name at (lat, lng). The boolean
// reports whether the geocoder knew a locality; a successful lookup without one
// returns ("", false, nil). Errors are transport, status or decoding failures.
func (c *Client) ReverseLocality(ctx context.Context, lat, lng float64, lang string) (string, bool, error) {
	if !validCoordinate(lat, lng) {
		return "", false, fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinate, lat, lng)
	}
	lang = NormalizeLanguage(lang, c.language)

	if c.cache != nil {
		entry, ok, err := c.cache.get(ctx, lang, lat, lng)
		if err != nil {
			c.logger.Warn("geocode cache read failed", zap.Error(err))
		}
		if ok {
			metrics.GeocoderCacheHitsTotal.Inc()
			return entry.Locality, entry.Found, nil
		}
		metrics.GeocoderCacheMissesTotal.Inc()
	}

	locality, found, err := c.fetch(ctx, lat, lng, lang)
	if err != nil {
		metrics.GeocoderRequestsTotal.WithLabelValues(outcomeError).Inc()
		return "", false, err
	}
	if found {
		metrics.GeocoderRequestsTotal.WithLabelValues(outcomeFound).Inc()
	} else {
		metrics.GeocoderRequestsTotal.WithLabelValues(outcomeNotFound).Inc()
	}

	if c.cache != nil {
		if err := c.cache.set(ctx, lang, lat, lng, cacheEntry{Locality: locality, Found: found}); err != nil {
			c.logger.Warn("geocode cache write failed", zap.Error(err))
		}
	}
	return locality, found, nil
}

func (c *Client) fetch(ctx context.Context, lat, lng float64, lang string) (string, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", false, fmt.Errorf("geocode: throttle: %w", err)
	}

	query := url.Values{}
	query.Set("format", "jsonv2")
	query.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	query.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	query.Set("zoom", reverseZoom)
	query.Set("addressdetails", "1")
	query.Set("accept-language", lang)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+reversePath+"?"+query.Encode(), nil)
	if err != nil {
		return "", false, fmt.Errorf("geocode: creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", lang)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.GeocoderDurationMs.Observe(float64(time.Since(started).Milliseconds()))
	if err != nil {
		return "", false, fmt.Errorf("geocode: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	var payload reverseResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return "", false, fmt.Errorf("geocode: decoding response: %w", err)
	}
	if payload.Error != "" {
		return "", false, nil
	}
	locality, found := pickLocality(payload.Address)
	return locality, found, nil
}

func pickLocality(address map[string]string) (string, bool) {
	for _, keys := range [][]string{preferredLocalityKeys, fallbackLocalityKeys} {
		for _, key := range keys {
			if value := strings.TrimSpace(address[key]); value != "" {
				return value, true
			}
		}
	}
	return "", false
}

func validCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
