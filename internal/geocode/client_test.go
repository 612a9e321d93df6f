package geocode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

const testUserAgent = "spots-test/1.0"

func newTestClient(t *testing.T, baseURL string, configure func(*Config)) *Client {
	t.Helper()
	cfg := Config{BaseURL: baseURL, UserAgent: testUserAgent, RatePerSecond: -1}
	if configure != nil {
		configure(&cfg)
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestReverseLocalitySendsNominatimRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reverse" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		query := r.URL.Query()
		if query.Get("format") != "jsonv2" || query.Get("lat") != "39.36" || query.Get("lon") != "-9.38" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if query.Get("accept-language") != "pt" {
			t.Errorf("expected normalized language, got %q", query.Get("accept-language"))
		}
		if r.Header.Get("User-Agent") != testUserAgent {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"address":{"town":"Peniche","county":"Leiria","country":"Portugal"}}`)
	}))
	defer server.Close()

	locality, found, err := newTestClient(t, server.URL, nil).ReverseLocality(context.Background(), 39.36, -9.38, "pt-BR")
	if err != nil {
		t.Fatalf("reverse failed: %v", err)
	}
	if !found || locality != "Peniche" {
		t.Fatalf("expected Peniche, got %q %v", locality, found)
	}
}

func TestReverseLocalityWithoutLocality(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "error payload", body: `{"error":"Unable to geocode"}`},
		{name: "ocean", body: `{"address":{"country":"Portugal"}}`},
		{name: "no address", body: `{}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, testCase.body)
			}))
			defer server.Close()

			locality, found, err := newTestClient(t, server.URL, nil).ReverseLocality(context.Background(), 0, 0, "")
			if err != nil {
				t.Fatalf("expected success without locality, got %v", err)
			}
			if found || locality != "" {
				t.Fatalf("expected no locality, got %q %v", locality, found)
			}
		})
	}
}

func TestReverseLocalityFailures(t *testing.T) {
	t.Run("upstream status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()
		_, _, err := newTestClient(t, server.URL, nil).ReverseLocality(context.Background(), 1, 1, "en")
		if !errors.Is(err, ErrUpstreamStatus) {
			t.Fatalf("expected ErrUpstreamStatus, got %v", err)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<html>`)
		}))
		defer server.Close()
		if _, _, err := newTestClient(t, server.URL, nil).ReverseLocality(context.Background(), 1, 1, "en"); err == nil {
			t.Fatalf("expected decode error")
		}
	})

	t.Run("slow upstream", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		client := newTestClient(t, server.URL, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })
		started := time.Now()
		if _, _, err := client.ReverseLocality(context.Background(), 1, 1, "en"); err == nil {
			t.Fatalf("expected timeout error")
		}
		if elapsed := time.Since(started); elapsed > 2*time.Second {
			t.Fatalf("expected the call to give up quickly, took %s", elapsed)
		}
	})

	t.Run("invalid coordinate", func(t *testing.T) {
		client := newTestClient(t, "http://127.0.0.1:1", nil)
		if _, _, err := client.ReverseLocality(context.Background(), 91, 0, "en"); !errors.Is(err, ErrInvalidCoordinate) {
			t.Fatalf("expected ErrInvalidCoordinate, got %v", err)
		}
	})
}

func TestNewClientRequiresUserAgent(t *testing.T) {
	if _, err := NewClient(Config{}); !errors.Is(err, ErrMissingUserAgent) {
		t.Fatalf("expected ErrMissingUserAgent, got %v", err)
	}
}

func TestPickLocalityPreference(t *testing.T) {
	testCases := []struct {
		name    string
		address map[string]string
		want    string
		found   bool
	}{
		{name: "city over town", address: map[string]string{"town": "T", "city": "C"}, want: "C", found: true},
		{name: "village over suburb", address: map[string]string{"suburb": "S", "village": "V"}, want: "V", found: true},
		{name: "preferred over fallback", address: map[string]string{"county": "K", "hamlet": "H"}, want: "H", found: true},
		{name: "district fallback", address: map[string]string{"state": "St", "district": "D"}, want: "D", found: true},
		{name: "province fallback", address: map[string]string{"province": "P"}, want: "P", found: true},
		{name: "blank ignored", address: map[string]string{"city": "  ", "town": "T"}, want: "T", found: true},
		{name: "nothing", address: map[string]string{"country": "X"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, found := pickLocality(testCase.address)
			if got != testCase.want || found != testCase.found {
				t.Fatalf("expected %q %v, got %q %v", testCase.want, testCase.found, got, found)
			}
		})
	}
}

func TestNormalizeLanguage(t *testing.T) {
	testCases := map[string]string{
		"":      "en",
		"pt-BR": "pt",
		"es":    "es",
		"!!":    "en",
	}
	for raw, want := range testCases {
		if got := NormalizeLanguage(raw, "en"); got != want {
			t.Fatalf("NormalizeLanguage(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestCacheKeyUsesGeohashCell(t *testing.T) {
	near := cacheKey("en", 39.3600, -9.3800)
	nearer := cacheKey("en", 39.36001, -9.38001)
	far := cacheKey("en", 40.0, -8.0)
	if near != nearer {
		t.Fatalf("expected nearby points to share a key: %s vs %s", near, nearer)
	}
	if near == far {
		t.Fatalf("expected distant points to differ")
	}
	if len(near) != len("revgeo:en:")+cacheKeyPrecision {
		t.Fatalf("unexpected key %q", near)
	}
}

func TestReverseLocalityServesRepeatsFromRedis(t *testing.T) {
	addr := os.Getenv("SPOTS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SPOTS_TEST_REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: addr})
	defer redisClient.Close()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"address":{"village":"Baleal"}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.Redis = redisClient
		cfg.CacheTTL = time.Minute
	})
	ctx := context.Background()
	key := cacheKey("en", 39.37, -9.39)
	redisClient.Del(ctx, key)
	defer redisClient.Del(ctx, key)

	for attempt := 0; attempt < 2; attempt++ {
		locality, found, err := client.ReverseLocality(ctx, 39.37, -9.39, "en")
		if err != nil || !found || locality != "Baleal" {
			t.Fatalf("attempt %d: unexpected result %q %v %v", attempt, locality, found, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", calls.Load())
	}
}
