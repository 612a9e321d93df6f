package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/auth"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/favorites"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/ratings"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/remote"
	"github.com/pablormago/SpotsAndroid-public-sub002/internal/spots"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "router-test-secret"
	testIssuer        = "spots-test"
)

type testEnvironment struct {
	server   *httptest.Server
	cache    *spots.Cache
	remote   *remote.SQLStore
	issuer   *auth.TokenIssuer
	backfill *countingTrigger
}

type countingTrigger struct {
	calls atomic.Int32
}

func (c *countingTrigger) Trigger() {
	c.calls.Add(1)
}

func openMemoryDatabase(t *testing.T, name string, models ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestEnvironment(t *testing.T, withBackfill bool) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cache, err := spots.NewCache(spots.CacheConfig{Database: openMemoryDatabase(t, "router_cache", &spots.Spot{})})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	backend, err := remote.NewSQLStore(remote.SQLStoreConfig{Database: openMemoryDatabase(t, "router_remote", &remote.DocumentRow{})})
	if err != nil {
		t.Fatalf("failed to construct remote store: %v", err)
	}
	registry, err := favorites.NewRegistry(favorites.Config{Remote: backend})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(registry.Close)
	aggregator, err := ratings.NewAggregator(ratings.Config{Remote: backend})
	if err != nil {
		t.Fatalf("failed to construct aggregator: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	env := &testEnvironment{cache: cache, remote: backend, issuer: issuer}
	deps := Dependencies{
		Sessions:  validator,
		Spots:     cache,
		Favorites: registry,
		Ratings:   aggregator,
		Heartbeat: time.Hour,
	}
	if withBackfill {
		env.backfill = &countingTrigger{}
		deps.Backfill = env.backfill
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	env.server = httptest.NewServer(handler)
	t.Cleanup(env.server.Close)
	return env
}

func (env *testEnvironment) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := env.issuer.IssueToken(userID, userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (env *testEnvironment) do(t *testing.T, method, path, token, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, env.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := env.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return response.StatusCode, payload
}

func seedSpots(t *testing.T, cache *spots.Cache, records ...spots.SpotRecord) {
	t.Helper()
	if err := cache.UpsertAll(context.Background(), records); err != nil {
		t.Fatalf("failed to seed spots: %v", err)
	}
}

func spotRecord(id string, lat, lng float64, visibility spots.Visibility, createdBy string, updatedAtMs int64) spots.SpotRecord {
	record := spots.SpotRecord{
		ID:          spots.SpotID(id),
		Latitude:    lat,
		Longitude:   lng,
		Visibility:  visibility,
		Name:        id,
		CreatedBy:   createdBy,
		UpdatedAtMs: updatedAtMs,
	}
	if visibility == spots.VisibilityDeleted {
		deletedAt := updatedAtMs
		record.DeletedAtMs = &deletedAt
	}
	return record
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := newTestEnvironment(t, false)
	if status, _ := env.do(t, http.MethodGet, "/healthz", "", ""); status != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", status)
	}
	status, body := env.do(t, http.MethodGet, "/metrics", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", status)
	}
	if !strings.Contains(string(body), "spots_") {
		t.Fatalf("expected spots metrics in exposition, got %d bytes", len(body))
	}
}

func TestViewportReturnsPublicSpotsOnly(t *testing.T) {
	env := newTestEnvironment(t, false)
	seedSpots(t, env.cache,
		spotRecord("public-old", 10, 10, spots.VisibilityPublic, "u1", 100),
		spotRecord("public-new", 11, 11, spots.VisibilityPublic, "u1", 200),
		spotRecord("private", 10, 10, spots.VisibilityPrivate, "u1", 300),
		spotRecord("deleted", 10, 10, spots.VisibilityDeleted, "u1", 400),
		spotRecord("outside", 50, 50, spots.VisibilityPublic, "u1", 500),
	)

	status, body := env.do(t, http.MethodGet, "/spots?minLat=0&maxLat=20&minLng=0&maxLng=20", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	var payload struct {
		Spots []struct {
			ID string `json:"id"`
		} `json:"spots"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	ids := make([]string, 0, len(payload.Spots))
	for _, spot := range payload.Spots {
		ids = append(ids, spot.ID)
	}
	if !slices.Equal(ids, []string{"public-new", "public-old"}) {
		t.Fatalf("unexpected viewport result %v", ids)
	}

	status, body = env.do(t, http.MethodGet, "/spots?minLat=0&maxLat=20&minLng=0&maxLng=20&limit=1", "", "")
	if status != http.StatusOK || strings.Count(string(body), `"id"`) != 1 {
		t.Fatalf("expected a single spot with limit=1, got %d: %s", status, body)
	}
}

func TestViewportRejectsInvalidInput(t *testing.T) {
	env := newTestEnvironment(t, false)
	testCases := map[string]string{
		"missing bound":     "/spots?minLat=0&maxLat=20&minLng=0",
		"non numeric bound": "/spots?minLat=a&maxLat=20&minLng=0&maxLng=1",
		"inverted latitude": "/spots?minLat=30&maxLat=20&minLng=0&maxLng=1",
		"non numeric limit": "/spots?minLat=0&maxLat=20&minLng=0&maxLng=1&limit=x",
		"zero limit":        "/spots?minLat=0&maxLat=20&minLng=0&maxLng=1&limit=0",
	}
	for name, path := range testCases {
		t.Run(name, func(t *testing.T) {
			if status, body := env.do(t, http.MethodGet, path, "", ""); status != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", status, body)
			}
		})
	}
}

func TestGetSpotHonoursVisibility(t *testing.T) {
	env := newTestEnvironment(t, false)
	seedSpots(t, env.cache,
		spotRecord("mine", 1, 1, spots.VisibilityPrivate, "u1", 100),
		spotRecord("gone", 1, 1, spots.VisibilityDeleted, "u1", 100),
	)

	testCases := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{name: "private anonymous", path: "/spots/mine", status: http.StatusNotFound},
		{name: "private other user", path: "/spots/mine", token: env.token(t, "u2"), status: http.StatusNotFound},
		{name: "private creator", path: "/spots/mine", token: env.token(t, "u1"), status: http.StatusOK},
		{name: "tombstone", path: "/spots/gone", status: http.StatusOK},
		{name: "missing", path: "/spots/absent", status: http.StatusNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if status, body := env.do(t, http.MethodGet, testCase.path, testCase.token, ""); status != testCase.status {
				t.Fatalf("expected %d, got %d: %s", testCase.status, status, body)
			}
		})
	}
}

func TestRatingEndpoints(t *testing.T) {
	env := newTestEnvironment(t, false)
	if err := env.remote.Set(context.Background(), "spots/s1", map[string]any{"name": "Supertubos"}); err != nil {
		t.Fatalf("failed to seed spot document: %v", err)
	}

	if status, _ := env.do(t, http.MethodPost, "/spots/s1/rating", "", `{"stars":5}`); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", status)
	}
	if status, body := env.do(t, http.MethodPost, "/spots/s1/rating", env.token(t, "u1"), `{"stars":5}`); status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	status, body := env.do(t, http.MethodPost, "/spots/s1/rating", env.token(t, "u2"), `{"stars":3}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	var aggregate ratings.Aggregate
	if err := json.Unmarshal(body, &aggregate); err != nil {
		t.Fatalf("failed to decode aggregate: %v", err)
	}
	if aggregate.Count != 2 || aggregate.Average != 4 {
		t.Fatalf("unexpected aggregate %+v", aggregate)
	}

	status, body = env.do(t, http.MethodGet, "/spots/s1/rating", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected summary 200, got %d: %s", status, body)
	}
	if err := json.Unmarshal(body, &aggregate); err != nil || aggregate.Votes["u1"] != 5 {
		t.Fatalf("unexpected summary %s (%v)", body, err)
	}

	failures := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "stars out of range", path: "/spots/s1/rating", body: `{"stars":6}`, status: http.StatusBadRequest},
		{name: "stars missing", path: "/spots/s1/rating", body: `{}`, status: http.StatusBadRequest},
		{name: "unknown spot", path: "/spots/unknown/rating", body: `{"stars":4}`, status: http.StatusNotFound},
	}
	for _, failure := range failures {
		t.Run(failure.name, func(t *testing.T) {
			if status, body := env.do(t, http.MethodPost, failure.path, env.token(t, "u1"), failure.body); status != failure.status {
				t.Fatalf("expected %d, got %d: %s", failure.status, status, body)
			}
		})
	}
}

func TestFavoritesToggleListAndLogout(t *testing.T) {
	env := newTestEnvironment(t, false)
	token := env.token(t, "u1")

	if status, _ := env.do(t, http.MethodGet, "/favorites", "", ""); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", status)
	}

	status, body := env.do(t, http.MethodPost, "/favorites/s1/toggle", token, "")
	if status != http.StatusOK || !strings.Contains(string(body), `"favorited":true`) {
		t.Fatalf("unexpected toggle response %d: %s", status, body)
	}
	if _, err := env.remote.Get(context.Background(), "users/u1/favorites/s1"); err != nil {
		t.Fatalf("expected remote favorite edge: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, body = env.do(t, http.MethodGet, "/favorites", token, "")
		if status == http.StatusOK && strings.Contains(string(body), `"spotIds":["s1"]`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("favorites never listed s1, last response %d: %s", status, body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if status, _ := env.do(t, http.MethodPost, "/auth/logout", token, ""); status != http.StatusNoContent {
		t.Fatalf("expected logout 204, got %d", status)
	}
}

func TestFavoritesStreamDeliversChanges(t *testing.T) {
	env := newTestEnvironment(t, false)
	token := env.token(t, "u1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/favorites/stream?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to build stream request: %v", err)
	}
	response, err := env.server.Client().Do(request)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected stream 200, got %d", response.StatusCode)
	}
	if !strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", response.Header.Get("Content-Type"))
	}

	events := make(chan favoritesPayload, 16)
	go func() {
		defer close(events)
		reader := bufio.NewReader(response.Body)
		var eventType string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:") && eventType == realtimeEventFavorites:
				var payload favoritesPayload
				if json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload) == nil {
					events <- payload
				}
			}
		}
	}()

	select {
	case <-events:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the initial favorites event")
	}

	if status, body := env.do(t, http.MethodPost, "/favorites/s7/toggle", token, ""); status != http.StatusOK {
		t.Fatalf("toggle failed %d: %s", status, body)
	}

	for {
		select {
		case payload, open := <-events:
			if !open {
				t.Fatalf("stream closed before delivering the toggle")
			}
			if payload.UserID != "u1" {
				t.Fatalf("unexpected user id %q", payload.UserID)
			}
			if slices.Equal(payload.SpotIDs, []string{"s7"}) {
				return
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for the toggled favorite")
		}
	}
}

func TestSimplifyEndpoint(t *testing.T) {
	env := newTestEnvironment(t, false)
	body := `{
		"polylines": [{"id": "coast", "points": [{"lng":0,"lat":0},{"lng":1,"lat":1},{"lng":2,"lat":2}]}],
		"polygons": [{"id": "sliver", "rings": [[{"lng":0,"lat":0},{"lng":0.000001,"lat":0},{"lng":0,"lat":0}]]}]
	}`
	status, payload := env.do(t, http.MethodPost, "/geometry/simplify?zoom=3", "", body)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, payload)
	}
	var response simplifyResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Polylines) != 1 || response.Polylines[0].ID != "coast" || len(response.Polylines[0].Points) != 2 {
		t.Fatalf("expected collinear polyline to collapse to its endpoints, got %+v", response.Polylines)
	}
	if len(response.Polygons) != 0 {
		t.Fatalf("expected degenerate polygon to be dropped, got %+v", response.Polygons)
	}
	if response.Tolerance <= 0 {
		t.Fatalf("expected positive tolerance, got %v", response.Tolerance)
	}

	if status, _ := env.do(t, http.MethodPost, "/geometry/simplify", "", body); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without zoom, got %d", status)
	}
}

func TestBackfillTriggerEndpoint(t *testing.T) {
	env := newTestEnvironment(t, true)
	token := env.token(t, "u1")
	if status, _ := env.do(t, http.MethodPost, "/backfill/trigger", token, ""); status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}
	if env.backfill.calls.Load() != 1 {
		t.Fatalf("expected one trigger, got %d", env.backfill.calls.Load())
	}

	disabled := newTestEnvironment(t, false)
	if status, _ := disabled.do(t, http.MethodPost, "/backfill/trigger", disabled.token(t, "u1"), ""); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a coordinator, got %d", status)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}
