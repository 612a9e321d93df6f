package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	geohash "github.com/TomiHiltunen/geohash-golang"
	"github.com/redis/go-redis/v9"
)

// cacheKeyPrecision keeps about 150m cells, finer than a locality boundary needs.
const cacheKeyPrecision = 7

type cacheEntry struct {
	Locality string `json:"locality"`
	Found    bool   `json:"found"`
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func cacheKey(lang string, lat, lng float64) string {
	hash := geohash.Encode(lat, lng)
	if len(hash) > cacheKeyPrecision {
		hash = hash[:cacheKeyPrecision]
	}
	return fmt.Sprintf("revgeo:%s:%s", lang, hash)
}

func (c *redisCache) get(ctx context.Context, lang string, lat, lng float64) (cacheEntry, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(lang, lat, lng)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cacheEntry{}, false, nil
	}
	if err != nil {
		return cacheEntry{}, false, err
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cacheEntry{}, false, fmt.Errorf("geocode: decode cache entry: %w", err)
	}
	return entry, true, nil
}

func (c *redisCache) set(ctx context.Context, lang string, lat, lng float64, entry cacheEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(lang, lat, lng), encoded, c.ttl).Err()
}
