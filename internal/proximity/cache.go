package proximity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

// CachedGeocoder memoizes geocodes in Redis. Failures are not cached.
type CachedGeocoder struct {
	inner  Geocoder
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewCachedGeocoder(inner Geocoder, redisClient *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedGeocoder {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &CachedGeocoder{inner: inner, redis: redisClient, ttl: ttl, logger: logger}
}

func geocodeKey(address string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(address)), " ")
	return fmt.Sprintf("dispatch:geocode:%s", normalized)
}

func (c *CachedGeocoder) Geocode(ctx context.Context, address string) (Coordinates, error) {
	key := geocodeKey(address)
	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var coords Coordinates
		if jsonErr := json.Unmarshal(data, &coords); jsonErr == nil {
			return coords, nil
		}
		c.logger.Warn("discarding corrupt geocode cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		// Redis is an optimization; fall through to the live geocoder.
		c.logger.Warn("geocode cache read failed", "error", err)
	}

	coords, err := c.inner.Geocode(ctx, address)
	if err != nil {
		return Coordinates{}, err
	}
	if payload, err := json.Marshal(coords); err == nil {
		if err := c.redis.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("geocode cache write failed", "error", err)
		}
	}
	return coords, nil
}
