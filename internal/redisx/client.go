package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Claim sets key only if it is absent. It reports whether this caller won.
func Claim(ctx context.Context, rdb *redis.Client, key, value string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, value, ttl).Result()
}

// GetString returns ("", false, nil) for a missing key.
func GetString(ctx context.Context, rdb *redis.Client, key string) (string, bool, error) {
	v, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// DedupKey names one processed gateway event.
func DedupKey(service, id string) string {
	return fmt.Sprintf(KeyDedup, service, id)
}

// OrderCache keeps short-lived JSON views of orders keyed by code. It is a
// read accelerator only; every write goes to the ledger first and then
// invalidates the entry.
type OrderCache struct {
	RDB    *redis.Client
	TTL    time.Duration
	Logger *slog.Logger
}

func (c *OrderCache) key(code string) string {
	return fmt.Sprintf(KeyOrderStatus, code)
}

func (c *OrderCache) Get(ctx context.Context, code string, v any) (bool, error) {
	raw, ok, err := GetString(ctx, c.RDB, c.key(code))
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, err
	}
	return true, nil
}

func (c *OrderCache) Put(ctx context.Context, code string, v any) {
	b, err := json.Marshal(v)
	if err == nil {
		ttl := c.TTL
		if ttl <= 0 {
			ttl = TTLStatusCache
		}
		err = c.RDB.Set(ctx, c.key(code), b, ttl).Err()
	}
	if err != nil {
		c.log().Warn("order cache put", "order", code, "err", err)
	}
}

func (c *OrderCache) InvalidateOrder(ctx context.Context, code string) {
	if err := c.RDB.Del(ctx, c.key(code)).Err(); err != nil {
		c.log().Warn("order cache invalidate", "order", code, "err", err)
	}
}

func (c *OrderCache) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// SetUnitAvailability records the last known status of a unit for catalog
// readers that must not hit the ledger.
func SetUnitAvailability(ctx context.Context, rdb *redis.Client, unitID, status string) error {
	return rdb.Set(ctx, fmt.Sprintf(KeyUnitAvailability, unitID), status, TTLAvailability).Err()
}

// FillUnitAvailability caches status only when nothing is cached for the unit,
// so a late event never replaces a newer write-through value.
func FillUnitAvailability(ctx context.Context, rdb *redis.Client, unitID, status string) (bool, error) {
	return rdb.SetNX(ctx, fmt.Sprintf(KeyUnitAvailability, unitID), status, TTLAvailability).Result()
}

func UnitAvailability(ctx context.Context, rdb *redis.Client, unitID string) (string, bool, error) {
	return GetString(ctx, rdb, fmt.Sprintf(KeyUnitAvailability, unitID))
}

// AvailabilityCache writes each unit transition through to the catalog cache.
type AvailabilityCache struct {
	RDB    *redis.Client
	Logger *slog.Logger
}

func (c *AvailabilityCache) PutUnitStatus(ctx context.Context, unitID, status string) {
	if err := SetUnitAvailability(ctx, c.RDB, unitID, status); err != nil {
		// No entry beats a stale one; readers fall back to the ledger.
		_ = c.RDB.Del(ctx, fmt.Sprintf(KeyUnitAvailability, unitID)).Err()
		c.log().Warn("availability cache write", "unit", unitID, "status", status, "err", err)
	}
}

func (c *AvailabilityCache) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
