package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the read-through cache consulted by FindStock. Mutations never read it.
//
// Every key carries a generation bumped by Invalidate. A reader takes the
// generation before loading from the database and Set stores the record only
// while the generation is unchanged, so a fill racing a commit is dropped.
type Cache interface {
	Get(ctx context.Context, key Key) (Record, bool, error)
	Generation(ctx context.Context, key Key) (int64, error)
	Set(ctx context.Context, rec Record, generation int64) error
	Invalidate(ctx context.Context, keys ...Key) error
}

// generationTTL keeps generation counters of idle keys from piling up. It is
// refreshed on every invalidation.
const generationTTL = 7 * 24 * time.Hour

var errStaleFill = errors.New("inventory: cache fill superseded")

// RedisCache stores records as JSON under stockledger:stock:<location>:<variant>
// and their generation under the same key with a :gen suffix.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache instantiates the cache. A non-positive ttl disables expiry.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(k Key) string {
	return fmt.Sprintf("stockledger:stock:%d:%d", k.LocationID, k.VariantID)
}

func generationKey(k Key) string {
	return cacheKey(k) + ":gen"
}

func readGeneration(ctx context.Context, c redis.Cmdable, k Key) (int64, error) {
	gen, err := c.Get(ctx, generationKey(k)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Get returns the cached record if present.
func (c *RedisCache) Get(ctx context.Context, key Key) (Record, bool, error) {
	if c == nil || c.client == nil {
		return Record{}, false, nil
	}
	raw, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Generation returns the current generation of key, zero when never invalidated.
func (c *RedisCache) Generation(ctx context.Context, key Key) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	return readGeneration(ctx, c.client, key)
}

// Set stores rec if the key is still at generation. A superseded fill is
// dropped without error.
func (c *RedisCache) Set(ctx context.Context, rec Record, generation int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := c.ttl
	if ttl < 0 {
		ttl = 0
	}
	key := rec.Key()
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != generation {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cacheKey(key), raw, ttl)
			return nil
		})
		return err
	}, generationKey(key))
	if errors.Is(err, errStaleFill) || errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// Invalidate drops the given keys and bumps their generations.
func (c *RedisCache) Invalidate(ctx context.Context, keys ...Key) error {
	if c == nil || c.client == nil || len(keys) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Del(ctx, cacheKey(k))
			pipe.Incr(ctx, generationKey(k))
			pipe.Expire(ctx, generationKey(k), generationTTL)
		}
		return nil
	})
	return err
}
