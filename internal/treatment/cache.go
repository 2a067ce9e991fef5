package treatment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/garyburd/redigo/redis"

	"github.com/Brownie44l1/cropguard-api/internal/catalog"
)

// DefaultCacheTTL is how long generated advice is kept.
const DefaultCacheTTL = time.Hour

// Cache stores advice between identical requests. Misses report ok=false
// with a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (Advice, bool, error)
	Set(ctx context.Context, key string, advice Advice) error
}

// CacheKey is treatment:<raw id>:<confidence percent, one decimal>.
func CacheKey(rawID string, confidence float64) string {
	return fmt.Sprintf("treatment:%s:%.1f", rawID, confidence*100)
}

type cachedAdvice struct {
	Disease    string       `json:"disease"`
	Crop       catalog.Crop `json:"crop"`
	Confidence float64      `json:"confidence"`
	Text       string       `json:"text"`
	ModelUsed  string       `json:"model_used"`
}

// RedisCache keeps advice in Redis under SETEX.
type RedisCache struct {
	pool *redis.Pool
	ttl  time.Duration
}

// NewRedisPool dials address lazily, up to maxActive connections.
func NewRedisPool(address string, maxActive int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     maxActive,
		MaxActive:   maxActive,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			c, err := redis.Dial("tcp", address)
			if err != nil {
				return nil, err
			}
			return c, err
		},
	}
}

func NewRedisCache(pool *redis.Pool, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{pool: pool, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Advice, bool, error) {
	conn := c.pool.Get()
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", key))
	if err == redis.ErrNil {
		return Advice{}, false, nil
	}
	if err != nil {
		return Advice{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var cached cachedAdvice
	if err := json.Unmarshal(data, &cached); err != nil {
		return Advice{}, false, fmt.Errorf("decode cached advice: %w", err)
	}
	return Advice(cached), true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, advice Advice) error {
	serialized, err := json.Marshal(cachedAdvice(advice))
	if err != nil {
		return err
	}

	conn := c.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("SETEX", key, int(c.ttl.Seconds()), serialized); err != nil {
		return fmt.Errorf("redis setex %s: %w", key, err)
	}
	return nil
}

// Ping checks the connection for /health.
func (c *RedisCache) Ping() error {
	conn := c.pool.Get()
	defer conn.Close()
	_, err := conn.Do("PING")
	return err
}
