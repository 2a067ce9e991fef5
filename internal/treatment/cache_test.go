package treatment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cropguard-api/internal/catalog"
	"github.com/Brownie44l1/cropguard-api/internal/treatment"
)

// fakeRedis answers the handful of commands the cache issues.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]int
	fail error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string][]byte), ttls: make(map[string]int)}
}

func (f *fakeRedis) pool() *redis.Pool {
	return &redis.Pool{
		MaxIdle: 1,
		Dial:    func() (redis.Conn, error) { return &fakeConn{srv: f}, nil },
	}
}

type fakeConn struct {
	srv *fakeRedis
}

func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Err() error   { return nil }

func (c *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	f := c.srv
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd {
	case "":
		return nil, nil
	case "PING":
		if f.fail != nil {
			return nil, f.fail
		}
		return "PONG", nil
	case "GET":
		if f.fail != nil {
			return nil, f.fail
		}
		v, ok := f.data[args[0].(string)]
		if !ok {
			return nil, nil
		}
		return v, nil
	case "SETEX":
		if f.fail != nil {
			return nil, f.fail
		}
		key := args[0].(string)
		f.ttls[key] = args[1].(int)
		f.data[key] = args[2].([]byte)
		return "OK", nil
	}
	return nil, errors.New("unsupported command " + cmd)
}

func (c *fakeConn) Send(string, ...interface{}) error { return nil }
func (c *fakeConn) Flush() error                       { return nil }
func (c *fakeConn) Receive() (interface{}, error)      { return nil, nil }

func TestRedisCache_RoundTrip(t *testing.T) {
	srv := newFakeRedis()
	cache := treatment.NewRedisCache(srv.pool(), 0)
	ctx := context.Background()
	key := treatment.CacheKey("Apple___Apple_scab", 0.923)
	assert.Equal(t, "treatment:Apple___Apple_scab:92.3", key)

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	advice := treatment.Advice{
		Disease:    "Apple Scab",
		Crop:       catalog.CropApple,
		Confidence: 0.923,
		Text:       "spray captan",
		ModelUsed:  treatment.DefaultModel,
	}
	require.NoError(t, cache.Set(ctx, key, advice))
	assert.Equal(t, int(time.Hour.Seconds()), srv.ttls[key])

	got, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, advice, got)
	assert.NoError(t, cache.Ping())
}

func TestRedisCache_Errors(t *testing.T) {
	srv := newFakeRedis()
	srv.fail = errors.New("connection refused")
	cache := treatment.NewRedisCache(srv.pool(), time.Minute)

	_, _, err := cache.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, cache.Set(context.Background(), "k", treatment.Advice{}))
	assert.Error(t, cache.Ping())

	srv.fail = nil
	srv.data["bad"] = []byte("{not json")
	_, _, err = cache.Get(context.Background(), "bad")
	assert.Error(t, err)
}
