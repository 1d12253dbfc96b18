package infra

import (
	"context"
	"errors"
	"strings"
	"time"

	"download-gateway/download/domain"

	"github.com/redis/go-redis/v9"
)

// incrScript soma delta e aplica o TTL só quando a chave ainda não expira,
// mantendo a janela fixa a partir do primeiro incremento.
var incrScript = redis.NewScript(`
local n = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 and redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return n
`)

// claimScript lê o contador e subtrai exatamente o valor lido.
var claimScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n > 0 then
  redis.call("DECRBY", KEYS[1], n)
  return n
end
return 0
`)

// removeIfZeroScript tira o membro do índice somente se o contador dele
// estiver zerado (ou ausente).
var removeIfZeroScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[2]) or "0")
if n > 0 then
  return 0
end
return redis.call("SREM", KEYS[1], ARGV[1])
`)

// RedisCache implementa domain.AtomicCache sobre Redis.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
}

type RedisCacheOption func(*RedisCache)

func WithCachePrefix(prefix string) RedisCacheOption {
	return func(c *RedisCache) {
		c.prefix = strings.Trim(prefix, ":")
	}
}

func NewRedisCache(rdb redis.UniversalClient, opts ...RedisCacheOption) *RedisCache {
	c := &RedisCache{rdb: rdb, prefix: "dlgw"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCacheMiss
	}
	return b, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.rdb.Set(ctx, c.key(key), value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.rdb.Del(ctx, full...).Err()
}

// Take usa GETDEL: só um chamador recebe o valor.
func (c *RedisCache) Take(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.GetDel(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCacheMiss
	}
	return b, err
}

func (c *RedisCache) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return incrScript.Run(ctx, c.rdb, []string{c.key(key)}, delta, ttl.Milliseconds()).Int64()
}

func (c *RedisCache) Counter(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, c.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *RedisCache) Claim(ctx context.Context, key string) (int64, error) {
	return claimScript.Run(ctx, c.rdb, []string{c.key(key)}).Int64()
}

func (c *RedisCache) SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, c.key(key), args...)
	if ttl > 0 {
		pipe.Expire(ctx, c.key(key), ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) SetMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, c.key(key)).Result()
}

func (c *RedisCache) SetRemoveIfZero(ctx context.Context, key, member, counterKey string) (bool, error) {
	n, err := removeIfZeroScript.Run(ctx, c.rdb, []string{c.key(key), c.key(counterKey)}, member).Int64()
	return n > 0, err
}

// Ping verifica a conexão; usado no healthcheck.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
