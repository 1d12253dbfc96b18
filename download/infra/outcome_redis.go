package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"download-gateway/download/domain"

	"github.com/redis/go-redis/v9"
)

// RedisOutcomeStore agrega desfechos do gate em hashes Redis:
// total cumulativo, série por minuto e, opcionalmente, por versão.
type RedisOutcomeStore struct {
	rdb redis.UniversalClient

	prefix string
	// ttl aplica apenas em chaves de série temporal / por versão.
	// total é cumulativo e não expira.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackVersions bool
}

type RedisOutcomeOption func(*RedisOutcomeStore)

func WithOutcomePrefix(prefix string) RedisOutcomeOption {
	return func(s *RedisOutcomeStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithOutcomeTTL(d time.Duration) RedisOutcomeOption {
	return func(s *RedisOutcomeStore) { s.ttl = d }
}

func WithOutcomeBucket(bucket string) RedisOutcomeOption {
	return func(s *RedisOutcomeStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithOutcomeTrackVersions(track bool) RedisOutcomeOption {
	return func(s *RedisOutcomeStore) { s.trackVersions = track }
}

func NewRedisOutcomeStore(rdb redis.UniversalClient, opts ...RedisOutcomeOption) *RedisOutcomeStore {
	s := &RedisOutcomeStore{
		rdb:    rdb,
		prefix: "download:outcomes",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisOutcomeStore) Record(ctx context.Context, ev domain.GateEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "rejected"
	if ev.Status < 400 {
		field = "served"
	}
	status := "status:" + strconv.Itoa(ev.Status)

	totalKey := s.prefix + ":total"

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, field, 1)
	pipe.HIncrBy(ctx, totalKey, status, 1)
	if ev.Counted {
		pipe.HIncrBy(ctx, totalKey, "counted", 1)
	}
	if ev.NoJS {
		pipe.HIncrBy(ctx, totalKey, "nojs", 1)
	}

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if s.trackVersions && ev.VersionID > 0 {
		versionKey := s.prefix + ":version:" + strconv.FormatInt(ev.VersionID, 10)
		pipe.HIncrBy(ctx, versionKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, versionKey, s.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
