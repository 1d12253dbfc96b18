package infra

import (
	"context"
	"testing"
	"time"

	"download-gateway/download/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOutcomeStore_Record(t *testing.T) {
	s := NewMemoryOutcomeStore(WithTrackVersions(true))
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, domain.GateEvent{VersionID: 7, Status: 200, Counted: true}))
	require.NoError(t, s.Record(ctx, domain.GateEvent{VersionID: 7, Status: 302}))
	require.NoError(t, s.Record(ctx, domain.GateEvent{VersionID: 7, Status: 429}))

	assert.Equal(t, Counters{Served: 2, Rejected: 1, Counted: 1}, s.Total())
	assert.Equal(t, map[int]int64{200: 1, 302: 1, 429: 1}, s.ByStatus())
	assert.Equal(t, Counters{Served: 2, Rejected: 1, Counted: 1}, s.ByVersion()["7"])
}

func TestMemoryOutcomeStore_NoVersionTrackingByDefault(t *testing.T) {
	s := NewMemoryOutcomeStore()
	require.NoError(t, s.Record(context.Background(), domain.GateEvent{VersionID: 7, Status: 200}))
	assert.Empty(t, s.ByVersion())
}

func TestRedisOutcomeStore_Record(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisOutcomeStore(rdb, WithOutcomePrefix("o:"), WithOutcomeTrackVersions(true), WithOutcomeTTL(time.Hour))
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, domain.GateEvent{VersionID: 7, Status: 200, Counted: true, At: at}))
	require.NoError(t, s.Record(ctx, domain.GateEvent{VersionID: 7, Status: 403, NoJS: true, At: at}))

	assert.Equal(t, "1", mr.HGet("o:total", "served"))
	assert.Equal(t, "1", mr.HGet("o:total", "rejected"))
	assert.Equal(t, "1", mr.HGet("o:total", "status:403"))
	assert.Equal(t, "1", mr.HGet("o:total", "counted"))
	assert.Equal(t, "1", mr.HGet("o:total", "nojs"))
	assert.Equal(t, "1", mr.HGet("o:minute:202405011230", "served"))
	assert.Equal(t, "1", mr.HGet("o:version:7", "rejected"))
	assert.Equal(t, time.Hour, mr.TTL("o:version:7"))
}

func TestRedisOutcomeStore_NoBucket(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisOutcomeStore(rdb, WithOutcomeBucket("none"))
	require.NoError(t, s.Record(context.Background(), domain.GateEvent{Status: 200}))
	assert.Len(t, mr.Keys(), 1)

	var nilStore *RedisOutcomeStore
	assert.NoError(t, nilStore.Record(context.Background(), domain.GateEvent{}))
}
