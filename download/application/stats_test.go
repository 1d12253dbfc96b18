package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"download-gateway/download/domain"
)

func newTestStats(clock *fakeClock) (*StatsStore, *fakeCounterStore, *fakeMirror, *fakePublisher) {
	store := newFakeCounterStore()
	mirror := &fakeMirror{}
	events := &fakePublisher{}
	s := NewStatsStore(store, newMemCache(clock), StatsConfig{Mirror: mirror, Events: events, Now: clock.Now})
	return s, store, mirror, events
}

func TestStatsStore_GetMissingReturnsZeros(t *testing.T) {
	s, _, _, _ := newTestStats(newFakeClock())
	row, err := s.Get(context.Background(), 5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row != (domain.ModStatsRow{ItemID: 5}) {
		t.Fatalf("expected zero row, got %+v", row)
	}
	if _, err := s.Get(context.Background(), 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStatsStore_IncrementThenGetIsCoherent(t *testing.T) {
	s, store, _, events := newTestStats(newFakeClock())
	ctx := context.Background()
	store.rows[1] = domain.ModStatsRow{ItemID: 1, Downloads: 5}

	if row, _ := s.Get(ctx, 1); row.Downloads != 5 {
		t.Fatalf("expected 5, got %d", row.Downloads)
	}
	v, err := s.Increment(ctx, 1, domain.FieldDownloads, 2)
	if err != nil || v != 7 {
		t.Fatalf("expected 7, got %v, %v", v, err)
	}
	row, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Downloads != 7 {
		t.Fatalf("expected coherent read of 7, got %d", row.Downloads)
	}
	if events.count(domain.TopicStatsChanged) != 1 {
		t.Fatalf("expected stats.changed event")
	}
}

func TestStatsStore_IncrementClampsNegative(t *testing.T) {
	s, store, mirror, _ := newTestStats(newFakeClock())
	ctx := context.Background()
	store.rows[1] = domain.ModStatsRow{ItemID: 1, Likes: 2}

	v, err := s.Increment(ctx, 1, domain.FieldLikes, -5)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if v != 0 || store.row(1).Likes != 0 {
		t.Fatalf("expected clamp to 0, got %v / %d", v, store.row(1).Likes)
	}
	if row, _ := s.Get(ctx, 1); row.Likes != 0 {
		t.Fatalf("expected 0 likes, got %d", row.Likes)
	}
	if mirror.value(1, domain.FieldLikes) != 0 {
		t.Fatalf("expected mirror to see 0")
	}
}

func TestStatsStore_SetNormalizes(t *testing.T) {
	s, store, mirror, _ := newTestStats(newFakeClock())
	ctx := context.Background()

	if err := s.Set(ctx, 1, domain.FieldRatingAverage, 4.567); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := store.row(1).RatingAverage; got != 4.57 {
		t.Fatalf("expected 4.57, got %v", got)
	}
	if got := mirror.value(1, domain.FieldRatingAverage); got != 4.57 {
		t.Fatalf("expected mirror 4.57, got %v", got)
	}
	if err := s.Set(ctx, 1, domain.FieldViews, -3); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := store.row(1).Views; got != 0 {
		t.Fatalf("expected negative to normalize to 0, got %d", got)
	}
	if err := s.Set(ctx, 1, domain.Field("bogus"), 1); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStatsStore_PrimeManyAvoidsPerItemReads(t *testing.T) {
	s, store, _, _ := newTestStats(newFakeClock())
	ctx := context.Background()
	store.rows[1] = domain.ModStatsRow{ItemID: 1, Views: 3}
	store.rows[2] = domain.ModStatsRow{ItemID: 2, Views: 4}

	if err := s.PrimeMany(ctx, []int64{1, 2, 2, 3, -1}); err != nil {
		t.Fatalf("PrimeMany: %v", err)
	}
	for _, id := range []int64{1, 2, 3} {
		if _, err := s.Get(ctx, id); err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
	}
	if store.manyCalls != 1 || store.statsCalls != 0 {
		t.Fatalf("expected one batch read and no point reads, got many=%d stats=%d", store.manyCalls, store.statsCalls)
	}
}

func TestStatsStore_MemoExpires(t *testing.T) {
	clock := newFakeClock()
	store := newFakeCounterStore()
	s := NewStatsStore(store, nil, StatsConfig{Now: clock.Now})
	ctx := context.Background()
	store.rows[1] = domain.ModStatsRow{ItemID: 1, Downloads: 1}

	_, _ = s.Get(ctx, 1)
	store.rows[1] = domain.ModStatsRow{ItemID: 1, Downloads: 9}
	if row, _ := s.Get(ctx, 1); row.Downloads != 1 {
		t.Fatalf("expected memoized value, got %d", row.Downloads)
	}
	clock.Advance(DefaultStatsMemoTTL + time.Second)
	if row, _ := s.Get(ctx, 1); row.Downloads != 9 {
		t.Fatalf("expected fresh value after memo TTL, got %d", row.Downloads)
	}
}

func TestStatsStore_ConcurrentGets(t *testing.T) {
	s, store, _, _ := newTestStats(newFakeClock())
	store.rows[1] = domain.ModStatsRow{ItemID: 1, Downloads: 4}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			row, err := s.Get(context.Background(), 1)
			if err != nil || row.Downloads != 4 {
				t.Errorf("unexpected %+v, %v", row, err)
			}
		}()
	}
	wg.Wait()
}

func TestStatsStore_VersionDownloads(t *testing.T) {
	clock := newFakeClock()
	lookup := newFakeLookup()
	lookup.add(domain.VersionRecord{ID: 1, ItemID: 10, DownloadCount: 12}, domain.Attachment{ID: 100})
	s := NewStatsStore(newFakeCounterStore(), newMemCache(clock), StatsConfig{Lookup: lookup, Now: clock.Now})
	ctx := context.Background()

	if n, err := s.VersionDownloads(ctx, 1); err != nil || n != 12 {
		t.Fatalf("expected 12, got %d, %v", n, err)
	}
	lookup.versions[1] = domain.VersionRecord{ID: 1, ItemID: 10, DownloadCount: 13, Status: domain.VersionActive}
	if n, _ := s.VersionDownloads(ctx, 1); n != 12 {
		t.Fatalf("expected cached 12, got %d", n)
	}
	s.InvalidateVersions(ctx, 1)
	if n, _ := s.VersionDownloads(ctx, 1); n != 13 {
		t.Fatalf("expected 13 after invalidation, got %d", n)
	}
}
