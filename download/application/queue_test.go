package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"download-gateway/download/domain"
)

type queueFixture struct {
	q      *Queue
	cache  *atomicCache
	store  *fakeCounterStore
	lookup *fakeLookup
	stats  *recordingInvalidator
	events *fakePublisher
	mirror *fakeMirror
	obs    *recordingObserver
}

type recordingInvalidator struct {
	mu       sync.Mutex
	items    []int64
	versions []int64
}

func (r *recordingInvalidator) Invalidate(_ context.Context, ids ...int64) {
	r.mu.Lock()
	r.items = append(r.items, ids...)
	r.mu.Unlock()
}

func (r *recordingInvalidator) InvalidateVersions(_ context.Context, ids ...int64) {
	r.mu.Lock()
	r.versions = append(r.versions, ids...)
	r.mu.Unlock()
}

type recordingObserver struct {
	mu      sync.Mutex
	flushes int
	errs    int
}

func (o *recordingObserver) ObserveFlush(_, _ int, err error) {
	o.mu.Lock()
	o.flushes++
	if err != nil {
		o.errs++
	}
	o.mu.Unlock()
}

func newQueueFixture(t *testing.T) queueFixture {
	t.Helper()
	clock := newFakeClock()
	f := queueFixture{
		cache:  newAtomicCache(clock),
		store:  newFakeCounterStore(),
		lookup: newFakeLookup(),
		stats:  &recordingInvalidator{},
		events: &fakePublisher{},
		mirror: &fakeMirror{},
		obs:    &recordingObserver{},
	}
	base := clock.Now()
	f.lookup.add(domain.VersionRecord{ID: 1, ItemID: 10, UploadedAt: base}, domain.Attachment{ID: 100})
	f.lookup.add(domain.VersionRecord{ID: 2, ItemID: 10, UploadedAt: base.Add(time.Hour)}, domain.Attachment{ID: 200})
	f.lookup.add(domain.VersionRecord{ID: 3, ItemID: 30, UploadedAt: base}, domain.Attachment{ID: 300})
	f.q = NewQueue(f.cache, f.store, f.lookup, QueueConfig{
		Stats:    f.stats,
		Mirror:   f.mirror,
		Events:   f.events,
		Observer: f.obs,
	})
	return f
}

func (f queueFixture) pending(t *testing.T) []string {
	t.Helper()
	members, err := f.cache.SetMembers(context.Background(), f.q.indexKey())
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	return members
}

func TestQueue_EnqueueAndFlush(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	if !f.q.Buffered() {
		t.Fatalf("expected buffered queue with atomic cache")
	}

	for _, d := range []int64{2, 3, -1} {
		if err := f.q.Enqueue(ctx, 1, d); err != nil {
			t.Fatalf("Enqueue(%d): %v", d, err)
		}
	}
	res, err := f.q.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Versions != 1 || res.Items != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.store.versionCount(1); got != 5 {
		t.Fatalf("expected version count 5, got %d", got)
	}
	if got := f.store.row(10).Downloads; got != 5 {
		t.Fatalf("expected item downloads 5, got %d", got)
	}
	if p := f.pending(t); len(p) != 0 {
		t.Fatalf("expected empty index, got %v", p)
	}
	if f.mirror.value(10, domain.FieldDownloads) != 5 {
		t.Fatalf("expected legacy mirror to see 5")
	}
	if len(f.stats.items) != 1 || f.stats.items[0] != 10 || len(f.stats.versions) != 1 {
		t.Fatalf("expected stats invalidation for item 10 and version 1, got %+v", f.stats)
	}
	if f.events.count(domain.TopicDownloadsFlushed) != 1 {
		t.Fatalf("expected downloads.flushed event")
	}

	// nada pendente: segunda flush é vazia
	res, err = f.q.Flush(ctx)
	if err != nil || res.Versions != 0 {
		t.Fatalf("expected empty flush, got %+v, %v", res, err)
	}
}

func TestQueue_Enqueue_RejectsInvalidVersion(t *testing.T) {
	f := newQueueFixture(t)
	if err := f.q.Enqueue(context.Background(), 0, 1); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestQueue_Flush_LatestUploadWinsPointer(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	_ = f.q.Enqueue(ctx, 2, 1)
	_ = f.q.Enqueue(ctx, 1, 4)
	_ = f.q.Enqueue(ctx, 3, 1)

	res, err := f.q.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Versions != 3 || res.Items != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	row := f.store.row(10)
	if row.Downloads != 5 || row.LatestVersionID != 2 {
		t.Fatalf("expected downloads 5 and latest 2, got %+v", row)
	}
	if got := f.store.row(30).LatestVersionID; got != 3 {
		t.Fatalf("expected latest 3 for item 30, got %d", got)
	}
}

func TestQueue_Flush_CreditsBackOnStoreFailure(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	_ = f.q.Enqueue(ctx, 1, 5)
	f.store.applyErr = errBoom

	if _, err := f.q.Flush(ctx); !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("expected ErrStorageFailure, got %v", err)
	}
	if n, _ := f.cache.Counter(ctx, f.q.counterKey("1")); n != 5 {
		t.Fatalf("expected 5 credited back, got %d", n)
	}
	if p := f.pending(t); len(p) != 1 {
		t.Fatalf("expected version to stay indexed, got %v", p)
	}
	if f.obs.errs != 1 {
		t.Fatalf("expected observer to see the failure")
	}

	f.store.applyErr = nil
	if _, err := f.q.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := f.store.versionCount(1); got != 5 {
		t.Fatalf("expected 5 after retry, got %d", got)
	}
}

func TestQueue_Flush_DropsMissingVersions(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	_ = f.q.Enqueue(ctx, 99, 3)
	res, err := f.q.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Versions != 0 || f.store.applyCalls != 0 {
		t.Fatalf("expected nothing applied, got %+v (calls=%d)", res, f.store.applyCalls)
	}
	if p := f.pending(t); len(p) != 0 {
		t.Fatalf("expected empty index, got %v", p)
	}
}

func TestQueue_Flush_LookupFailureCreditsBack(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	_ = f.q.Enqueue(ctx, 1, 2)
	f.lookup.err = errBoom
	if _, err := f.q.Flush(ctx); !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("expected ErrStorageFailure, got %v", err)
	}
	if n, _ := f.cache.Counter(ctx, f.q.counterKey("1")); n != 2 {
		t.Fatalf("expected 2 pending, got %d", n)
	}
}

func TestQueue_ConcurrentEnqueueAndFlushLosesNothing(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			vid := int64(w%3 + 1)
			for i := 0; i < perWorker; i++ {
				if err := f.q.Enqueue(ctx, vid, 1); err != nil {
					t.Errorf("Enqueue: %v", err)
					return
				}
			}
		}(w)
	}
	done := make(chan struct{})
	var flushers sync.WaitGroup
	for i := 0; i < 2; i++ {
		flushers.Add(1)
		go func() {
			defer flushers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if _, err := f.q.Flush(ctx); err != nil {
					t.Errorf("Flush: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(done)
	flushers.Wait()
	if _, err := f.q.Flush(ctx); err != nil {
		t.Fatalf("final Flush: %v", err)
	}

	total := f.store.versionCount(1) + f.store.versionCount(2) + f.store.versionCount(3)
	if total != workers*perWorker {
		t.Fatalf("expected %d downloads, got %d", workers*perWorker, total)
	}
	items := f.store.row(10).Downloads + f.store.row(30).Downloads
	if items != workers*perWorker {
		t.Fatalf("expected %d item downloads, got %d", workers*perWorker, items)
	}
}

func TestQueue_SynchronousWithoutAtomicCache(t *testing.T) {
	clock := newFakeClock()
	store := newFakeCounterStore()
	lookup := newFakeLookup()
	lookup.add(domain.VersionRecord{ID: 1, ItemID: 10}, domain.Attachment{ID: 100})
	stats := &recordingInvalidator{}

	q := NewQueue(newMemCache(clock), store, lookup, QueueConfig{Stats: stats})
	if q.Buffered() {
		t.Fatalf("expected synchronous queue")
	}
	ctx := context.Background()
	if err := q.Enqueue(ctx, 1, 2); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := store.versionCount(1); got != 2 {
		t.Fatalf("expected 2 applied immediately, got %d", got)
	}
	if len(stats.items) != 1 {
		t.Fatalf("expected stats invalidation")
	}
	if res, err := q.Flush(ctx); err != nil || res.Versions != 0 {
		t.Fatalf("expected no-op flush, got %+v, %v", res, err)
	}

	store.applyErr = errBoom
	if err := q.Enqueue(ctx, 1, 1); !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("expected ErrStorageFailure, got %v", err)
	}
}
