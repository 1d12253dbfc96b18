package application

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"download-gateway/download/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type cacheEntry struct {
	val []byte
	exp time.Time
}

// memCache é um cache best-effort (sem capacidade atômica) com relógio injetado.
type memCache struct {
	mu    sync.Mutex
	clock *fakeClock
	data  map[string]cacheEntry
}

func newMemCache(clock *fakeClock) *memCache {
	return &memCache{clock: clock, data: make(map[string]cacheEntry)}
}

func (c *memCache) live(key string) (cacheEntry, bool) {
	e, ok := c.data[key]
	if !ok {
		return cacheEntry{}, false
	}
	if !e.exp.IsZero() && !c.clock.Now().Before(e.exp) {
		delete(c.data, key)
		return cacheEntry{}, false
	}
	return e, true
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return append([]byte(nil), e.val...), nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cacheEntry{val: append([]byte(nil), value...)}
	if ttl > 0 {
		e.exp = c.clock.Now().Add(ttl)
	}
	c.data[key] = e
	return nil
}

func (c *memCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *memCache) Take(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	delete(c.data, key)
	return e.val, nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live(key)
	return ok
}

// atomicCache adiciona contadores e conjuntos ao memCache.
type atomicCache struct {
	*memCache
	sets map[string]map[string]struct{}
}

func newAtomicCache(clock *fakeClock) *atomicCache {
	return &atomicCache{memCache: newMemCache(clock), sets: make(map[string]map[string]struct{})}
}

func (c *atomicCache) counter(key string) int64 {
	e, ok := c.live(key)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(string(e.val), 10, 64)
	return n
}

func (c *atomicCache) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	n := c.counter(key) + delta
	e.val = []byte(strconv.FormatInt(n, 10))
	if (!ok || e.exp.IsZero()) && ttl > 0 {
		e.exp = c.clock.Now().Add(ttl)
	}
	c.data[key] = e
	return n, nil
}

func (c *atomicCache) Counter(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter(key), nil
}

func (c *atomicCache) Claim(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counter(key)
	if n <= 0 {
		return 0, nil
	}
	e := c.data[key]
	e.val = []byte("0")
	c.data[key] = e
	return n, nil
}

func (c *atomicCache) SetAdd(_ context.Context, key string, _ time.Duration, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sets[key]
	if !ok {
		s = make(map[string]struct{})
		c.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (c *atomicCache) SetMembers(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sets[key]))
	for m := range c.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (c *atomicCache) SetRemoveIfZero(_ context.Context, key, member, counterKey string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counter(counterKey) > 0 {
		return false, nil
	}
	if _, ok := c.sets[key][member]; !ok {
		return false, nil
	}
	delete(c.sets[key], member)
	return true, nil
}

var errBoom = errors.New("boom")

// brokenCache falha em toda operação.
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, error)              { return nil, errBoom }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error { return errBoom }
func (brokenCache) Delete(context.Context, ...string) error                  { return errBoom }
func (brokenCache) Take(context.Context, string) ([]byte, error)             { return nil, errBoom }

type fakeLookup struct {
	mu          sync.Mutex
	versions    map[int64]domain.VersionRecord
	attachments map[int64]domain.Attachment
	err         error
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{versions: make(map[int64]domain.VersionRecord), attachments: make(map[int64]domain.Attachment)}
}

func (l *fakeLookup) add(v domain.VersionRecord, a domain.Attachment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v.Status == "" {
		v.Status = domain.VersionActive
	}
	v.AttachmentID = a.ID
	l.versions[v.ID] = v
	l.attachments[a.ID] = a
}

func (l *fakeLookup) Version(_ context.Context, id int64) (domain.VersionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return domain.VersionRecord{}, l.err
	}
	v, ok := l.versions[id]
	if !ok {
		return domain.VersionRecord{}, domain.ErrNotFound
	}
	if v.Status == domain.VersionRemoved {
		return domain.VersionRecord{}, domain.ErrGone
	}
	return v, nil
}

func (l *fakeLookup) Attachment(_ context.Context, id int64) (domain.Attachment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attachments[id]
	if !ok {
		return domain.Attachment{}, domain.ErrNotFound
	}
	return a, nil
}

type fakeCounterStore struct {
	mu         sync.Mutex
	rows       map[int64]domain.ModStatsRow
	versions   map[int64]int64
	applyErr   error
	applyCalls int
	statsCalls int
	manyCalls  int
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{rows: make(map[int64]domain.ModStatsRow), versions: make(map[int64]int64)}
}

func (s *fakeCounterStore) Stats(_ context.Context, id int64) (domain.ModStatsRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsCalls++
	r, ok := s.rows[id]
	return r, ok, nil
}

func (s *fakeCounterStore) StatsMany(_ context.Context, ids []int64) (map[int64]domain.ModStatsRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manyCalls++
	out := make(map[int64]domain.ModStatsRow)
	for _, id := range ids {
		if r, ok := s.rows[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (s *fakeCounterStore) SetField(_ context.Context, id int64, f domain.Field, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[id]
	r.ItemID = id
	r.With(f, v)
	s.rows[id] = r
	return nil
}

// IncrementField não normaliza: o StatsStore é quem corrige negativos.
func (s *fakeCounterStore) IncrementField(_ context.Context, id int64, f domain.Field, amount int64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[id]
	r.ItemID = id
	v := r.Value(f) + float64(amount)
	switch f {
	case domain.FieldDownloads:
		r.Downloads = int64(v)
	case domain.FieldLikes:
		r.Likes = int64(v)
	case domain.FieldViews:
		r.Views = int64(v)
	case domain.FieldRatingCount:
		r.RatingCount = int64(v)
	default:
		r.RatingAverage = v
	}
	s.rows[id] = r
	return v, nil
}

func (s *fakeCounterStore) ApplyDownloads(_ context.Context, b domain.DownloadBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCalls++
	if s.applyErr != nil {
		return s.applyErr
	}
	for vid, n := range b.Versions {
		s.versions[vid] += n
	}
	for id, d := range b.Items {
		r := s.rows[id]
		r.ItemID = id
		r.Downloads += d.Downloads
		if d.LatestVersionID != 0 {
			r.LatestVersionID = d.LatestVersionID
		}
		s.rows[id] = r
	}
	return nil
}

func (s *fakeCounterStore) versionCount(vid int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[vid]
}

func (s *fakeCounterStore) row(id int64) domain.ModStatsRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

type published struct {
	topic   domain.Topic
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(topic domain.Topic, payload any) {
	p.mu.Lock()
	p.events = append(p.events, published{topic: topic, payload: payload})
	p.mu.Unlock()
}

func (p *fakePublisher) count(topic domain.Topic) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

type fakeMirror struct {
	mu     sync.Mutex
	values map[int64]map[domain.Field]float64
}

func (m *fakeMirror) MirrorStat(_ context.Context, id int64, f domain.Field, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[int64]map[domain.Field]float64)
	}
	if m.values[id] == nil {
		m.values[id] = make(map[domain.Field]float64)
	}
	m.values[id][f] = v
	return nil
}

func (m *fakeMirror) value(id int64, f domain.Field) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[id][f]
}
