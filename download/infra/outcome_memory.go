package infra

import (
	"context"
	"strconv"
	"sync"

	"download-gateway/download/domain"
)

// Counters soma desfechos do gate por status HTTP.
type Counters struct {
	Served   int64
	Rejected int64
	Counted  int64
}

func (c *Counters) add(ev domain.GateEvent) {
	if ev.Status < 400 {
		c.Served++
	} else {
		c.Rejected++
	}
	if ev.Counted {
		c.Counted++
	}
}

// MemoryOutcomeStore é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Não faz expiração e não é indicada para produção.
type MemoryOutcomeStore struct {
	mu        sync.Mutex
	total     Counters
	byStatus  map[int]int64
	byVersion map[string]Counters

	trackVersions bool
}

type MemoryOutcomeOption func(*MemoryOutcomeStore)

func WithTrackVersions(track bool) MemoryOutcomeOption {
	return func(s *MemoryOutcomeStore) { s.trackVersions = track }
}

func NewMemoryOutcomeStore(opts ...MemoryOutcomeOption) *MemoryOutcomeStore {
	s := &MemoryOutcomeStore{
		byStatus:  make(map[int]int64),
		byVersion: make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryOutcomeStore) Record(_ context.Context, ev domain.GateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev)
	s.byStatus[ev.Status]++
	if s.trackVersions && ev.VersionID > 0 {
		k := strconv.FormatInt(ev.VersionID, 10)
		c := s.byVersion[k]
		c.add(ev)
		s.byVersion[k] = c
	}
	return nil
}

func (s *MemoryOutcomeStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryOutcomeStore) ByStatus() map[int]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int64, len(s.byStatus))
	for k, v := range s.byStatus {
		out[k] = v
	}
	return out
}

func (s *MemoryOutcomeStore) ByVersion() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byVersion))
	for k, v := range s.byVersion {
		out[k] = v
	}
	return out
}
