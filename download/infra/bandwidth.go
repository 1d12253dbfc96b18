package infra

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BandwidthStore limita bytes por segundo por cliente com token bucket
// (x/time/rate), um limiter por fingerprint, com limpeza periódica.
type BandwidthStore struct {
	mu           sync.Mutex
	entries      map[string]*bandwidthEntry
	bytesPerSec  rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type bandwidthEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type BandwidthOption func(*BandwidthStore)

func WithIdleTTL(d time.Duration) BandwidthOption {
	return func(s *BandwidthStore) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) BandwidthOption {
	return func(s *BandwidthStore) { s.cleanupEvery = d }
}

func WithBandwidthClock(now func() time.Time) BandwidthOption {
	return func(s *BandwidthStore) { s.now = now }
}

// NewBandwidthStore cria o store. O burst nunca fica abaixo do tamanho do
// chunk, senão WaitN de um chunk inteiro falharia.
func NewBandwidthStore(bytesPerSec int64, chunk int, opts ...BandwidthOption) *BandwidthStore {
	burst := chunk
	if int64(burst) < bytesPerSec {
		burst = int(bytesPerSec)
	}
	s := &BandwidthStore{
		entries:      make(map[string]*bandwidthEntry),
		bytesPerSec:  rate.Limit(bytesPerSec),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *BandwidthStore) BytesPerSec() int64 { return int64(s.bytesPerSec) }

func (s *BandwidthStore) Burst() int { return s.burst }

// Limiter devolve o bucket do cliente, criando se preciso.
func (s *BandwidthStore) Limiter(key string) *rate.Limiter {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(s.bytesPerSec, s.burst)
	s.entries[key] = &bandwidthEntry{lim: lim, lastSeen: now}
	return lim
}

// WaitN bloqueia até n bytes estarem liberados para key (n <= Burst).
func (s *BandwidthStore) WaitN(ctx context.Context, key string, n int) error {
	if s == nil || s.bytesPerSec <= 0 {
		return nil
	}
	return s.Limiter(key).WaitN(ctx, n)
}

func (s *BandwidthStore) Cleanup() {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// Len devolve o número de clientes rastreados.
func (s *BandwidthStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor inicia uma goroutine que limpa clientes inativos periodicamente.
// Pare cancelando o contexto.
func (s *BandwidthStore) StartJanitor(ctx context.Context) {
	startJanitor(ctx, s.cleanupEvery, s.Cleanup)
}

func startJanitor(ctx context.Context, every time.Duration, fn func()) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn()
			}
		}
	}()
}
