package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"download-gateway/download/domain"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultStatsCacheTTL = time.Hour
	// a memória do processo não vê invalidações de outros processos, então
	// vive pouco.
	DefaultStatsMemoTTL = 5 * time.Second

	maxMemoEntries = 10000
)

// StatsConfig reúne dependências opcionais do StatsStore.
type StatsConfig struct {
	// Lookup habilita VersionDownloads (contador por versão).
	Lookup  domain.VersionLookup
	Mirror  domain.LegacyMirror
	Events  domain.Publisher
	TTL     time.Duration
	MemoTTL time.Duration
	Prefix  string
	Now     func() time.Time
	Logger  *slog.Logger
}

type memoEntry struct {
	row domain.ModStatsRow
	at  time.Time
}

// StatsStore é o caminho de leitura/escrita em camadas: memória do processo
// -> cache compartilhado -> linha durável.
type StatsStore struct {
	store domain.CounterStore
	cache domain.Cache
	cfg   StatsConfig

	mu    sync.RWMutex
	memo  map[int64]memoEntry
	group singleflight.Group
}

func NewStatsStore(store domain.CounterStore, cache domain.Cache, cfg StatsConfig) *StatsStore {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultStatsCacheTTL
	}
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = DefaultStatsMemoTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "stats"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StatsStore{store: store, cache: cache, cfg: cfg, memo: make(map[int64]memoEntry)}
}

// Get devolve as estatísticas do item; zeros quando não existem em lugar nenhum.
func (s *StatsStore) Get(ctx context.Context, itemID int64) (domain.ModStatsRow, error) {
	if itemID <= 0 {
		return domain.ModStatsRow{}, fmt.Errorf("%w: item id must be positive", domain.ErrInvalidInput)
	}
	if row, ok := s.memoGet(itemID); ok {
		return row, nil
	}
	if row, ok := s.cacheGet(ctx, itemID); ok {
		s.memoPut(row)
		return row, nil
	}

	v, err, _ := s.group.Do(strconv.FormatInt(itemID, 10), func() (any, error) {
		row, found, err := s.store.Stats(ctx, itemID)
		if err != nil {
			return nil, fmt.Errorf("%w: load stats for item %d: %v", domain.ErrStorageFailure, itemID, err)
		}
		if !found {
			return domain.ModStatsRow{ItemID: itemID}, nil
		}
		s.memoPut(row)
		s.cachePut(ctx, row)
		return row, nil
	})
	if err != nil {
		return domain.ModStatsRow{}, err
	}
	return v.(domain.ModStatsRow), nil
}

// Set normaliza e grava um valor pontual.
func (s *StatsStore) Set(ctx context.Context, itemID int64, field domain.Field, value float64) error {
	if itemID <= 0 {
		return fmt.Errorf("%w: item id must be positive", domain.ErrInvalidInput)
	}
	if _, err := domain.ParseField(string(field)); err != nil {
		return err
	}
	value = field.Normalize(value)
	if err := s.store.SetField(ctx, itemID, field, value); err != nil {
		return fmt.Errorf("%w: set %s for item %d: %v", domain.ErrStorageFailure, field, itemID, err)
	}
	s.Invalidate(ctx, itemID)
	s.changed(ctx, itemID, field, value)
	return nil
}

// Increment soma amount ao campo. Se o resultado ficar negativo, corrige com Set(0).
func (s *StatsStore) Increment(ctx context.Context, itemID int64, field domain.Field, amount int64) (float64, error) {
	if itemID <= 0 {
		return 0, fmt.Errorf("%w: item id must be positive", domain.ErrInvalidInput)
	}
	if _, err := domain.ParseField(string(field)); err != nil {
		return 0, err
	}
	v, err := s.store.IncrementField(ctx, itemID, field, amount)
	if err != nil {
		return 0, fmt.Errorf("%w: increment %s for item %d: %v", domain.ErrStorageFailure, field, itemID, err)
	}
	s.Invalidate(ctx, itemID)
	if v < 0 {
		if err := s.Set(ctx, itemID, field, 0); err != nil {
			return 0, err
		}
		return 0, nil
	}
	s.changed(ctx, itemID, field, v)
	return v, nil
}

// PrimeMany carrega de uma vez as linhas ainda não memorizadas, evitando N+1
// ao renderizar listas.
func (s *StatsStore) PrimeMany(ctx context.Context, itemIDs []int64) error {
	missing := make([]int64, 0, len(itemIDs))
	seen := make(map[int64]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		if id <= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := s.memoGet(id); ok {
			continue
		}
		if row, ok := s.cacheGet(ctx, id); ok {
			s.memoPut(row)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return nil
	}

	rows, err := s.store.StatsMany(ctx, missing)
	if err != nil {
		return fmt.Errorf("%w: prime stats: %v", domain.ErrStorageFailure, err)
	}
	for _, id := range missing {
		row, ok := rows[id]
		if !ok {
			// ausente no durável: memoriza zeros só neste processo
			s.memoPut(domain.ModStatsRow{ItemID: id})
			continue
		}
		s.memoPut(row)
		s.cachePut(ctx, row)
	}
	return nil
}

// VersionDownloads lê o contador de uma versão via Version Lookup, com cache.
func (s *StatsStore) VersionDownloads(ctx context.Context, versionID int64) (int64, error) {
	if s.cfg.Lookup == nil {
		return 0, errors.New("version lookup not configured")
	}
	key := s.versionKey(versionID)
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, key); err == nil {
			if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
				return n, nil
			}
		}
	}
	v, err := s.cfg.Lookup.Version(ctx, versionID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, []byte(strconv.FormatInt(v.DownloadCount, 10)), s.cfg.TTL); err != nil {
			s.cfg.Logger.Debug("cache version downloads failed", "version_id", versionID, "error", err)
		}
	}
	return v.DownloadCount, nil
}

// Invalidate descarta as duas camadas de cache dos itens.
func (s *StatsStore) Invalidate(ctx context.Context, itemIDs ...int64) {
	if len(itemIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(itemIDs))
	s.mu.Lock()
	for _, id := range itemIDs {
		delete(s.memo, id)
		keys = append(keys, s.itemKey(id))
	}
	s.mu.Unlock()
	s.deleteKeys(ctx, keys)
}

// InvalidateVersions descarta o cache dos contadores por versão.
func (s *StatsStore) InvalidateVersions(ctx context.Context, versionIDs ...int64) {
	keys := make([]string, 0, len(versionIDs))
	for _, id := range versionIDs {
		keys = append(keys, s.versionKey(id))
	}
	s.deleteKeys(ctx, keys)
}

func (s *StatsStore) deleteKeys(ctx context.Context, keys []string) {
	if s.cache == nil || len(keys) == 0 {
		return
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.cfg.Logger.Warn("stats cache invalidation failed", "keys", len(keys), "error", err)
	}
}

// changed espelha no caminho legado e publica o evento.
func (s *StatsStore) changed(ctx context.Context, itemID int64, field domain.Field, value float64) {
	if s.cfg.Mirror != nil {
		if err := s.cfg.Mirror.MirrorStat(ctx, itemID, field, value); err != nil {
			s.cfg.Logger.Warn("legacy stat mirror failed", "item_id", itemID, "field", field, "error", err)
		}
	}
	if s.cfg.Events != nil {
		s.cfg.Events.Publish(domain.TopicStatsChanged, domain.StatsChanged{ItemID: itemID, Field: field, Value: value})
	}
}

func (s *StatsStore) memoGet(id int64) (domain.ModStatsRow, bool) {
	s.mu.RLock()
	e, ok := s.memo[id]
	s.mu.RUnlock()
	if !ok || s.cfg.Now().Sub(e.at) > s.cfg.MemoTTL {
		return domain.ModStatsRow{}, false
	}
	return e.row, true
}

func (s *StatsStore) memoPut(row domain.ModStatsRow) {
	now := s.cfg.Now()
	s.mu.Lock()
	if len(s.memo) >= maxMemoEntries {
		for id, e := range s.memo {
			if now.Sub(e.at) > s.cfg.MemoTTL {
				delete(s.memo, id)
			}
		}
	}
	s.memo[row.ItemID] = memoEntry{row: row, at: now}
	s.mu.Unlock()
}

func (s *StatsStore) cacheGet(ctx context.Context, id int64) (domain.ModStatsRow, bool) {
	if s.cache == nil {
		return domain.ModStatsRow{}, false
	}
	raw, err := s.cache.Get(ctx, s.itemKey(id))
	if err != nil {
		return domain.ModStatsRow{}, false
	}
	var row domain.ModStatsRow
	if err := json.Unmarshal(raw, &row); err != nil || row.ItemID != id {
		return domain.ModStatsRow{}, false
	}
	return row, true
}

func (s *StatsStore) cachePut(ctx context.Context, row domain.ModStatsRow) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, s.itemKey(row.ItemID), raw, s.cfg.TTL); err != nil {
		s.cfg.Logger.Debug("stats cache backfill failed", "item_id", row.ItemID, "error", err)
	}
}

func (s *StatsStore) itemKey(id int64) string {
	return s.cfg.Prefix + ":item:" + strconv.FormatInt(id, 10)
}

func (s *StatsStore) versionKey(id int64) string {
	return s.cfg.Prefix + ":version:" + strconv.FormatInt(id, 10)
}
