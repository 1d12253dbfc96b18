package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"download-gateway/download/domain"
)

const DefaultQueueTTL = 600 * time.Second

// StatsInvalidator é a parte do StatsStore usada pela fila após gravar.
type StatsInvalidator interface {
	Invalidate(ctx context.Context, itemIDs ...int64)
	InvalidateVersions(ctx context.Context, versionIDs ...int64)
}

// QueueConfig reúne dependências opcionais da fila.
type QueueConfig struct {
	Stats    StatsInvalidator
	Mirror   domain.LegacyMirror
	Events   domain.Publisher
	Observer domain.FlushObserver
	TTL      time.Duration
	Prefix   string
	Logger   *slog.Logger
}

// FlushResult resume uma flush para observabilidade.
type FlushResult struct {
	Versions int
	Items    int
}

// Queue bufferiza incrementos de download por versão e os descarrega em
// lote no armazenamento durável.
//
// Com cache atômico os deltas ficam em contadores por versão e um índice
// lista as versões pendentes. Sem ele não há buffer: cada Enqueue grava
// direto no armazenamento.
type Queue struct {
	buffer domain.AtomicCache
	store  domain.CounterStore
	lookup domain.VersionLookup
	cfg    QueueConfig
}

func NewQueue(cache domain.Cache, store domain.CounterStore, lookup domain.VersionLookup, cfg QueueConfig) *Queue {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultQueueTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "dlq"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	q := &Queue{store: store, lookup: lookup, cfg: cfg}
	if ac, ok := cache.(domain.AtomicCache); ok {
		q.buffer = ac
	}
	return q
}

// Buffered informa se os incrementos passam pelo cache.
func (q *Queue) Buffered() bool { return q.buffer != nil }

// Enqueue registra delta downloads para a versão. Deltas <= 0 são ignorados.
func (q *Queue) Enqueue(ctx context.Context, versionID, delta int64) error {
	if versionID <= 0 {
		return fmt.Errorf("%w: version id must be positive", domain.ErrInvalidInput)
	}
	if delta <= 0 {
		return nil
	}
	if q.buffer == nil {
		_, err := q.apply(ctx, map[int64]int64{versionID: delta})
		return err
	}

	member := strconv.FormatInt(versionID, 10)
	if _, err := q.buffer.IncrBy(ctx, q.counterKey(member), delta, q.cfg.TTL); err != nil {
		return fmt.Errorf("%w: enqueue version %d: %v", domain.ErrStorageFailure, versionID, err)
	}
	if err := q.buffer.SetAdd(ctx, q.indexKey(), q.cfg.TTL, member); err != nil {
		return fmt.Errorf("%w: index version %d: %v", domain.ErrStorageFailure, versionID, err)
	}
	return nil
}

// Flush reivindica os deltas pendentes e os aplica num lote. É chamado por
// um job agendado; várias flushes simultâneas reivindicam montantes disjuntos.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	if q.buffer == nil {
		return FlushResult{}, nil
	}
	members, err := q.buffer.SetMembers(ctx, q.indexKey())
	if err != nil {
		return FlushResult{}, fmt.Errorf("%w: read queue index: %v", domain.ErrStorageFailure, err)
	}

	claims := make(map[int64]int64, len(members))
	for _, m := range members {
		vid, err := strconv.ParseInt(m, 10, 64)
		if err != nil || vid <= 0 {
			q.prune(ctx, m)
			continue
		}
		n, err := q.buffer.Claim(ctx, q.counterKey(m))
		if err != nil {
			q.cfg.Logger.Warn("claim pending downloads failed", "version_id", vid, "error", err)
			continue
		}
		if n > 0 {
			claims[vid] += n
		}
		// mantém no índice só quem ainda tem pendência (enqueue concorrente)
		q.prune(ctx, m)
	}
	if len(claims) == 0 {
		q.observe(FlushResult{}, nil)
		return FlushResult{}, nil
	}

	res, err := q.apply(ctx, claims)
	if err != nil {
		q.credit(ctx, claims)
	}
	q.observe(res, err)
	return res, err
}

// apply resolve versões em itens e grava o lote. Versões inexistentes ou
// removidas têm o montante descartado.
func (q *Queue) apply(ctx context.Context, claims map[int64]int64) (FlushResult, error) {
	batch := domain.DownloadBatch{
		Versions: make(map[int64]int64, len(claims)),
		Items:    make(map[int64]domain.ItemDelta),
	}
	latest := make(map[int64]domain.VersionRecord)

	for _, vid := range sortedKeys(claims) {
		n := claims[vid]
		v, err := q.lookup.Version(ctx, vid)
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrGone) {
			q.cfg.Logger.Warn("dropping downloads for missing version", "version_id", vid, "amount", n)
			continue
		}
		if err != nil {
			return FlushResult{}, fmt.Errorf("%w: resolve version %d: %v", domain.ErrStorageFailure, vid, err)
		}
		batch.Versions[vid] += n
		d := batch.Items[v.ItemID]
		d.Downloads += n
		if cur, ok := latest[v.ItemID]; !ok || newerUpload(v, cur) {
			latest[v.ItemID] = v
			d.LatestVersionID = v.ID
		}
		batch.Items[v.ItemID] = d
	}
	if batch.Empty() {
		return FlushResult{}, nil
	}

	if err := q.store.ApplyDownloads(ctx, batch); err != nil {
		return FlushResult{}, fmt.Errorf("%w: apply download batch: %v", domain.ErrStorageFailure, err)
	}

	versionIDs := sortedKeys(batch.Versions)
	itemIDs := sortedKeys(batch.Items)
	if q.cfg.Stats != nil {
		q.cfg.Stats.Invalidate(ctx, itemIDs...)
		q.cfg.Stats.InvalidateVersions(ctx, versionIDs...)
	}
	q.mirror(ctx, itemIDs)
	if q.cfg.Events != nil {
		q.cfg.Events.Publish(domain.TopicDownloadsFlushed, domain.DownloadsFlushed{VersionIDs: versionIDs, ItemIDs: itemIDs})
	}
	return FlushResult{Versions: len(versionIDs), Items: len(itemIDs)}, nil
}

// mirror copia os totais novos para o caminho de leitura legado.
func (q *Queue) mirror(ctx context.Context, itemIDs []int64) {
	if q.cfg.Mirror == nil {
		return
	}
	rows, err := q.store.StatsMany(ctx, itemIDs)
	if err != nil {
		q.cfg.Logger.Warn("read totals for legacy mirror failed", "error", err)
		return
	}
	for _, id := range itemIDs {
		row, ok := rows[id]
		if !ok {
			continue
		}
		if err := q.cfg.Mirror.MirrorStat(ctx, id, domain.FieldDownloads, float64(row.Downloads)); err != nil {
			q.cfg.Logger.Warn("legacy downloads mirror failed", "item_id", id, "error", err)
		}
	}
}

// credit devolve montantes reivindicados aos contadores pendentes quando a
// gravação falha, para a próxima flush tentar de novo.
func (q *Queue) credit(ctx context.Context, claims map[int64]int64) {
	for vid, n := range claims {
		member := strconv.FormatInt(vid, 10)
		if _, err := q.buffer.IncrBy(ctx, q.counterKey(member), n, q.cfg.TTL); err != nil {
			q.cfg.Logger.Error("re-credit pending downloads failed", "version_id", vid, "amount", n, "error", err)
			continue
		}
		if err := q.buffer.SetAdd(ctx, q.indexKey(), q.cfg.TTL, member); err != nil {
			q.cfg.Logger.Error("re-index pending downloads failed", "version_id", vid, "error", err)
		}
	}
}

func (q *Queue) prune(ctx context.Context, member string) {
	if _, err := q.buffer.SetRemoveIfZero(ctx, q.indexKey(), member, q.counterKey(member)); err != nil {
		q.cfg.Logger.Warn("prune queue index failed", "member", member, "error", err)
	}
}

func (q *Queue) observe(res FlushResult, err error) {
	if q.cfg.Observer != nil {
		q.cfg.Observer.ObserveFlush(res.Versions, res.Items, err)
	}
}

func (q *Queue) indexKey() string { return q.cfg.Prefix + ":index" }

func (q *Queue) counterKey(member string) string { return q.cfg.Prefix + ":v:" + member }

// newerUpload: upload mais recente vence; empate fica com o id maior.
func newerUpload(a, b domain.VersionRecord) bool {
	if a.UploadedAt.Equal(b.UploadedAt) {
		return a.ID > b.ID
	}
	return a.UploadedAt.After(b.UploadedAt)
}

func sortedKeys[V any](m map[int64]V) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
