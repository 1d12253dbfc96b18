package application

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"download-gateway/download/domain"
)

const (
	DefaultRateLimit        = 3
	DefaultReducedRateLimit = 10
	DefaultRateWindow       = time.Minute
)

// Limiter concentra a regra de rate limit por (namespace, fingerprint).
//
// A estratégia de contagem é escolhida na construção: janela atômica quando
// o cache implementa domain.AtomicCache, senão bucket explícito
// {tokens, windowStart} num cache best-effort.
type Limiter struct {
	cache    domain.Cache
	strategy windowStrategy
	fp       Fingerprinter
	limit    int
	window   time.Duration
	prefix   string
	now      func() time.Time
	logger   *slog.Logger
}

type LimiterOption func(*Limiter)

// WithLimit define o limite por janela (padrão 3).
func WithLimit(n int) LimiterOption {
	return func(l *Limiter) {
		if n > 0 {
			l.limit = n
		}
	}
}

// WithReducedSecurity eleva o limite para reduced quando enabled
// (modo de "segurança reduzida"; nunca reduz o limite).
func WithReducedSecurity(enabled bool, reduced int) LimiterOption {
	return func(l *Limiter) {
		if enabled && reduced > l.limit {
			l.limit = reduced
		}
	}
}

func WithWindow(d time.Duration) LimiterOption {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func WithLimiterPrefix(prefix string) LimiterOption {
	return func(l *Limiter) { l.prefix = prefix }
}

func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

func WithLimiterLogger(logger *slog.Logger) LimiterOption {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter monta o limiter. As opções são aplicadas em ordem, então
// WithReducedSecurity deve vir depois de WithLimit.
func NewLimiter(cache domain.Cache, fp Fingerprinter, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		cache:  cache,
		fp:     fp,
		limit:  DefaultRateLimit,
		window: DefaultRateWindow,
		prefix: "rl",
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if ac, ok := cache.(domain.AtomicCache); ok {
		l.strategy = atomicWindow{cache: ac, limit: l.limit, window: l.window}
	} else {
		l.strategy = bucketWindow{cache: cache, limit: l.limit, window: l.window}
	}
	return l
}

func (l *Limiter) Limit() int { return l.limit }

func (l *Limiter) Window() time.Duration { return l.window }

// Atomic informa se a estratégia escolhida usa incremento atômico.
func (l *Limiter) Atomic() bool {
	_, ok := l.strategy.(atomicWindow)
	return ok
}

// Fingerprint calcula o fingerprint estável do cliente ("" se não identificável).
func (l *Limiter) Fingerprint(c domain.Client) string { return l.fp.Stable(c) }

// Allow decide se o cliente pode seguir no namespace.
func (l *Limiter) Allow(ctx context.Context, ns domain.Namespace, c domain.Client) domain.Decision {
	return l.AllowFingerprint(ctx, ns, l.Fingerprint(c))
}

// AllowFingerprint é Allow com o fingerprint já calculado.
//
// Sem fingerprint o pedido passa (fail-open): bloquear aqui derrubaria todo
// tráfego atrás de proxies não identificáveis. Erros de cache também passam.
func (l *Limiter) AllowFingerprint(ctx context.Context, ns domain.Namespace, fp string) domain.Decision {
	if l == nil || l.cache == nil || fp == "" {
		return domain.Decision{Allowed: true}
	}

	if _, err := l.cache.Get(ctx, l.allowanceKey(ns, fp)); err == nil {
		// a allowance não é consumida: expira sozinha
		return domain.Decision{Allowed: true, Bypassed: true}
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		l.logger.Warn("rate limit allowance lookup failed", "namespace", ns, "error", err)
	}

	allowed, retry, err := l.strategy.take(ctx, l.bucketKey(ns, fp), l.now())
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing", "namespace", ns, "error", err)
		return domain.Decision{Allowed: true}
	}
	if allowed {
		return domain.Decision{Allowed: true}
	}
	return domain.Decision{Allowed: false, RetryAfter: retry}
}

// GrantAllowance instala um bypass temporário para (namespace, fingerprint).
func (l *Limiter) GrantAllowance(ctx context.Context, ns domain.Namespace, fp string, ttl time.Duration) error {
	if l == nil || l.cache == nil || fp == "" || ttl <= 0 {
		return nil
	}
	return l.cache.Set(ctx, l.allowanceKey(ns, fp), []byte("1"), ttl)
}

func (l *Limiter) bucketKey(ns domain.Namespace, fp string) string {
	return l.prefix + ":bucket:" + string(ns) + ":" + fp
}

func (l *Limiter) allowanceKey(ns domain.Namespace, fp string) string {
	return l.prefix + ":allow:" + string(ns) + ":" + fp
}

type windowStrategy interface {
	take(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

// atomicWindow: contador com TTL de uma janela; permite enquanto o valor
// pós-incremento for <= limit.
type atomicWindow struct {
	cache  domain.AtomicCache
	limit  int
	window time.Duration
}

func (s atomicWindow) take(ctx context.Context, key string, _ time.Time) (bool, time.Duration, error) {
	n, err := s.cache.IncrBy(ctx, key, 1, s.window)
	if err != nil {
		return false, 0, err
	}
	if n <= int64(s.limit) {
		return true, 0, nil
	}
	return false, s.window, nil
}

// bucketWindow: janela fixa com tokens pré-alocados, para caches sem
// incremento atômico. Duas requisições simultâneas podem ler o mesmo
// bucket; o erro é de no máximo uma passagem extra por corrida.
type bucketWindow struct {
	cache  domain.Cache
	limit  int
	window time.Duration
}

func (s bucketWindow) take(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	var b domain.Bucket
	raw, err := s.cache.Get(ctx, key)
	switch {
	case errors.Is(err, domain.ErrCacheMiss):
		return true, 0, s.reset(ctx, key, now)
	case err != nil:
		return false, 0, err
	}
	if err := json.Unmarshal(raw, &b); err != nil || b.Elapsed(now) {
		return true, 0, s.reset(ctx, key, now)
	}
	if b.Tokens <= 0 {
		return false, b.WindowStart.Add(b.Window).Sub(now), nil
	}
	b.Tokens--
	return true, 0, s.save(ctx, key, b, now)
}

func (s bucketWindow) reset(ctx context.Context, key string, now time.Time) error {
	return s.save(ctx, key, domain.Bucket{Tokens: s.limit - 1, WindowStart: now, Window: s.window}, now)
}

func (s bucketWindow) save(ctx context.Context, key string, b domain.Bucket, now time.Time) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	ttl := b.WindowStart.Add(b.Window).Sub(now)
	if ttl <= 0 {
		ttl = s.window
	}
	return s.cache.Set(ctx, key, raw, ttl)
}
