package domain

import (
	"context"
	"time"
)

// Cache é o contrato mínimo de cache compartilhado (best-effort).
//
// Get retorna ErrCacheMiss quando a chave não existe.
// Take lê e remove a chave; é usado para registros de uso único
// (marcadores de clique, permissões no-JS).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Take(ctx context.Context, key string) ([]byte, error)
}

// AtomicCache é a capacidade opcional de incremento atômico.
//
// Limiter e Queue escolhem a estratégia na construção conforme o cache
// implementa (ou não) esta interface.
type AtomicCache interface {
	Cache

	// IncrBy soma delta ao contador e devolve o valor novo. O TTL só é
	// aplicado quando a chave ainda não tem expiração (janela fixa).
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Counter lê o contador sem alterá-lo (0 quando ausente).
	Counter(ctx context.Context, key string) (int64, error)

	// Claim lê o valor atual e subtrai exatamente esse valor, atomicamente.
	// Retorna o montante reivindicado.
	Claim(ctx context.Context, key string) (int64, error)

	// SetAdd registra membros num conjunto e renova o TTL do conjunto.
	SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error

	// SetMembers lista os membros do conjunto.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetRemoveIfZero remove member do conjunto somente se counterKey
	// estiver <= 0 no mesmo instante. Retorna true se removeu.
	SetRemoveIfZero(ctx context.Context, key, member, counterKey string) (bool, error)
}
