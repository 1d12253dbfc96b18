package domain

import (
	"errors"
	"time"
)

// Taxonomia de erros do núcleo. As camadas internas embrulham com %w e o
// adapter HTTP é o único que traduz para status.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidToken      = errors.New("invalid token")
	ErrTokenExpired      = errors.New("token expired")
	ErrRateLimited       = errors.New("rate limited")
	ErrPermissionMissing = errors.New("download permission missing")
	ErrNotFound          = errors.New("not found")
	ErrGone              = errors.New("gone")
	ErrStorageFailure    = errors.New("storage failure")
	// ErrBusy indica que não há vaga de streaming disponível.
	ErrBusy = errors.New("busy")
)

// ErrCacheMiss é retornado pelos caches quando a chave não existe (ou expirou).
var ErrCacheMiss = errors.New("cache miss")

// RateLimitError carrega o Retry-After sugerido. errors.Is(err, ErrRateLimited) vale.
type RateLimitError struct {
	Namespace  Namespace
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limited: " + string(e.Namespace)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
