package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (tipos) sem dependência de net/http.

import "time"

// Namespace separa os buckets por classe de ação (ex: token_42, nojs_42).
type Namespace string

type Decision struct {
	Allowed bool
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
	// Bypassed indica que a passagem veio de uma Allowance.
	Bypassed bool
}

// Bucket é o estado explícito usado quando o cache não tem incremento
// atômico: tokens restantes e início da janela corrente.
type Bucket struct {
	Tokens      int           `json:"tokens"`
	WindowStart time.Time     `json:"window_start"`
	Window      time.Duration `json:"window"`
}

// Elapsed informa se a janela do bucket já passou em now.
func (b Bucket) Elapsed(now time.Time) bool {
	return !now.Before(b.WindowStart.Add(b.Window))
}
