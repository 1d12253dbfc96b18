package domain

import (
	"context"
	"time"
)

// GateEvent representa o desfecho de um pedido no gate de download.
//
// Cuidado com cardinalidade: VersionID vai para chaves (Redis) e labels
// (Prometheus) apenas quando explicitamente habilitado.
type GateEvent struct {
	VersionID int64
	Status    int
	NoJS      bool
	Counted   bool

	At time.Time
}

// OutcomeStore é a estratégia de persistência para estatísticas do gate.
//
// Implementações podem armazenar em Redis, memória, Prometheus etc.
// O adapter trata erro como best-effort (não derruba a requisição).
type OutcomeStore interface {
	Record(ctx context.Context, ev GateEvent) error
}

// FlushObserver recebe o tamanho de cada flush para observabilidade.
type FlushObserver interface {
	ObserveFlush(versions, items int, err error)
}
