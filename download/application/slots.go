package application

import (
	"context"
	"fmt"
	"time"

	"download-gateway/download/domain"
)

// StreamSlots limita quantos arquivos são transmitidos ao mesmo tempo.
// Não sabe nada sobre HTTP: o adapter traduz ErrBusy em 503.
type StreamSlots struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
}

// Acquire reserva uma vaga de stream.
// Com AcquireTimeout <= 0 espera até o ctx encerrar.
// O release devolvido deve ser chamado exatamente uma vez.
func (s StreamSlots) Acquire(ctx context.Context) (func(), error) {
	if s.Pool == nil {
		return func() {}, nil
	}

	acqCtx := ctx
	if s.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, s.AcquireTimeout)
		defer cancel()
	}
	release, ok := s.Pool.Acquire(acqCtx)
	if !ok {
		return nil, fmt.Errorf("%w: no stream slot available", domain.ErrBusy)
	}
	return release, nil
}
