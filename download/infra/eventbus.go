package infra

import (
	"log/slog"
	"sync"

	"download-gateway/download/domain"
)

// Handler processa o payload de um evento.
type Handler func(payload any)

type event struct {
	topic   domain.Topic
	payload any
}

const (
	DefaultWorkerCount = 4
	DefaultChannelSize = 1024
)

// EventBus é um barramento assíncrono com pool fixo de workers.
// Publish nunca bloqueia: com o canal cheio o evento é descartado.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[domain.Topic][]Handler
	events   chan event
	wg       sync.WaitGroup
	logger   *slog.Logger

	closeMu sync.RWMutex
	closed  bool
}

func NewEventBus(workers, buffer int, logger *slog.Logger) *EventBus {
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	if buffer <= 0 {
		buffer = DefaultChannelSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &EventBus{
		handlers: make(map[domain.Topic][]Handler),
		events:   make(chan event, buffer),
		logger:   logger.With("system", "eventbus"),
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *EventBus) worker() {
	defer b.wg.Done()
	for ev := range b.events {
		b.mu.RLock()
		handlers := b.handlers[ev.topic]
		b.mu.RUnlock()
		for _, h := range handlers {
			b.dispatch(ev, h)
		}
	}
}

// dispatch isola o worker de panics do handler.
func (b *EventBus) dispatch(ev event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", ev.topic, "panic", r)
		}
	}()
	h(ev.payload)
}

func (b *EventBus) Subscribe(topic domain.Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

func (b *EventBus) Publish(topic domain.Topic, payload any) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.events <- event{topic: topic, payload: payload}:
	default:
		b.logger.Warn("event channel full, dropping event", "topic", topic)
	}
}

// Shutdown fecha o canal e espera os workers drenarem os eventos pendentes.
// Publish depois de Shutdown é ignorado.
func (b *EventBus) Shutdown() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	close(b.events)
	b.closeMu.Unlock()
	b.wg.Wait()
}
