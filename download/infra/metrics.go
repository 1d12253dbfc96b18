package infra

import (
	"context"
	"net/http"
	"strconv"

	"download-gateway/download/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exporta desfechos do gate e das flushes em formato Prometheus.
// Implementa domain.OutcomeStore e domain.FlushObserver.
//
// Sem label de versão: cardinalidade fica limitada a status x caminho.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	counted  prometheus.Counter
	bytes    prometheus.Counter
	flushes  *prometheus.CounterVec
	versions prometheus.Counter
	items    prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "download_gate_requests_total",
			Help: "Download requests by response status and path (token or nojs).",
		}, []string{"status", "path"}),
		counted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "download_gate_counted_total",
			Help: "Downloads enqueued by the file endpoint.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "download_stream_bytes_total",
			Help: "Bytes streamed to clients.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "download_queue_flushes_total",
			Help: "Aggregation queue flushes by result.",
		}, []string{"result"}),
		versions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "download_queue_flushed_versions_total",
			Help: "Version rows updated by flushes.",
		}),
		items: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "download_queue_flushed_items_total",
			Help: "Item rows updated by flushes.",
		}),
	}
	reg.MustRegister(
		m.requests, m.counted, m.bytes, m.flushes, m.versions, m.items,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Record(_ context.Context, ev domain.GateEvent) error {
	path := "token"
	if ev.NoJS {
		path = "nojs"
	}
	m.requests.WithLabelValues(strconv.Itoa(ev.Status), path).Inc()
	if ev.Counted {
		m.counted.Inc()
	}
	return nil
}

func (m *Metrics) ObserveFlush(versions, items int, err error) {
	if err != nil {
		m.flushes.WithLabelValues("error").Inc()
		return
	}
	m.flushes.WithLabelValues("ok").Inc()
	m.versions.Add(float64(versions))
	m.items.Add(float64(items))
}

// AddBytes soma bytes transmitidos.
func (m *Metrics) AddBytes(n int64) {
	if n > 0 {
		m.bytes.Add(float64(n))
	}
}

// Handler serve o registry no formato de exposição.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MultiOutcome repassa o evento para vários stores; o primeiro erro é devolvido.
type MultiOutcome []domain.OutcomeStore

func (mo MultiOutcome) Record(ctx context.Context, ev domain.GateEvent) error {
	var first error
	for _, s := range mo {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
