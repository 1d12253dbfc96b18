package infra

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"download-gateway/download/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ExposesGateAndFlushCounters(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, domain.GateEvent{Status: 200, Counted: true}))
	require.NoError(t, m.Record(ctx, domain.GateEvent{Status: 429, NoJS: true}))
	m.ObserveFlush(3, 2, nil)
	m.ObserveFlush(0, 0, errors.New("db down"))
	m.AddBytes(1024)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, `download_gate_requests_total{path="token",status="200"} 1`)
	assert.Contains(t, out, `download_gate_requests_total{path="nojs",status="429"} 1`)
	assert.Contains(t, out, `download_gate_counted_total 1`)
	assert.Contains(t, out, `download_queue_flushes_total{result="ok"} 1`)
	assert.Contains(t, out, `download_queue_flushes_total{result="error"} 1`)
	assert.Contains(t, out, `download_queue_flushed_versions_total 3`)
	assert.Contains(t, out, `download_stream_bytes_total 1024`)
}

type failingOutcome struct{}

func (failingOutcome) Record(context.Context, domain.GateEvent) error { return errors.New("nope") }

func TestMultiOutcome_RecordsAllAndReturnsFirstError(t *testing.T) {
	mem := NewMemoryOutcomeStore()
	mo := MultiOutcome{failingOutcome{}, nil, mem}
	assert.Error(t, mo.Record(context.Background(), domain.GateEvent{Status: 200}))
	assert.Equal(t, int64(1), mem.Total().Served)
}
