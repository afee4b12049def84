package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.ItemsPrepared(3)
	m.ItemEvaluated("hashed")
	m.ItemEvaluated("dedup_skipped")
	m.ItemTransferred("sweep")
	m.BytesTransferred(1024)
	m.SectorCollected(4096)
	m.SectorPosted(4096)
	m.DedupProbe("hit")
	m.TargetOp("put_chunk", 0.05)
	m.TargetOpError("put_chunk", "provider")

	families := gather(t, reg)
	require.Equal(t, float64(3), families["backup_items_prepared_total"].Metric[0].Counter.GetValue())
	require.Len(t, families["backup_items_evaluated_total"].Metric, 2)
	require.Equal(t, float64(1024), families["backup_bytes_transferred_total"].Metric[0].Counter.GetValue())
	require.Equal(t, float64(1), families["sectors_collected_total"].Metric[0].Counter.GetValue())
	require.Equal(t, float64(4096), families["sector_bytes_posted_total"].Metric[0].Counter.GetValue())
	require.Contains(t, families, "chunk_target_operation_duration_seconds")
	require.Contains(t, families, "chunk_target_operation_errors_total")
}

func TestNopMetricsAreSilent(t *testing.T) {
	m := Nop()
	// Must not panic without a registry behind it.
	m.ItemsPrepared(1)
	m.ItemEvaluated("hashed")
	m.ItemTransferred("cache")
	m.ItemFailed()
	m.BytesHashed(1)
	m.BytesTransferred(1)
	m.TargetOp("x", 0)
	m.TargetOpError("x", "io")
	m.StoreBytesWritten(1)
	m.SectorCollected(1)
	m.SectorPosted(1)
	m.DedupProbe("miss")
	m.SetTasksByState("RUNNING", 1)
	m.CheckpointFinished("DONE", 1)
}

func TestHealthHandlers(t *testing.T) {
	SetVersion("test")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), `"healthy"`)

	rec = httptest.NewRecorder()
	ReadinessHandler(nil)(rec, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	ReadinessHandler(func(ctx context.Context) error { return errors.New("store down") })(rec, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, 503, rec.Code)
}
