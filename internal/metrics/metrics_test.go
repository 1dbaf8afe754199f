package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jukasdrj/alexandria-enrich/internal/metrics"
)

func TestHTTPMiddlewareRecordsLatency(t *testing.T) {
	reg := metrics.New()

	mux := http.NewServeMux()
	mux.HandleFunc("/isbn/{isbn}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ts := httptest.NewServer(metrics.HTTPMiddleware(reg, mux))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/isbn/9780439064873")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.True(t, hasFamily(families, "alexandria_http_requests"))
}

func TestOrchestratorMetrics(t *testing.T) {
	reg := metrics.New()
	o := metrics.NewOrchestrator(reg)

	o.AttemptInc("isbndb", "cascading")
	o.AttemptInc("openlibrary", "cascading")
	o.WinInc("openlibrary", "cascading")
	o.CascadeDepthObserve(2)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.True(t, hasFamily(families, "alexandria_orchestrator_provider_attempts_total"))
	assert.True(t, hasFamily(families, "alexandria_orchestrator_provider_wins_total"))
	assert.True(t, hasFamily(families, "alexandria_orchestrator_cascade_depth"))
}

func TestMergeMetrics(t *testing.T) {
	reg := metrics.New()
	m := metrics.NewMerge(reg)

	m.UpsertInc("edition", "updated")
	m.DurationObserve("edition", 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.True(t, hasFamily(families, "alexandria_merge_upserts_total"))
	assert.True(t, hasFamily(families, "alexandria_merge_upsert_duration_seconds"))
}

func TestQuotaMetrics(t *testing.T) {
	reg := metrics.New()
	q := metrics.NewQuota(reg)

	q.Set(100, 12900)
	q.DeniedInc("cron")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.True(t, hasFamily(families, "alexandria_quota_isbndb_calls_used"))
	assert.True(t, hasFamily(families, "alexandria_quota_denied_total"))
}

func hasFamily(families []*dto.MetricFamily, name string) bool {
	for _, f := range families {
		if f.GetName() == name {
			return true
		}
	}
	return false
}
