package monitoring

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExported(t *testing.T) {
	m := New()

	m.OnlineWorkers.Set(2)
	m.JobsForwarded.WithLabelValues("primary").Inc()
	m.JobsForwarded.WithLabelValues("proxy_fee").Add(3)
	m.SharesSubmitted.WithLabelValues("primary").Inc()
	m.SharesAccepted.WithLabelValues("primary").Inc()
	m.SharesRejected.WithLabelValues("dev_fee").Inc()
	m.UnknownJobs.Inc()
	m.TransportErrors.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `relay_online_workers 2`)
	assert.Contains(t, body, `relay_jobs_forwarded_total{source="proxy_fee"} 3`)
	assert.Contains(t, body, `relay_shares_accepted_total{source="primary"} 1`)
	assert.Contains(t, body, `relay_unknown_jobs_total 1`)
	assert.Contains(t, body, `relay_transport_errors_total 1`)
}
