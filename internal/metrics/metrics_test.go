package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("odds", "success", 120*time.Millisecond)
	m.ObserveRequest("odds", "rate_limit", 80*time.Millisecond)
	m.ObserveCache("FetchMarkets", true)
	m.ObserveCache("FetchMarkets", false)
	m.ObserveCache("FetchMarkets", false)
	m.ObserveDrop("missing_price")
	m.SetQuotaRemaining(412)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("odds", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("FetchMarkets", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NormalizationDrops.WithLabelValues("missing_price")))
	assert.Equal(t, 412.0, testutil.ToFloat64(m.QuotaRemaining))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("sports", "success", time.Second)
		m.ObserveRetry("transient")
		m.ObserveCache("ListSports", true)
		m.ObserveLimiterWait(time.Second)
		m.ObserveDrop("missing_id")
		m.SetQuotaRemaining(1)
		m.ObservePoll("basketball_nba", "odds", "ok")
	})
}
