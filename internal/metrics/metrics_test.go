package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.pings)
	assert.NotNil(t, collector.executions)
	assert.NotNil(t, collector.duration)
}

func TestNewCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
		NewCollector(nil)
	}, "collectors on separate registries must not collide")
}

func TestRecordPing(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordPing(true)
	collector.RecordPing(true)
	collector.RecordPing(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.pings.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.pings.WithLabelValues("failed")))
}

func TestSetMembers(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.SetMembers([]types.Node{
		{ID: "a", State: types.StateAlive},
		{ID: "b", State: types.StateAlive},
		{ID: "c", State: types.StateDead},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.members.WithLabelValues("alive")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.members.WithLabelValues("suspicious")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.members.WithLabelValues("dead")))
}

func TestRecordExecution(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordExecution(types.JobResult{DurationMS: 20})
	collector.RecordExecution(types.JobResult{TimedOut: true, DurationMS: 100})
	collector.RecordExecution(types.JobResult{Error: types.StringPtr("refused")})

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.executions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.executions.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.executions.WithLabelValues("error")))
}

func TestCounters(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordClaimed(3)
	collector.RecordClaimed(0)
	collector.RecordResultsStored(2)
	collector.RecordScheduled("cron")
	collector.RecordSubmitFailure()
	collector.SetUnassigned(7)
	collector.SetCacheEntries(4)
	collector.RecordTransition(types.StateSuspicious)

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.claimed))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.resultsStored))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.scheduled.WithLabelValues("cron")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.submitFailures))
	assert.Equal(t, 7.0, testutil.ToFloat64(collector.unassigned))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.cacheEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.transitions.WithLabelValues("suspicious")))
}

func TestNilCollector(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordPing(true)
		collector.RecordExecution(types.JobResult{})
		collector.SetMembers(nil)
		collector.RecordClaimed(1)
		collector.SetCacheEntries(1)
	})
}

func TestHandler(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())
	collector.RecordClaimed(1)

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cronswarm_jobs_claimed_total 1")
}
