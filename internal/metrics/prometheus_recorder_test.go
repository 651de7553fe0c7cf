package metrics

import (
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounters(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.IncPoll("ok")
	r.IncPoll("ok")
	r.IncPoll("error")
	r.IncSchedule("linux", "submitted")
	r.IncCallback("build_finished")
	r.IncAPIRequest("pr_info", 200)
	r.SetActivePullRequests(3)
	r.SetQueuedStatuses(2)

	expected := `
		# HELP prbuild_active_pullrequests Number of open tracked pull requests
		# TYPE prbuild_active_pullrequests gauge
		prbuild_active_pullrequests 3
	`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "prbuild_active_pullrequests"))

	assert.Equal(t, float64(2), testutil.ToFloat64(r.polls.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.polls.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.schedules.WithLabelValues("linux", "submitted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.apiRequests.WithLabelValues("pr_info", "200")))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *PrometheusRecorder
	r.IncPoll("ok")
	r.IncSchedule("b", "empty")
	r.IncCallback("x")
	r.IncAPIRequest("e", 500)
	r.SetActivePullRequests(1)
	r.SetQueuedStatuses(1)
}
