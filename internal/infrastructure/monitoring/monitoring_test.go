package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/pkg/circuitbreaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_RecordsCallMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)

	p.CallStarted(domain.CallTypeVideo)
	p.CallStarted(domain.CallTypeVideo)
	p.CallAccepted(domain.CallTypeAudio)
	p.CallConnected(1500 * time.Millisecond)
	p.CallEnded(domain.EndReasonHangup)
	p.CallEnded(domain.EndReasonTimeout)
	p.CandidateSent()
	p.CandidateSendFailed()
	p.CandidateApplied()
	p.IncomingSurfaced()
	p.RecordBreakerState(circuitbreaker.StateClosed, circuitbreaker.StateOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.callsStarted.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.callsAccepted.WithLabelValues("audio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.callsConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.callsEnded.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.candidateSendErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.incomingSurfaced))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.storeBreakerState))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["wanderlink_call_setup_duration_seconds"])
	assert.True(t, names["wanderlink_calls_ended_total"])
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddStoreCheck(func(context.Context) error { return nil }, time.Second)

	state := circuitbreaker.StateClosed
	h.AddBreakerCheck(func() circuitbreaker.State { return state })

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["store"])
	assert.True(t, h.IsReady(context.Background()))

	state = circuitbreaker.StateOpen
	status = h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, ErrBreakerOpen.Error(), status.Checks["store_breaker"])
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 20*time.Millisecond)
	h.AddCheck("broken", func(context.Context) error { return errors.New("refused") }, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
	assert.Equal(t, "refused", status.Checks["broken"])
}
