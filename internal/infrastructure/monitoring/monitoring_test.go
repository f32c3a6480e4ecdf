package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"classmesh/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_SessionCounters(t *testing.T) {
	p := NewPrometheusCollector()

	p.SessionOpened(true)
	p.SessionOpened(false)
	p.SessionClosed()
	p.GlareResolved(true)
	p.GlareResolved(false)
	p.GlareResolved(false)
	p.SignalSent(domain.SignalOffer)
	p.SignalDropped("duplicate")
	p.RestartScheduled()

	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionsOpened.WithLabelValues("initiator")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.glareResolutions.WithLabelValues("rolled_back")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.glareResolutions.WithLabelValues("ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.signalsSent.WithLabelValues("offer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.signalsDropped.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.restarts))
}

func TestPrometheusCollector_MediaCounters(t *testing.T) {
	p := NewPrometheusCollector()

	p.RTPReceived("video", 1000)
	p.RTPReceived("video", 500)
	p.RTPLost("video", 3)
	p.KeyframeRequested("video")
	p.RTCPReceived("pli")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.rtpPackets.WithLabelValues("video")))
	assert.Equal(t, 1500.0, testutil.ToFloat64(p.rtpBytes.WithLabelValues("video")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.rtpLost.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.keyframeRequests.WithLabelValues("video")))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	a := NewPrometheusCollector()
	b := NewPrometheusCollector()
	a.TrackSwitched(domain.SourceScreen)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.trackSwitches.WithLabelValues("screen")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.trackSwitches.WithLabelValues("screen")))
}

func TestPrometheusCollector_Handler(t *testing.T) {
	p := NewPrometheusCollector()
	p.ConnectionStateChanged(domain.ConnectionConnected)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `classmesh_connection_state_changes_total{state="connected"} 1`))
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddChannelCheck(pingerFunc(func(context.Context) error { return nil }), time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["signaling"])

	h.AddReadinessCheck(func() bool { return false }, time.Second, time.Second)
	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, errNotJoined.Error(), status.Checks["readiness"])
}

func TestHealthChecker_TimeoutApplies(t *testing.T) {
	h := NewHealthChecker()
	h.AddChannelCheck(pingerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), time.Second, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["signaling"])
}

func TestHealthChecker_BackgroundResults(t *testing.T) {
	h := NewHealthChecker()
	h.AddChannelCheck(pingerFunc(func(context.Context) error { return errors.New("redis down") }), 10*time.Millisecond, time.Second)

	assert.Equal(t, "pending", h.LastStatus().Checks["signaling"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	require.Eventually(t, func() bool {
		return h.LastStatus().Checks["signaling"] == "redis down"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "unhealthy", h.LastStatus().Status)
}
