package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/policybot/core/telegram/state"
)

func TestObserveCleanup(t *testing.T) {
	m := New()
	m.ObserveCleanup(state.Result{
		Cleaned:   5,
		Providers: map[string]int{"flows": 5, "admin": -1},
		Duration:  3 * time.Millisecond,
	})
	m.ObserveCleanup(state.Result{Providers: map[string]int{"flows": 2}})

	require.InDelta(t, 7, testutil.ToFloat64(m.swept.WithLabelValues("flows")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(m.sweepFailures.WithLabelValues("admin")), 0.001)
	require.InDelta(t, 2, testutil.ToFloat64(m.sweeps), 0.001)
}

func TestTrackStoreAndHandler(t *testing.T) {
	m := New()
	store := state.NewStateMap[string](nil)
	store.Set(1, "x", nil)
	store.Set(1, "y", state.Thread(2))
	require.NoError(t, m.TrackStore("awaiting", store.Len))
	require.Error(t, m.TrackStore("awaiting", store.Len))

	m.IncUpdate("message")
	m.IncRateLimited()
	m.ObserveHandler("pago", "ok", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `policybot_state_entries{store="awaiting"} 2`), body)
	require.Contains(t, body, `policybot_updates_total{kind="message"} 1`)
	require.Contains(t, body, "policybot_rate_limited_total 1")
}

type sendCounts struct{ sent, failed, dropped uint64 }

func (s sendCounts) SentCount() uint64    { return s.sent }
func (s sendCounts) ErrorCount() uint64   { return s.failed }
func (s sendCounts) DroppedCount() uint64 { return s.dropped }

func TestTrackSender(t *testing.T) {
	m := New()
	require.NoError(t, m.TrackSender(sendCounts{sent: 7, failed: 2}))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	require.Contains(t, body, `policybot_sender_jobs_total{result="sent"} 7`)
	require.Contains(t, body, `policybot_sender_jobs_total{result="failed"} 2`)
	require.Contains(t, body, `policybot_sender_jobs_total{result="dropped"} 0`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncUpdate("message")
	m.IncRateLimited()
	m.ObserveHandler("x", "ok", time.Second)
	m.ObserveCleanup(state.Result{})
	require.NoError(t, m.TrackStore("x", func() int { return 1 }))
	require.Nil(t, m.Registry())

	SetDefault(nil)
	require.Nil(t, Default())
	Default().IncUpdate("callback")
}
