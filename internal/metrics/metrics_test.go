package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"cheersbot/internal/broadcast"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counts(t *testing.T) {
	t.Parallel()

	c := New("test")
	c.ObserveOutcome(broadcast.PlaybackOutcome{Result: broadcast.ResultSuccess, Trigger: broadcast.TriggerAuto})
	c.ObserveOutcome(broadcast.PlaybackOutcome{Result: broadcast.ResultSuccess, Trigger: broadcast.TriggerAuto})
	c.ObserveOutcome(broadcast.PlaybackOutcome{Result: broadcast.ResultConnectFailed, Trigger: broadcast.TriggerManual})
	c.ObserveFire(broadcast.ActionJoin)
	c.ObserveBusy(broadcast.ActionJoin)
	c.ObserveStarvation()
	c.SetInFlight(3)

	if got := testutil.ToFloat64(c.outcomes.WithLabelValues("success", "auto")); got != 2 {
		t.Fatalf("outcomes{success,auto} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.outcomes.WithLabelValues("connect_failed", "manual")); got != 1 {
		t.Fatalf("outcomes{connect_failed,manual} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.fires.WithLabelValues("join")); got != 1 {
		t.Fatalf("fires{join} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.starvation); got != 1 {
		t.Fatalf("starvation = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.inFlight); got != 3 {
		t.Fatalf("in flight = %v, want 3", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	t.Parallel()

	c := New("v1.2.3")
	c.ObserveFire(broadcast.ActionPlay)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{`cheersbot_fires_total{action="play"} 1`, `cheersbot_build_info{version="v1.2.3"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
