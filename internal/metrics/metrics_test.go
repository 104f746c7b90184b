package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	Register()
	Register()

	before := testutil.ToFloat64(idleChecks.WithLabelValues("active"))
	RecordIdleCheck("active")
	if got := testutil.ToFloat64(idleChecks.WithLabelValues("active")); got != before+1 {
		t.Errorf("idle_checks_total{decision=active} = %v, want %v", got, before+1)
	}

	RecordResumeStart(true)
	if got := testutil.ToFloat64(resumeStarts.WithLabelValues("already_running")); got < 1 {
		t.Errorf("resume_starts_total{already_running} = %v, want >= 1", got)
	}

	SetStashed("default/shop", true)
	if got := testutil.ToFloat64(routingStashed.WithLabelValues("default/shop")); got != 1 {
		t.Errorf("routing_stashed = %v, want 1", got)
	}
	SetStashed("default/shop", false)
	if got := testutil.ToFloat64(routingStashed.WithLabelValues("default/shop")); got != 0 {
		t.Errorf("routing_stashed = %v, want 0", got)
	}

	RecordResumeFinished("done", 42*time.Second)
	if got := testutil.CollectAndCount(resumeDuration); got < 1 {
		t.Errorf("resume_duration_seconds series = %d, want >= 1", got)
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	RecordSuspend("success")
	RecordFallbackRequest("page", "initial")
	RecordAlert("critical")
	RecordPhase("scale_up")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"autostop_suspends_total",
		"autostop_fallback_requests_total",
		"autostop_alerts_total",
		"autostop_resume_phase_transitions_total",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
