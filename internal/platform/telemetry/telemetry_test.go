package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/medtrack/medtrack/internal/domain/medication"
)

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/api/v1/commands/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "dup")
	})

	for _, path := range []string{"/api/v1/commands/a", "/api/v1/commands/b", "/boom"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(tp.requests.WithLabelValues("GET", "/api/v1/commands/:id", "200")); got != 2 {
		t.Errorf("expected 2 requests on the route pattern, got %v", got)
	}
	if got := testutil.ToFloat64(tp.requests.WithLabelValues("GET", "/boom", "409")); got != 1 {
		t.Errorf("expected HTTPError code to be recorded, got %v", got)
	}
	if got := testutil.ToFloat64(tp.inflight); got != 0 {
		t.Errorf("in-flight gauge should return to zero, got %v", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{Namespace: "test", ServiceVersion: "1.2.3"})
	tp.Medication().EventRecorded(medication.EventDoseTaken)
	tp.ObservePool(func() PoolStats { return PoolStats{Acquired: 2, Idle: 3, Total: 5, Max: 10} })

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := tp.PrometheusHandler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`test_medication_events_total{type="dose_taken"} 1`,
		`test_db_pool_max_connections 10`,
		`test_build_info{environment="development",version="1.2.3"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in exposition", want)
		}
	}
}

func TestMedicationRecorder(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	r := tp.Medication()

	r.DuplicateRejected()
	r.DuplicateRejected()
	r.UndoExpired()
	r.StatusTransitioned(medication.StatusActive, medication.StatusPaused)
	r.DayArchived(4)
	r.DayArchived(2)
	r.MilestoneReached(7)
	r.NotificationSent("dose_missed", true)
	r.NotificationSent("dose_missed", false)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"duplicates", testutil.ToFloat64(r.duplicates), 2},
		{"undo expired", testutil.ToFloat64(r.undoExpired), 1},
		{"transitions", testutil.ToFloat64(r.transitions.WithLabelValues("active", "paused")), 1},
		{"days", testutil.ToFloat64(r.daysArchived), 2},
		{"events archived", testutil.ToFloat64(r.eventsArchived), 6},
		{"milestones", testutil.ToFloat64(r.milestones.WithLabelValues("7")), 1},
		{"notifications ok", testutil.ToFloat64(r.notifications.WithLabelValues("dose_missed", "ok")), 1},
		{"notifications error", testutil.ToFloat64(r.notifications.WithLabelValues("dose_missed", "error")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestJobFinished(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	tp.JobFinished("daily_reset", 50*time.Millisecond, nil)
	tp.JobFinished("daily_reset", time.Second, errors.New("db down"))

	if got := testutil.ToFloat64(tp.jobRuns.WithLabelValues("daily_reset", "ok")); got != 1 {
		t.Errorf("ok runs = %v", got)
	}
	if got := testutil.ToFloat64(tp.jobRuns.WithLabelValues("daily_reset", "error")); got != 1 {
		t.Errorf("error runs = %v", got)
	}
	if n := testutil.CollectAndCount(tp.jobDuration); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
}

func TestProvidersAreIndependent(t *testing.T) {
	// Two providers in one process must not panic on duplicate registration.
	a := NewTelemetryProvider(TelemetryConfig{RuntimeMetrics: true})
	b := NewTelemetryProvider(TelemetryConfig{RuntimeMetrics: true})
	a.Medication().UndoExpired()
	if got := testutil.ToFloat64(b.Medication().undoExpired); got != 0 {
		t.Errorf("providers share state: %v", got)
	}
}
