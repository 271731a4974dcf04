package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/health"
)

var testClk = clock.Mock{T: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}

func TestLivenessAlwaysOK(t *testing.T) {
	h := health.NewHandler(testClk)

	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("liveness = %d, want 200", rec.Code)
	}
}

func TestReadinessBeforeReady(t *testing.T) {
	h := health.NewHandler(testClk)

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness = %d, want 503", rec.Code)
	}
}

func TestReadinessRunsCheckers(t *testing.T) {
	checkErr := errors.New("connection refused")
	failing := health.Checker{
		Name:  "database",
		Check: func(context.Context) error { return checkErr },
	}

	h := health.NewHandler(testClk, failing)
	h.SetReady(true)

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness = %d, want 503", rec.Code)
	}

	var status health.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if status.Checks["database"] != checkErr.Error() {
		t.Errorf("database check = %q, want %q", status.Checks["database"], checkErr)
	}
}

func TestReadinessIncludesEngineStats(t *testing.T) {
	ok := health.Checker{
		Name:  "database",
		Check: func(context.Context) error { return nil },
	}

	h := health.NewHandler(testClk, ok)
	h.SetReady(true)
	h.SetStats(func() map[string]int {
		return map[string]int{"lanes": 3, "sessions": 7}
	})

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("readiness = %d, want 200", rec.Code)
	}

	var status health.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if status.Engine["lanes"] != 3 || status.Engine["sessions"] != 7 {
		t.Errorf("engine stats = %+v", status.Engine)
	}
}
