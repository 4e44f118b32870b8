package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	RegisterMetricsEndpoint(router)
	RecordLockEvent("acquired", "screen")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "keepawake_lock_events_total")
}

func TestRecordLockEvent(t *testing.T) {
	before := testutil.ToFloat64(LockEvents.WithLabelValues("released", "screen"))

	RecordLockEvent("released", "screen")
	RecordLockEvent("released", "screen")

	assert.Equal(t, before+2, testutil.ToFloat64(LockEvents.WithLabelValues("released", "screen")))
}

func TestSetLockHeld(t *testing.T) {
	SetLockHeld("screen", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(LockHeld.WithLabelValues("screen")))

	SetLockHeld("screen", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(LockHeld.WithLabelValues("screen")))
}

func TestRecordReacquisition(t *testing.T) {
	before := testutil.ToFloat64(Reacquisitions)
	RecordReacquisition()
	assert.Equal(t, before+1, testutil.ToFloat64(Reacquisitions))
}

func TestRecordOthers(t *testing.T) {
	// These should not panic
	RecordAcquireDuration("portal", 0.02)
	RecordVisibilityChange("hidden")
	RecordError("tracker")
	RecordHTTPRequest("GET", "/api/status", "200")
}
