package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveValidationAndKillSwitch(t *testing.T) {
	Register()
	Register()

	before := testutil.ToFloat64(ValidationDecisions.WithLabelValues("APPROVE", "QUICK"))
	ObserveValidation("APPROVE", "QUICK", 250)
	assert.Equal(t, before+1, testutil.ToFloat64(ValidationDecisions.WithLabelValues("APPROVE", "QUICK")))

	SetKillSwitch(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(KillSwitch))
	SetKillSwitch(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(KillSwitch))
}

func TestHandlerExposesNamespace(t *testing.T) {
	CandlesTotal.WithLabelValues("BTCUSDT", "accepted").Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "orderpilot_pipeline_candles_total")
}
