package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHandlerExportsCollectors(t *testing.T) {
	DispatchCount.WithLabelValues("metrics-test", "getDeviceByIdUsingGET", OutcomeSuccess).Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(DispatchCount.WithLabelValues("metrics-test", "getDeviceByIdUsingGET", OutcomeSuccess)))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tbflow_dispatch_count{node_id="metrics-test"`)
	assert.Contains(t, rec.Body.String(), "tbflow_websocket_connection_count")
}
