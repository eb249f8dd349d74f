package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/tcmartin/tbflow/pkg/metrics"
)

func TestMetricsUsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/things/{id}", func(w http.ResponseWriter, r *http.Request) {})
	router.Use(Metrics)

	before := testutil.CollectAndCount(metrics.RESTAPITime)
	for _, id := range []string{"a", "b", "c"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/things/"+id, nil))
	}
	assert.Equal(t, before+1, testutil.CollectAndCount(metrics.RESTAPITime))
}
