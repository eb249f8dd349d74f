package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/tbflow/pkg/metrics"
)

// Metrics records the response time of every routed request, labelled by the
// route template so that ids do not explode the label set
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		metrics.RESTAPITime.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
