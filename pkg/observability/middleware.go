package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsMiddleware counts requests and observes their latency. The route
// label is the ServeMux pattern ("GET /v1/runs/{id}"), never the raw path,
// so run IDs do not create new series. Progress streams additionally hold
// the StreamingConnections gauge for as long as they are open.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if streaming(r) {
			StreamingConnections.Inc()
			defer StreamingConnections.Dec()
		}

		rec := &recorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start).Seconds()

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, statusClass(rec.code())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed)
	})
}

// streaming mirrors the adapter: ?stream= wins over the Accept header.
func streaming(r *http.Request) bool {
	if v, err := strconv.ParseBool(r.URL.Query().Get("stream")); err == nil {
		return v
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// recorder remembers the first status code written.
type recorder struct {
	http.ResponseWriter
	status int
}

func (r *recorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush keeps SSE working through the wrapper.
func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
