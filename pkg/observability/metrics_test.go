package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/rhuss/schaubild/pkg/api"
)

// TestMetricsRegistered verifies that all metrics are registered in the
// default registry.
func TestMetricsRegistered(t *testing.T) {
	expected := map[string]bool{
		"schaubild_http_requests_total":           false,
		"schaubild_http_request_duration_seconds": false,
		"schaubild_streaming_connections_active":  false,
		"schaubild_runs_in_flight":                false,
		"schaubild_runs_total":                    false,
		"schaubild_run_duration_seconds":          false,
		"schaubild_sandbox_executions_total":      false,
		"schaubild_sandbox_duration_seconds":      false,
		"schaubild_repair_attempts_total":         false,
		"schaubild_llm_requests_total":            false,
		"schaubild_llm_duration_seconds":          false,
		"schaubild_llm_tokens_total":              false,
		"schaubild_ratelimit_rejected_total":      false,
	}

	// Vectors only appear after their first observation.
	HTTPRequestsTotal.WithLabelValues("GET", "GET /healthz", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "GET /healthz").Observe(0.1)
	RunsTotal.WithLabelValues("python", "succeeded").Inc()
	RunDuration.WithLabelValues("python").Observe(1)
	SandboxExecutionsTotal.WithLabelValues("python", "success").Inc()
	SandboxDuration.WithLabelValues("python").Observe(0.5)
	RepairAttemptsTotal.WithLabelValues("python").Inc()
	LLMRequestsTotal.WithLabelValues("openai", "generate", "ok").Inc()
	LLMDuration.WithLabelValues("openai", "generate").Observe(1)
	LLMTokensTotal.WithLabelValues("openai", "input").Add(10)
	RateLimitRejectedTotal.WithLabelValues("default").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not found in default registry", name)
		}
	}
}

// TestMiddlewareUsesRoutePattern verifies that the route label is the mux
// pattern and not the raw path.
func TestMiddlewareUsesRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := MetricsMiddleware(mux)

	before := counterValue(t, HTTPRequestsTotal, "GET", "GET /v1/runs/{id}", "2xx")

	for _, id := range []string{"run_a", "run_b"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/runs/"+id, nil))
	}

	after := counterValue(t, HTTPRequestsTotal, "GET", "GET /v1/runs/{id}", "2xx")
	if after-before != 2 {
		t.Errorf("expected count to increase by 2, got delta=%f", after-before)
	}
}

// TestMiddlewareUnmatchedRoute verifies the label for requests outside any mux.
func TestMiddlewareUnmatchedRoute(t *testing.T) {
	before := counterValue(t, HTTPRequestsTotal, "POST", "unmatched", "4xx")

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/diagrams", nil))

	after := counterValue(t, HTTPRequestsTotal, "POST", "unmatched", "4xx")
	if after-before != 1 {
		t.Errorf("expected 4xx count to increase by 1, got delta=%f", after-before)
	}
}

// TestMiddlewareRecordsDuration verifies that a duration sample is recorded.
func TestMiddlewareRecordsDuration(t *testing.T) {
	before := histogramCount(t, HTTPRequestDuration, "POST", "unmatched")

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/diagrams", nil))

	after := histogramCount(t, HTTPRequestDuration, "POST", "unmatched")
	if after-before != 1 {
		t.Errorf("expected histogram sample count to increase by 1, got delta=%d", after-before)
	}
}

func TestMiddlewareStreamingGauge(t *testing.T) {
	for name, prepare := range map[string]func(*http.Request){
		"accept header": func(r *http.Request) { r.Header.Set("Accept", "text/event-stream") },
		"query param":   func(r *http.Request) { r.URL.RawQuery = "stream=true" },
	} {
		t.Run(name, func(t *testing.T) {
			baseline := gaugeValue(t, StreamingConnections)

			var during float64
			handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				during = gaugeValue(t, StreamingConnections)
			}))

			req := httptest.NewRequest("POST", "/v1/diagrams", nil)
			prepare(req)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if during != baseline+1 {
				t.Errorf("gauge during request = %f, want %f", during, baseline+1)
			}
			if after := gaugeValue(t, StreamingConnections); after != baseline {
				t.Errorf("gauge after request = %f, want %f", after, baseline)
			}
		})
	}
}

func TestMiddlewarePlainRequestIsNotStreaming(t *testing.T) {
	baseline := gaugeValue(t, StreamingConnections)
	var during float64
	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = gaugeValue(t, StreamingConnections)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/diagrams?stream=false", nil))
	if during != baseline {
		t.Errorf("gauge = %f, want %f", during, baseline)
	}
}

func TestRecorderKeepsFirstStatusAndFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	r := &recorder{ResponseWriter: rec}
	if r.code() != http.StatusOK {
		t.Errorf("default code = %d", r.code())
	}
	r.WriteHeader(http.StatusTeapot)
	r.WriteHeader(http.StatusInternalServerError)
	r.Flush()
	if r.code() != http.StatusTeapot {
		t.Errorf("code = %d, want 418", r.code())
	}
	if !rec.Flushed {
		t.Error("expected underlying writer to be flushed")
	}
}

func TestRecordExecution(t *testing.T) {
	beforeOK := counterValue(t, SandboxExecutionsTotal, "mermaid", "success")
	beforeFail := counterValue(t, SandboxExecutionsTotal, "mermaid", "timeout")

	RecordExecution(api.RendererMermaid, api.Succeeded("/x.png"), time.Second)
	RecordExecution(api.RendererMermaid, api.Failed(api.FailureTimeout, "", ""), time.Second)

	if d := counterValue(t, SandboxExecutionsTotal, "mermaid", "success") - beforeOK; d != 1 {
		t.Errorf("success delta = %f", d)
	}
	if d := counterValue(t, SandboxExecutionsTotal, "mermaid", "timeout") - beforeFail; d != 1 {
		t.Errorf("timeout delta = %f", d)
	}
}

func TestRecordRun(t *testing.T) {
	before := counterValue(t, RunsTotal, "dot", "exhausted")
	beforeDur := histogramCount(t, RunDuration, "dot")

	now := time.Now()
	RecordRun(&api.Run{Renderer: api.RendererDOT, Status: api.RunStatusExhausted, CreatedAt: now.Add(-3 * time.Second), CompletedAt: now})

	if d := counterValue(t, RunsTotal, "dot", "exhausted") - before; d != 1 {
		t.Errorf("runs delta = %f", d)
	}
	if d := histogramCount(t, RunDuration, "dot") - beforeDur; d != 1 {
		t.Errorf("duration samples delta = %d", d)
	}
}

// counterValue reads the current value of a CounterVec for the given labels.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting counter metric: %v", err)
	}
	if err := c.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing counter metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

// histogramCount reads the observation count from a HistogramVec.
func histogramCount(t *testing.T, hv *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	obs, err := hv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting histogram metric: %v", err)
	}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing histogram metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

// gaugeValue reads the current value of a Gauge.
func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("writing gauge metric: %v", err)
	}
	return m.GetGauge().GetValue()
}
