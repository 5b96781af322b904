package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	gohttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/transport"
)

func reply(resp *api.GenerateResponse) transport.DiagramCreatorFunc {
	return func(ctx context.Context, _ *api.GenerateRequest, w transport.RunWriter) error {
		return w.WriteResponse(ctx, resp)
	}
}

func topicBody(t *testing.T, topic string) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(api.GenerateRequest{Topic: topic})
	require.NoError(t, err)
	return bytes.NewReader(data)
}

// startServer serves srv on a loopback port and returns its base URL and a
// stop func that cancels the serve context and waits for Serve to return.
func startServer(t *testing.T, srv *Server) (string, func() error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return errors.New("server did not stop")
		}
	}
	t.Cleanup(func() { _ = stop() })
	return "http://" + ln.Addr().String(), stop
}

func TestServerServesDiagrams(t *testing.T) {
	const id = "run_0123456789abcdef01234567"
	srv := NewServer(reply(&api.GenerateResponse{ID: id, Status: api.RunStatusSucceeded, Executions: 1}), nil, ServerConfig{})
	url, stop := startServer(t, srv)

	resp, err := gohttp.Post(url+"/v1/diagrams", "application/json", topicBody(t, "a load balancer"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, gohttp.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	var got api.GenerateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, id, got.ID)

	assert.NoError(t, stop())
}

func TestServerDrainsOnShutdown(t *testing.T) {
	started := make(chan struct{})
	slow := transport.DiagramCreatorFunc(func(ctx context.Context, _ *api.GenerateRequest, w transport.RunWriter) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return w.WriteResponse(ctx, &api.GenerateResponse{ID: "run_aaaaaaaaaaaaaaaaaaaaaaaa", Status: api.RunStatusSucceeded})
	})

	srv := NewServer(slow, nil, ServerConfig{ShutdownTimeout: 5 * time.Second})
	url, stop := startServer(t, srv)

	status := make(chan int, 1)
	go func() {
		resp, err := gohttp.Post(url+"/v1/diagrams", "application/json", topicBody(t, "slow"))
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	<-started
	require.NoError(t, stop())
	assert.Equal(t, gohttp.StatusOK, <-status, "in-flight request finishes before shutdown")
}

func TestServerRunFailsOnBadAddr(t *testing.T) {
	srv := NewServer(reply(&api.GenerateResponse{}), nil, ServerConfig{Addr: "127.0.0.1:-1"})
	assert.Error(t, srv.Run(context.Background()))
}

func TestServerWrap(t *testing.T) {
	requireAuth := func(next gohttp.Handler) gohttp.Handler {
		return gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
			if r.Header.Get("Authorization") == "" {
				gohttp.Error(w, "unauthorized", gohttp.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	var order []string
	tag := func(name string) func(gohttp.Handler) gohttp.Handler {
		return func(next gohttp.Handler) gohttp.Handler {
			return gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	srv := NewServer(reply(&api.GenerateResponse{}), nil, ServerConfig{
		Wrap: []func(gohttp.Handler) gohttp.Handler{tag("outer"), requireAuth, tag("inner")},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(gohttp.MethodPost, "/v1/diagrams", topicBody(t, "x")))
	assert.Equal(t, gohttp.StatusUnauthorized, rec.Code)
	assert.Equal(t, []string{"outer"}, order)

	order = nil
	req := httptest.NewRequest(gohttp.MethodPost, "/v1/diagrams", topicBody(t, "x"))
	req.Header.Set("Authorization", "Bearer k")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, gohttp.StatusOK, rec.Code)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestServerConfigDefaults(t *testing.T) {
	srv := NewServer(reply(&api.GenerateResponse{}), nil, ServerConfig{MaxBodySize: 1024, ReadTimeout: 5 * time.Second})

	assert.Equal(t, ":8080", srv.cfg.Addr)
	assert.EqualValues(t, 1024, srv.cfg.MaxBodySize)
	assert.Equal(t, 30*time.Second, srv.cfg.ShutdownTimeout)
	assert.Equal(t, 5*time.Second, srv.srv.ReadTimeout)
	assert.NotNil(t, srv.cfg.Logger)
}
