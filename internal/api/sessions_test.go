package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ktune/internal/archive"
	"github.com/samcharles93/ktune/internal/logger"
	"github.com/samcharles93/ktune/internal/metrics"
	"github.com/samcharles93/ktune/internal/result"
	"github.com/samcharles93/ktune/internal/runner"
	"github.com/samcharles93/ktune/internal/tuner"
)

const vectorPlan = `
kernel "va" {
  workload = "vector_add"
  size     = 2048
}
validation {}
backend { name = "sim" }
`

type testServer struct {
	e      *echo.Echo
	server *Server
	arch   *archive.Archive
}

func newTestServer(t *testing.T, hooks ...tuner.Hook) *testServer {
	t.Helper()
	a, err := archive.Open(archive.Options{InMemory: true})
	require.NoError(t, err)
	m := metrics.New()
	log := logger.Discard()
	r := runner.New(runner.Options{Logger: log, Archive: a, Metrics: m, Hooks: hooks})

	ctx, cancel := context.WithCancel(context.Background())
	server := NewServer(ctx, Config{Archive: a, Runner: r, Metrics: m, Logger: log})
	t.Cleanup(func() {
		cancel()
		server.Wait()
		_ = a.Close()
	})
	e := echo.New()
	server.Register(e)
	return &testServer{e: e, server: server, arch: a}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) create(t *testing.T, src string) archive.Session {
	t.Helper()
	body, err := json.Marshal(CreateSessionRequest{Plan: src})
	require.NoError(t, err)
	rec := ts.do(t, http.MethodPost, "/v1/sessions", string(body))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var sess archive.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.NotEmpty(t, sess.ID)
	return sess
}

func (ts *testServer) waitState(t *testing.T, id string, want archive.State) archive.Session {
	t.Helper()
	var sess archive.Session
	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/v1/sessions/"+id, "")
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
			return false
		}
		return sess.State == want
	}, 10*time.Second, 10*time.Millisecond)
	return sess
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	created := ts.create(t, vectorPlan)
	assert.Equal(t, archive.StateRunning, created.State)
	assert.Equal(t, "va", created.Plan)
	assert.Equal(t, 5, created.Total)

	sess := ts.waitState(t, created.ID, archive.StateFinished)
	assert.Equal(t, 5, sess.Summary.Attempted)
	require.NotNil(t, sess.Best)

	rec := ts.do(t, http.MethodGet, "/v1/sessions/"+created.ID+"/results", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list ResultList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	assert.Len(t, list.Data, 5)
	assert.Equal(t, 4, list.Summary.Succeeded)

	rec = ts.do(t, http.MethodGet, "/v1/sessions/"+created.ID+"/results?status=ok&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 2)
	assert.Equal(t, 4, list.Summary.Attempted)
	for _, r := range list.Data {
		assert.Equal(t, result.StatusOK, r.Status)
	}

	rec = ts.do(t, http.MethodGet, "/v1/sessions/"+created.ID+"/best", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var best result.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &best))
	assert.Equal(t, sess.Best.Configuration.Key(), best.Configuration.Key())

	rec = ts.do(t, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions SessionList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions.Data, 1)
	assert.Equal(t, created.ID, sessions.Data[0].ID)

	rec = ts.do(t, http.MethodGet, "/v1/sessions?state=running", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Empty(t, sessions.Data)

	rec = ts.do(t, http.MethodPost, "/v1/sessions/"+created.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "is not running (finished)")
}

func TestCancelRunningSession(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ts := newTestServer(t, func(result.Result) {
		once.Do(func() { close(entered) })
		<-release
	})

	created := ts.create(t, vectorPlan)
	<-entered
	assert.Equal(t, 1, ts.server.Running())

	rec := ts.do(t, http.MethodPost, "/v1/sessions/"+created.ID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	close(release)

	sess := ts.waitState(t, created.ID, archive.StateStopped)
	assert.Less(t, sess.Summary.Attempted, 5)
	assert.Contains(t, sess.Error, "context canceled")
}

func TestCreateSessionErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "malformed json", body: `{"plan":`, want: "invalid request body"},
		{name: "unknown field", body: `{"plan":"x","model":"y"}`, want: "invalid request body"},
		{name: "missing plan", body: `{}`, want: "plan is required"},
		{name: "negative devices", body: `{"plan":"kernel \"x\" { workload = \"gemm\" }","devices":-1}`, want: "devices must not be negative"},
		{name: "hcl error", body: `{"plan":"kernel \"x\" {"}`, want: "request.hcl"},
		{name: "unknown workload", body: `{"plan":"kernel \"x\" { workload = \"fft\" }"}`, want: "unknown workload"},
		{name: "unknown backend", body: `{"plan":"kernel \"x\" { workload = \"gemm\" }","backend":"tpu"}`, want: "unknown backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/sessions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestLookupErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	const unknown = "0192f2a4-5d4e-7c3a-9b7e-0a1b2c3d4e5f"
	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/v1/sessions/nope", http.StatusBadRequest},
		{http.MethodGet, "/v1/sessions/" + unknown, http.StatusNotFound},
		{http.MethodGet, "/v1/sessions/" + unknown + "/results", http.StatusNotFound},
		{http.MethodGet, "/v1/sessions/" + unknown + "/best", http.StatusNotFound},
		{http.MethodPost, "/v1/sessions/" + unknown + "/cancel", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := ts.do(t, tt.method, tt.path, "")
		assert.Equal(t, tt.want, rec.Code, "%s %s: %s", tt.method, tt.path, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	created := ts.create(t, vectorPlan)
	ts.waitState(t, created.ID, archive.StateFinished)

	rec := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ktune_attempts_total{kernel="va",status="ok"} 4`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestBestOfRunningSessionFollowsPlan(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	ok, bad := true, false
	recorded := []result.Result{
		{Seq: 0, Kernel: "va", Status: result.StatusOK, Duration: 10 * time.Microsecond, Overhead: 100 * time.Microsecond, Correct: &ok},
		{Seq: 1, Kernel: "va", Status: result.StatusOK, Duration: 50 * time.Microsecond, Correct: &ok},
		{Seq: 2, Kernel: "va", Status: result.StatusOK, Duration: 5 * time.Microsecond, Correct: &bad},
	}
	tests := []struct {
		name   string
		policy result.Policy
		metric result.Metric
		want   int
	}{
		{"duration", result.ExcludeIncorrect, result.MetricDuration, 0},
		{"total", result.ExcludeIncorrect, result.MetricTotal, 1},
		{"include incorrect", result.IncludeIncorrect, result.MetricTotal, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := ts.arch.Create(archive.Session{Policy: tt.policy, Metric: tt.metric})
			require.NoError(t, err)
			rec := ts.arch.Recorder(sess.ID)
			for _, r := range recorded {
				rec.Record(r)
			}
			require.NoError(t, rec.Err())

			resp := ts.do(t, http.MethodGet, "/v1/sessions/"+sess.ID+"/best", "")
			require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
			var best result.Result
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &best))
			assert.Equal(t, tt.want, best.Seq)
		})
	}
}
