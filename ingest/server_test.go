package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tgerrors "github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/forward"
	"github.com/telemetrygate/telemetrygate/health"
	"github.com/telemetrygate/telemetrygate/queue"
	"github.com/telemetrygate/telemetrygate/worker"
)

type fakeOperator struct {
	stats    *queue.Stats
	failed   []queue.Job
	results  []queue.Job
	retried  []string
	cleared  bool
	retryErr error
}

func (f *fakeOperator) Status(context.Context) (*queue.Stats, error) { return f.stats, nil }
func (f *fakeOperator) FailedJobs(context.Context) ([]queue.Job, error) {
	return f.failed, nil
}
func (f *fakeOperator) RetryFailed(_ context.Context, id string) error {
	if f.retryErr != nil {
		return f.retryErr
	}
	f.retried = append(f.retried, id)
	return nil
}
func (f *fakeOperator) ClearAll(context.Context) error { return nil }
func (f *fakeOperator) Results(context.Context) ([]queue.Job, error) {
	return f.results, nil
}

type stubJobQueue struct{}

func (stubJobQueue) Pop(context.Context) (*queue.Job, error)               { return nil, nil }
func (stubJobQueue) Complete(context.Context, string, map[string]any) error { return nil }
func (stubJobQueue) Fail(context.Context, string, string, bool) error      { return nil }
func (stubJobQueue) RequeueOrphans(context.Context) (int, error)           { return 0, nil }

type stubDeliverer struct{}

func (stubDeliverer) Forward(context.Context, map[string]any, string, string, string) (*forward.Delivery, error) {
	return &forward.Delivery{StatusCode: http.StatusOK}, nil
}

type apiEnv struct {
	*env
	operator *fakeOperator
	server   *httptest.Server
}

func newAPIEnv(t *testing.T, serverOpts ...ServerOption) *apiEnv {
	t.Helper()
	e := newEnv(t)
	operator := &fakeOperator{stats: &queue.Stats{Pending: 3, TotalEnqueued: 10}}

	logger := testLogger()
	pool := worker.New(logger, stubJobQueue{}, e.store, nil, e.templates, stubDeliverer{}, e.quarantine)
	srv := NewServer(logger, e.service, operator, pool, e.store, e.templates, serverOpts...)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiEnv{env: e, operator: operator, server: ts}
}

func (a *apiEnv) request(t *testing.T, method, path, body string, header http.Header) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestIngestEndpointEnqueues(t *testing.T) {
	a := newAPIEnv(t)
	a.seedAssigned(t, context.Background(), "gw-100")

	code, out := a.request(t, http.MethodPost, "/api/v1/test", string(panicPush()), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", out.Status)

	data := out.Data.(map[string]any)
	assert.Equal(t, StatusEnqueued, data["status"])
	assert.Equal(t, "panic_alarm", data["template"])
}

func TestIngestEndpointUnassignedReturns202(t *testing.T) {
	a := newAPIEnv(t)

	code, out := a.request(t, http.MethodPost, "/api/v1/messages/process",
		`{"uuid":"gw-unknown","code":1000}`, nil)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "success", out.Status)

	data := out.Data.(map[string]any)
	assert.Equal(t, StatusUnassigned, data["status"])
	assert.NotEmpty(t, data["stored_at"])
}

func TestIngestEndpointMalformedReturns400(t *testing.T) {
	a := newAPIEnv(t)

	code, out := a.request(t, http.MethodPost, "/api/v1/test", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", out.Status)
	assert.NotEmpty(t, out.Error)

	code, _ = a.request(t, http.MethodPost, "/api/v1/test", `{"code":1000}`, nil)
	assert.Equal(t, http.StatusBadRequest, code, "missing gateway id is a caller error")
}

func TestQueueStatusEndpoint(t *testing.T) {
	a := newAPIEnv(t)

	code, out := a.request(t, http.MethodGet, "/api/v1/queue/status", "", nil)
	assert.Equal(t, http.StatusOK, code)

	data := out.Data.(map[string]any)
	assert.Equal(t, float64(3), data["pending"])
	assert.Equal(t, float64(10), data["total_enqueued"])
}

func TestQueueClearRequiresAdminToken(t *testing.T) {
	a := newAPIEnv(t, WithAdminToken("secret"))

	code, _ := a.request(t, http.MethodPost, "/api/v1/queue/clear", "", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, out := a.request(t, http.MethodPost, "/api/v1/queue/clear", "",
		http.Header{"X-Admin-Token": []string{"secret"}})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", out.Status)
}

func TestQueueClearDisabledWithoutConfiguredToken(t *testing.T) {
	a := newAPIEnv(t)

	code, _ := a.request(t, http.MethodPost, "/api/v1/queue/clear", "",
		http.Header{"X-Admin-Token": []string{""}})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRetryFailedJobEndpoint(t *testing.T) {
	a := newAPIEnv(t)

	code, out := a.request(t, http.MethodPost, "/api/v1/queue/failed/job-9/retry", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, []string{"job-9"}, a.operator.retried)
}

func TestRetryUnknownJobReturns404(t *testing.T) {
	a := newAPIEnv(t)
	a.operator.retryErr = tgerrors.WrapInvalid(tgerrors.ErrNotFound, "queue", "RetryFailed", "job lookup")

	code, out := a.request(t, http.MethodPost, "/api/v1/queue/failed/nope/retry", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "error", out.Status)
}

func TestListTemplatesEndpoint(t *testing.T) {
	a := newAPIEnv(t)

	code, out := a.request(t, http.MethodGet, "/api/v1/templates", "", nil)
	assert.Equal(t, http.StatusOK, code)

	data := out.Data.(map[string]any)
	names := data["templates"].([]any)
	assert.ElementsMatch(t, []any{"panic_alarm", "status_update"}, names)
}

func TestWorkerHealthEndpoint(t *testing.T) {
	a := newAPIEnv(t)

	code, out := a.request(t, http.MethodGet, "/api/v1/workers/status", "", nil)
	assert.Equal(t, http.StatusOK, code)

	data := out.Data.(map[string]any)
	assert.Equal(t, false, data["running"])
	assert.Equal(t, float64(worker.DefaultCount), data["workers"])
}

func TestHealthEndpoint(t *testing.T) {
	a := newAPIEnv(t)

	code, out := a.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", out.Status)
}

func TestHealthEndpointDegrades(t *testing.T) {
	reg := health.NewRegistry()
	reg.Register("queue", health.Healthy(func() bool { return true }, ""))
	a := newAPIEnv(t, WithHealthRegistry(reg))

	code, out := a.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out.Data.(map[string]any)["healthy"])

	reg.Register("queue", health.Healthy(func() bool { return false }, "backend unreachable"))
	code, out = a.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, out.Data.(map[string]any)["healthy"])
}

func TestRequestIDPropagated(t *testing.T) {
	a := newAPIEnv(t)

	req, err := http.NewRequest(http.MethodGet, a.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-42", resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(a.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
