package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
	"github.com/wehubfusion/Hermes/pkg/gateway"
)

type fakeDispatcher struct {
	route   string
	raw     string
	out     []byte
	err     error
	method  string
	payload map[string]any
}

func (f *fakeDispatcher) Dispatch(_ context.Context, raw []byte, route string) ([]byte, error) {
	f.raw, f.route = string(raw), route
	return f.out, f.err
}

func (f *fakeDispatcher) DispatchNamed(_ context.Context, method string, payload map[string]any) gateway.Result {
	f.method, f.payload = method, payload
	return gateway.Ok(map[string]any{"mrn": "M1"})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOpenAPI(t *testing.T) {
	tests := []struct {
		name       string
		out        string
		err        error
		wantStatus int
		wantType   string
	}{
		{name: "json", out: `{"mrn":"M1"}`, wantStatus: http.StatusOK, wantType: "application/json"},
		{name: "xml", out: `<Response><mrn>M1</mrn></Response>`, wantStatus: http.StatusOK, wantType: "application/xml"},
		{name: "failure envelope", out: `{"code":"-1","message":"boom"}`, err: gwerrors.NewRemoteInvokeError("boom", nil), wantStatus: http.StatusOK, wantType: "application/json"},
		{name: "unknown route", out: `{"code":"-1"}`, err: gwerrors.NewRouteNotFound("/agent-open-api/x"), wantStatus: http.StatusNotFound, wantType: "application/json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{out: []byte(tt.out), err: tt.err}
			srv := New(Config{}, d)

			rec := do(t, srv.Handler(), http.MethodPost, "/agent-open-api/patient/query", `{"pid":"P1"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), tt.wantType)
			assert.Equal(t, tt.out, rec.Body.String())
			assert.Equal(t, "/agent-open-api/patient/query", d.route)
			assert.Equal(t, `{"pid":"P1"}`, d.raw)
		})
	}
}

func TestNamed(t *testing.T) {
	d := &fakeDispatcher{}
	srv := New(Config{}, d)

	rec := do(t, srv.Handler(), http.MethodPost, NamedPath, `{"BusinessMethod":"QueryPatient","data":{"age":42}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"code":"200","message":"success","data":{"mrn":"M1"}}`, rec.Body.String())
	assert.Equal(t, "QueryPatient", d.method)
	assert.Equal(t, map[string]any{"age": float64(42)}, d.payload["data"])

	for _, body := range []string{`{"data":{}}`, `{broken`} {
		rec = do(t, srv.Handler(), http.MethodPost, NamedPath, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Contains(t, rec.Body.String(), `"code":"-1"`)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "hermes_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := New(Config{}, &fakeDispatcher{}, WithGatherer(reg))

	for _, path := range []string{"/healthz", NamedPath} {
		rec := do(t, srv.Handler(), http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"200"`)
	}

	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hermes_test_total 1")
}

func TestBodyLimit(t *testing.T) {
	srv := New(Config{MaxBodyBytes: 4}, &fakeDispatcher{})
	rec := do(t, srv.Handler(), http.MethodPost, "/agent-open-api/x", `{"pid":"P1"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
