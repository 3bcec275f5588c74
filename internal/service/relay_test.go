package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrms-proxy/internal/client"
	"hrms-proxy/internal/config"
	"hrms-proxy/internal/metrics"
	"hrms-proxy/internal/model"
)

// received is what the fake backend saw for the last request.
type received struct {
	method  string
	uri     string
	header  http.Header
	body    string
	hasBody bool
}

type capture struct {
	mu   sync.Mutex
	last received
}

func (c *capture) snapshot() received {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.last
	r.header = r.header.Clone()
	return r
}

// newBackend starts a fake HR API that replies with status and body.
func newBackend(t *testing.T, status int, body string) (*httptest.Server, *capture) {
	t.Helper()
	got := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.mu.Lock()
		got.last = received{
			method:  r.Method,
			uri:     r.URL.RequestURI(),
			header:  r.Header.Clone(),
			body:    string(b),
			hasBody: len(b) > 0,
		}
		got.mu.Unlock()

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func newTestService(t *testing.T, baseURL string, m *metrics.Metrics) *RelayService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: baseURL, IdleConnections: 10},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewRelayService(client.NewUpstreamClient(cfg, logger, m), cfg, logger, m)
	require.NoError(t, err)
	return svc
}

func TestBuildURL(t *testing.T) {
	s := &RelayService{baseURL: "http://hr-api:8080"}

	tests := []struct {
		name     string
		segments []string
		rawQuery string
		want     string
	}{
		{"single segment", []string{"employees"}, "", "http://hr-api:8080/employees"},
		{"nested segments", []string{"departments", "12", "roles"}, "", "http://hr-api:8080/departments/12/roles"},
		{"query appended verbatim", []string{"attendance"}, "from=2024-01-01&to=2024-01-31", "http://hr-api:8080/attendance?from=2024-01-01&to=2024-01-31"},
		{"encoded query untouched", []string{"search"}, "q=John%20Doe&tag=a+b", "http://hr-api:8080/search?q=John%20Doe&tag=a+b"},
		{"segment with space escaped", []string{"files", "pay slip.pdf"}, "", "http://hr-api:8080/files/pay%20slip.pdf"},
		{"segment with slash escaped", []string{"a/b"}, "", "http://hr-api:8080/a%2Fb"},
		{"trailing empty segment kept", []string{"users", ""}, "", "http://hr-api:8080/users/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.BuildURL(tt.segments, tt.rawQuery))
		})
	}
}

func TestFilterRequestHeaders(t *testing.T) {
	src := http.Header{
		"Accept":          {"application/json"},
		"Content-Type":    {"application/json"},
		"Authorization":   {"Bearer secret"},
		"Cookie":          {"session=abc", "theme=dark"},
		"accept-language": {"en-US"}, // non-canonical key
		"Connection":      {"keep-alive"},
		"User-Agent":      {"Mozilla/5.0"},
		"X-Custom-Header": {"should-be-dropped"},
		"X-Forwarded-For": {"1.2.3.4"},
		"Host":            {"frontend.local"},
		"Origin":          {"http://frontend.local"},
	}

	dst := filterRequestHeaders(src)

	assert.Equal(t, []string{"application/json"}, dst.Values("Accept"))
	assert.Equal(t, []string{"application/json"}, dst.Values("Content-Type"))
	assert.Equal(t, []string{"Bearer secret"}, dst.Values("Authorization"))
	assert.Equal(t, []string{"session=abc", "theme=dark"}, dst.Values("Cookie"))
	assert.Equal(t, []string{"en-US"}, dst.Values("Accept-Language"))
	assert.Len(t, dst, 5)

	for _, dropped := range []string{"Connection", "User-Agent", "X-Custom-Header", "X-Forwarded-For", "Host", "Origin"} {
		assert.Empty(t, dst.Values(dropped), "header %s should be dropped", dropped)
	}
}

func TestFilterRequestHeaders_AbsentNotDefaulted(t *testing.T) {
	dst := filterRequestHeaders(http.Header{"X-Other": {"1"}})
	assert.Empty(t, dst)
}

func TestForward_EveryMethodHitsResolvedURL(t *testing.T) {
	for _, method := range SupportedMethods {
		t.Run(method, func(t *testing.T) {
			srv, got := newBackend(t, http.StatusOK, `{}`)
			svc := newTestService(t, srv.URL, nil)

			resp, err := svc.Forward(context.Background(), &model.RelayRequest{
				Method:   method,
				Segments: []string{"leave", "requests", "9"},
				RawQuery: "status=pending",
				Header:   http.Header{},
			})
			require.NoError(t, err)

			snap := got.snapshot()
			assert.Equal(t, method, snap.method)
			assert.Equal(t, "/leave/requests/9?status=pending", snap.uri)
			assert.Equal(t, srv.URL+"/leave/requests/9?status=pending", resp.URL)
		})
	}
}

func TestForward_OnlyAllowListedHeadersReachBackend(t *testing.T) {
	srv, got := newBackend(t, http.StatusOK, `{}`)
	svc := newTestService(t, srv.URL, nil)

	_, err := svc.Forward(context.Background(), &model.RelayRequest{
		Method:   http.MethodGet,
		Segments: []string{"me"},
		Header: http.Header{
			"Authorization":   {"Bearer abc"},
			"Accept-Language": {"fr"},
			"X-Api-Key":       {"leak"},
			"X-Forwarded-For": {"10.0.0.1"},
			"Referer":         {"http://frontend.local/dashboard"},
		},
	})
	require.NoError(t, err)

	snap := got.snapshot()
	assert.Equal(t, "Bearer abc", snap.header.Get("Authorization"))
	assert.Equal(t, "fr", snap.header.Get("Accept-Language"))
	assert.Empty(t, snap.header.Get("X-Api-Key"))
	assert.Empty(t, snap.header.Get("X-Forwarded-For"))
	assert.Empty(t, snap.header.Get("Referer"))
	assert.Empty(t, snap.header.Get("Cookie"), "absent headers must not be defaulted")
}

func TestForward_BodyPolicy(t *testing.T) {
	tests := []struct {
		method   string
		body     string
		wantBody string
	}{
		{http.MethodGet, `{"ignored":true}`, ""},
		{http.MethodDelete, `{"ignored":true}`, ""},
		{http.MethodPost, `{"name":"Finance"}`, `{"name":"Finance"}`},
		{http.MethodPut, "plain text body", "plain text body"},
		{http.MethodPatch, `{"active":false}`, `{"active":false}`},
		{http.MethodPost, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+"/"+tt.body, func(t *testing.T) {
			srv, got := newBackend(t, http.StatusOK, `{}`)
			svc := newTestService(t, srv.URL, nil)

			_, err := svc.Forward(context.Background(), &model.RelayRequest{
				Method:   tt.method,
				Segments: []string{"departments"},
				Header:   http.Header{"Content-Type": {"application/json"}},
				Body:     []byte(tt.body),
			})
			require.NoError(t, err)

			snap := got.snapshot()
			assert.Equal(t, tt.wantBody, snap.body)
			assert.Equal(t, tt.wantBody != "", snap.hasBody)
		})
	}
}

func TestForward_StructuredResponse(t *testing.T) {
	srv, _ := newBackend(t, http.StatusCreated, `{"id":17,"name":"Engineering"}`)
	svc := newTestService(t, srv.URL, nil)

	resp, err := svc.Forward(context.Background(), &model.RelayRequest{
		Method:   http.MethodPost,
		Segments: []string{"departments"},
		Body:     []byte(`{"name":"Engineering"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, model.Structured, resp.Payload.Kind())

	out, err := json.Marshal(resp.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":17,"name":"Engineering"}`, string(out))
}

func TestForward_RawTextResponse(t *testing.T) {
	srv, _ := newBackend(t, http.StatusOK, "OK")
	svc := newTestService(t, srv.URL, nil)

	resp, err := svc.Forward(context.Background(), &model.RelayRequest{
		Method:   http.MethodGet,
		Segments: []string{"ping"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RawText, resp.Payload.Kind())

	out, err := json.Marshal(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, `"OK"`, string(out))
}

func TestForward_BackendErrorStatusPassesThrough(t *testing.T) {
	srv, _ := newBackend(t, http.StatusUnprocessableEntity, `{"error":"email already registered"}`)
	svc := newTestService(t, srv.URL, nil)

	resp, err := svc.Forward(context.Background(), &model.RelayRequest{
		Method:   http.MethodPost,
		Segments: []string{"employees"},
		Body:     []byte(`{"email":"a@b.c"}`),
	})
	require.NoError(t, err, "backend error statuses are not relay errors")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, `{"error":"email already registered"}`, resp.Payload.Text())
}

func TestForward_TransportFailure(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1", nil)

	_, err := svc.Forward(context.Background(), &model.RelayRequest{
		Method:   http.MethodGet,
		Segments: []string{"employees"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forward to upstream")
}

func TestForward_BodyReadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()
	svc := newTestService(t, srv.URL, nil)

	_, err := svc.Forward(context.Background(), &model.RelayRequest{
		Method:   http.MethodGet,
		Segments: []string{"reports", "salary"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read upstream body")
}

func TestForward_InboundCancellationNotPropagated(t *testing.T) {
	srv, _ := newBackend(t, http.StatusOK, `{"ok":true}`)
	svc := newTestService(t, srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := svc.Forward(ctx, &model.RelayRequest{
		Method:   http.MethodGet,
		Segments: []string{"roles"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForward_RejectsUnsupportedMethod(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1", nil)

	_, err := svc.Forward(context.Background(), &model.RelayRequest{
		Method:   http.MethodOptions,
		Segments: []string{"employees"},
	})
	assert.True(t, errors.Is(err, ErrUnsupportedMethod), "err = %v", err)
}

func TestForward_RejectsEmptyPath(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1", nil)

	_, err := svc.Forward(context.Background(), &model.RelayRequest{Method: http.MethodGet})
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestForward_RepeatedGetIsStable(t *testing.T) {
	srv, _ := newBackend(t, http.StatusOK, `{"employees":[{"id":1},{"id":2}]}`)
	svc := newTestService(t, srv.URL, nil)

	rr := &model.RelayRequest{Method: http.MethodGet, Segments: []string{"employees"}}
	first, err := svc.Forward(context.Background(), rr)
	require.NoError(t, err)
	second, err := svc.Forward(context.Background(), rr)
	require.NoError(t, err)

	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.Equal(t, first.Payload, second.Payload)
}

func TestForward_CountsPayloadKinds(t *testing.T) {
	srv, _ := newBackend(t, http.StatusOK, "not json")
	m := metrics.New()
	svc := newTestService(t, srv.URL, m)

	_, err := svc.Forward(context.Background(), &model.RelayRequest{Method: http.MethodGet, Segments: []string{"x"}})
	require.NoError(t, err)

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	var count float64
	for _, f := range families {
		if f.GetName() != "hrms_proxy_upstream_payloads_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "kind" && lp.GetValue() == "raw_text" {
					count = metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, float64(1), count)
}

func TestNewRelayService_NormalizesBase(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"", "http://localhost:8080"},
		{"https://http://hr-api:8080", "http://hr-api:8080"},
		{"https://hr.example.com/", "https://hr.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			svc := newTestService(t, tt.base, nil)
			assert.Equal(t, tt.want, svc.BaseURL())
			assert.True(t, strings.HasPrefix(svc.BuildURL([]string{"x"}, ""), tt.want+"/x"))
		})
	}
}
