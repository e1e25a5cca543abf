package webservice_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ubuntu/invoice-ingest/internal/ingest/events"
	"github.com/ubuntu/invoice-ingest/internal/webservice"
)

var defaultConfig = webservice.StaticConfig{
	ReadTimeout:    5 * time.Second,
	WriteTimeout:   10 * time.Second,
	RequestTimeout: 3 * time.Second,
	MaxHeaderBytes: 1 << 13,
	MaxBodyBytes:   1 << 10,

	ListenHost: "localhost",
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		preRegister bool

		wantErr bool
	}{
		"Empty registry": {},

		// Error cases
		"Error on already registered metrics": {preRegister: true, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			reg := prometheus.NewRegistry()
			if tc.preRegister {
				_, err := webservice.New(t.Context(), &mockRouter{}, defaultConfig, reg)
				require.NoError(t, err, "Setup: first New should not fail")
			}

			s, err := webservice.New(t.Context(), &mockRouter{}, defaultConfig, reg)
			if tc.wantErr {
				require.Error(t, err, "New should fail")
				require.Nil(t, s, "New should not return a server on error")
				return
			}
			require.NoError(t, err, "New should not fail")
			require.NotNil(t, s, "New should return a server")
		})
	}
}

func TestServeHTTP(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		method string
		target string
		body   string

		wantStatus int
		wantBody   string
		wantEvent  events.Event
		wantRoute  string
		noRoute    bool
	}{
		"GET is translated into an HTTP-shaped event": {
			method:     http.MethodGet,
			target:     "/notas",
			body:       `{"id":"NF-1"}`,
			wantStatus: 200,
			wantBody:   `{"routed":true}`,
			wantEvent:  events.Event{API: &events.APIRequest{HTTPMethod: "GET", Path: "/notas", Body: `{"id":"NF-1"}`}},
			wantRoute:  "/notas",
		},
		"Query id is turned into a body": {
			method:     http.MethodGet,
			target:     "/notas?id=NF-1",
			wantStatus: 200,
			wantBody:   `{"routed":true}`,
			wantEvent:  events.Event{API: &events.APIRequest{HTTPMethod: "GET", Path: "/notas", Body: `{"id":"NF-1"}`}},
			wantRoute:  "/notas",
		},
		"Body wins over the query id": {
			method:     http.MethodGet,
			target:     "/notas?id=NF-2",
			body:       `{"id":"NF-1"}`,
			wantStatus: 200,
			wantBody:   `{"routed":true}`,
			wantEvent:  events.Event{API: &events.APIRequest{HTTPMethod: "GET", Path: "/notas", Body: `{"id":"NF-1"}`}},
			wantRoute:  "/notas",
		},
		"Unknown paths are still routed": {
			method:     http.MethodDelete,
			target:     "/other",
			wantStatus: 200,
			wantBody:   `{"routed":true}`,
			wantEvent:  events.Event{API: &events.APIRequest{HTTPMethod: "DELETE", Path: "/other"}},
			wantRoute:  "other",
		},
		"Invoke routes a raw storage notification": {
			method:     http.MethodPost,
			target:     "/invoke",
			body:       `{"Records":[{"s3":{"bucket":{"name":"b"},"object":{"key":"k.json"}}}]}`,
			wantStatus: 200,
			wantBody:   `{"routed":true}`,
			wantEvent:  events.Event{Notification: events.Notification{Entries: []events.Entry{{Bucket: "b", Key: "k.json"}}}},
			wantRoute:  "/invoke",
		},
		"Invoke routes a raw HTTP-shaped event": {
			method:     http.MethodPost,
			target:     "/invoke",
			body:       `{"httpMethod":"GET","path":"/notas","body":"{}"}`,
			wantStatus: 200,
			wantBody:   `{"routed":true}`,
			wantEvent:  events.Event{API: &events.APIRequest{HTTPMethod: "GET", Path: "/notas", Body: `{}`}},
			wantRoute:  "/invoke",
		},

		// Error cases
		"Error on invalid invoke event": {
			method:     http.MethodPost,
			target:     "/invoke",
			body:       `{"foo":1}`,
			wantStatus: 400,
			noRoute:    true,
			wantRoute:  "/invoke",
		},
		"Error on body too large": {
			method:     http.MethodPost,
			target:     "/notas",
			body:       strings.Repeat("a", 2<<10),
			wantStatus: 400,
			wantBody:   `"Failed to read request body."`,
			noRoute:    true,
			wantRoute:  "/notas",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			reg := prometheus.NewRegistry()
			r := &mockRouter{resp: events.Response{StatusCode: 200, Body: `{"routed":true}`}}
			s, err := webservice.New(t.Context(), r, defaultConfig, reg)
			require.NoError(t, err, "Setup: New should not fail")

			req := httptest.NewRequest(tc.method, tc.target, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			require.Equal(t, tc.wantStatus, rec.Code, "Unexpected status code")
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"), "Responses should be JSON")
			require.NotEmpty(t, rec.Header().Get("X-Request-Id"), "Responses should carry a request id")
			if tc.wantBody != "" {
				require.Equal(t, tc.wantBody, rec.Body.String(), "Unexpected body")
			}

			if tc.noRoute {
				require.Empty(t, r.events, "Router should not be called")
			} else {
				require.Equal(t, []events.Event{tc.wantEvent}, r.events, "Unexpected routed event")
			}

			count, err := testutil.GatherAndCount(reg, "http_requests_total")
			require.NoError(t, err, "Failed to gather metrics")
			assert.Equal(t, 1, count, "Request should be counted once")
			mfs, err := reg.Gather()
			require.NoError(t, err, "Failed to gather metrics")
			var routes []string
			for _, mf := range mfs {
				if mf.GetName() != "http_requests_total" {
					continue
				}
				for _, m := range mf.GetMetric() {
					for _, l := range m.GetLabel() {
						if l.GetName() == "route" {
							routes = append(routes, l.GetValue())
						}
					}
				}
			}
			assert.Equal(t, []string{tc.wantRoute}, routes, "Unexpected route label")
		})
	}
}

func TestRunQuit(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		force bool
	}{
		"Graceful quit": {},
		"Forced quit":   {force: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r := &mockRouter{resp: events.Response{StatusCode: 404, Body: `"nope"`}}
			s, err := webservice.New(t.Context(), r, defaultConfig, prometheus.NewRegistry())
			require.NoError(t, err, "Setup: New should not fail")

			errCh := make(chan error, 1)
			go func() { errCh <- s.Run() }()

			require.Eventually(t, func() bool { return s.Addr() != nil }, 5*time.Second, 10*time.Millisecond, "Server should start listening")

			resp, err := http.Get(fmt.Sprintf("http://%s/notas?id=NF-1", s.Addr()))
			require.NoError(t, err, "GET should not fail")
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			require.NoError(t, err, "Reading the body should not fail")
			require.Equal(t, http.StatusNotFound, resp.StatusCode, "Status should come from the routed response")
			require.Equal(t, `"nope"`, string(body), "Body should come from the routed response")

			s.Quit(tc.force)
			select {
			case err := <-errCh:
				require.NoError(t, err, "Run should return without error after Quit")
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after Quit")
			}

			require.Error(t, s.Run(), "Run should fail once the server quit")
		})
	}
}

type mockRouter struct {
	resp events.Response

	mu     sync.Mutex
	events []events.Event
}

func (m *mockRouter) Route(_ context.Context, e events.Event) events.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.resp
}
