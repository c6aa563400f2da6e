package handler

import (
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fabian4/mapping-gateway/internal/cascade"
	"github.com/fabian4/mapping-gateway/internal/config"
	"github.com/fabian4/mapping-gateway/internal/lb"
	"github.com/fabian4/mapping-gateway/internal/metrics"
	"github.com/fabian4/mapping-gateway/internal/observability"
	"github.com/fabian4/mapping-gateway/internal/router"
	"github.com/fabian4/mapping-gateway/internal/routetable"
)

// seqPolicy picks backends in declaration order, one per call.
type seqPolicy struct{ n atomic.Uint64 }

func (p *seqPolicy) Pick(_ string, backends []string) string {
	return backends[(p.n.Add(1)-1)%uint64(len(backends))]
}

func withSeq() router.Option {
	p := &seqPolicy{}
	return router.WithPolicy(func(*routetable.Rule) lb.Policy { return p })
}

func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func serve(gw http.Handler, req *http.Request) *http.Response {
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)
	return rr.Result()
}

func TestGateway_BasicRouteAndHeaders(t *testing.T) {
	var seenHost, seenConn, seenUpgrade, seenXFP, seenXFF, seenReqID, seenURI string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		seenConn = r.Header.Get("Connection")
		seenUpgrade = r.Header.Get("Upgrade")
		seenXFP = r.Header.Get("X-Forwarded-Proto")
		seenXFF = r.Header.Get("X-Forwarded-For")
		seenReqID = r.Header.Get(HeaderRequestID)
		seenURI = r.RequestURI
		w.Header().Set("X-Up", "ok")
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	upURL, err := url.Parse(up.URL)
	require.NoError(t, err)

	gw := NewGateway(router.New("/api/**=" + up.URL + ";"))

	req := httptest.NewRequest(http.MethodGet, "http://gw.local/api/ping?x=1", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.TLS = &tls.ConnectionState{}
	req.Header.Set("Connection", "keep-alive, FooHop")
	req.Header.Set("FooHop", "1")
	req.Header.Set("Upgrade", "websocket")

	res := serve(gw, req)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", res.Header.Get("X-Up"))
	assert.Equal(t, upURL.Host, seenHost)
	assert.Equal(t, "/api/ping?x=1", seenURI)
	assert.Empty(t, seenConn)
	assert.Empty(t, seenUpgrade)
	assert.Equal(t, "https", seenXFP)
	assert.Equal(t, "203.0.113.10", seenXFF)
	assert.NotEmpty(t, seenReqID)
	assert.Equal(t, seenReqID, res.Header.Get(HeaderRequestID))
}

func TestGateway_StripPrefix(t *testing.T) {
	var seenPath string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer up.Close()

	gw := NewGateway(router.New("/s/**=" + up.URL + ";stripPrefix=true"))

	res := serve(gw, httptest.NewRequest(http.MethodGet, "/s/a/b", nil))
	defer res.Body.Close()

	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "/a/b", seenPath)
}

func TestGateway_KeepsIncomingRequestID(t *testing.T) {
	var seen string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(HeaderRequestID)
	}))
	defer up.Close()

	gw := NewGateway(router.New("/**=" + up.URL + ";"))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "abc-123")

	res := serve(gw, req)
	defer res.Body.Close()

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", res.Header.Get(HeaderRequestID))
}

func TestGateway_NotFound(t *testing.T) {
	m := metrics.NewRegistry()
	core, logs := observer.New(zapcore.WarnLevel)
	gw := NewGateway(router.New("/api/**=http://a.example;"),
		WithMetrics(m),
		WithLogger(observability.NewZapLogger(zap.New(core))),
	)

	for i := 0; i < 3; i++ {
		res := serve(gw, httptest.NewRequest(http.MethodGet, "/other", nil))
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		res.Body.Close()

		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
		assert.Equal(t, router.NotFoundMessage, strings.TrimSpace(string(body)))
	}

	// not-found warnings are throttled
	assert.Equal(t, 1, logs.FilterMessage("no route for request").Len())

	expected := `
# HELP gateway_requests_total Total number of requests
# TYPE gateway_requests_total counter
gateway_requests_total{method="GET",route="unmatched",status="400"} 3
`
	require.NoError(t, testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(expected),
		"gateway_requests_total"))
}

func TestGateway_RetriesIdempotentRequests(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	gw := NewGateway(router.New("/**="+deadURL(t)+"|"+up.URL+";", withSeq()))

	res := serve(gw, httptest.NewRequest(http.MethodGet, "/x", nil))
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.EqualValues(t, 1, hits.Load())
}

func TestGateway_NoRetryWithBody(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer up.Close()

	gw := NewGateway(router.New("/**="+deadURL(t)+"|"+up.URL+";", withSeq()))

	res := serve(gw, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("payload")))
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Zero(t, hits.Load())
}

func TestGateway_RetriesFromTuning(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer up.Close()

	zero, no := 0, false
	gw := NewGateway(router.New("/**="+deadURL(t)+"|"+up.URL+";group=g", withSeq()),
		WithState(GatewayState{
			Tuning: &cascade.Set{Groups: map[string]cascade.Tuning{
				"g": {Retries: &zero, RetryNextServer: &no},
			}},
			AccessLog: config.AccessLogConfig{Enabled: true, Sampling: 1},
		}),
	)

	res := serve(gw, httptest.NewRequest(http.MethodGet, "/x", nil))
	defer res.Body.Close()

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Zero(t, hits.Load())
}

func TestGateway_RetryTiers(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()
	dead := deadURL(t)

	zero, no := 0, false
	tests := []struct {
		name     string
		tuning   *cascade.Set
		method   string
		status   int
		attempts int64
	}{
		{
			name:   "same then next server by default",
			method: http.MethodGet, status: http.StatusOK, attempts: 3,
		},
		{
			name:   "non-idempotent without body retried by default",
			method: http.MethodPost, status: http.StatusOK, attempts: 3,
		},
		{
			name:   "global disables next server",
			tuning: &cascade.Set{Global: cascade.Tuning{RetryNextServer: &no}},
			method: http.MethodGet, status: http.StatusBadGateway, attempts: 2,
		},
		{
			name: "group restricts to idempotent methods",
			tuning: &cascade.Set{Groups: map[string]cascade.Tuning{
				"g": {RetryAllOperations: &no},
			}},
			method: http.MethodPost, status: http.StatusBadGateway, attempts: 1,
		},
		{
			name: "group restriction keeps idempotent retries",
			tuning: &cascade.Set{Groups: map[string]cascade.Tuning{
				"g": {RetryAllOperations: &no},
			}},
			method: http.MethodGet, status: http.StatusOK, attempts: 3,
		},
		{
			name: "route overrides next server budget",
			tuning: &cascade.Set{Routes: map[string]cascade.Tuning{
				"/**": {RetriesNextServer: &zero},
			}},
			method: http.MethodGet, status: http.StatusBadGateway, attempts: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			gw := NewGateway(router.New("/**="+dead+"|"+up.URL+";group=g", withSeq()),
				WithAccessLogger(observability.NewZapLogger(zap.New(core))),
				WithState(GatewayState{
					Tuning:    tt.tuning,
					AccessLog: config.AccessLogConfig{Enabled: true, Sampling: 1},
				}),
			)

			res := serve(gw, httptest.NewRequest(tt.method, "/x", nil))
			res.Body.Close()

			assert.Equal(t, tt.status, res.StatusCode)
			require.Equal(t, 1, logs.Len())
			assert.EqualValues(t, tt.attempts, logs.All()[0].ContextMap()["attempts"])
		})
	}
}

func TestGateway_ObservesLatencyPerAttempt(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	m := metrics.NewRegistry()
	gw := NewGateway(router.New("/**="+deadURL(t)+"|"+up.URL+";", withSeq()),
		WithMetrics(m),
	)

	res := serve(gw, httptest.NewRequest(http.MethodGet, "/x", nil))
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	var samples uint64
	for _, mf := range families {
		if mf.GetName() != "gateway_upstream_latency_seconds" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			samples += metric.GetHistogram().GetSampleCount()
		}
	}
	assert.EqualValues(t, 3, samples)
}

func TestGateway_ForwardsEscapedPath(t *testing.T) {
	var seenURI string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenURI = r.RequestURI
	}))
	defer up.Close()

	gw := NewGateway(router.New("/api/**=" + up.URL + ";"))

	for _, target := range []string{
		"/api/a%3Fb?x=1",
		"/api/a%23b",
		"/api/a%2Fb",
		"/api/a%20b",
	} {
		t.Run(target, func(t *testing.T) {
			res := serve(gw, httptest.NewRequest(http.MethodGet, target, nil))
			res.Body.Close()

			assert.Equal(t, http.StatusOK, res.StatusCode)
			assert.Equal(t, target, seenURI)
		})
	}
}

func TestGateway_AccessLog(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer up.Close()

	core, logs := observer.New(zapcore.InfoLevel)
	gw := NewGateway(router.New("/api/**="+up.URL+";"),
		WithAccessLogger(observability.NewZapLogger(zap.New(core))),
	)

	res := serve(gw, httptest.NewRequest(http.MethodGet, "/api/test", nil))
	res.Body.Close()

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, "/api/test", fields["path"])
	assert.EqualValues(t, 200, fields["status"])
	assert.Equal(t, "/api/**", fields["route"])
	assert.Equal(t, up.URL+"/api/test", fields["upstream"])
	assert.EqualValues(t, 5, fields["bytes_written"])
	assert.EqualValues(t, 1, fields["attempts"])
}

func TestGateway_AccessLogFieldsAndUpdateState(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	core, logs := observer.New(zapcore.InfoLevel)
	gw := NewGateway(router.New("/**="+up.URL+";"),
		WithAccessLogger(observability.NewZapLogger(zap.New(core))),
		WithState(GatewayState{AccessLog: config.AccessLogConfig{
			Enabled:  true,
			Sampling: 1,
			Fields:   []string{"method", "status"},
		}}),
	)

	res := serve(gw, httptest.NewRequest(http.MethodGet, "/x", nil))
	res.Body.Close()

	require.Equal(t, 1, logs.Len())
	assert.Len(t, logs.All()[0].Context, 2)

	gw.UpdateState(&config.Config{AccessLog: config.AccessLogConfig{Enabled: false}})
	res = serve(gw, httptest.NewRequest(http.MethodGet, "/x", nil))
	res.Body.Close()
	assert.Equal(t, 1, logs.Len())
}

func TestGateway_FollowsReload(t *testing.T) {
	one := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "one")
	}))
	defer one.Close()
	two := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "two")
	}))
	defer two.Close()

	src := config.NewStaticSource("/**=" + one.URL + ";")
	res := router.New("")
	res.Bind(src)
	gw := NewGateway(res)

	resp := serve(gw, httptest.NewRequest(http.MethodGet, "/x", nil))
	resp.Body.Close()
	assert.Equal(t, "one", resp.Header.Get("X-Backend"))

	src.Set("/**=" + two.URL + ";")
	resp = serve(gw, httptest.NewRequest(http.MethodGet, "/x", nil))
	resp.Body.Close()
	assert.Equal(t, "two", resp.Header.Get("X-Backend"))
}

func TestAdminMux(t *testing.T) {
	m := metrics.NewRegistry()
	res := router.New("/s/**=http://a.example|http://b.example;stripPrefix=true\n",
		router.WithMetrics(m))
	mux := NewAdminMux(res, m)

	t.Run("healthz", func(t *testing.T) {
		resp := serve(mux, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("routes", func(t *testing.T) {
		resp := serve(mux, httptest.NewRequest(http.MethodGet, "/routes", nil))
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var view tableView
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
		assert.EqualValues(t, 1, view.Generation)
		assert.Len(t, view.Fingerprint, 16)
		require.Len(t, view.Rules, 1)
		assert.Equal(t, "/s/**", view.Rules[0].Pattern)
		assert.Equal(t, []string{"http://a.example", "http://b.example"}, view.Rules[0].Backends)
		assert.Equal(t, "true", view.Rules[0].Options["stripPrefix"])
	})

	t.Run("routes rejects writes", func(t *testing.T) {
		resp := serve(mux, httptest.NewRequest(http.MethodPost, "/routes", nil))
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp := serve(mux, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "gateway_router_rules 1")
	})
}
