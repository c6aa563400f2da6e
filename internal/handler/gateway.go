package handler

import (
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fabian4/mapping-gateway/internal/cascade"
	"github.com/fabian4/mapping-gateway/internal/config"
	fwd "github.com/fabian4/mapping-gateway/internal/forward"
	"github.com/fabian4/mapping-gateway/internal/metrics"
	"github.com/fabian4/mapping-gateway/internal/observability"
	"github.com/fabian4/mapping-gateway/internal/router"
)

// HeaderRequestID carries the request id to the upstream and back to the
// client. An incoming value is kept.
const HeaderRequestID = "X-Request-Id"

// unmatchedRoute labels metrics of requests no rule matched.
const unmatchedRoute = "unmatched"

// GatewayState is the reloadable part of the gateway.
type GatewayState struct {
	Tuning    *cascade.Set
	AccessLog config.AccessLogConfig
}

// Gateway forwards requests to the backend chosen by the resolver.
type Gateway struct {
	state      atomic.Pointer[GatewayState]
	resolver   *router.Resolver
	transports fwd.Factory
	logger     observability.Logger
	access     observability.Logger
	metrics    *metrics.Registry

	notFoundLog rate.Sometimes
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTransports sets the transport factory.
func WithTransports(f fwd.Factory) Option {
	return func(g *Gateway) { g.transports = f }
}

// WithLogger sets the operational logger.
func WithLogger(l observability.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithAccessLogger sets the logger access log entries are written to.
func WithAccessLogger(l observability.Logger) Option {
	return func(g *Gateway) { g.access = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithState sets the initial tuning and access log settings.
func WithState(s GatewayState) Option {
	return func(g *Gateway) { g.state.Store(&s) }
}

// NewGateway builds a gateway resolving through res. Without WithState the
// built-in tuning is used and every request is logged.
func NewGateway(res *router.Resolver, opts ...Option) *Gateway {
	g := &Gateway{
		resolver:    res,
		logger:      observability.NopLogger(),
		access:      observability.NopLogger(),
		notFoundLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	g.state.Store(&GatewayState{
		AccessLog: config.AccessLogConfig{Enabled: true, Sampling: 1},
	})
	for _, opt := range opts {
		opt(g)
	}
	if g.transports == nil {
		g.transports = fwd.NewDefaultRegistry()
	}
	return g
}

// UpdateState installs the tuning and access log settings of cfg. Upstream
// transports are rebuilt lazily with the new tuning.
func (g *Gateway) UpdateState(cfg *config.Config) {
	tuning := cfg.Tuning
	g.state.Store(&GatewayState{Tuning: &tuning, AccessLog: cfg.AccessLog})
	g.transports.Reset()
	g.logger.Info("gateway state updated")
}

var _ http.Handler = (*Gateway)(nil)

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state := g.state.Load()

	start := time.Now()
	reqID := r.Header.Get(HeaderRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	lw := &loggingResponseWriter{ResponseWriter: w}
	lw.Header().Set(HeaderRequestID, reqID)

	var pattern, upstream string
	var attempts int
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := pattern
		if route == "" {
			route = unmatchedRoute
		}
		g.metrics.IncRequest(route, r.Method, strconv.Itoa(status))
		g.logAccess(state.AccessLog, accessEntry{
			start:    start,
			req:      r,
			reqID:    reqID,
			status:   status,
			duration: duration,
			route:    pattern,
			upstream: upstream,
			attempts: attempts,
			bytes:    lw.bytes,
		})
	}()

	res, err := g.resolver.ResolveURL(r.URL)
	if err != nil {
		if errors.Is(err, router.ErrNotFound) || errors.Is(err, router.ErrInvalidInput) {
			g.notFoundLog.Do(func() {
				g.logger.Warn("no route for request",
					observability.String("path", r.URL.Path),
					observability.Error(err),
				)
			})
			http.Error(lw, router.NotFoundMessage, http.StatusBadRequest)
			return
		}
		g.logger.Error("route resolution failed", observability.Error(err))
		http.Error(lw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	pattern = res.Pattern()

	eff := state.Tuning.For(pattern, res.Rule.Group())
	tr := g.transports.Get(eff)

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)
	hdr.Set(HeaderRequestID, reqID)

	// sameLeft counts retries on the current backend, nextLeft switches to a
	// newly picked one. Each switch restores the same-backend budget.
	var sameLeft, nextLeft int
	if retryable(r, eff) {
		sameLeft = eff.Retries
		if eff.RetryNextServer {
			nextLeft = eff.RetriesNextServer
		}
	}

	var resUp *http.Response
	for {
		upstream = res.URL(r.URL.RawQuery)
		attempts++

		var body io.Reader
		if r.ContentLength != 0 {
			body = r.Body
		}
		reqUp, err := http.NewRequestWithContext(r.Context(), r.Method, upstream, body)
		if err != nil {
			http.Error(lw, "bad request", http.StatusBadRequest)
			return
		}
		reqUp.ContentLength = r.ContentLength
		reqUp.Header = hdr.Clone()
		reqUp.Host = reqUp.URL.Host

		t0 := time.Now()
		resUp, err = tr.RoundTrip(reqUp)
		g.metrics.ObserveLatency(pattern, time.Since(t0))
		if err == nil {
			break
		}
		if (sameLeft == 0 && nextLeft == 0) || r.Context().Err() != nil {
			g.logger.Error("upstream error",
				observability.String("request_id", reqID),
				observability.String("route", pattern),
				observability.String("upstream", upstream),
				observability.Int("attempts", attempts),
				observability.Error(err),
			)
			http.Error(lw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		g.logger.Warn("upstream attempt failed, retrying",
			observability.String("request_id", reqID),
			observability.String("upstream", upstream),
			observability.Bool("next_server", sameLeft == 0),
			observability.Error(err),
		)
		if sameLeft > 0 {
			sameLeft--
			continue
		}
		nextLeft--
		sameLeft = eff.Retries
		res.Backend = g.resolver.Pick(res.Rule)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			g.logger.Debug("error closing upstream body", observability.Error(err))
		}
	}(resUp.Body)

	dropHopByHop(resUp.Header)
	copyHeaders(lw.Header(), resUp.Header)

	// Announce trailers if any
	if len(resUp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		lw.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	lw.WriteHeader(resUp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	_, _ = io.Copy(lw, resUp.Body)

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			lw.Header().Add(k, v)
		}
	}
}

// retryable reports whether a failed attempt may be replayed. A body is
// never resent; other methods need eff.RetryAllOperations unless idempotent.
func retryable(r *http.Request, eff cascade.Effective) bool {
	if r.ContentLength != 0 {
		return false
	}
	if eff.RetryAllOperations {
		return true
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions,
		http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}

// --- access log ---

type accessEntry struct {
	start    time.Time
	req      *http.Request
	reqID    string
	status   int
	duration time.Duration
	route    string
	upstream string
	attempts int
	bytes    int64
}

func (g *Gateway) logAccess(cfg config.AccessLogConfig, e accessEntry) {
	if !cfg.Enabled {
		return
	}
	if cfg.Sampling < 1.0 && rand.Float64() >= cfg.Sampling {
		return
	}

	all := []observability.Field{
		observability.Time("time", e.start),
		observability.String("request_id", e.reqID),
		observability.String("method", e.req.Method),
		observability.String("path", e.req.URL.Path),
		observability.String("protocol", e.req.Proto),
		observability.Int("status", e.status),
		observability.Int64("duration_ms", e.duration.Milliseconds()),
		observability.String("remote_ip", e.req.RemoteAddr),
		observability.String("user_agent", e.req.UserAgent()),
		observability.String("referer", e.req.Referer()),
		observability.String("route", e.route),
		observability.String("upstream", e.upstream),
		observability.Int("attempts", e.attempts),
		observability.Int64("bytes_written", e.bytes),
	}
	fields := all
	if len(cfg.Fields) > 0 {
		allowed := make(map[string]bool, len(cfg.Fields))
		for _, f := range cfg.Fields {
			allowed[f] = true
		}
		fields = fields[:0:0]
		for _, f := range all {
			if allowed[f.Key] {
				fields = append(fields, f)
			}
		}
	}
	g.access.Info("access", fields...)
}

// --- helpers ---

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
