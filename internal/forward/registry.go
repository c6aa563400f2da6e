// Package forward builds and caches the upstream transports used to forward
// requests. Each route gets a transport tuned from its effective settings;
// routes with identical settings share one.
package forward

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fabian4/mapping-gateway/internal/cascade"
)

// Options tunes a transport.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	// Timeouts
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // 0 to disable

	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// With returns base overlaid with a route's effective tuning. The connect
// timeout bounds dialing, the read timeout bounds the wait for response
// headers, and the connection caps size the pool.
func (o Options) With(eff cascade.Effective) Options {
	o.DialTimeout = eff.ConnectTimeout
	o.ResponseHeaderTimeout = eff.ReadTimeout
	o.MaxConnsPerHost = eff.MaxConnsPerHost
	o.MaxIdleConns = eff.MaxConns
	if o.MaxIdleConnsPerHost > eff.MaxConnsPerHost && eff.MaxConnsPerHost > 0 {
		o.MaxIdleConnsPerHost = eff.MaxConnsPerHost
	}
	return o
}

func (o Options) key() string {
	return fmt.Sprintf("%d/%d/%d/%d/%d/%d/%d/%d/%d/%t/%p",
		o.DialTimeout, o.DialKeepAlive, o.MaxIdleConns, o.MaxIdleConnsPerHost,
		o.IdleConnTimeout, o.MaxConnsPerHost, o.TLSHandshakeTimeout,
		o.ExpectContinueTimeout, o.ResponseHeaderTimeout, o.InsecureSkipVerify, o.RootCAs)
}

// Factory hands out transports for effective tunings.
type Factory interface {
	Get(eff cascade.Effective) http.RoundTripper
	CloseIdle()
	Reset()
}

// Registry is a threadsafe cache of transports keyed by their options.
type Registry struct {
	mu    sync.RWMutex
	store map[string]*http.Transport
	base  Options
}

var _ Factory = (*Registry)(nil)

// NewDefaultRegistry builds a registry on top of DefaultOptions.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry builds a registry whose transports start from base.
func NewRegistry(base Options) *Registry {
	return &Registry{
		store: make(map[string]*http.Transport),
		base:  base,
	}
}

// Get returns the transport for eff, creating it on first use.
func (r *Registry) Get(eff cascade.Effective) http.RoundTripper {
	opts := r.base.With(eff)
	k := opts.key()

	r.mu.RLock()
	tr, ok := r.store[k]
	r.mu.RUnlock()
	if ok {
		return tr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.store[k]; ok {
		return tr
	}
	tr = newTransport(opts)
	r.store[k] = tr
	return tr
}

// Len reports how many distinct transports exist.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store)
}

// CloseIdle closes idle connections of every transport.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tr := range r.store {
		tr.CloseIdleConnections()
	}
}

// Reset drops every transport after closing its idle connections. In-flight
// requests keep the transport they started with.
func (r *Registry) Reset() {
	r.mu.Lock()
	old := r.store
	r.store = make(map[string]*http.Transport)
	r.mu.Unlock()
	for _, tr := range old {
		tr.CloseIdleConnections()
	}
}

func newTransport(o Options) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   o.DialTimeout,
		KeepAlive: o.DialKeepAlive,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, RootCAs: o.RootCAs, NextProtos: []string{"http/1.1"}},
		MaxIdleConns:          o.MaxIdleConns,
		MaxIdleConnsPerHost:   o.MaxIdleConnsPerHost,
		IdleConnTimeout:       o.IdleConnTimeout,
		MaxConnsPerHost:       o.MaxConnsPerHost,
		TLSHandshakeTimeout:   o.TLSHandshakeTimeout,
		ExpectContinueTimeout: o.ExpectContinueTimeout,
	}
	if o.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = o.ResponseHeaderTimeout
	}
	return tr
}
