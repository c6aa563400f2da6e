// Package cascade resolves per-route network tuning with a three tier
// fallback: route specific value, then group value, then global value, then
// a built-in default.
package cascade

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Built-in defaults used when no tier sets a value.
const (
	DefaultConnectTimeout  = 20 * time.Second
	DefaultReadTimeout     = 10 * time.Second
	DefaultMaxConnsPerHost = 500
	DefaultMaxConns        = 2000
	DefaultRetries         = 1
	DefaultLB              = "random"

	DefaultRetriesNextServer  = 1
	DefaultRetryNextServer    = true
	DefaultRetryAllOperations = true
)

// Resolve returns the first non-nil override in priority order, or def.
func Resolve[T any](specific, group, global *T, def T) T {
	switch {
	case specific != nil:
		return *specific
	case group != nil:
		return *group
	case global != nil:
		return *global
	}
	return def
}

// Tuning is one tier of overrides. Nil fields are unset.
//
// Retries counts extra attempts on the same backend; RetriesNextServer counts
// switches to a freshly picked backend, each of which gets Retries attempts
// again. RetryAllOperations allows retrying non-idempotent methods; requests
// with a body are never replayed.
type Tuning struct {
	ConnectTimeout     *time.Duration `yaml:"connectTimeout"`
	ReadTimeout        *time.Duration `yaml:"readTimeout"`
	MaxConnsPerHost    *int           `yaml:"maxConnsPerHost"`
	MaxConns           *int           `yaml:"maxConns"`
	Retries            *int           `yaml:"retries"`
	RetriesNextServer  *int           `yaml:"retriesNextServer"`
	RetryNextServer    *bool          `yaml:"retryNextServer"`
	RetryAllOperations *bool          `yaml:"retryAllOperations"`
	LB                 *string        `yaml:"lb"`
}

func (t Tuning) validate() error {
	for _, d := range []struct {
		name string
		v    *time.Duration
	}{
		{"connectTimeout", t.ConnectTimeout},
		{"readTimeout", t.ReadTimeout},
	} {
		if d.v != nil && *d.v < 0 {
			return fmt.Errorf("%s: must not be negative", d.name)
		}
	}
	for _, n := range []struct {
		name string
		v    *int
	}{
		{"maxConnsPerHost", t.MaxConnsPerHost},
		{"maxConns", t.MaxConns},
		{"retries", t.Retries},
		{"retriesNextServer", t.RetriesNextServer},
	} {
		if n.v != nil && *n.v < 0 {
			return fmt.Errorf("%s: must not be negative", n.name)
		}
	}
	return nil
}

// Set holds all tiers. Routes are keyed by rule pattern, groups by the
// rule's group option.
type Set struct {
	Global Tuning            `yaml:"global"`
	Groups map[string]Tuning `yaml:"groups"`
	Routes map[string]Tuning `yaml:"routes"`
}

// Effective is a fully resolved tuning for one route.
type Effective struct {
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	MaxConnsPerHost    int
	MaxConns           int
	Retries            int
	RetriesNextServer  int
	RetryNextServer    bool
	RetryAllOperations bool
	LB                 string
}

// For resolves the tuning of a route in a group. Unknown route or group
// names fall through to the next tier.
func (s *Set) For(route, group string) Effective {
	var r, g, gl Tuning
	if s != nil {
		r, g, gl = s.Routes[route], s.Groups[group], s.Global
	}
	return Effective{
		ConnectTimeout:     Resolve(r.ConnectTimeout, g.ConnectTimeout, gl.ConnectTimeout, DefaultConnectTimeout),
		ReadTimeout:        Resolve(r.ReadTimeout, g.ReadTimeout, gl.ReadTimeout, DefaultReadTimeout),
		MaxConnsPerHost:    Resolve(r.MaxConnsPerHost, g.MaxConnsPerHost, gl.MaxConnsPerHost, DefaultMaxConnsPerHost),
		MaxConns:           Resolve(r.MaxConns, g.MaxConns, gl.MaxConns, DefaultMaxConns),
		Retries:            Resolve(r.Retries, g.Retries, gl.Retries, DefaultRetries),
		RetriesNextServer:  Resolve(r.RetriesNextServer, g.RetriesNextServer, gl.RetriesNextServer, DefaultRetriesNextServer),
		RetryNextServer:    Resolve(r.RetryNextServer, g.RetryNextServer, gl.RetryNextServer, DefaultRetryNextServer),
		RetryAllOperations: Resolve(r.RetryAllOperations, g.RetryAllOperations, gl.RetryAllOperations, DefaultRetryAllOperations),
		LB:                 Resolve(r.LB, g.LB, gl.LB, DefaultLB),
	}
}

// Validate rejects negative values and lb names that check does not accept.
// check may be nil. Groups and routes are checked in name order, so the
// first error reported is stable.
func (s *Set) Validate(check func(lb string) bool) error {
	validate := func(where string, t Tuning) error {
		if err := t.validate(); err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		if t.LB != nil && check != nil && !check(*t.LB) {
			return fmt.Errorf("%s: unknown lb %q", where, *t.LB)
		}
		return nil
	}
	if err := validate("global", s.Global); err != nil {
		return err
	}
	for _, name := range slices.Sorted(maps.Keys(s.Groups)) {
		if err := validate("groups."+name, s.Groups[name]); err != nil {
			return err
		}
	}
	for _, name := range slices.Sorted(maps.Keys(s.Routes)) {
		if err := validate("routes."+name, s.Routes[name]); err != nil {
			return err
		}
	}
	return nil
}
