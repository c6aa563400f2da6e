// Package router resolves request paths to backends against a hot-swappable
// route table.
//
// A Resolver holds the current route table together with a resolution cache
// that maps concrete request paths to the rule they matched. The pair is
// published through a single atomic pointer, so readers never take a lock
// and always see one table and the cache that belongs to it. Reload parses
// new text and swaps in a fresh pair; the old cache is dropped along with
// the old table, so no entry computed against a replaced table is ever
// served from the new one.
package router

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fabian4/mapping-gateway/internal/cascade"
	"github.com/fabian4/mapping-gateway/internal/lb"
	"github.com/fabian4/mapping-gateway/internal/metrics"
	"github.com/fabian4/mapping-gateway/internal/observability"
	"github.com/fabian4/mapping-gateway/internal/routetable"
)

// Source supplies route table text and notifies about changes.
type Source interface {
	Routes() string
	OnRoutesChange(fn func(text string))
}

// PolicyFunc returns the backend selection policy for a rule.
type PolicyFunc func(rule *routetable.Rule) lb.Policy

// Resolution is the outcome of resolving one path.
type Resolution struct {
	Rule       *routetable.Rule
	Backend    string // chosen backend base URL
	Path       string // path to forward, after prefix stripping
	RawPath    string // escaped form of Path as the client sent it, if known
	Generation uint64
}

// Pattern returns the matched pattern.
func (r *Resolution) Pattern() string { return r.Rule.Pattern }

// URL returns backend + escaped path, followed by "?" + rawQuery when it is
// set. Reserved characters in the path stay escaped.
func (r *Resolution) URL(rawQuery string) string {
	p := r.RawPath
	if p == "" {
		p = (&url.URL{Path: r.Path}).EscapedPath()
	}
	u := joinSlash(r.Backend, p)
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

type generation struct {
	id    uint64
	text  string
	table *routetable.Table
	cache sync.Map // request path -> *routetable.Rule
	size  atomic.Int64
}

func (g *generation) remember(path string, rule *routetable.Rule, limit int) {
	if limit > 0 && g.size.Load() >= int64(limit) {
		return
	}
	if _, loaded := g.cache.LoadOrStore(path, rule); !loaded {
		g.size.Add(1)
	}
}

// Resolver is the request facing routing engine. It is safe for concurrent
// use; Reload calls are serialized.
type Resolver struct {
	current atomic.Pointer[generation]

	reloadMu sync.Mutex
	seq      uint64

	logger     observability.Logger
	metrics    *metrics.Registry
	cacheLimit int
	policy     PolicyFunc
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithCacheLimit bounds the resolution cache of each table generation.
// Zero means unbounded. The bound is approximate: concurrent misses may
// overshoot it by a few entries.
func WithCacheLimit(n int) Option {
	return func(r *Resolver) { r.cacheLimit = n }
}

// WithPolicy overrides backend selection. By default a rule's "lb" option
// names the policy and uniform random is used otherwise.
func WithPolicy(fn PolicyFunc) Option {
	return func(r *Resolver) { r.policy = fn }
}

// DefaultPolicy selects by the rule's "lb" option from set, falling back to
// random.
func DefaultPolicy(set *lb.Set) PolicyFunc {
	return func(rule *routetable.Rule) lb.Policy {
		name, _ := rule.Option(routetable.OptionLB)
		return set.Get(name)
	}
}

// TuningPolicy is like DefaultPolicy, but a rule without an "lb" option
// takes the policy from the tuning returned by current: route, then group,
// then global.
func TuningPolicy(set *lb.Set, current func() *cascade.Set) PolicyFunc {
	return func(rule *routetable.Rule) lb.Policy {
		if name, ok := rule.Option(routetable.OptionLB); ok {
			return set.Get(name)
		}
		return set.Get(current().For(rule.Pattern, rule.Group()).LB)
	}
}

// New builds a resolver and installs the table parsed from initial.
func New(initial string, opts ...Option) *Resolver {
	r := &Resolver{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	if r.policy == nil {
		r.policy = DefaultPolicy(lb.NewSet())
	}
	r.Reload(initial)
	return r
}

// Bind installs the source's current text and reloads on every change.
func (r *Resolver) Bind(src Source) {
	// Subscribe before reading so no change is lost. The initial text is
	// skipped when a change has already been delivered, since it may be older.
	var mu sync.Mutex
	delivered := false
	src.OnRoutesChange(func(text string) {
		mu.Lock()
		defer mu.Unlock()
		delivered = true
		r.Reload(text)
	})
	text := src.Routes()
	mu.Lock()
	defer mu.Unlock()
	if !delivered {
		r.Reload(text)
	}
}

// Reload parses text and atomically installs the result together with an
// empty resolution cache. It reports whether a new table was installed;
// text identical to the current table's is a no-op.
func (r *Resolver) Reload(text string) bool {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	tbl := routetable.Parse(text)
	if cur := r.current.Load(); cur != nil &&
		cur.table.Fingerprint() == tbl.Fingerprint() && cur.text == text {
		r.logger.Debug("route table unchanged",
			observability.Uint64("generation", cur.id),
		)
		r.metrics.ObserveReload(metrics.ReloadUnchanged, cur.id, tbl.Len(), len(tbl.Issues()))
		return false
	}

	for _, issue := range tbl.Issues() {
		r.logger.Warn("skipping route record",
			observability.Int("line", issue.Line),
			observability.String("record", issue.Record),
			observability.String("reason", issue.Reason),
		)
	}
	for _, rule := range tbl.Rules() {
		if name, ok := rule.Option(routetable.OptionLB); ok && !lb.Known(name) {
			r.logger.Warn("unknown lb policy, using random",
				observability.String("pattern", rule.Pattern),
				observability.String("lb", name),
			)
		}
	}
	if tbl.Empty() {
		r.logger.Warn("no route will match",
			observability.Error(routetable.ErrEmptyConfiguration),
		)
	}

	r.seq++
	r.current.Store(&generation{id: r.seq, text: text, table: tbl})

	r.logger.Info("route table installed",
		observability.Uint64("generation", r.seq),
		observability.Int("rules", tbl.Len()),
		observability.Int("skipped", len(tbl.Issues())),
		observability.String("fingerprint", fmt.Sprintf("%016x", tbl.Fingerprint())),
	)
	r.metrics.ObserveReload(metrics.ReloadApplied, r.seq, tbl.Len(), len(tbl.Issues()))
	return true
}

// Lookup returns the rule matching path without selecting a backend.
func (r *Resolver) Lookup(path string) (*routetable.Rule, error) {
	rule, _, err := r.lookup(path)
	return rule, err
}

// Resolve matches path, picks one of the rule's backends and rewrites the
// path. It fails with a *NotFoundError when no pattern matches.
func (r *Resolver) Resolve(path string) (*Resolution, error) {
	rule, gen, err := r.lookup(path)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Rule:       rule,
		Backend:    r.policy(rule).Pick(rule.Pattern, rule.Backends),
		Path:       rule.Rewrite(path),
		Generation: gen.id,
	}, nil
}

// ResolveURL is Resolve for a request URL. Matching uses the decoded path;
// the forwarded path keeps the client's escaping, so "%2F" or "%3F" never
// turn into a separator or a query.
func (r *Resolver) ResolveURL(u *url.URL) (*Resolution, error) {
	res, err := r.Resolve(u.Path)
	if err != nil {
		return nil, err
	}
	if escaped := u.EscapedPath(); escaped != u.Path {
		raw := res.Rule.Rewrite(escaped)
		if decoded, err := url.PathUnescape(raw); err == nil && decoded == res.Path {
			res.RawPath = raw
		}
	}
	return res, nil
}

// Pick selects another backend for an already resolved rule, e.g. for a
// retry.
func (r *Resolver) Pick(rule *routetable.Rule) string {
	return r.policy(rule).Pick(rule.Pattern, rule.Backends)
}

func (r *Resolver) lookup(path string) (*routetable.Rule, *generation, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("%w: empty path", ErrInvalidInput)
	}
	gen := r.current.Load()

	if v, ok := gen.cache.Load(path); ok {
		r.metrics.IncResolve(metrics.ResultHit)
		return v.(*routetable.Rule), gen, nil
	}

	rule, err := gen.table.Match(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if rule == nil {
		r.metrics.IncResolve(metrics.ResultNotFound)
		return nil, nil, &NotFoundError{Path: path}
	}
	gen.remember(path, rule, r.cacheLimit)
	r.metrics.IncResolve(metrics.ResultMiss)
	return rule, gen, nil
}

// Snapshot describes the installed table.
type Snapshot struct {
	Generation   uint64
	Fingerprint  uint64
	Rules        []*routetable.Rule
	Skipped      int
	CacheEntries int64
}

// Snapshot returns a description of the current table.
func (r *Resolver) Snapshot() Snapshot {
	gen := r.current.Load()
	return Snapshot{
		Generation:   gen.id,
		Fingerprint:  gen.table.Fingerprint(),
		Rules:        gen.table.Rules(),
		Skipped:      len(gen.table.Issues()),
		CacheEntries: gen.size.Load(),
	}
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}
