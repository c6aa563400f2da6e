package lb

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
)

// Policy picks one backend among the candidates of a rule. key identifies
// the rule so stateful policies can keep per-rule state. backends is never
// empty.
type Policy interface {
	Pick(key string, backends []string) string
}

// Policy names.
const (
	NameRandom     = "random"
	NameRoundRobin = "roundrobin"
)

var builders = map[string]func() Policy{
	NameRandom:     func() Policy { return NewRandom() },
	NameRoundRobin: func() Policy { return NewRoundRobin() },
}

// New builds a policy by name.
func New(name string) (Policy, error) {
	b, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("lb: unknown policy %q", name)
	}
	return b(), nil
}

// Known reports whether name is a registered policy.
func Known(name string) bool {
	_, ok := builders[name]
	return ok
}

// Names returns the registered policy names, sorted.
func Names() []string {
	out := make([]string, 0, len(builders))
	for n := range builders {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Random picks uniformly at random.
type Random struct{}

// NewRandom returns a uniform random policy.
func NewRandom() *Random { return &Random{} }

// Pick implements Policy.
func (*Random) Pick(_ string, backends []string) string {
	if len(backends) == 1 {
		return backends[0]
	}
	return backends[rand.IntN(len(backends))]
}

// RoundRobin cycles through the backends of each key in order.
type RoundRobin struct {
	counters sync.Map // key -> *atomic.Uint64
}

// NewRoundRobin returns a round robin policy with no state.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

// Pick implements Policy.
func (p *RoundRobin) Pick(key string, backends []string) string {
	if len(backends) == 1 {
		return backends[0]
	}
	c, ok := p.counters.Load(key)
	if !ok {
		c, _ = p.counters.LoadOrStore(key, new(atomic.Uint64))
	}
	n := c.(*atomic.Uint64).Add(1) - 1
	return backends[n%uint64(len(backends))]
}

// Set holds one instance of every policy so stateful ones keep their state
// across requests.
type Set struct {
	policies map[string]Policy
	fallback Policy
}

// NewSet builds a set with every registered policy. Lookups of unknown
// names return the random policy.
func NewSet() *Set {
	s := &Set{policies: make(map[string]Policy, len(builders))}
	for name, b := range builders {
		s.policies[name] = b()
	}
	s.fallback = s.policies[NameRandom]
	return s
}

// Get returns the policy registered under name.
func (s *Set) Get(name string) Policy {
	if p, ok := s.policies[name]; ok {
		return p
	}
	return s.fallback
}
