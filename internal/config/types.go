package config

import (
	"time"

	"github.com/fabian4/mapping-gateway/internal/cascade"
	"github.com/fabian4/mapping-gateway/internal/observability"
)

// Config is a validated gateway configuration.
type Config struct {
	Listen    string
	Admin     string // admin listener: metrics, health, route dump
	Log       observability.LogConfig
	AccessLog AccessLogConfig
	Cache     CacheConfig
	Timeouts  Timeouts
	Routes    string // raw route table text
	Tuning    cascade.Set
}

// Timeouts bounds how long the client listener waits to read a request and
// to write its response. Zero means no limit.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
}

// CacheConfig bounds the per-generation resolution cache.
type CacheConfig struct {
	MaxEntries int // 0 = unbounded
}

// AccessLogConfig controls the per-request access log: whether it is written,
// which fraction of requests is sampled and which fields are kept.
type AccessLogConfig struct {
	Enabled  bool
	Sampling float64  // 0..1, fraction of requests logged
	Fields   []string // empty = all fields
}
