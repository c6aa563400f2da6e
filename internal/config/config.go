package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/mapping-gateway/internal/cascade"
	"github.com/fabian4/mapping-gateway/internal/lb"
	"github.com/fabian4/mapping-gateway/internal/observability"
)

const (
	defaultListen          = ":8080"
	defaultAdmin           = ":9090"
	defaultCacheMaxEntries = 10000
)

type rawConfig struct {
	EntryPoint []struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
	} `yaml:"entrypoint"`
	Admin struct {
		Address string `yaml:"address"`
	} `yaml:"admin"`
	Log       *observability.LogConfig `yaml:"log"`
	AccessLog struct {
		Enabled  *bool    `yaml:"enabled"`
		Sampling *float64 `yaml:"sampling"`
		Fields   []string `yaml:"fields"`
	} `yaml:"accessLog"`
	Cache struct {
		MaxEntries *int `yaml:"maxEntries"`
	} `yaml:"cache"`
	Timeouts struct {
		Read  string `yaml:"read"`
		Write string `yaml:"write"`
	} `yaml:"timeouts"`
	Routes string      `yaml:"routes"`
	Tuning cascade.Set `yaml:"tuning"`
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse validates a YAML document.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	// listen
	listen := defaultListen
	if len(rc.EntryPoint) > 0 && strings.TrimSpace(rc.EntryPoint[0].Address) != "" {
		listen = strings.TrimSpace(rc.EntryPoint[0].Address)
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return nil, fmt.Errorf("entrypoint.address: %v", err)
	}
	admin := defaultAdmin
	if a := strings.TrimSpace(rc.Admin.Address); a != "" {
		admin = a
	}
	if _, _, err := net.SplitHostPort(admin); err != nil {
		return nil, fmt.Errorf("admin.address: %v", err)
	}

	// log
	logCfg := observability.DefaultLogConfig()
	if rc.Log != nil {
		if rc.Log.Level != "" {
			logCfg.Level = rc.Log.Level
		}
		if rc.Log.Format != "" {
			logCfg.Format = rc.Log.Format
		}
		if rc.Log.Output != "" {
			logCfg.Output = rc.Log.Output
		}
	}
	switch logCfg.Format {
	case "json", "console":
	default:
		return nil, fmt.Errorf("log.format: unknown %q", logCfg.Format)
	}

	// access log
	alc := AccessLogConfig{Enabled: true, Sampling: 1.0, Fields: rc.AccessLog.Fields}
	if rc.AccessLog.Enabled != nil {
		alc.Enabled = *rc.AccessLog.Enabled
	}
	if rc.AccessLog.Sampling != nil {
		alc.Sampling = *rc.AccessLog.Sampling
	}
	if alc.Sampling < 0 || alc.Sampling > 1 {
		return nil, fmt.Errorf("accessLog.sampling: must be within [0,1], got %v", alc.Sampling)
	}

	// cache
	cache := CacheConfig{MaxEntries: defaultCacheMaxEntries}
	if rc.Cache.MaxEntries != nil {
		if *rc.Cache.MaxEntries < 0 {
			return nil, fmt.Errorf("cache.maxEntries: must not be negative")
		}
		cache.MaxEntries = *rc.Cache.MaxEntries
	}

	// timeouts
	var timeouts Timeouts
	if rc.Timeouts.Read != "" {
		d, err := time.ParseDuration(rc.Timeouts.Read)
		if err != nil {
			return nil, fmt.Errorf("timeouts.read: %v", err)
		}
		timeouts.Read = d
	}
	if rc.Timeouts.Write != "" {
		d, err := time.ParseDuration(rc.Timeouts.Write)
		if err != nil {
			return nil, fmt.Errorf("timeouts.write: %v", err)
		}
		timeouts.Write = d
	}

	// tuning
	if err := rc.Tuning.Validate(lb.Known); err != nil {
		return nil, fmt.Errorf("tuning.%w", err)
	}

	return &Config{
		Listen:    listen,
		Admin:     admin,
		Log:       logCfg,
		AccessLog: alc,
		Cache:     cache,
		Timeouts:  timeouts,
		Routes:    rc.Routes,
		Tuning:    rc.Tuning,
	}, nil
}
