package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fabian4/mapping-gateway/internal/metrics"
	"github.com/fabian4/mapping-gateway/internal/router"
)

type ruleView struct {
	Pattern  string            `json:"pattern"`
	Backends []string          `json:"backends"`
	Options  map[string]string `json:"options,omitempty"`
	Line     int               `json:"line"`
}

type tableView struct {
	Generation   uint64     `json:"generation"`
	Fingerprint  string     `json:"fingerprint"`
	Skipped      int        `json:"skipped"`
	CacheEntries int64      `json:"cache_entries"`
	Rules        []ruleView `json:"rules"`
}

// NewAdminMux serves /metrics, /healthz and a JSON dump of the installed
// route table on /routes. m may be nil.
func NewAdminMux(res *router.Resolver, m *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/routes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		snap := res.Snapshot()
		view := tableView{
			Generation:   snap.Generation,
			Fingerprint:  fmt.Sprintf("%016x", snap.Fingerprint),
			Skipped:      snap.Skipped,
			CacheEntries: snap.CacheEntries,
			Rules:        make([]ruleView, 0, len(snap.Rules)),
		}
		for _, rule := range snap.Rules {
			view.Rules = append(view.Rules, ruleView{
				Pattern:  rule.Pattern,
				Backends: rule.Backends,
				Options:  rule.Options,
				Line:     rule.Line,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	})
	return mux
}
