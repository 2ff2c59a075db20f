// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/viznet/camerad/internal/log"
)

// Route is one statically typed route descriptor. The facade produces these
// lists; nothing is introspected at runtime.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
	// Mutating routes get the write rate limit applied.
	Mutating bool
}

// RouterConfig tunes the transport layer.
type RouterConfig struct {
	// RateLimitRPS limits mutating requests per client IP; 0 disables.
	RateLimitRPS int
}

// NewRouter assembles the chi router from typed route descriptors, plus the
// ambient /metrics and /healthz endpoints.
func NewRouter(cfg RouterConfig, apiRoutes, adminRoutes []Route) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	var limiter func(http.Handler) http.Handler
	if cfg.RateLimitRPS > 0 {
		limiter = httprate.LimitByIP(cfg.RateLimitRPS, time.Second)
	}

	mount := func(rt Route) {
		h := http.Handler(rt.Handler)
		if rt.Mutating && limiter != nil {
			h = limiter(h)
		}
		r.Method(rt.Method, rt.Path, h)
	}
	for _, rt := range apiRoutes {
		mount(rt)
	}
	for _, rt := range adminRoutes {
		mount(rt)
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// requestLogger emits one structured line per request. Long-lived stream
// connections log on disconnect with their total duration.
func requestLogger(next http.Handler) http.Handler {
	lg := log.WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		lg.Info().
			Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status", ww.Status()).
			Int64(log.FieldDurationMS, time.Since(start).Milliseconds()).
			Msg("request")
	})
}
