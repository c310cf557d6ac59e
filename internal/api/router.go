// Package api is the HTTP surface of the patrol server: guard patrol
// control, the supervisor review endpoints and the live event feed.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/metrics"
)

type RouterConfig struct {
	// AnalysisRPM limits analysis requests per client IP per minute; zero
	// disables the limit.
	AnalysisRPM int
}

func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", h.WebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/checkpoints", h.Checkpoints)
		r.Get("/connectivity", h.Connectivity)
		r.Get("/dashboard", h.Dashboard)

		r.Route("/guards/{guardID}", func(r chi.Router) {
			r.Post("/patrol", h.StartPatrol)
			r.Get("/patrol", h.ActivePatrol)
			r.Delete("/patrol", h.StopPatrol)
			r.Post("/positions", h.PostPosition)
		})

		r.Get("/patrols", h.ListPatrols)
		r.Get("/patrols/{sessionID}", h.GetPatrol)
		r.With(rateLimit(cfg.AnalysisRPM)).Post("/patrols/{sessionID}/analysis", h.AnalyzePatrol)

		r.Get("/analysis", h.CurrentAnalysis)
		r.Delete("/analysis", h.DismissAnalysis)
	})

	return r
}

func rateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many analysis requests", nil)
		}),
	)
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		logging.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Msg("http request")
	})
}
