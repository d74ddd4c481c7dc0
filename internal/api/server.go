// Package api serves the admin HTTP surface: health, prometheus metrics,
// queue inspection, job submission and dead-letter retry.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/leo-guinan/loveops-world-model/internal/config"
	"github.com/leo-guinan/loveops-world-model/internal/queue"
)

const limiterIdle = 15 * time.Minute

// Server holds the dependencies for the HTTP layer.
type Server struct {
	stores      map[string]*queue.Store
	names       []string
	gatherer    prometheus.Gatherer
	limiter     *clientLimiter
	log         *slog.Logger
}

// NewServer serves the given queue stores. gatherer backs /metrics; nil
// means the default registry.
func NewServer(cfg *config.Config, stores []*queue.Store, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	burst := cfg.EnqueueBurst
	if burst < 1 {
		burst = 1
	}
	srv := &Server{
		stores:      make(map[string]*queue.Store, len(stores)),
		gatherer:    gatherer,
		limiter:     newClientLimiter(rate.Limit(cfg.EnqueueRate), burst, limiterIdle),
		log:         slog.Default().With("component", "api"),
	}
	for _, s := range stores {
		srv.stores[s.Name()] = s
		srv.names = append(srv.names, s.Name())
	}
	return srv
}

// Handler builds the router.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))

	r.Route("/queues", func(r chi.Router) {
		r.Get("/", srv.listQueues)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/jobs", srv.listJobs)
			r.With(srv.enqueueRateLimit()).Post("/jobs", srv.enqueueJob)
			r.Post("/dead/{id}/retry", srv.retryDead)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
