package api

import (
	"net/http"

	"wallet/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) RegisterRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimw.Recoverer)
	if s.cfg.Metrics != nil {
		r.Use(s.cfg.Metrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	if s.cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(s.cfg.RequestTimeout))

		r.Post("/users/signup", s.signup)
		r.Post("/users/signin", s.signin)
		r.Put("/users", s.authenticated(s.updateUser))
		r.Get("/users", s.searchUsers)
		r.Get("/users/bulk", s.searchUsers)

		r.Get("/accounts/balance", s.authenticated(s.getBalance))
		r.Post("/accounts/transfer", s.authenticated(s.transfer))
	})

	return r
}
