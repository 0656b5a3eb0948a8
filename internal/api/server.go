package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"wallet/internal/identity"
	"wallet/internal/ledger"
	"wallet/internal/logging"
	"wallet/internal/metrics"
	"wallet/internal/middleware"
	"wallet/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	RequestTimeout time.Duration
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Collector
}

type Server struct {
	ledger   *ledger.Engine
	identity *identity.Service
	store    Pinger
	logger   *logging.Logger
	validate *validator.Validate
	cfg      Config
	router   *chi.Mux
	http     *http.Server
}

func NewServer(engine *ledger.Engine, ids *identity.Service, store Pinger, logger *logging.Logger, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	s := &Server{
		ledger:   engine,
		identity: ids,
		store:    store,
		logger:   logger.Named("api"),
		validate: newValidator(),
		cfg:      cfg,
	}
	s.router = s.RegisterRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("server listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// authedHandler receives the identity verified for the request.
type authedHandler func(w http.ResponseWriter, r *http.Request, caller identity.Identity)

// authenticated runs the authentication step before h. Requests without a
// valid session token never reach h.
func (s *Server) authenticated(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := middleware.Authenticate(r.Context(), s.identity, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, caller)
	}
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	balance, err := s.ledger.Balance(r.Context(), caller.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.BalanceResponse{Balance: balance})
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req models.TransferRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	t, err := s.ledger.Transfer(r.Context(), caller.UserID, req.To, *req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.TransferResponse{
		Message:    "Transfer successful",
		TransferID: t.ID,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
