// Package api provides the read-only REST API over the synced FAA registry.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"faa_sync/internal/metrics"
	"faa_sync/internal/registry"
	"faa_sync/internal/storage"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
	shutdownTimeout  = 15 * time.Second
)

// Store is the read side of the registry store.
type Store interface {
	LookupAircraft(ctx context.Context, tail string) (*storage.AircraftDetail, error)
	RecentRuns(ctx context.Context, limit int) ([]storage.SyncRun, error)
	Stats(ctx context.Context) (storage.Stats, error)
	Ping(ctx context.Context) error
}

// Config holds configuration for the lookup API server.
type Config struct {
	Address     string
	AuthEnabled bool
	APIKeys     []string // Valid API keys when AuthEnabled.

	// RateLimit is the sustained request rate across all clients; zero
	// disables limiting.
	RateLimit float64
	RateBurst int

	Timeout time.Duration
}

// LookupServer serves aircraft lookups, run history and health.
type LookupServer struct {
	store    Store
	cfg      Config
	apiKeys  map[string]bool
	limiter  *rate.Limiter
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	now      func() time.Time
}

// Option configures a LookupServer.
type Option func(*LookupServer)

// WithMetrics records request metrics on m and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *LookupServer) {
		s.metrics = m
		s.gatherer = g
	}
}

// NewLookupServer creates a new lookup API server.
func NewLookupServer(store Store, cfg Config, logger zerolog.Logger, opts ...Option) *LookupServer {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = true
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &LookupServer{
		store:   store,
		cfg:     cfg,
		apiKeys: keys,
		logger:  logger.With().Str("component", "api").Logger(),
		now:     time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *LookupServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.Timeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Address).Bool("auth", s.cfg.AuthEnabled).
			Msg("Lookup API starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("Lookup API stopped")
	return nil
}

// Router returns the configured chi router.
func (s *LookupServer) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.Timeout))
	r.Use(corsMiddleware)
	r.Use(s.metricsMiddleware)

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required).
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.AuthEnabled {
				r.Use(s.authMiddleware)
			}
			if s.limiter != nil {
				r.Use(s.rateLimitMiddleware)
			}
			r.Get("/aircraft/{tail}", s.handleGetAircraft)
			r.Get("/runs", s.handleRuns)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *LookupServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check X-API-Key header first.
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *LookupServer) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *LookupServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}

func (s *LookupServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.ObserveRequest(route, ww.Status(), time.Since(start))
	})
}

func (s *LookupServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Time:   s.now().UTC().Format(time.RFC3339),
	}

	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Store unreachable")
		resp.Status = "unavailable"
		resp.Error = "store unreachable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to count rows")
		writeError(w, http.StatusInternalServerError, "Failed to read store")
		return
	}
	resp.Counts = &stats

	runs, err := s.store.RecentRuns(ctx, 1)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read last run")
		writeError(w, http.StatusInternalServerError, "Failed to read store")
		return
	}
	if len(runs) > 0 {
		// Health is unauthenticated; the error text stays on /runs.
		last := toRunResponse(runs[0])
		last.Error = ""
		resp.LastRun = &last
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *LookupServer) handleGetAircraft(w http.ResponseWriter, r *http.Request) {
	param := chi.URLParam(r, "tail")
	text := false
	if base, ok := strings.CutSuffix(param, ".txt"); ok {
		param, text = base, true
	}

	tail := registry.NormaliseTail(param)
	if !registry.ValidTail(tail) {
		writeError(w, http.StatusBadRequest, "Invalid tail number")
		return
	}

	detail, err := s.store.LookupAircraft(r.Context(), tail)
	if err != nil {
		s.logger.Error().Err(err).Str("tail", tail).Msg("Aircraft lookup failed")
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	if detail == nil {
		writeError(w, http.StatusNotFound, "No aircraft registered as "+registry.DisplayTail(tail))
		return
	}

	resp := toAircraftResponse(detail)
	if text {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = writeCard(w, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *LookupServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunsLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxRunsLimit))
			return
		}
		limit = n
	}

	runs, err := s.store.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
