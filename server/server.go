package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/usenocturne/envsensed/bluetooth"
	"github.com/usenocturne/envsensed/metrics"
	"github.com/usenocturne/envsensed/sink"
	"github.com/usenocturne/envsensed/storage"
	"github.com/usenocturne/envsensed/telemetry"
	"github.com/usenocturne/envsensed/utils"
)

// Controller is the slice of the BLE manager the API drives.
type Controller interface {
	Status(ctx context.Context) bluetooth.ManagerStatus
	Devices() []bluetooth.DeviceIdentity
	StartScan() error
	StopScan()
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context) error
	FetchBacklog(ctx context.Context, offset *uint32) error
	StopBacklog(ctx context.Context) error
}

// HistorySource replays the persisted record log.
type HistorySource interface {
	Replay(f storage.Filter) ([]storage.Record, storage.ReplayStats, error)
}

type Deps struct {
	Controller Controller
	Store      *telemetry.Store
	History    HistorySource
	Hub        *utils.WebSocketHub
	Thresholds utils.QualityThresholds
	Registry   *prometheus.Registry

	// Optional health sources.
	Sinks  func() []sink.Status
	Uplink func() utils.UplinkStatus

	AllowedOrigins []string
	Version        string
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	deps     Deps
	router   chi.Router
	server   *http.Server
	upgrader websocket.Upgrader
	log      zerolog.Logger
	started  time.Time
}

func NewServer(deps Deps) *Server {
	if deps.Registry == nil {
		deps.Registry = metrics.Registry()
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     log.With().Str("component", "http").Logger(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.deps.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler(s.deps.Registry))
	s.router.Get("/ws", s.handleWebSocket)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/status", s.handleStatus)
		r.Get("/telemetry", s.handleTelemetry)
		r.Get("/devices", s.handleDevices)
		r.Post("/scan/start", s.handleScanStart)
		r.Post("/scan/stop", s.handleScanStop)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/backlog", s.handleBacklogStart)
		r.Delete("/backlog", s.handleBacklogStop)
		r.Get("/history", s.handleHistory)
		r.Get("/history/export", s.handleHistoryExport)
	})
}

// requestLogger logs every request through zerolog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ev := s.log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// ListenAndServe serves on addr until ctx ends, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info().Msg("HTTP server gracefully stopped")
	return nil
}
