// Package server exposes the pawn engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nftpawn/core/events"
	"nftpawn/gateway/auth"
	"nftpawn/gateway/middleware"
	nativecommon "nftpawn/native/common"
	"nftpawn/native/pawn"
	"nftpawn/observability"
	pawnotel "nftpawn/observability/otel"
)

// Options wires the server's collaborators. Engine and Authenticator are
// required. A zero RateLimit.RequestsPerMinute leaves mutations unthrottled.
type Options struct {
	Engine        *pawn.Engine
	Authenticator *auth.Authenticator
	Bus           *events.Bus
	Idempotency   *middleware.Idempotency
	RateLimit     middleware.RateLimit
	CORS          middleware.CORSConfig
	LogRequests   bool
	Logger        *slog.Logger
}

// Server hosts the pawnd HTTP API.
type Server struct {
	engine  *pawn.Engine
	authn   *auth.Authenticator
	bus     *events.Bus
	idem    *middleware.Idempotency
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	cors    middleware.CORSConfig
	logger  *slog.Logger
	metrics *observability.PawnMetrics
	tracer  trace.Tracer
}

// New constructs the server and installs its event sink on the engine.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if opts.Authenticator == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	s := &Server{
		engine:  opts.Engine,
		authn:   opts.Authenticator,
		bus:     bus,
		idem:    opts.Idempotency,
		obs:     middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "pawnd", LogRequests: opts.LogRequests}, logger),
		cors:    opts.CORS,
		logger:  logger,
		metrics: observability.Pawn(),
		tracer:  pawnotel.Tracer(),
	}
	if opts.RateLimit.RequestsPerMinute > 0 {
		s.limiter = middleware.NewRateLimiter(map[string]middleware.RateLimit{
			"mutations": opts.RateLimit,
		}, logger)
	}
	opts.Engine.SetEmitter(eventSink{bus: bus, metrics: s.metrics})
	return s, nil
}

// Handler returns the routed, instrumented API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cors))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	r.Get("/v1/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.obs.Middleware)

		r.Get("/v1/configs", s.handleListConfigs)
		r.Get("/v1/configs/{admin}", s.handleGetConfig)
		r.Get("/v1/configs/at/{address}", s.handleConfigAt)
		r.Get("/v1/loans", s.handleListLoans)
		r.Get("/v1/loans/{loan}", s.handleGetLoan)
		r.Get("/v1/state/{borrower}/{mint}", s.handleLoanState)
		r.Get("/v1/derive/{tag}", s.handleDerive)
		r.Get("/v1/balances/{owner}/{mint}", s.handleBalance)
		r.Get("/v1/mints", s.handleListMints)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSignature(s.authn, s.logger))
			if s.limiter != nil {
				r.Use(s.limiter.Middleware("mutations"))
			}
			if s.idem != nil {
				r.Use(s.idem.Middleware)
			}
			r.Post("/v1/configs", s.handleInitializeConfig)
			r.Post("/v1/loans", s.handleDeposit)
			r.Post("/v1/loans/{loan}/lend", s.handleLend)
			r.Post("/v1/loans/{loan}/repay", s.handleRepay)
			r.Post("/v1/loans/{loan}/archive", s.handleArchive)
		})
	})
	return r
}

// Run serves Handler on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("pawnd listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.bus.Subscribers(),
	})
}

// observe runs one engine operation inside a span and records its outcome.
func (s *Server) observe(ctx context.Context, op string, attrs []attribute.KeyValue, fn func() error) error {
	_, span := s.tracer.Start(ctx, "pawn."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn()
	result := "ok"
	if err != nil {
		result = pawn.KindName(err)
		if errors.Is(err, nativecommon.ErrModulePaused) {
			result = "paused"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	s.metrics.Observe(op, result, time.Since(start))

	logAttrs := make([]any, 0, len(attrs)+2)
	logAttrs = append(logAttrs, slog.String("op", op), slog.String("kind", result))
	for _, kv := range attrs {
		logAttrs = append(logAttrs, slog.String(string(kv.Key), kv.Value.Emit()))
	}
	if err != nil {
		s.logger.Warn("pawn operation rejected", append(logAttrs, slog.Any("error", err))...)
	} else {
		s.logger.Info("pawn operation applied", logAttrs...)
	}
	return err
}

// eventSink forwards engine events to websocket subscribers and counts them.
type eventSink struct {
	bus     *events.Bus
	metrics *observability.PawnMetrics
}

func (e eventSink) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	e.metrics.RecordEvent(evt.EventType())
	e.bus.Emit(evt)
}
