// Package bridge exposes the client core to a presentation layer over local
// HTTP: JSON endpoints, an event stream of job progress, metrics and health.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.uber.org/zap"

	"github.com/benvon/dermin/internal/app"
	"github.com/benvon/dermin/internal/middleware"
	"github.com/benvon/dermin/internal/models"
)

// Server serves the bridge API for one App
type Server struct {
	app    *app.App
	logger *zap.Logger
	router *mux.Router
}

// New builds the router and middleware chain
func New(a *app.App) (*Server, error) {
	s := &Server{app: a, logger: a.Logger, router: mux.NewRouter()}
	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() error {
	cfg := s.app.Config
	r := s.router

	if cfg.OTELEnabled {
		r.Use(otelmux.Middleware(app.ServiceName))
	}
	r.Use(middleware.SecurityHeaders(cfg.EnableHSTS))
	r.Use(middleware.CORS(cfg.FrontendURL))
	r.Use(middleware.ContentType)
	r.Use(middleware.Timeout(cfg.RequestTimeout + 10*time.Second))
	r.Use(middleware.ErrorHandler(s.logger))
	r.Use(middleware.Audit(s.logger))
	r.Use(middleware.Logging(s.logger))

	r.HandleFunc("/healthz", HealthCheck(s.app)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	rateLimit, err := middleware.RateLimit(cfg.BridgeRateLimit)
	if err != nil {
		return err
	}
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(rateLimit)

	// uploads get their own body limit; everything else is small JSON
	upload := v1.NewRoute().Subrouter()
	upload.Use(middleware.MaxUploadSize(cfg.MaxUploadBytes))
	jsonAPI := v1.NewRoute().Subrouter()
	jsonAPI.Use(middleware.MaxRequestSize(middleware.DefaultMaxRequestSize))

	guard := func(step models.Step, h http.HandlerFunc) http.Handler {
		return middleware.Guard(s.app.Navigator, step, s.logger)(h)
	}

	sh := &sessionHandler{app: s.app}
	sh.RegisterRoutes(jsonAPI)
	oh := &onboardingHandler{app: s.app}
	oh.RegisterRoutes(jsonAPI)

	ah := &analysisHandler{app: s.app, logger: s.logger}
	upload.Handle("/analysis", guard(models.StepAnalyze, ah.Submit)).Methods(http.MethodPost)
	ah.RegisterRoutes(jsonAPI, guard)

	ch := &chatHandler{app: s.app}
	ch.RegisterRoutes(jsonAPI, guard)

	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return nil
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
		// no WriteTimeout: progress streams are long-lived and handlers carry their own deadline
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge_starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("bridge_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("bridge_exited")
	return nil
}
