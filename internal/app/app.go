// Package app wires the client core together from configuration. The CLI
// and the local bridge share it.
package app

import (
	"context"
	"errors"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/benvon/dermin/internal/analysis"
	"github.com/benvon/dermin/internal/api"
	"github.com/benvon/dermin/internal/chat"
	"github.com/benvon/dermin/internal/config"
	"github.com/benvon/dermin/internal/events"
	"github.com/benvon/dermin/internal/gate"
	"github.com/benvon/dermin/internal/onboarding"
	"github.com/benvon/dermin/internal/session"
	"github.com/benvon/dermin/internal/storage"
	"github.com/benvon/dermin/internal/telemetry"
)

// ServiceName identifies traces and events emitted by the client
const ServiceName = "dermin"

// Options tune how much external infrastructure New waits for
type Options struct {
	// AMQPAttempts is the number of RabbitMQ connection attempts (0 means 1)
	AMQPAttempts int
	// AMQPInitialDelay is the first retry delay; it doubles up to 30s
	AMQPInitialDelay time.Duration
}

// App holds every core component
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Storage     storage.Backend
	Prefs       *storage.Preferences
	Credentials *session.Credentials
	API         *api.Client
	Session     *session.Store
	Onboarding  *onboarding.Service
	Navigator   *gate.Navigator
	Analysis    *analysis.Orchestrator
	Chat        *chat.Binder
	Events      *events.Broadcaster
	// AMQP is nil when RABBITMQ_URL is unset or unreachable
	AMQP *events.AMQPPublisher

	tracer *sdktrace.TracerProvider
}

// New builds the core. Storage failures are fatal; tracing and RabbitMQ
// failures are logged and the core runs without them.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts Options) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: log, Events: events.NewBroadcaster()}

	if cfg.OTELEnabled {
		if cfg.OTELEndpoint == "" {
			log.Warn("otel_enabled_but_endpoint_not_configured")
		} else if tp, err := telemetry.InitTracer(ctx, ServiceName, cfg.OTELEndpoint); err != nil {
			log.Warn("failed_to_initialize_otel_tracer", zap.Error(err))
		} else {
			a.tracer = tp
			log.Info("otel_tracer_initialized", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	backend, err := storage.Open(cfg)
	if err != nil {
		a.shutdownTracer()
		return nil, err
	}
	a.Storage = backend
	a.Prefs = storage.NewPreferences(backend)
	log.Debug("storage_opened", zap.String("backend", cfg.StorageBackend))

	a.Credentials = session.NewCredentials()
	a.API = api.New(api.Options{
		BaseURL: cfg.APIURL(),
		Timeout: cfg.RequestTimeout,
		Tokens:  a.Credentials,
		Logger:  log,
	})
	a.Session = session.NewStore(a.API, a.Credentials, a.Prefs, log)
	a.Onboarding = onboarding.NewService(a.Session, a.API, a.Prefs, log)
	a.Navigator = gate.NewNavigator(gate.FactSourceFunc(a.Onboarding.Facts), log)
	a.Session.Subscribe(a.Navigator.Invalidate)
	a.Onboarding.Subscribe(a.Navigator.Invalidate)

	var publisher events.Publisher = a.Events
	if cfg.RabbitMQURL != "" {
		if p, err := connectAMQP(ctx, cfg.RabbitMQURL, opts, log); err != nil {
			log.Warn("rabbitmq_unavailable_events_local_only", zap.Error(err))
		} else {
			a.AMQP = p
			publisher = events.Multi{a.Events, p}
		}
	}

	a.Analysis = analysis.New(a.API, a.Prefs, analysis.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Timeout:        cfg.RequestTimeout,
		ProgressTick:   cfg.ProgressTick,
		ProgressStep:   cfg.ProgressStep,
		ProgressCap:    cfg.ProgressCap,
		SettleDelay:    cfg.SettleDelay,
		Publisher:      publisher,
		Logger:         log,
		UserID:         a.Session.UserID,
	})
	a.Chat = chat.NewBinder(a.API, a.Analysis, log)

	a.Session.Subscribe(func(ev gate.Event) {
		if ev != gate.EventLogout {
			return
		}
		a.Chat.Clear()
		a.Analysis.ClearResults()
		a.Analysis.Abandon()
		if _, err := a.Analysis.Reset(); err != nil {
			log.Debug("analysis_reset_skipped", zap.Error(err))
		}
	})

	return a, nil
}

// connectAMQP dials RabbitMQ with exponential backoff
func connectAMQP(ctx context.Context, url string, opts Options, log *zap.Logger) (*events.AMQPPublisher, error) {
	attempts := opts.AMQPAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := opts.AMQPInitialDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		p, err := events.NewAMQPPublisher(url)
		if err == nil {
			log.Info("connected_to_rabbitmq")
			return p, nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		log.Warn("failed_to_connect_to_rabbitmq_retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", attempts),
			zap.Error(err),
			zap.Duration("retry_delay", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return nil, lastErr
}

// Health reports the reachability of each dependency, keyed by name
func (a *App) Health(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	checks := map[string]error{}
	if p, ok := a.Storage.(storage.Pinger); ok {
		checks["storage"] = p.Ping(ctx)
	} else {
		checks["storage"] = nil
	}
	_, err := a.API.CheckUser(ctx, "healthcheck@dermin.invalid")
	checks["backend"] = err
	if a.AMQP != nil {
		checks["rabbitmq"] = a.AMQP.HealthCheck(ctx)
	}
	return checks
}

func (a *App) shutdownTracer() {
	if a.tracer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telemetry.Shutdown(ctx, a.tracer); err != nil {
		a.Logger.Error("failed_to_shutdown_otel_tracer", zap.Error(err))
	}
	a.tracer = nil
}

// Close releases every component. It is safe to call once.
func (a *App) Close() error {
	var errs []error
	if a.Analysis != nil {
		a.Analysis.Close()
	}
	if a.AMQP != nil {
		if err := a.AMQP.Close(); err != nil {
			a.Logger.Warn("failed_to_close_rabbitmq_connection", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.Warn("failed_to_close_storage", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.shutdownTracer()
	return errors.Join(errs...)
}
