// Package app wires storage, notification backends, the engine and the HTTP
// API together and runs them until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	httpapp "eventsync/internal/app/http"
	prometheusapp "eventsync/internal/app/prometheus"
	"eventsync/internal/caldav"
	"eventsync/internal/config"
	"eventsync/internal/google"
	httpserver "eventsync/internal/http-server"
	"eventsync/internal/http-server/handlers"
	"eventsync/internal/http-server/middleware/auth"
	"eventsync/internal/kafka"
	"eventsync/internal/lib/logger/sl"
	"eventsync/internal/lib/tracing"
	"eventsync/internal/mail"
	"eventsync/internal/services/dispatcher"
	"eventsync/internal/services/events"
	"eventsync/internal/services/participation"
	"eventsync/internal/storage/postgres"
	"eventsync/internal/storage/redis"
	"eventsync/internal/storage/sqlite"
	"eventsync/internal/syncer"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// Store is what both relational backends provide.
type Store interface {
	participation.Store
	events.EventProvider
	events.CategoryProvider
}

type App struct {
	log        *slog.Logger
	cfg        config.Config
	httpApp    *httpapp.App
	metrics    *prometheusapp.App
	dispatcher *dispatcher.Dispatcher

	// closers release resources in reverse order of acquisition.
	closers []func() error
}

// New builds every component. Nothing listens until Run.
func New(ctx context.Context, log *slog.Logger, cfg config.Config, dryRun bool) (_ *App, err error) {
	a := &App{log: log, cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	})

	a.metrics = prometheusapp.New(log, cfg.Metrics.Port)

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	tz, err := time.LoadLocation(cfg.PrimaryTimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", cfg.PrimaryTimeZone, err)
	}

	calendar, err := newCalendar(ctx, log, cfg)
	if err != nil {
		return nil, err
	}

	var mailer syncer.Mailer
	if cfg.SMTP.Host != "" {
		m, err := mail.NewClient(log, mail.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			TLS:      cfg.SMTP.TLS,
			Timeout:  cfg.SMTP.Timeout,
		})
		if err != nil {
			return nil, err
		}
		mailer = m
	}

	if dryRun {
		log.Info("Performing a dry run. No notifications will be sent.")
	}
	notifier := syncer.NewSyncer(log, calendar, mailer, dryRun, tz)

	a.dispatcher = dispatcher.New(log, dispatcher.Config{
		Workers:         cfg.Dispatcher.Workers,
		QueueSize:       cfg.Dispatcher.QueueSize,
		JobTimeout:      cfg.Dispatcher.JobTimeout,
		MaxTries:        cfg.Dispatcher.MaxTries,
		InitialInterval: cfg.Dispatcher.InitialInterval,
		MaxInterval:     cfg.Dispatcher.MaxInterval,
	}, dispatcher.WithMetrics(a.metrics.JobsTotal, a.metrics.JobsDropped))

	engine := participation.New(log, store,
		participation.WithMetrics(a.metrics.TransitionsTotal, a.metrics.TransitionDuration),
	)

	var opts []events.Option
	if cfg.Redis.Address != "" {
		cache := redis.New(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		a.closers = append(a.closers, cache.Stop)
		opts = append(opts, events.WithCategoryCache(cache))
		log.Info("Caching categories in redis.", "address", cfg.Redis.Address)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.closers = append(a.closers, producer.Close)
		opts = append(opts, events.WithPublisher(producer))
		log.Info("Publishing domain events to kafka.", "topic", cfg.Kafka.Topic)
	}

	svc := events.New(log, engine, store, store, notifier, a.dispatcher, opts...)

	if cfg.Env != config.EnvLocal {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpserver.NewRouter(
		log,
		handlers.New(log, svc),
		auth.New(log, []byte(cfg.Auth.Secret), cfg.Auth.Dev),
		a.metrics.Middleware(),
	)
	a.httpApp = httpapp.New(log, cfg.HTTP, router)

	return a, nil
}

// Run serves HTTP and metrics until ctx is cancelled or a server fails, then
// shuts everything down, letting queued notifications finish first.
func (a *App) Run(ctx context.Context) error {
	a.dispatcher.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.httpApp.Run)
	g.Go(a.metrics.Run)
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	const op = "app.shutdown"
	log := a.log.With(slog.String("op", op))

	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := a.httpApp.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.metrics.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	// Handlers have returned, nothing submits anymore.
	dctx, dcancel := context.WithTimeout(context.Background(), a.cfg.Dispatcher.StopTimeout)
	defer dcancel()
	if err := a.dispatcher.Stop(dctx); err != nil {
		log.Warn("notifications abandoned", sl.Err(err))
	}

	if err := a.close(); err != nil {
		errs = append(errs, err)
	}

	log.Info("application stopped")
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openStore(ctx context.Context) (Store, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, a.cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			s.ClosePool()
			return nil
		})
		return s, nil
	default:
		s, err := sqlite.New(a.cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	}
}

// newCalendar returns the configured provider, or nil when calendar
// entries are disabled.
func newCalendar(ctx context.Context, log *slog.Logger, cfg config.Config) (syncer.CalendarProvider, error) {
	switch cfg.CalendarProvider {
	case config.CalendarGoogle:
		c, err := google.NewClient(ctx, log, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.TokenFile, cfg.Google.CalendarID)
		if err != nil {
			return nil, fmt.Errorf("failed to create google client: %w", err)
		}
		return c, nil
	case config.CalendarCalDAV:
		c, err := caldav.NewClient(ctx, log, cfg.CalDAV.Endpoint, cfg.CalDAV.Username, cfg.CalDAV.Password, cfg.CalDAV.CalendarName)
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		return c, nil
	default:
		log.Info("No calendar provider configured; calendar entries are disabled.")
		return nil, nil
	}
}
