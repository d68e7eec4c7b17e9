package prometheusapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"eventsync/internal/lib/logger/sl"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type App struct {
	log    *slog.Logger
	port   int
	reg    *prometheus.Registry
	server *http.Server

	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	JobsTotal          *prometheus.CounterVec
	JobsDropped        prometheus.Counter
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
}

func New(log *slog.Logger, port int) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	a := &App{
		log:  log,
		port: port,
		reg:  reg,
		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventsync_transitions_total",
			Help: "Participation transitions by operation and outcome.",
		}, []string{"op", "outcome"}),
		TransitionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventsync_transition_duration_seconds",
			Help:    "Latency of participation transitions.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op", "outcome"}),
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventsync_notification_jobs_total",
			Help: "Finished notification jobs by name and outcome.",
		}, []string{"job", "outcome"}),
		JobsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventsync_notification_jobs_dropped_total",
			Help: "Notification jobs dropped because the queue was full or closed.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eventsync_http_requests_total",
			Help: "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventsync_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Handler())
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a
}

// Handler serves the registry.
func (a *App) Handler() http.Handler {
	return promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{
		// Opt into OpenMetrics e.g. to support exemplars.
		EnableOpenMetrics: true,
		Registry:          a.reg,
	})
}

// Middleware records request counts and latencies. Unmatched routes are
// reported as "unmatched" to keep label cardinality bounded.
func (a *App) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method

		a.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		a.RequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}

func (a *App) Run() error {
	const op = "prometheusapp.Run"
	log := a.log.With(slog.String("op", op), slog.Int("port", a.port))

	log.Info("exposing Prometheus metrics")

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (a *App) Stop(ctx context.Context) error {
	const op = "prometheusapp.Stop"

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
