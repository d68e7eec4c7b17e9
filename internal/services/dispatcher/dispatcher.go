// Package dispatcher runs fire-and-forget jobs on a fixed pool of workers.
//
// Submit never blocks: when the queue is full the job is dropped and counted.
// Jobs run on a context detached from the submitter, are retried with
// exponential backoff and end up logged when they keep failing. Nothing is
// ever reported back to the submitter.
//
// Every worker owns a queue. Jobs submitted with the same key land on the
// same worker and therefore run one after another in submission order.
package dispatcher

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"eventsync/internal/lib/logger/sl"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Job is a unit of background work. Returning an error wrapped with
// backoff.Permanent skips the remaining retries.
type Job func(ctx context.Context) error

type Config struct {
	Workers         int
	QueueSize       int
	JobTimeout      time.Duration
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.MaxTries == 0 {
		c.MaxTries = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	return c
}

type task struct {
	name string
	job  Job
}

type Dispatcher struct {
	log    *slog.Logger
	cfg    Config
	shards []chan task
	next   atomic.Uint64

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	// base is the parent of every job context; cancel aborts running jobs.
	base   context.Context
	cancel context.CancelFunc

	total   *prometheus.CounterVec
	dropped prometheus.Counter
}

type Option func(*Dispatcher)

// WithMetrics counts finished jobs by name and outcome ("ok", "failed") and
// jobs dropped because the queue was full.
func WithMetrics(total *prometheus.CounterVec, dropped prometheus.Counter) Option {
	return func(d *Dispatcher) {
		d.total = total
		d.dropped = dropped
	}
}

func New(log *slog.Logger, cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.normalized()
	base, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		log:    log,
		cfg:    cfg,
		shards: make([]chan task, cfg.Workers),
		base:   base,
		cancel: cancel,
	}
	size := max(cfg.QueueSize/cfg.Workers, 1)
	for i := range d.shards {
		d.shards[i] = make(chan task, size)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	const op = "dispatcher.Start"
	d.log.With(slog.String("op", op)).Info("starting workers", slog.Int("workers", d.cfg.Workers), slog.Int("queue", d.cfg.QueueSize))

	for _, shard := range d.shards {
		d.wg.Add(1)
		go d.work(shard)
	}
}

// Submit queues job on any worker and reports whether it was accepted.
func (d *Dispatcher) Submit(name string, job Job) bool {
	return d.SubmitKeyed("", name, job)
}

// SubmitKeyed queues job behind every earlier job submitted with the same
// key. An empty key spreads jobs over the workers.
func (d *Dispatcher) SubmitKeyed(key, name string, job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.log.Warn("job submitted after stop", slog.String("job", name))
		d.drop()
		return false
	}

	select {
	case d.shard(key) <- task{name: name, job: job}:
		return true
	default:
		d.log.Warn("queue full, dropping job", slog.String("job", name))
		d.drop()
		return false
	}
}

// Stop refuses new jobs and waits for the queued ones to finish. When ctx
// expires first, running jobs are cancelled and Stop returns ctx's error.
func (d *Dispatcher) Stop(ctx context.Context) error {
	const op = "dispatcher.Stop"
	log := d.log.With(slog.String("op", op))

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	pending := 0
	for _, shard := range d.shards {
		pending += len(shard)
		close(shard)
	}
	d.mu.Unlock()

	log.Info("draining queue", slog.Int("pending", pending))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		log.Info("workers stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func (d *Dispatcher) shard(key string) chan task {
	n := uint64(len(d.shards))
	if key == "" {
		return d.shards[d.next.Add(1)%n]
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return d.shards[h.Sum64()%n]
}

func (d *Dispatcher) work(shard <-chan task) {
	defer d.wg.Done()

	for t := range shard {
		d.run(t)
	}
}

func (d *Dispatcher) run(t task) {
	log := d.log.With(slog.String("job", t.name))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxInterval = d.cfg.MaxInterval

	attempts := 0
	_, err := backoff.Retry(d.base, func() (struct{}, error) {
		attempts++
		ctx, cancel := context.WithTimeout(d.base, d.cfg.JobTimeout)
		defer cancel()

		return struct{}{}, d.call(ctx, t.job)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("job failed, retrying", slog.Duration("in", next), sl.Err(err))
		}),
	)

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		log.Error("job gave up", slog.Int("attempts", attempts), sl.Err(err))
	} else {
		log.Debug("job done", slog.Int("attempts", attempts))
	}

	if d.total != nil {
		d.total.WithLabelValues(t.name, outcome).Inc()
	}
}

// call runs job and turns a panic into an error so one bad job cannot take
// a worker down.
func (d *Dispatcher) call(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backoff.Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()

	return job(ctx)
}

func (d *Dispatcher) drop() {
	if d.dropped != nil {
		d.dropped.Inc()
	}
}
