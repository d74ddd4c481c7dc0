// Package worker runs the processor: per queue, a pool of pollers that claim
// and resolve jobs, a scheduler that promotes due retries, and an optional
// reaper for orphaned claims.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leo-guinan/loveops-world-model/internal/config"
	"github.com/leo-guinan/loveops-world-model/internal/model"
	"github.com/leo-guinan/loveops-world-model/internal/queue"
)

// Handler processes one job. A nil return is success; an error or a panic is
// a failed attempt.
type Handler func(ctx context.Context, queue string, job *model.Job) error

type Option func(*Processor)

func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) { p.pollInterval = d }
}

func WithSchedulerInterval(d time.Duration) Option {
	return func(p *Processor) { p.schedulerInterval = d }
}

func WithReapInterval(d time.Duration) Option {
	return func(p *Processor) { p.reapInterval = d }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.log = l }
}

type runner struct {
	cfg   config.QueueConfig
	store *queue.Store
}

type Processor struct {
	role    string
	handler Handler
	queues  []*runner

	pollInterval      time.Duration
	schedulerInterval time.Duration
	reapInterval      time.Duration
	metrics           *Metrics
	log               *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New opens a store for every queue cfg.Role consumes.
func New(cfg *config.Config, h Handler, opts ...Option) (*Processor, error) {
	if h == nil {
		return nil, fmt.Errorf("worker: nil handler")
	}
	p := &Processor{
		role:              cfg.Role,
		handler:           h,
		pollInterval:      orDefault(cfg.PollInterval, time.Second),
		schedulerInterval: orDefault(cfg.SchedulerInterval, 5*time.Second),
		reapInterval:      orDefault(cfg.ReapInterval, 30*time.Second),
		log:               slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}

	for _, q := range cfg.Queues {
		if !q.ConsumedBy(p.role) {
			continue
		}
		s, err := queue.Open(cfg.BasePath, q.Name)
		if err != nil {
			return nil, err
		}
		p.queues = append(p.queues, &runner{cfg: q, store: s})
	}
	return p, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Queues returns the names of the queues this processor consumes.
func (p *Processor) Queues() []string {
	names := make([]string, 0, len(p.queues))
	for _, r := range p.queues {
		names = append(names, r.cfg.Name)
	}
	return names
}

// Start launches every background task. Calling it again while running is a
// no-op; after Stop it starts a fresh set of tasks.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		p.log.Warn("processor already started")
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for _, r := range p.queues {
		for i := 0; i < max(r.cfg.Workers, 1); i++ {
			p.wg.Add(1)
			go p.poll(ctx, r, i+1)
		}
		p.wg.Add(1)
		go p.schedule(ctx, r)
		if r.cfg.LeaseTimeout() > 0 {
			p.wg.Add(1)
			go p.reap(ctx, r)
		}
	}
	p.log.Info("processor started", "role", p.role, "queues", p.Queues())
}

// Stop cancels every task and returns without waiting. A handler already
// running finishes; jobs claimed behind it in the same batch go back to
// ready.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.started = false
}

// Wait blocks until every task started by Start has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// poll is the main loop for one worker.
func (p *Processor) poll(ctx context.Context, r *runner, id int) {
	defer p.wg.Done()
	log := p.log.With("queue", r.cfg.Name, "worker", id)
	log.Debug("worker starting")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker shutting down")
			return
		case <-ticker.C:
			p.processBatch(ctx, r, log)
		}
	}
}

// processBatch claims up to batchSize jobs and resolves them in order. Under
// a lease every job still waiting in the batch is heartbeated, not only the
// one in the handler.
func (p *Processor) processBatch(ctx context.Context, r *runner, log *slog.Logger) {
	var batch []*model.Job
	for len(batch) < max(r.cfg.BatchSize, 1) {
		job, err := r.store.Claim()
		if err != nil {
			log.Error("claim failed", "error", err)
			break
		}
		if job == nil {
			break
		}
		batch = append(batch, job)
	}
	if len(batch) == 0 {
		return
	}
	p.metrics.Claimed.WithLabelValues(r.cfg.Name).Add(float64(len(batch)))

	var next atomic.Int32 // first unresolved index
	if lease := r.cfg.LeaseTimeout(); lease > 0 {
		defer p.heartbeat(r.store, batch, &next, lease)()
	}

	for i, job := range batch {
		if ctx.Err() != nil {
			p.release(r, batch[i:], log)
			return
		}
		p.resolve(ctx, r, job, log.With("job_id", job.ID))
		next.Store(int32(i + 1))
	}
}

// release hands unstarted jobs back to ready after Stop.
func (p *Processor) release(r *runner, jobs []*model.Job, log *slog.Logger) {
	for _, job := range jobs {
		if err := r.store.Release(job.ID); err != nil {
			log.Error("returning job to ready", "job_id", job.ID, "error", err)
		}
	}
	log.Info("stopped mid-batch; returned unstarted jobs to ready", "count", len(jobs))
}

func (p *Processor) resolve(ctx context.Context, r *runner, job *model.Job, log *slog.Logger) {
	log.Debug("processing job", "attempt", job.Attempts+1)

	err := p.run(ctx, r, job)
	if err == nil {
		if err := r.store.Complete(job.ID); err != nil {
			log.Error("marking job done", "error", err)
			return
		}
		p.metrics.Completed.WithLabelValues(r.cfg.Name).Inc()
		log.Info("job completed")
		return
	}

	log.Warn("job failed", "attempt", job.Attempts+1, "error", err)
	state, ferr := r.store.Fail(job.ID, job, r.cfg.RetryPolicy())
	if ferr != nil {
		log.Error("recording failure", "error", ferr)
		return
	}
	switch state {
	case model.StateDead:
		p.metrics.Failed.WithLabelValues(r.cfg.Name, "dead").Inc()
		log.Error("job moved to dead letter", "attempts", job.Attempts)
	default:
		p.metrics.Failed.WithLabelValues(r.cfg.Name, "retry").Inc()
		log.Info("job scheduled for retry", "attempts", job.Attempts, "retry_at", job.ScheduledFor)
	}
}

// run calls the handler. Its context outlives Stop but carries the queue's
// timeout, if any.
func (p *Processor) run(ctx context.Context, r *runner, job *model.Job) (err error) {
	hctx := context.WithoutCancel(ctx)
	if t := r.cfg.Timeout(); t > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, t)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
		p.metrics.HandlerDuration.WithLabelValues(r.cfg.Name).Observe(time.Since(start).Seconds())
	}()
	return p.handler(hctx, r.cfg.Name, job)
}

// heartbeat renews the claim on batch[next:] every third of lease until the
// returned func is called.
func (p *Processor) heartbeat(s *queue.Store, batch []*model.Job, next *atomic.Int32, lease time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for _, job := range batch[min(int(next.Load()), len(batch)):] {
					// ErrNotFound: resolved between the load and the touch.
					if err := s.Touch(job.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
						p.log.Warn("lease renewal failed", "queue", s.Name(), "job_id", job.ID, "error", err)
					}
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// schedule promotes due retries and samples queue depth.
func (p *Processor) schedule(ctx context.Context, r *runner) {
	defer p.wg.Done()
	log := p.log.With("queue", r.cfg.Name)

	ticker := time.NewTicker(p.schedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.PromoteScheduled()
			if err != nil {
				log.Error("promoting scheduled jobs", "error", err)
			}
			if n > 0 {
				p.metrics.Promoted.WithLabelValues(r.cfg.Name).Add(float64(n))
				log.Debug("promoted scheduled jobs", "count", n)
			}
			if err := p.metrics.observeDepth(r.store); err != nil {
				log.Warn("sampling queue depth", "error", err)
			}
		}
	}
}

func (p *Processor) reap(ctx context.Context, r *runner) {
	defer p.wg.Done()
	log := p.log.With("queue", r.cfg.Name)
	lease := r.cfg.LeaseTimeout()

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.ReapExpired(lease)
			if err != nil {
				log.Error("reaping expired jobs", "error", err)
			}
			if n > 0 {
				p.metrics.Reaped.WithLabelValues(r.cfg.Name).Add(float64(n))
			}
		}
	}
}
