package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/studykit/scheduler/internal/metrics"
)

// PoolConfig holds the event pool's tunables.
type PoolConfig struct {
	// Size is the number of concurrent worker goroutines.
	Size int `mapstructure:"size"`
	// QueueSize bounds the in-flight event buffer.
	QueueSize int `mapstructure:"queue_size"`
	// MaxAttempts bounds retries for execution failures. Lock
	// conflicts do not count against this; they are waited out inside
	// the worker.
	MaxAttempts int `mapstructure:"max_attempts"`
	// EventsPerSecond throttles how fast events are dequeued. Zero
	// means unthrottled.
	EventsPerSecond float64 `mapstructure:"events_per_second"`
	// RetryDelay is the pause between execution-failure attempts.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

func (c *PoolConfig) applyDefaults() {
	if c.Size == 0 {
		c.Size = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
}

// Pool fans events out to a fixed set of workers. Events that fail
// execution are retried up to MaxAttempts and then dropped with a dead
// letter record; the queue never blocks on a poisoned event.
type Pool struct {
	worker  *Worker
	config  *PoolConfig
	logger  *zap.Logger
	queue   chan Event
	limiter *rate.Limiter

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPool creates an event pool around a worker.
func NewPool(w *Worker, cfg *PoolConfig, logger *zap.Logger) *Pool {
	if cfg == nil {
		cfg = &PoolConfig{}
	}
	cfg.applyDefaults()

	var limiter *rate.Limiter
	if cfg.EventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.Size)
	}
	return &Pool{
		worker:  w,
		config:  cfg,
		logger:  logger,
		queue:   make(chan Event, cfg.QueueSize),
		limiter: limiter,
		stopped: make(chan struct{}),
	}
}

// Start launches the worker goroutines. They run until ctx is canceled
// or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.config.Size; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.logger.Info("Recompute pool started",
		zap.Int("workers", p.config.Size),
		zap.Int("queue_size", p.config.QueueSize),
	)
}

// Submit enqueues an event, returning an error when the queue is full
// or the pool is stopped rather than blocking the producer.
func (p *Pool) Submit(event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	select {
	case <-p.stopped:
		return fmt.Errorf("recompute pool is stopped")
	default:
	}
	select {
	case p.queue <- event:
		metrics.WorkerQueueDepth.Inc()
		return nil
	default:
		return fmt.Errorf("recompute queue full (%d events)", p.config.QueueSize)
	}
}

// Stop closes the queue and waits for in-flight events to drain.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		close(p.queue)
	})
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.queue:
			if !ok {
				return
			}
			metrics.WorkerQueueDepth.Dec()
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return
				}
			}
			p.process(ctx, event)
		}
	}
}

// process runs one event through the worker with bounded retries for
// execution failures. The final failure is dead-lettered: logged with
// the full event so it can be replayed by hand.
func (p *Pool) process(ctx context.Context, event Event) {
	var err error
	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		err = p.worker.Handle(ctx, event)
		if err == nil {
			metrics.WorkerEvents.WithLabelValues(string(event.Kind), "ok").Inc()
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < p.config.MaxAttempts {
			metrics.WorkerRetries.Inc()
			p.logger.Warn("Recompute failed, retrying",
				zap.String("kind", string(event.Kind)),
				zap.String("study_id", event.StudyID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if sleepErr := sleepCtx(ctx, p.config.RetryDelay); sleepErr != nil {
				return
			}
		}
	}
	metrics.WorkerEvents.WithLabelValues(string(event.Kind), "failed").Inc()
	metrics.WorkerDeadLetters.Inc()
	p.logger.Error("Recompute exhausted retries, dropping event",
		zap.String("kind", string(event.Kind)),
		zap.String("study_id", event.StudyID),
		zap.String("schedule_plan_guid", event.SchedulePlanGuid),
		zap.String("health_code", event.HealthCode),
		zap.Int("attempts", p.config.MaxAttempts),
		zap.Error(err),
	)
}
