package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/ai-support/internal/chat"
	"github.com/suPer8Hu/ai-support/internal/metrics"
	"github.com/suPer8Hu/ai-support/internal/store/rabbitmq"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// ErrInterrupted reports that an attempt was cut short by shutdown. The job
// is back in queued and the delivery should be requeued, not dead-lettered.
var ErrInterrupted = errors.New("repair attempt interrupted")

type JobStore interface {
	GetRepairJob(ctx context.Context, id string) (*chat.RepairJob, error)
	MarkRepairJobRunning(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	MarkRepairJobSucceeded(ctx context.Context, id string, assistantMsgID uint64) error
	MarkRepairJobSkipped(ctx context.Context, id string, reason string) error
	RequeueRepairJob(ctx context.Context, id string, errMsg string) error
	MarkRepairJobFailed(ctx context.Context, id string, errMsg string) error
}

type Repairer interface {
	RepairExchange(ctx context.Context, job *chat.RepairJob) (chat.RepairOutcome, error)
}

type Retrier interface {
	Retry(ctx context.Context, m rabbitmq.JobMessage, delay time.Duration) error
}

type Config struct {
	Jobs     JobStore
	Repairer Repairer
	// Retrier is optional; without it a failed attempt is final.
	Retrier     Retrier
	RatePerSec  float64
	MaxAttempts int
	BackoffBase time.Duration
	// ClaimTimeout is how long a running job may go without an update
	// before a redelivery is allowed to take it over.
	ClaimTimeout time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Worker drains repair jobs. Provider calls are paced by a shared token bucket.
type Worker struct {
	jobs        JobStore
	repairer    Repairer
	retrier     Retrier
	limiter     *rate.Limiter
	maxAttempts int
	backoffBase time.Duration
	claimTTL    time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

func New(cfg Config) *Worker {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Minute
	}
	return &Worker{
		jobs:        cfg.Jobs,
		repairer:    cfg.Repairer,
		retrier:     cfg.Retrier,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		claimTTL:    cfg.ClaimTimeout,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// HandleJob runs one delivery to completion. ErrInterrupted means the
// delivery should be requeued; any other error means it should be
// dead-lettered. Status writes outlive ctx so shutdown never strands a job.
func (w *Worker) HandleJob(ctx context.Context, m rabbitmq.JobMessage) error {
	log := w.logger.With().Str("job_id", m.JobID).Int("attempt", m.Attempt).Logger()
	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		return ErrInterrupted
	}

	job, err := w.jobs.GetRepairJob(ctx, m.JobID)
	if err != nil {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn().Msg("unknown repair job dropped")
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}

	claimed, err := w.jobs.MarkRepairJobRunning(ctx, job.ID, time.Now().UTC().Add(-w.claimTTL))
	if err != nil {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		log.Debug().Str("status", string(job.Status)).Msg("repair job already handled")
		return nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return w.interrupt(bg, log, job, err)
	}

	start := time.Now()
	out, err := w.repairer.RepairExchange(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return w.interrupt(bg, log, job, err)
		}
		return w.handleFailure(bg, log, job, m, err)
	}

	if out.Skipped {
		w.metrics.RepairJob(string(chat.RepairSkipped))
		log.Info().Str("reason", out.Reason).Msg("repair job skipped")
		return w.jobs.MarkRepairJobSkipped(bg, job.ID, out.Reason)
	}

	w.metrics.RepairJob(string(chat.RepairSucceeded))
	log.Info().
		Uint64("assistant_message_id", out.AssistantMessageID).
		Dur("cost", time.Since(start)).
		Msg("repair job succeeded")
	return w.jobs.MarkRepairJobSucceeded(bg, job.ID, out.AssistantMessageID)
}

func (w *Worker) interrupt(ctx context.Context, log zerolog.Logger, job *chat.RepairJob, cause error) error {
	if err := w.jobs.RequeueRepairJob(ctx, job.ID, cause.Error()); err != nil {
		log.Error().Err(err).Msg("requeue interrupted job")
	}
	log.Info().Err(cause).Msg("repair attempt interrupted")
	return ErrInterrupted
}

func (w *Worker) handleFailure(ctx context.Context, log zerolog.Logger, job *chat.RepairJob, m rabbitmq.JobMessage, cause error) error {
	if w.retrier != nil && m.Attempt+1 < w.maxAttempts {
		delay := w.backoffBase << m.Attempt
		if err := w.jobs.RequeueRepairJob(ctx, job.ID, cause.Error()); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		if err := w.retrier.Retry(ctx, m, delay); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		w.metrics.RepairJob("retried")
		log.Warn().Err(cause).Dur("delay", delay).Msg("repair attempt failed, retrying")
		return nil
	}

	w.metrics.RepairJob(string(chat.RepairFailed))
	if err := w.jobs.MarkRepairJobFailed(ctx, job.ID, cause.Error()); err != nil {
		log.Error().Err(err).Msg("mark job failed")
	}
	return cause
}

// Run feeds deliveries to a fixed pool until ctx ends or the channel closes.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(slot int) {
			defer wg.Done()
			log := w.logger.With().Int("slot", slot).Logger()
			for d := range jobs {
				m, err := rabbitmq.DecodeJob(d.Body)
				if err != nil {
					log.Error().Err(err).Msg("bad message")
					_ = d.Nack(false, false)
					continue
				}

				if err := w.HandleJob(ctx, m); err != nil {
					if errors.Is(err, ErrInterrupted) {
						_ = d.Nack(false, true)
						continue
					}
					log.Error().Err(err).Str("job_id", m.JobID).Msg("repair job dead-lettered")
					_ = d.Nack(false, false)
					continue
				}
				if err := d.Ack(false); err != nil {
					log.Error().Err(err).Str("job_id", m.JobID).Msg("ack failed")
				}
			}
		}(i)
	}

	// dispatcher
	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn().Msg("delivery channel closed")
				return
			}
			jobs <- d
		}
	}
}
