// Package worker drives background processing: draining the intake queue
// and sweeping due delivery retries.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mosacloud/messages-sub001/internal/models"
)

// IntakeProcessor is the queue surface the pool drains.
type IntakeProcessor interface {
	Pending(ctx context.Context, limit int) ([]models.InboundIntake, error)
	Process(ctx context.Context, intakeID string) error
}

// RetrySweeper re-runs delivery for messages with due recipients.
type RetrySweeper interface {
	SweepRetries(ctx context.Context, batch int) error
}

type Options struct {
	Workers       int
	PollInterval  time.Duration
	SweepInterval time.Duration
	SweepBatch    int
}

// Pool runs a fixed set of intake workers plus one retry sweeper. Work is
// picked up on a poll tick or immediately after Notify.
type Pool struct {
	intake  IntakeProcessor
	sweeper RetrySweeper
	opts    Options
	log     *slog.Logger

	trigger chan struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewPool(intake IntakeProcessor, sweeper RetrySweeper, opts Options, log *slog.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	return &Pool{
		intake:  intake,
		sweeper: sweeper,
		opts:    opts,
		log:     log,
		trigger: make(chan struct{}, 1),
	}
}

// Notify wakes an intake worker without waiting for the next poll tick.
// Safe to call from any goroutine; a pending wake-up is coalesced.
func (p *Pool) Notify() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runIntake(ctx, id)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runSweeper(ctx)
	}()

	p.log.Info("worker pool started", "workers", p.opts.Workers,
		"poll_interval", p.opts.PollInterval, "sweep_interval", p.opts.SweepInterval)
}

// Stop cancels all workers and waits for in-flight work to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) runIntake(ctx context.Context, id int) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		p.drainIntake(ctx, id)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

// drainIntake handles one batch of queued records. Records locked by
// another worker come back as no-ops; leftovers wait for the next tick.
func (p *Pool) drainIntake(ctx context.Context, id int) {
	pending, err := p.intake.Pending(ctx, p.opts.SweepBatch)
	if err != nil {
		p.log.Error("listing pending intakes failed", "worker", id, "error", err)
		return
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := p.intake.Process(ctx, rec.ID); err != nil {
			p.log.Error("intake processing failed", "worker", id, "intake_id", rec.ID, "error", err)
		}
	}
}

func (p *Pool) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.sweeper.SweepRetries(ctx, p.opts.SweepBatch); err != nil {
				p.log.Error("retry sweep failed", "error", err)
			}
		}
	}
}
