// Package scheduler drives the asynchronous halves of the order
// lifecycle: validating challenges that clients have answered, issuing
// certificates for finalized orders, and sweeping expired nonces.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/acme"
	"github.com/blockadesystems/acmeforge/internal/errs"
	"github.com/blockadesystems/acmeforge/internal/model"
	"github.com/blockadesystems/acmeforge/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "scheduler"))
}

const (
	defaultPollInterval  = 2 * time.Second
	defaultSweepInterval = 10 * time.Minute
	defaultBatchSize     = 50
)

// Options tune the scheduler loops. Zero values take the defaults.
type Options struct {
	PollInterval  time.Duration // challenge and order polling
	SweepInterval time.Duration // nonce expiry sweep
	BatchSize     int
}

// Scheduler runs the background loops against the ACME service.
type Scheduler struct {
	svc   acme.ACMEService
	store storage.Storage
	opts  Options
}

// New builds a scheduler over the service and store.
func New(svc acme.ACMEService, store storage.Storage, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Scheduler{svc: svc, store: store, opts: opts}
}

// Run blocks, driving all loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	pollTicker := time.NewTicker(s.opts.PollInterval)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(s.opts.SweepInterval)
	defer sweepTicker.Stop()

	logger.Info("scheduler started",
		zap.Duration("poll_interval", s.opts.PollInterval),
		zap.Duration("sweep_interval", s.opts.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-pollTicker.C:
			s.RunValidationPass(ctx)
			s.RunIssuancePass(ctx)
		case <-sweepTicker.C:
			s.RunNonceSweep(ctx)
		}
	}
}

// RunValidationPass validates one batch of answered challenges.
// Conflicts mean another worker got there first and are not errors.
func (s *Scheduler) RunValidationPass(ctx context.Context) {
	chals, err := s.store.GetChallengesInStatus(ctx, model.StatusProcessing, s.opts.BatchSize)
	if err != nil {
		logger.Error("failed to list processing challenges", zap.Error(err))
		return
	}
	var wg sync.WaitGroup
	for _, chal := range chals {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := s.svc.ValidateChallenge(ctx, id)
			switch {
			case err == nil:
			case errs.Is(err, errs.Conflict), errs.Is(err, errs.Concurrency):
				// Lost the race to a concurrent pass; state is fresh.
			default:
				logger.Error("challenge validation failed",
					zap.String("challenge_id", id), zap.Error(err))
			}
		}(chal.ID)
	}
	wg.Wait()
}

// RunIssuancePass issues certificates for one batch of finalized
// orders.
func (s *Scheduler) RunIssuancePass(ctx context.Context) {
	orders, err := s.store.GetOrdersInStatus(ctx, model.StatusProcessing, s.opts.BatchSize)
	if err != nil {
		logger.Error("failed to list processing orders", zap.Error(err))
		return
	}
	var wg sync.WaitGroup
	for _, order := range orders {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := s.svc.IssueOrder(ctx, id)
			switch {
			case err == nil:
			case errs.Is(err, errs.Conflict), errs.Is(err, errs.Concurrency):
			default:
				logger.Error("order issuance failed",
					zap.String("order_id", id), zap.Error(err))
			}
		}(order.ID)
	}
	wg.Wait()
}

// RunNonceSweep deletes expired nonces.
func (s *Scheduler) RunNonceSweep(ctx context.Context) {
	deleted, err := s.store.DeleteExpiredNonces(ctx)
	if err != nil {
		logger.Error("nonce sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		logger.Info("expired nonces deleted", zap.Int64("count", deleted))
	}
}
