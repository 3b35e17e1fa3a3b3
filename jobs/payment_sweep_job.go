package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ruby14-bit/LIZ-EVENTS/payments"
	"github.com/ruby14-bit/LIZ-EVENTS/services"
	"go.uber.org/zap"
)

var ErrSweepRunning = errors.New("a payment sweep is already running")

// Applier settles a provider result. services.Reconciler satisfies it.
type Applier interface {
	Apply(ctx context.Context, res payments.CallbackResult) services.Outcome
}

type SweepConfig struct {
	// MinAge keeps the sweep away from attempts whose callback is still
	// likely to arrive on its own.
	MinAge         time.Duration
	UnconfirmedTTL time.Duration
	BatchSize      int
	QueryTimeout   time.Duration
}

type SweepStats struct {
	Checked  int
	Settled  int
	Expired  int
	Pending  int
	Failures int
}

// PaymentSweeper settles payments stuck in Processing whose callback never
// arrived, by asking the provider for the result.
type PaymentSweeper struct {
	store   services.EventStore
	gateway services.Gateway
	applier Applier
	cfg     SweepConfig
	logger  *zap.Logger
	now     func() time.Time

	running sync.Mutex
}

func NewPaymentSweeper(store services.EventStore, gateway services.Gateway, applier Applier, cfg SweepConfig, logger *zap.Logger) *PaymentSweeper {
	if cfg.MinAge <= 0 {
		cfg.MinAge = 3 * time.Minute
	}
	if cfg.UnconfirmedTTL <= 0 {
		cfg.UnconfirmedTTL = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentSweeper{
		store:   store,
		gateway: gateway,
		applier: applier,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Schedule registers the sweep on c. Runs that would overlap are skipped.
func (s *PaymentSweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	job := cron.FuncJob(func() {
		_, err := s.Run(context.Background())
		switch {
		case errors.Is(err, ErrSweepRunning):
			s.logger.Debug("payment sweep skipped, another run is active")
		case err != nil:
			s.logger.Error("payment sweep failed", zap.Error(err))
		}
	})
	return c.AddJob(spec, cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(job))
}

// Run sweeps one batch. It returns ErrSweepRunning instead of overlapping a
// run that is already in progress.
func (s *PaymentSweeper) Run(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	if !s.running.TryLock() {
		return stats, ErrSweepRunning
	}
	defer s.running.Unlock()
	now := s.now().UTC()

	events, err := s.store.ListProcessing(ctx, now.Add(-s.cfg.MinAge), s.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	for _, e := range events {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		corr := e.ActiveCorrelation()
		if corr == "" {
			continue
		}
		stats.Checked++
		log := s.logger.With(zap.String("event_id", e.ID), zap.String("checkout_request_id", corr))

		if strings.HasPrefix(corr, services.UnconfirmedPrefix) {
			if e.PaymentStartedAt != nil && now.Sub(*e.PaymentStartedAt) < s.cfg.UnconfirmedTTL {
				stats.Pending++
				continue
			}
			out := s.applier.Apply(ctx, payments.CallbackResult{
				CorrelationID: corr,
				ResultCode:    payments.ResultCodeUnconfirmed,
				ResultDesc:    "payment request was never confirmed by the provider",
			})
			if out == services.OutcomeApplied {
				stats.Expired++
				log.Info("expired unconfirmed payment attempt")
			} else if out == services.OutcomeError {
				stats.Failures++
			}
			continue
		}

		qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
		q, err := s.gateway.Query(qctx, corr)
		cancel()
		if err != nil {
			if payments.IsStillProcessing(err) {
				stats.Pending++
				continue
			}
			stats.Failures++
			log.Warn("STK status query failed", zap.Error(err))
			continue
		}

		if q.StillProcessing() {
			stats.Pending++
			continue
		}

		switch s.applier.Apply(ctx, payments.FromQuery(q)) {
		case services.OutcomeApplied:
			stats.Settled++
		case services.OutcomeError:
			stats.Failures++
		}
	}

	if stats.Checked > 0 {
		s.logger.Info("payment sweep finished",
			zap.Int("checked", stats.Checked),
			zap.Int("settled", stats.Settled),
			zap.Int("expired", stats.Expired),
			zap.Int("pending", stats.Pending),
			zap.Int("failures", stats.Failures))
	}
	return stats, nil
}
