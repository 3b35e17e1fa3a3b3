package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"github.com/ruby14-bit/LIZ-EVENTS/payments"
	"github.com/ruby14-bit/LIZ-EVENTS/utils"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeError     Outcome = "error"
)

// Reconciler turns provider results into terminal payment transitions. It is
// safe to call any number of times with the same result.
type Reconciler struct {
	store     EventStore
	listeners PaymentListener
	retry     utils.BackoffConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewReconciler(store EventStore, listener PaymentListener, retry utils.BackoffConfig, logger *zap.Logger) *Reconciler {
	if retry.MaxAttempts <= 0 {
		retry = utils.DefaultBackoff()
	}
	if listener == nil {
		listener = noopListener{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:     store,
		listeners: listener,
		retry:     retry,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle processes a raw webhook body. eventID is the event named on the
// callback URL, if any. It never fails: every outcome, including malformed
// input and store outages, is reported only through the returned Outcome and
// the logs.
func (r *Reconciler) Handle(ctx context.Context, eventID string, raw []byte) Outcome {
	res, err := payments.ParseCallback(raw)
	if err != nil {
		r.logger.Warn("discarding malformed STK callback", zap.Error(err), zap.Int("bytes", len(raw)))
		return OutcomeInvalid
	}
	res.EventID = eventID
	return r.Apply(ctx, res)
}

// Apply settles the event behind res.CorrelationID. The webhook and the
// reconciliation sweep share it.
func (r *Reconciler) Apply(ctx context.Context, res payments.CallbackResult) Outcome {
	ctx = context.WithoutCancel(ctx)
	log := r.logger.With(
		zap.String("checkout_request_id", res.CorrelationID),
		zap.String("result_code", res.ResultCode))

	attempt, err := r.findAttempt(ctx, res.CorrelationID)
	if errors.Is(err, models.ErrCorrelationNotFound) && res.EventID != "" && r.adopt(ctx, res, log) {
		attempt, err = r.findAttempt(ctx, res.CorrelationID)
	}
	if errors.Is(err, models.ErrCorrelationNotFound) {
		log.Error("callback for unknown payment correlation", zap.Bool("critical", true), zap.Bool("success", res.Success()))
		return OutcomeNotFound
	}
	if err != nil {
		log.Error("failed to look up payment correlation", zap.Bool("critical", true), zap.Error(err))
		return OutcomeError
	}
	log = log.With(zap.String("event_id", attempt.EventID))

	st := models.Settlement{
		EventID:       attempt.EventID,
		CorrelationID: res.CorrelationID,
		Success:       res.Success(),
		ResultCode:    res.ResultCode,
		ResultDesc:    res.ResultDesc,
		SettledAt:     r.now().UTC(),
	}
	if st.Success {
		st.Receipt = res.Receipt
		st.AmountPaid = res.Amount
		st.PayerPhone = res.Phone
		if res.Amount != nil && *res.Amount != attempt.Amount {
			log.Warn("paid amount differs from requested amount",
				zap.Int64("requested", attempt.Amount), zap.Int64("paid", *res.Amount))
		}
	}

	var result models.SettleResult
	err = utils.Retry(ctx, r.retry, retryable, func() error {
		out, err := r.store.Settle(ctx, st)
		result = out
		return err
	})
	if err != nil {
		log.Error("failed to settle payment after retries",
			zap.Bool("critical", true),
			zap.Bool("success", st.Success),
			zap.String("receipt", st.Receipt),
			zap.Error(err))
		return OutcomeError
	}

	switch result.Outcome {
	case models.SettleApplied:
		if st.Success {
			log.Info("payment completed", zap.String("receipt", st.Receipt))
		} else {
			log.Info("payment failed", zap.String("result_desc", st.ResultDesc))
		}
		if result.Event != nil {
			r.listeners.PaymentChanged(ctx, *result.Event)
		}
		return OutcomeApplied

	case models.SettleDuplicate:
		if st.Success && st.Receipt != "" && result.Event != nil && result.Event.PaymentReceipt == nil {
			r.attachReceipt(ctx, st, log)
		} else {
			log.Info("duplicate callback ignored")
		}
		return OutcomeDuplicate

	case models.SettleStale:
		if st.Success {
			log.Error("successful callback for a superseded payment attempt",
				zap.Bool("critical", true), zap.String("receipt", st.Receipt))
		} else {
			log.Info("stale callback ignored")
		}
		return OutcomeStale

	default:
		log.Error("payment correlation points at a missing event", zap.Bool("critical", true))
		return OutcomeNotFound
	}
}

func (r *Reconciler) findAttempt(ctx context.Context, correlationID string) (*models.PaymentAttempt, error) {
	var attempt *models.PaymentAttempt
	err := utils.Retry(ctx, r.retry, retryable, func() error {
		a, err := r.store.FindAttempt(ctx, correlationID)
		attempt = a
		return err
	})
	return attempt, err
}

// adopt binds a result with an unknown correlation to the event named on its
// callback URL, when that event is still waiting on an attempt whose push
// timed out before the provider's id came back. It reports whether the
// correlation should be looked up again.
func (r *Reconciler) adopt(ctx context.Context, res payments.CallbackResult, log *zap.Logger) bool {
	log = log.With(zap.String("event_id", res.EventID))

	var e *models.Event
	err := utils.Retry(ctx, r.retry, retryable, func() error {
		ev, err := r.store.GetEvent(ctx, res.EventID)
		e = ev
		return err
	})
	if err != nil {
		if !errors.Is(err, models.ErrEventNotFound) {
			log.Error("failed to load event for unmatched callback", zap.Error(err))
		}
		return false
	}

	from := e.ActiveCorrelation()
	if !strings.HasPrefix(from, UnconfirmedPrefix) {
		// A concurrent delivery of the same result may have adopted it already.
		return from == res.CorrelationID
	}
	expired := e.PaymentStatus == models.PaymentFailed &&
		e.PaymentResultCode != nil && *e.PaymentResultCode == payments.ResultCodeUnconfirmed
	if e.PaymentStatus != models.PaymentProcessing && !expired {
		return false
	}
	if res.Phone != "" && e.PaymentPhone != nil && res.Phone != *e.PaymentPhone {
		log.Error("callback payer does not match the unconfirmed payment attempt",
			zap.Bool("critical", true), zap.String("unconfirmed_id", from))
		return false
	}

	err = utils.Retry(ctx, r.retry, retryable, func() error {
		return r.store.AdoptCorrelation(ctx, e.ID, from, res.CorrelationID, res.MerchantRequestID)
	})
	switch {
	case err == nil:
		log.Warn("matched callback to unconfirmed payment attempt",
			zap.String("unconfirmed_id", from), zap.Bool("was_expired", expired))
		return true
	case errors.Is(err, models.ErrCorrelationNotFound):
		return true
	default:
		log.Error("failed to adopt provider correlation", zap.Bool("critical", true), zap.Error(err))
		return false
	}
}

// attachReceipt records the receipt of a payment that a status query
// completed before its callback arrived.
func (r *Reconciler) attachReceipt(ctx context.Context, st models.Settlement, log *zap.Logger) {
	var e *models.Event
	err := utils.Retry(ctx, r.retry, retryable, func() error {
		ev, err := r.store.AttachReceipt(ctx, st)
		e = ev
		return err
	})
	switch {
	case errors.Is(err, models.ErrCorrelationNotFound):
		log.Info("duplicate callback ignored")
	case err != nil:
		log.Error("failed to record receipt for completed payment",
			zap.Bool("critical", true), zap.String("receipt", st.Receipt), zap.Error(err))
	default:
		log.Info("receipt recorded for completed payment", zap.String("receipt", st.Receipt))
		r.listeners.PaymentChanged(ctx, *e)
	}
}
