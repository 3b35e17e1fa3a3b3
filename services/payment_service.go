package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"github.com/ruby14-bit/LIZ-EVENTS/payments"
	"github.com/ruby14-bit/LIZ-EVENTS/utils"
	"go.uber.org/zap"
)

// UnconfirmedPrefix marks correlation ids minted locally when the push
// request timed out and the provider never told us its own id.
const UnconfirmedPrefix = "unconfirmed-"

// Gateway is the subset of the M-Pesa client the payment core uses.
type Gateway interface {
	Initiate(ctx context.Context, eventID string, amount int64, phone string) (*payments.StkPushResponse, error)
	Query(ctx context.Context, checkoutRequestID string) (*payments.StkQueryResponse, error)
}

type PaymentServiceConfig struct {
	InitiateTimeout time.Duration
	Retry           utils.BackoffConfig
	CountryCode     string
}

type InitiateRequest struct {
	EventID string
	Phone   string
	// Amount is optional; zero means the full quoted amount.
	Amount int64
	Viewer Viewer
}

type InitiateResult struct {
	EventID         string
	CorrelationID   string
	Amount          int64
	Phone           string
	CustomerMessage string
}

// PaymentService starts STK push payments and records the correlation that
// ties the provider's answer back to the event.
type PaymentService struct {
	store     EventStore
	gateway   Gateway
	listeners PaymentListener
	cfg       PaymentServiceConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewPaymentService(store EventStore, gateway Gateway, listener PaymentListener, cfg PaymentServiceConfig, logger *zap.Logger) *PaymentService {
	if cfg.InitiateTimeout <= 0 {
		cfg.InitiateTimeout = 20 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = utils.DefaultBackoff()
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = payments.DefaultCountryCode
	}
	if listener == nil {
		listener = noopListener{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{
		store:     store,
		gateway:   gateway,
		listeners: listener,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Initiate validates the request, sends the STK push and moves the event to
// Processing under the provider's correlation id. The correlation is durable
// before Initiate returns successfully.
func (s *PaymentService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	phone, err := payments.NormalizePhone(req.Phone, s.cfg.CountryCode)
	if err != nil {
		return nil, err
	}
	if req.Amount < 0 {
		return nil, &payments.GatewayError{Kind: payments.KindInvalidAmount, Message: "amount must be a positive integer"}
	}

	event, err := s.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if !req.Viewer.CanSee(event) {
		return nil, ErrForbidden
	}
	if event.QuotedAmount == nil {
		return nil, models.ErrQuoteMissing
	}
	if event.PaymentStatus == models.PaymentCompleted {
		return nil, ErrAlreadyPaid
	}
	if !models.CanTransition(event.PaymentStatus, models.PaymentProcessing) {
		return nil, models.ErrInvalidTransition
	}

	amount := req.Amount
	if amount == 0 {
		amount = *event.QuotedAmount
	}
	if amount > *event.QuotedAmount {
		return nil, &payments.GatewayError{
			Kind:    payments.KindInvalidAmount,
			Message: fmt.Sprintf("amount %d exceeds the quoted amount %d", amount, *event.QuotedAmount),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.InitiateTimeout)
	resp, err := s.gateway.Initiate(callCtx, event.ID, amount, req.Phone)
	cancel()

	// From here on the provider may have prompted the payer, so the write
	// must not be abandoned because the caller went away.
	writeCtx := context.WithoutCancel(ctx)
	startedAt := s.now().UTC()

	if err != nil {
		if !payments.IsKind(err, payments.KindTimeout) {
			return nil, err
		}
		s.logger.Warn("STK push timed out, recording unconfirmed attempt",
			zap.String("event_id", event.ID), zap.Error(err))

		p := models.PendingPayment{
			EventID:       event.ID,
			CorrelationID: UnconfirmedPrefix + uuid.NewString(),
			Amount:        amount,
			Phone:         phone,
			Unconfirmed:   true,
			InitiatedAt:   startedAt,
		}
		if err := s.recordPending(writeCtx, p); err != nil {
			return nil, err
		}
		s.notify(writeCtx, event.ID)
		return nil, ErrInitiationUnconfirmed
	}

	p := models.PendingPayment{
		EventID:           event.ID,
		CorrelationID:     resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Amount:            amount,
		Phone:             phone,
		InitiatedAt:       startedAt,
	}
	if err := s.recordPending(writeCtx, p); err != nil {
		return nil, err
	}
	s.notify(writeCtx, event.ID)

	s.logger.Info("payment initiated",
		zap.String("event_id", event.ID),
		zap.String("checkout_request_id", resp.CheckoutRequestID),
		zap.Int64("amount", amount))

	return &InitiateResult{
		EventID:         event.ID,
		CorrelationID:   resp.CheckoutRequestID,
		Amount:          amount,
		Phone:           phone,
		CustomerMessage: resp.CustomerMessage,
	}, nil
}

func (s *PaymentService) recordPending(ctx context.Context, p models.PendingPayment) error {
	err := utils.Retry(ctx, s.cfg.Retry, retryable, func() error {
		return s.store.RecordPending(ctx, p)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrPaymentLocked):
		return ErrAlreadyPaid
	case !retryable(err):
		return err
	}

	s.logger.Error("failed to record pending payment after retries",
		zap.Bool("critical", true),
		zap.String("event_id", p.EventID),
		zap.String("checkout_request_id", p.CorrelationID),
		zap.Error(err))
	return &PersistenceError{Op: "record pending payment", Err: err}
}

func (s *PaymentService) notify(ctx context.Context, eventID string) {
	e, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		s.logger.Warn("could not reload event for listeners", zap.String("event_id", eventID), zap.Error(err))
		return
	}
	s.listeners.PaymentChanged(ctx, *e)
}
