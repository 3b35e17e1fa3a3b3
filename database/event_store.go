package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"gorm.io/gorm"
)

// EventStore is the relational Event Store. Every payment write is a single
// conditional UPDATE whose WHERE clause carries the state-machine guard, so
// the check and the transition happen in one statement.
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.WorkflowNewInquiry
	}
	if e.PaymentStatus == "" {
		e.PaymentStatus = models.PaymentUnset
	}
	return s.db.WithContext(ctx).Omit("Attempts").Create(e).Error
}

func (s *EventStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var e models.Event
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrEventNotFound
		}
		return nil, err
	}
	return &e, nil
}

// UpdateDetails writes portal-owned fields. A quote may only change while no
// attempt is in flight and the event is not paid; the first quote moves the
// payment status from Unset to Pending.
func (s *EventStore) UpdateDetails(ctx context.Context, id string, upd models.EventDetailsUpdate) (*models.Event, error) {
	updates := map[string]any{}
	if upd.Name != nil {
		updates["name"] = *upd.Name
	}
	if upd.EventDate != nil {
		updates["event_date"] = *upd.EventDate
	}
	if upd.GuestCount != nil {
		updates["guest_count"] = *upd.GuestCount
	}
	if upd.Status != nil {
		updates["status"] = string(*upd.Status)
	}
	if upd.QuotedAmount != nil {
		updates["quoted_amount"] = *upd.QuotedAmount
		updates["payment_status"] = gorm.Expr("CASE WHEN payment_status = ? THEN ? ELSE payment_status END",
			string(models.PaymentUnset), string(models.PaymentPending))
	}

	var out models.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(updates) > 0 {
			q := tx.Model(&models.Event{}).Where("id = ?", id)
			if upd.QuotedAmount != nil {
				q = q.Where("payment_status NOT IN ?", []string{string(models.PaymentProcessing), string(models.PaymentCompleted)})
			}
			res := q.Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				if err := tx.First(&out, "id = ?", id).Error; err != nil {
					return notFound(err, models.ErrEventNotFound)
				}
				return models.ErrPaymentLocked
			}
		}
		return notFound(tx.First(&out, "id = ?", id).Error, models.ErrEventNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordPending moves the event into Processing under p.CorrelationID,
// supersedes any attempt still pending for it and inserts the new attempt,
// all in one transaction.
func (s *EventStore) RecordPending(ctx context.Context, p models.PendingPayment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Event{}).
			Where("id = ? AND quoted_amount IS NOT NULL AND payment_status IN ?",
				p.EventID, models.SourceStrings(models.PaymentProcessing)).
			Updates(map[string]any{
				"payment_status":      string(models.PaymentProcessing),
				"payment_request_id":  p.CorrelationID,
				"payment_amount":      p.Amount,
				"payment_phone":       p.Phone,
				"payment_started_at":  p.InitiatedAt,
				"payment_receipt":     nil,
				"amount_paid":         nil,
				"payer_phone":         nil,
				"payment_result_code": nil,
				"payment_result_desc": nil,
				"payment_settled_at":  nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return pendingRejection(tx, p.EventID)
		}

		if err := tx.Model(&models.PaymentAttempt{}).
			Where("event_id = ? AND status = ?", p.EventID, string(models.AttemptPending)).
			Update("status", string(models.AttemptSuperseded)).Error; err != nil {
			return err
		}

		attempt := models.PaymentAttempt{
			ID:                uuid.NewString(),
			EventID:           p.EventID,
			CorrelationID:     p.CorrelationID,
			MerchantRequestID: p.MerchantRequestID,
			Amount:            p.Amount,
			Phone:             p.Phone,
			Status:            models.AttemptPending,
			Unconfirmed:       p.Unconfirmed,
			InitiatedAt:       p.InitiatedAt,
		}
		if err := tx.Create(&attempt).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return models.ErrDuplicateCorrelation
			}
			return err
		}
		return nil
	})
}

func pendingRejection(tx *gorm.DB, eventID string) error {
	var e models.Event
	if err := tx.First(&e, "id = ?", eventID).Error; err != nil {
		return notFound(err, models.ErrEventNotFound)
	}
	switch {
	case e.QuotedAmount == nil:
		return models.ErrQuoteMissing
	case e.PaymentStatus == models.PaymentCompleted:
		return models.ErrPaymentLocked
	default:
		return models.ErrInvalidTransition
	}
}

func (s *EventStore) FindAttempt(ctx context.Context, correlationID string) (*models.PaymentAttempt, error) {
	var a models.PaymentAttempt
	if err := s.db.WithContext(ctx).First(&a, "correlation_id = ?", correlationID).Error; err != nil {
		return nil, notFound(err, models.ErrCorrelationNotFound)
	}
	return &a, nil
}

// Settle applies a terminal transition. The guard (same active correlation,
// status allowed to enter the target) is evaluated by the UPDATE itself, so
// concurrent deliveries of the same result apply at most once.
func (s *EventStore) Settle(ctx context.Context, st models.Settlement) (models.SettleResult, error) {
	target := st.Target()

	updates := map[string]any{
		"payment_status":      string(target),
		"payment_result_code": st.ResultCode,
		"payment_result_desc": st.ResultDesc,
		"payment_settled_at":  st.SettledAt,
	}
	if st.Success {
		updates["status"] = string(models.WorkflowApproved)
		updates["payment_receipt"] = nullable(st.Receipt)
		updates["payer_phone"] = nullable(st.PayerPhone)
		if st.AmountPaid != nil {
			updates["amount_paid"] = *st.AmountPaid
		}
	}

	attemptStatus := models.AttemptFailed
	if st.Success {
		attemptStatus = models.AttemptCompleted
	}

	var result models.SettleResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Event{}).
			Where("id = ? AND payment_request_id = ? AND payment_status IN ?",
				st.EventID, st.CorrelationID, models.SourceStrings(target)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}

		var e models.Event
		if res.RowsAffected == 0 {
			if err := tx.First(&e, "id = ?", st.EventID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					result = models.SettleResult{Outcome: models.SettleNotFound}
					return nil
				}
				return err
			}
			outcome := models.SettleStale
			if e.ActiveCorrelation() == st.CorrelationID && e.PaymentStatus.IsTerminal() {
				outcome = models.SettleDuplicate
			}
			result = models.SettleResult{Outcome: outcome, Event: &e}
			return nil
		}

		if err := tx.Model(&models.PaymentAttempt{}).
			Where("correlation_id = ?", st.CorrelationID).
			Updates(map[string]any{
				"status":      string(attemptStatus),
				"result_code": st.ResultCode,
				"result_desc": st.ResultDesc,
				"settled_at":  st.SettledAt,
			}).Error; err != nil {
			return err
		}

		if err := tx.First(&e, "id = ?", st.EventID).Error; err != nil {
			return err
		}
		result = models.SettleResult{Outcome: models.SettleApplied, Event: &e}
		return nil
	})
	if err != nil {
		return models.SettleResult{}, err
	}
	return result, nil
}

// AdoptCorrelation renames the event's active attempt from fromID to the
// provider's toID and puts the event back in Processing. It only applies
// while fromID is still the active correlation and the event is Processing,
// or Failed because that attempt was given up on. ErrCorrelationNotFound
// means nothing matched.
func (s *EventStore) AdoptCorrelation(ctx context.Context, eventID, fromID, toID, merchantRequestID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Event{}).
			Where("id = ? AND payment_request_id = ? AND payment_status IN ?",
				eventID, fromID, []string{string(models.PaymentProcessing), string(models.PaymentFailed)}).
			Updates(map[string]any{
				"payment_status":      string(models.PaymentProcessing),
				"payment_request_id":  toID,
				"payment_result_code": nil,
				"payment_result_desc": nil,
				"payment_settled_at":  nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrCorrelationNotFound
		}

		err := tx.Model(&models.PaymentAttempt{}).
			Where("event_id = ? AND correlation_id = ?", eventID, fromID).
			Updates(map[string]any{
				"correlation_id":      toID,
				"merchant_request_id": merchantRequestID,
				"unconfirmed":         false,
				"status":              string(models.AttemptPending),
				"result_code":         nil,
				"result_desc":         nil,
				"settled_at":          nil,
			}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.ErrDuplicateCorrelation
		}
		return err
	})
}

// AttachReceipt fills in the payer details of a payment that was completed
// without them, as happens when a status query settled it before the
// callback arrived. ErrCorrelationNotFound means nothing was missing or the
// correlation is not the completed one.
func (s *EventStore) AttachReceipt(ctx context.Context, st models.Settlement) (*models.Event, error) {
	updates := map[string]any{"payment_receipt": st.Receipt}
	if st.PayerPhone != "" {
		updates["payer_phone"] = st.PayerPhone
	}
	if st.AmountPaid != nil {
		updates["amount_paid"] = *st.AmountPaid
	}

	var out models.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Event{}).
			Where("id = ? AND payment_request_id = ? AND payment_status = ? AND payment_receipt IS NULL",
				st.EventID, st.CorrelationID, string(models.PaymentCompleted)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrCorrelationNotFound
		}
		return tx.First(&out, "id = ?", st.EventID).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProcessing returns events still waiting on a provider result whose
// attempt started before the given time, oldest first.
func (s *EventStore) ListProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]models.Event, error) {
	var events []models.Event
	err := s.db.WithContext(ctx).
		Where("payment_status = ? AND payment_started_at < ?", string(models.PaymentProcessing), startedBefore).
		Order("payment_started_at asc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
