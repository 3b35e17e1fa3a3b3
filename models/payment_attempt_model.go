package models

import "time"

type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptSuperseded AttemptStatus = "superseded"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
)

// PaymentAttempt is the correlation record of one STK push: it maps the
// provider-issued CheckoutRequestID to the event it was raised for.
type PaymentAttempt struct {
	ID                string        `gorm:"primaryKey;size:36" bson:"id" json:"id"`
	EventID           string        `gorm:"size:36;not null;index" bson:"-" json:"event_id"`
	CorrelationID     string        `gorm:"size:128;not null;uniqueIndex" bson:"correlation_id" json:"correlation_id"`
	MerchantRequestID string        `gorm:"size:128" bson:"merchant_request_id,omitempty" json:"merchant_request_id,omitempty"`
	Amount            int64         `gorm:"not null" bson:"amount" json:"amount"`
	Phone             string        `gorm:"size:20;not null" bson:"phone" json:"phone"`
	Status            AttemptStatus `gorm:"size:20;not null" bson:"status" json:"status"`
	Unconfirmed       bool          `gorm:"not null;default:false" bson:"unconfirmed" json:"unconfirmed"`
	ResultCode        *string       `gorm:"size:16" bson:"result_code,omitempty" json:"result_code,omitempty"`
	ResultDesc        *string       `gorm:"type:text" bson:"result_desc,omitempty" json:"result_desc,omitempty"`
	InitiatedAt       time.Time     `gorm:"not null" bson:"initiated_at" json:"initiated_at"`
	SettledAt         *time.Time    `bson:"settled_at,omitempty" json:"settled_at,omitempty"`
}

// PendingPayment is what the ledger needs to move an event into Processing.
type PendingPayment struct {
	EventID           string
	CorrelationID     string
	MerchantRequestID string
	Amount            int64
	Phone             string
	Unconfirmed       bool
	InitiatedAt       time.Time
}

// Settlement is a terminal transition requested by a provider result.
type Settlement struct {
	EventID       string
	CorrelationID string
	Success       bool
	ResultCode    string
	ResultDesc    string
	Receipt       string
	AmountPaid    *int64
	PayerPhone    string
	SettledAt     time.Time
}

func (s Settlement) Target() PaymentStatus {
	if s.Success {
		return PaymentCompleted
	}
	return PaymentFailed
}

type SettleOutcome string

const (
	SettleApplied   SettleOutcome = "applied"
	SettleDuplicate SettleOutcome = "duplicate"
	SettleStale     SettleOutcome = "stale"
	SettleNotFound  SettleOutcome = "not_found"
)

type SettleResult struct {
	Outcome SettleOutcome
	Event   *Event
}
