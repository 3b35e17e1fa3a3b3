package models

import (
	"time"
)

type WorkflowStatus string

const (
	WorkflowNewInquiry WorkflowStatus = "New Inquiry"
	WorkflowQuoted     WorkflowStatus = "Quoted"
	WorkflowApproved   WorkflowStatus = "Approved"
	WorkflowDeclined   WorkflowStatus = "Declined"
)

func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowNewInquiry, WorkflowQuoted, WorkflowApproved, WorkflowDeclined:
		return true
	}
	return false
}

// Event is a bookable event. Fields prefixed Payment, together with
// AmountPaid and PayerPhone, are owned by the payment core; the portal only
// writes the descriptive fields, the quote and the workflow status.
type Event struct {
	ID           string         `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	Name         string         `gorm:"size:255;not null" bson:"name" json:"name"`
	EventDate    time.Time      `gorm:"not null" bson:"event_date" json:"event_date"`
	GuestCount   int            `gorm:"not null" bson:"guest_count" json:"guest_count"`
	ClientID     string         `gorm:"size:128;not null;index" bson:"client_id" json:"client_id"`
	QuotedAmount *int64         `bson:"quoted_amount,omitempty" json:"quoted_amount"`
	Status       WorkflowStatus `gorm:"size:32;not null" bson:"status" json:"status"`

	PaymentStatus     PaymentStatus `gorm:"size:20;not null;index" bson:"payment_status" json:"payment_status"`
	PaymentRequestID  *string       `gorm:"size:128;index" bson:"payment_request_id,omitempty" json:"-"`
	PaymentAmount     *int64        `bson:"payment_amount,omitempty" json:"payment_amount"`
	PaymentPhone      *string       `gorm:"size:20" bson:"payment_phone,omitempty" json:"-"`
	PaymentStartedAt  *time.Time    `bson:"payment_started_at,omitempty" json:"payment_started_at"`
	PaymentReceipt    *string       `gorm:"size:64" bson:"payment_receipt,omitempty" json:"payment_receipt"`
	AmountPaid        *int64        `bson:"amount_paid,omitempty" json:"amount_paid"`
	PayerPhone        *string       `gorm:"size:20" bson:"payer_phone,omitempty" json:"payer_phone"`
	PaymentResultCode *string       `gorm:"size:16" bson:"payment_result_code,omitempty" json:"-"`
	PaymentResultDesc *string       `gorm:"type:text" bson:"payment_result_desc,omitempty" json:"-"`
	PaymentSettledAt  *time.Time    `bson:"payment_settled_at,omitempty" json:"payment_settled_at"`

	Attempts []PaymentAttempt `gorm:"foreignKey:EventID" bson:"payment_attempts,omitempty" json:"-"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// ActiveCorrelation returns the correlation id of the attempt the event is
// currently waiting on, or "" when there is none.
func (e *Event) ActiveCorrelation() string {
	if e.PaymentRequestID == nil {
		return ""
	}
	return *e.PaymentRequestID
}

// PaymentView is the read-only projection the paying party observes.
type PaymentView struct {
	EventID       string         `json:"event_id"`
	Status        WorkflowStatus `json:"status"`
	PaymentStatus PaymentStatus  `json:"payment_status"`
	QuotedAmount  *int64         `json:"quoted_amount,omitempty"`
	PaymentAmount *int64         `json:"payment_amount,omitempty"`
	AmountPaid    *int64         `json:"amount_paid,omitempty"`
	Receipt       *string        `json:"receipt,omitempty"`
	PayerPhone    *string        `json:"payer_phone,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	SettledAt     *time.Time     `json:"settled_at,omitempty"`
	ResultDesc    *string        `json:"result_desc,omitempty"`
	ClientID      string         `json:"-"`
}

func (e *Event) PaymentView() PaymentView {
	return PaymentView{
		EventID:       e.ID,
		Status:        e.Status,
		PaymentStatus: e.PaymentStatus,
		QuotedAmount:  e.QuotedAmount,
		PaymentAmount: e.PaymentAmount,
		AmountPaid:    e.AmountPaid,
		Receipt:       e.PaymentReceipt,
		PayerPhone:    e.PayerPhone,
		StartedAt:     e.PaymentStartedAt,
		SettledAt:     e.PaymentSettledAt,
		ResultDesc:    e.PaymentResultDesc,
		ClientID:      e.ClientID,
	}
}

// EventDetailsUpdate carries the portal-owned fields. Nil fields are left
// untouched.
type EventDetailsUpdate struct {
	Name         *string
	EventDate    *time.Time
	GuestCount   *int
	QuotedAmount *int64
	Status       *WorkflowStatus
}

func (u EventDetailsUpdate) Empty() bool {
	return u.Name == nil && u.EventDate == nil && u.GuestCount == nil && u.QuotedAmount == nil && u.Status == nil
}
