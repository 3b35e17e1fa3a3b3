package services

import (
	"context"
	"time"

	"github.com/ruby14-bit/LIZ-EVENTS/models"
)

// EventStore is the storage contract the payment core depends on. Both the
// gorm and the Mongo stores satisfy it.
type EventStore interface {
	CreateEvent(ctx context.Context, e *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	UpdateDetails(ctx context.Context, id string, upd models.EventDetailsUpdate) (*models.Event, error)

	RecordPending(ctx context.Context, p models.PendingPayment) error
	FindAttempt(ctx context.Context, correlationID string) (*models.PaymentAttempt, error)
	Settle(ctx context.Context, st models.Settlement) (models.SettleResult, error)
	AdoptCorrelation(ctx context.Context, eventID, fromID, toID, merchantRequestID string) error
	AttachReceipt(ctx context.Context, st models.Settlement) (*models.Event, error)
	ListProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]models.Event, error)
}

// Viewer is the authenticated caller as read from the JWT.
type Viewer struct {
	UserID string
	Role   string
}

const RoleAdmin = "admin"

func (v Viewer) IsAdmin() bool {
	return v.Role == RoleAdmin
}

// CanSee reports whether v may read or pay for e: the client who raised the
// inquiry, or an admin.
func (v Viewer) CanSee(e *models.Event) bool {
	return v.IsAdmin() || (v.UserID != "" && v.UserID == e.ClientID)
}
