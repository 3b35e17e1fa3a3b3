package services

import (
	"context"
	"time"

	"github.com/ruby14-bit/LIZ-EVENTS/models"
)

// StatusService is the read side the paying party polls. It never writes.
type StatusService struct {
	store EventStore
}

func NewStatusService(store EventStore) *StatusService {
	return &StatusService{store: store}
}

func (s *StatusService) PaymentStatus(ctx context.Context, eventID string, viewer Viewer) (models.PaymentView, error) {
	e, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return models.PaymentView{}, err
	}
	if !viewer.CanSee(e) {
		return models.PaymentView{}, ErrForbidden
	}
	return e.PaymentView(), nil
}

// InProgress lists payments that have been in Processing for at least
// olderThan, oldest first. Owner only.
func (s *StatusService) InProgress(ctx context.Context, viewer Viewer, olderThan time.Duration, limit int) ([]models.PaymentView, error) {
	if !viewer.IsAdmin() {
		return nil, ErrForbidden
	}
	events, err := s.store.ListProcessing(ctx, time.Now().UTC().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	views := make([]models.PaymentView, 0, len(events))
	for i := range events {
		views = append(views, events[i].PaymentView())
	}
	return views, nil
}
