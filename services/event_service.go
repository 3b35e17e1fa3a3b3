package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"go.uber.org/zap"
)

type CreateInquiryInput struct {
	Name       string
	EventDate  time.Time
	GuestCount int
}

// EventService owns the portal side of an event: the inquiry, its details,
// the quote and the workflow status. Payment fields are never written here.
type EventService struct {
	store  EventStore
	logger *zap.Logger
}

func NewEventService(store EventStore, logger *zap.Logger) *EventService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventService{store: store, logger: logger}
}

func (s *EventService) CreateInquiry(ctx context.Context, viewer Viewer, in CreateInquiryInput) (*models.Event, error) {
	if viewer.UserID == "" {
		return nil, ErrForbidden
	}
	name := strings.TrimSpace(in.Name)
	if name == "" || in.GuestCount <= 0 || in.EventDate.IsZero() {
		return nil, fmt.Errorf("%w: name, event date and a positive guest count are required", ErrInvalidInput)
	}

	e := &models.Event{
		Name:       name,
		EventDate:  in.EventDate.UTC(),
		GuestCount: in.GuestCount,
		ClientID:   viewer.UserID,
	}
	if err := s.store.CreateEvent(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("event inquiry created", zap.String("event_id", e.ID), zap.String("client_id", e.ClientID))
	return e, nil
}

func (s *EventService) Get(ctx context.Context, viewer Viewer, id string) (*models.Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !viewer.CanSee(e) {
		return nil, ErrForbidden
	}
	return e, nil
}

// UpdateDetails applies portal edits. The client may change the descriptive
// fields of their own inquiry; only an admin may quote or move the workflow
// status. The store refuses quote changes once a payment is in flight or
// done.
func (s *EventService) UpdateDetails(ctx context.Context, viewer Viewer, id string, upd models.EventDetailsUpdate) (*models.Event, error) {
	if upd.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
	}
	if upd.GuestCount != nil && *upd.GuestCount <= 0 {
		return nil, fmt.Errorf("%w: guest count must be positive", ErrInvalidInput)
	}
	if upd.QuotedAmount != nil && *upd.QuotedAmount <= 0 {
		return nil, fmt.Errorf("%w: quoted amount must be a positive integer", ErrInvalidInput)
	}
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown workflow status %q", ErrInvalidInput, *upd.Status)
	}

	current, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !viewer.CanSee(current) {
		return nil, ErrForbidden
	}
	if (upd.QuotedAmount != nil || upd.Status != nil) && !viewer.IsAdmin() {
		return nil, ErrForbidden
	}

	out, err := s.store.UpdateDetails(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	if upd.QuotedAmount != nil {
		s.logger.Info("event quoted", zap.String("event_id", id), zap.Int64("quoted_amount", *upd.QuotedAmount))
	}
	return out, nil
}
