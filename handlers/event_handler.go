package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/ruby14-bit/LIZ-EVENTS/middleware"
	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"github.com/ruby14-bit/LIZ-EVENTS/services"
	"go.uber.org/zap"
)

type EventHandler struct {
	events *services.EventService
	logger *zap.Logger
}

func NewEventHandler(events *services.EventService, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{events: events, logger: logger}
}

type CreateEventRequest struct {
	Name       string    `json:"name" validate:"required,min=2,max=255"`
	EventDate  time.Time `json:"event_date" validate:"required"`
	GuestCount int       `json:"guest_count" validate:"required,gt=0"`
}

// UpdateEventRequest only names portal-owned fields; payment fields in the
// body are ignored.
type UpdateEventRequest struct {
	Name         *string    `json:"name" validate:"omitempty,min=2,max=255"`
	EventDate    *time.Time `json:"event_date"`
	GuestCount   *int       `json:"guest_count" validate:"omitempty,gt=0"`
	QuotedAmount *int64     `json:"quoted_amount" validate:"omitempty,gt=0"`
	Status       *string    `json:"status"`
}

func (h *EventHandler) CreateEvent(c *fiber.Ctx) error {
	viewer, ok := middleware.Viewer(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token claims"})
	}

	var req CreateEventRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	e, err := h.events.CreateInquiry(c.UserContext(), viewer, services.CreateInquiryInput{
		Name:       req.Name,
		EventDate:  req.EventDate,
		GuestCount: req.GuestCount,
	})
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(e)
}

func (h *EventHandler) GetEvent(c *fiber.Ctx) error {
	viewer, ok := middleware.Viewer(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token claims"})
	}
	e, err := h.events.Get(c.UserContext(), viewer, c.Params("eventId"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(e)
}

func (h *EventHandler) UpdateEvent(c *fiber.Ctx) error {
	viewer, ok := middleware.Viewer(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token claims"})
	}

	var req UpdateEventRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	upd := models.EventDetailsUpdate{
		Name:         req.Name,
		EventDate:    req.EventDate,
		GuestCount:   req.GuestCount,
		QuotedAmount: req.QuotedAmount,
	}
	if req.Status != nil {
		s := models.WorkflowStatus(*req.Status)
		upd.Status = &s
	}

	e, err := h.events.UpdateDetails(c.UserContext(), viewer, c.Params("eventId"), upd)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(e)
}
