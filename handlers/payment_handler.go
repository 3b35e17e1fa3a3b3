package handlers

import (
	"context"
	"errors"
	"time"

	websocketcontrib "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/ruby14-bit/LIZ-EVENTS/middleware"
	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"github.com/ruby14-bit/LIZ-EVENTS/payments"
	"github.com/ruby14-bit/LIZ-EVENTS/services"
	"github.com/ruby14-bit/LIZ-EVENTS/websocket"
	"go.uber.org/zap"
)

const wsAuthTimeout = 10 * time.Second

type PaymentHandler struct {
	payments   *services.PaymentService
	reconciler *services.Reconciler
	status     *services.StatusService
	hub        *websocket.Hub
	jwtSecret  string
	logger     *zap.Logger
}

func NewPaymentHandler(p *services.PaymentService, r *services.Reconciler, s *services.StatusService, hub *websocket.Hub, jwtSecret string, logger *zap.Logger) *PaymentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{payments: p, reconciler: r, status: s, hub: hub, jwtSecret: jwtSecret, logger: logger}
}

type StkPushRequest struct {
	EventID     string `json:"event_id" validate:"required"`
	PhoneNumber string `json:"phone_number" validate:"required"`
	Amount      int64  `json:"amount" validate:"gte=0"`
}

func (h *PaymentHandler) InitiateStkPush(c *fiber.Ctx) error {
	viewer, ok := middleware.Viewer(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token claims"})
	}

	var req StkPushRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	res, err := h.payments.Initiate(c.UserContext(), services.InitiateRequest{
		EventID: req.EventID,
		Phone:   req.PhoneNumber,
		Amount:  req.Amount,
		Viewer:  viewer,
	})
	if errors.Is(err, services.ErrInitiationUnconfirmed) {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"message": "We could not confirm the payment request with M-Pesa. If a prompt appears on your phone, complete it; otherwise try again in a few minutes.",
		})
	}
	if err != nil {
		if !errors.Is(err, services.ErrForbidden) {
			h.logger.Warn("STK push initiation failed", zap.String("event_id", req.EventID), zap.Error(err))
		}
		return respondError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{
		"message": "Payment request sent. Check your phone and enter your M-Pesa PIN to complete the payment.",
		"amount":  res.Amount,
	})
}

// Callback receives M-Pesa STK results. It always acknowledges, whatever
// happened internally, so the provider stops redelivering.
func (h *PaymentHandler) Callback(c *fiber.Ctx) error {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic while handling STK callback", zap.Bool("critical", true), zap.Any("panic", r))
			_ = c.Status(fiber.StatusOK).JSON(callbackAck)
		}
	}()

	body := append([]byte(nil), c.Body()...)
	outcome := h.reconciler.Handle(c.UserContext(), c.Query(payments.CallbackEventParam), body)
	h.logger.Debug("STK callback handled", zap.String("outcome", string(outcome)))
	return c.Status(fiber.StatusOK).JSON(callbackAck)
}

var callbackAck = fiber.Map{"ResultCode": 0, "ResultDesc": "Accepted"}

func (h *PaymentHandler) GetPaymentStatus(c *fiber.Ctx) error {
	viewer, ok := middleware.Viewer(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token claims"})
	}
	view, err := h.status.PaymentStatus(c.UserContext(), c.Params("eventId"), viewer)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(view)
}

type wsAuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type wsFrame struct {
	Type    string              `json:"type"`
	Payment *models.PaymentView `json:"payment,omitempty"`
	Message string              `json:"message,omitempty"`
}

// StreamPaymentStatus pushes the payment view of one event over a websocket.
// The first client frame must carry the JWT; browsers cannot set headers on
// the upgrade request.
func (h *PaymentHandler) StreamPaymentStatus(c *websocketcontrib.Conn) {
	eventID := c.Params("eventId")

	_ = c.SetReadDeadline(time.Now().Add(wsAuthTimeout))
	var auth wsAuthFrame
	if err := c.ReadJSON(&auth); err != nil || auth.Type != "auth" {
		_ = c.WriteJSON(wsFrame{Type: "error", Message: "first frame must be an auth frame"})
		return
	}
	viewer, err := middleware.ParseToken(h.jwtSecret, auth.Token)
	if err != nil {
		_ = c.WriteJSON(wsFrame{Type: "error", Message: "Invalid or expired JWT"})
		return
	}

	// Subscribe before reading the current view so no change is missed.
	sub := h.hub.Subscribe(eventID)
	if sub == nil {
		return
	}
	defer h.hub.Unsubscribe(sub)

	view, err := h.status.PaymentStatus(context.Background(), eventID, viewer)
	if err != nil {
		_, msg := classify(err)
		_ = c.WriteJSON(wsFrame{Type: "error", Message: msg})
		return
	}
	if err := c.WriteJSON(wsFrame{Type: "payment", Payment: &view}); err != nil {
		return
	}

	_ = c.SetReadDeadline(time.Time{})
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				if !websocketcontrib.IsCloseError(err, websocketcontrib.CloseNormalClosure, websocketcontrib.CloseGoingAway) {
					h.logger.Debug("payment stream read ended", zap.String("event_id", eventID), zap.Error(err))
				}
				h.hub.Unsubscribe(sub)
				return
			}
		}
	}()

	for v := range sub.Updates() {
		if err := c.WriteJSON(wsFrame{Type: "payment", Payment: &v}); err != nil {
			return
		}
	}
}
