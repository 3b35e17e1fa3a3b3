package handlers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"github.com/ruby14-bit/LIZ-EVENTS/payments"
	"github.com/ruby14-bit/LIZ-EVENTS/services"
	"go.uber.org/zap"
)

var validate = validator.New()

// respondError turns a service error into the human-readable response the
// paying party sees. Provider payloads only ever reach the logs.
func respondError(c *fiber.Ctx, logger *zap.Logger, err error) error {
	status, msg := classify(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("method", c.Method()),
			zap.Int("status", status),
			zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func classify(err error) (int, string) {
	var gerr *payments.GatewayError
	if errors.As(err, &gerr) {
		switch gerr.Kind {
		case payments.KindInvalidPhone:
			return fiber.StatusBadRequest, "Invalid M-Pesa phone number. Use the format 07XXXXXXXX."
		case payments.KindInvalidAmount:
			return fiber.StatusBadRequest, "Invalid amount: " + gerr.Message
		case payments.KindProviderRejected:
			return fiber.StatusBadGateway, "M-Pesa declined the payment request. Please check the number and try again."
		case payments.KindTimeout:
			return fiber.StatusGatewayTimeout, "M-Pesa did not respond in time. Please try again."
		default:
			return fiber.StatusBadGateway, "The payment service is temporarily unavailable. Please try again later."
		}
	}

	var perr *services.PersistenceError
	switch {
	case errors.As(err, &perr):
		return fiber.StatusInternalServerError, "We could not save your payment request. Please contact support before retrying."
	case errors.Is(err, services.ErrInvalidInput):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrForbidden):
		return fiber.StatusForbidden, "You do not have access to this event"
	case errors.Is(err, models.ErrEventNotFound):
		return fiber.StatusNotFound, "Event not found"
	case errors.Is(err, models.ErrQuoteMissing):
		return fiber.StatusConflict, "This event has not been quoted yet"
	case errors.Is(err, services.ErrAlreadyPaid):
		return fiber.StatusConflict, "This event has already been paid"
	case errors.Is(err, models.ErrPaymentLocked):
		return fiber.StatusConflict, "The quote cannot change while a payment is in progress or complete"
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrDuplicateCorrelation):
		return fiber.StatusConflict, "A payment cannot be started for this event right now"
	}
	return fiber.StatusInternalServerError, "Something went wrong. Please try again."
}
