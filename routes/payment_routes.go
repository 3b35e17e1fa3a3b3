package routes

import (
	websocketcontrib "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/ruby14-bit/LIZ-EVENTS/handlers"
	"github.com/ruby14-bit/LIZ-EVENTS/middleware"
)

func PaymentRoutes(app *fiber.App, h *handlers.PaymentHandler, jwtSecret string) {
	api := app.Group("/api/v1")

	// The provider cannot authenticate; trust comes from network configuration.
	api.Post("/payments/callback", h.Callback)
	api.Post("/payments/stkpush", middleware.Protected(jwtSecret), h.InitiateStkPush)

	api.Get("/events/:eventId/payment", middleware.Protected(jwtSecret), h.GetPaymentStatus)

	api.Use("/events/:eventId/payment/ws", func(c *fiber.Ctx) error {
		if !websocketcontrib.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	api.Get("/events/:eventId/payment/ws", websocketcontrib.New(h.StreamPaymentStatus))
}
