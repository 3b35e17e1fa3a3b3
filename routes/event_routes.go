package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/ruby14-bit/LIZ-EVENTS/handlers"
	"github.com/ruby14-bit/LIZ-EVENTS/middleware"
)

// EventRoutes protects each route on its own: a group-level middleware would
// also cover the payment websocket below /events, which authenticates in-band.
func EventRoutes(app *fiber.App, h *handlers.EventHandler, jwtSecret string) {
	events := app.Group("/api/v1/events")
	protected := middleware.Protected(jwtSecret)

	events.Post("", protected, h.CreateEvent)
	events.Get("/:eventId", protected, h.GetEvent)
	events.Patch("/:eventId", protected, h.UpdateEvent)
}
