package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/ruby14-bit/LIZ-EVENTS/handlers"
	"github.com/ruby14-bit/LIZ-EVENTS/middleware"
)

func AdminRoutes(app *fiber.App, h *handlers.AdminHandler, jwtSecret string) {
	api := app.Group("/api/v1")

	admin := api.Group("/admin", middleware.Protected(jwtSecret), middleware.AdminRequired())

	payments := admin.Group("/payments")
	payments.Get("/processing", h.ListInProgressPayments)
	payments.Post("/sweep", h.TriggerSweep)
}
