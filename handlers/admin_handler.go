package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/ruby14-bit/LIZ-EVENTS/jobs"
	"github.com/ruby14-bit/LIZ-EVENTS/middleware"
	"github.com/ruby14-bit/LIZ-EVENTS/services"
	"go.uber.org/zap"
)

// Sweeper runs one reconciliation pass on demand.
type Sweeper interface {
	Run(ctx context.Context) (jobs.SweepStats, error)
}

type AdminHandler struct {
	status  *services.StatusService
	sweeper Sweeper
	logger  *zap.Logger
}

func NewAdminHandler(status *services.StatusService, sweeper Sweeper, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{status: status, sweeper: sweeper, logger: logger}
}

// ListInProgressPayments answers GET /admin/payments/processing?older_than=5m&limit=50.
func (h *AdminHandler) ListInProgressPayments(c *fiber.Ctx) error {
	viewer, ok := middleware.Viewer(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token claims"})
	}

	olderThan := time.Duration(0)
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "older_than must be a duration such as 5m"})
		}
		olderThan = d
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be between 1 and 500"})
	}

	views, err := h.status.InProgress(c.UserContext(), viewer, olderThan, limit)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"payments": views, "count": len(views)})
}

// TriggerSweep runs the reconciliation sweep immediately instead of waiting
// for the next scheduled run.
func (h *AdminHandler) TriggerSweep(c *fiber.Ctx) error {
	stats, err := h.sweeper.Run(c.UserContext())
	if errors.Is(err, jobs.ErrSweepRunning) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "A sweep is already running. Try again shortly."})
	}
	if err != nil {
		h.logger.Error("manual payment sweep failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Sweep failed"})
	}
	return c.JSON(fiber.Map{
		"checked":  stats.Checked,
		"settled":  stats.Settled,
		"expired":  stats.Expired,
		"pending":  stats.Pending,
		"failures": stats.Failures,
	})
}
