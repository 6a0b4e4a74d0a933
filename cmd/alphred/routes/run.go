// Package routes wires the HTTP surface to its handlers.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/alphred/alphred/cmd/alphred/handlers"
)

// RegisterRunRoutes registers run lifecycle and control routes
func RegisterRunRoutes(e *echo.Echo, h *handlers.RunHandler) {
	runs := e.Group("/api/v1/runs")
	{
		runs.POST("", h.CreateRun)            // POST /api/v1/runs
		runs.GET("/:id", h.GetRun)            // GET /api/v1/runs/{run_id}
		runs.POST("/:id/step", h.Step)        // POST /api/v1/runs/{run_id}/step[?node=key]
		runs.POST("/:id/execute", h.Execute)  // POST /api/v1/runs/{run_id}/execute
		runs.POST("/:id/cancel", h.Cancel)    // POST /api/v1/runs/{run_id}/cancel
		runs.POST("/:id/pause", h.Pause)      // POST /api/v1/runs/{run_id}/pause
		runs.POST("/:id/resume", h.Resume)    // POST /api/v1/runs/{run_id}/resume
		runs.POST("/:id/retry", h.Retry)      // POST /api/v1/runs/{run_id}/retry
	}
}
