// Package v1 provides the REST handlers of the orchestrator.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/execute", h.Execute)

	e.GET("/v1/approvals/pending", h.ListPendingApprovals)
	e.POST("/v1/approvals/:request_id/approve", h.Approve)
	e.POST("/v1/approvals/:request_id/reject", h.Reject)
	e.POST("/v1/approvals/:request_id/edit", h.Edit)

	e.GET("/v1/executions/:execution_id", h.GetExecution)
	e.POST("/v1/executions/:execution_id/cancel", h.CancelExecution)

	e.GET("/v1/sessions/:session_id/logs", h.ListSessionLogs)
	e.POST("/v1/sessions/:session_id/terminate", h.TerminateSession)

	e.GET("/v1/tools", h.ListTools)
	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// writeError renders err with the status its code maps to.
func (h *Handler) writeError(c echo.Context, err error, sessionID, executionID string) error {
	return c.JSON(apperr.HTTPStatus(err), map[string]interface{}{
		"error": h.service.PublicError(err, sessionID, executionID),
	})
}

func (h *Handler) badRequest(c echo.Context, msg string) error {
	return h.writeError(c, apperr.New(apperr.CodeValidation, msg), "", "")
}
