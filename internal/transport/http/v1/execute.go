package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentpay/internal/domain"
)

// Execute runs a command. Synchronous requests answer 200 with the final
// outcome, or 202 when the execution stops to wait for an approval. Async
// requests answer 202 once the execution has started.
func (h *Handler) Execute(c echo.Context) error {
	var req domain.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, "invalid request body")
	}
	if req.Command == "" {
		return h.badRequest(c, "command is required")
	}

	resp, err := h.service.Execute(c.Request().Context(), req)
	if err != nil {
		return h.writeError(c, err, req.SessionID, "")
	}
	if resp.Status == domain.ExecutionStatusRunning {
		return c.JSON(http.StatusAccepted, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetExecution returns an execution log with its tool calls.
func (h *Handler) GetExecution(c echo.Context) error {
	id := c.Param("execution_id")
	log, err := h.service.GetExecution(c.Request().Context(), id)
	if err != nil {
		return h.writeError(c, err, "", id)
	}
	return c.JSON(http.StatusOK, log)
}

// CancelExecution cancels a running execution.
func (h *Handler) CancelExecution(c echo.Context) error {
	id := c.Param("execution_id")
	if err := h.service.Cancel(c.Request().Context(), id); err != nil {
		return h.writeError(c, err, "", id)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"ok": true, "execution_id": id})
}
