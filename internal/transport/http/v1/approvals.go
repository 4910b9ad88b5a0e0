package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentpay/internal/domain"
)

// ListPendingApprovals lists pending approval requests, optionally for one
// session.
func (h *Handler) ListPendingApprovals(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	resp, err := h.service.ListPending(c.Request().Context(), sessionID)
	if err != nil {
		return h.writeError(c, err, sessionID, "")
	}
	if resp.Approvals == nil {
		resp.Approvals = []domain.ApprovalRequest{}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Approve(c echo.Context) error {
	return h.decide(c, domain.DecisionApprove)
}

func (h *Handler) Reject(c echo.Context) error {
	return h.decide(c, domain.DecisionReject)
}

func (h *Handler) Edit(c echo.Context) error {
	return h.decide(c, domain.DecisionEdit)
}

func (h *Handler) decide(c echo.Context, action domain.DecisionAction) error {
	var req domain.DecisionRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, "invalid request body")
	}
	id := c.Param("request_id")
	decided, err := h.service.Decide(c.Request().Context(), id, action, req)
	if err != nil {
		return h.writeError(c, err, "", "")
	}
	return c.JSON(http.StatusOK, decided)
}
