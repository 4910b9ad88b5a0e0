package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// ListSessionLogs pages through a session's execution logs.
func (h *Handler) ListSessionLogs(c echo.Context) error {
	sessionID := c.Param("session_id")
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return h.badRequest(c, "offset must be an integer")
	}
	limit, err := intParam(c, "limit", 20)
	if err != nil {
		return h.badRequest(c, "limit must be an integer")
	}

	resp, err := h.service.ListLogs(c.Request().Context(), sessionID, offset, limit)
	if err != nil {
		return h.writeError(c, err, sessionID, "")
	}
	return c.JSON(http.StatusOK, resp)
}

// TerminateSession soft-terminates a session.
func (h *Handler) TerminateSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	if err := h.service.TerminateSession(c.Request().Context(), sessionID); err != nil {
		return h.writeError(c, err, sessionID, "")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "session_id": sessionID})
}

// ListTools describes the available tools.
func (h *Handler) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"tools": h.service.ListTools()})
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
