// Package ws serves the realtime channel: session observers receive the
// event stream and may send commands and approval decisions.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/eventbus"
	"github.com/xiaot623/agentpay/internal/logging"
	"github.com/xiaot623/agentpay/internal/metrics"
)

// Service is what the realtime channel drives.
type Service interface {
	Execute(ctx context.Context, req domain.ExecuteRequest) (*domain.ExecuteResponse, error)
	Decide(ctx context.Context, requestID string, action domain.DecisionAction, req domain.DecisionRequest) (*domain.ApprovalRequest, error)
	Cancel(ctx context.Context, executionID string) error
	Subscribe(sessionID string) *eventbus.Subscription
	PublicError(err error, sessionID, executionID string) *domain.ErrorPayload
}

// Config holds connection settings.
type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
}

// Server handles WebSocket connections.
type Server struct {
	cfg      Config
	hub      *Hub
	svc      Service
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewServer creates a new WebSocket server.
func NewServer(cfg Config, h *Hub, svc Service, logger *zap.Logger, m *metrics.Metrics) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 << 10
	}
	s := &Server{
		cfg:     cfg,
		hub:     h,
		svc:     svc,
		logger:  logging.OrNop(logger),
		metrics: m,
		now:     time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}

// RegisterRoutes mounts the realtime endpoint.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/ws", s.HandleWebSocket)
}

// HandleWebSocket upgrades the request and attaches the connection to the
// session named by the session_id query parameter, or to a new session.
func (s *Server) HandleWebSocket(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	conn := s.hub.NewConnection(ws, sessionID)
	s.hub.Register(conn)
	s.metrics.ConnectionOpened()
	s.logger.Info("observer connected", zap.String("session_id", sessionID), zap.String("connection_id", conn.ID))

	sub := s.svc.Subscribe(sessionID)
	s.sendEvent(conn, domain.EventTypeConnected, "", domain.ConnectedPayload{SessionID: sessionID, ConnectionID: conn.ID})

	go s.forward(conn, sub)
	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

func (s *Server) unregister(conn *Connection) {
	if s.hub.Unregister(conn) {
		s.metrics.ConnectionClosed()
		s.logger.Info("observer disconnected", zap.String("session_id", conn.SessionID), zap.String("connection_id", conn.ID))
	}
}

// forward relays the session's events to the connection.
func (s *Server) forward(conn *Connection, sub *eventbus.Subscription) {
	defer sub.Close()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to encode event", zap.Error(err))
				continue
			}
			if err := conn.Deliver(data); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *Connection) {
	defer s.unregister(conn)

	_ = conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.unregister(conn)
		_ = conn.Conn.Close()
	}()

	for {
		select {
		case message := <-conn.Send:
			_ = conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("websocket write failed", zap.String("connection_id", conn.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.Done():
			_ = conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage dispatches an inbound message. Every rejected message is
// answered with exactly one error event and the connection stays open.
func (s *Server) handleMessage(conn *Connection, data []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", apperr.New(apperr.CodeValidation, "invalid JSON message"))
		return
	}

	ctx := logging.WithCorrelationID(context.Background(), conn.ID)
	switch msg.Type {
	case TypeExecute:
		s.handleExecute(ctx, conn, msg.Data)
	case TypeApprove:
		s.handleDecision(ctx, conn, domain.DecisionApprove, msg.Data)
	case TypeReject:
		s.handleDecision(ctx, conn, domain.DecisionReject, msg.Data)
	case TypeEdit:
		s.handleDecision(ctx, conn, domain.DecisionEdit, msg.Data)
	case TypeCancel:
		s.handleCancel(ctx, conn, msg.Data)
	default:
		s.sendError(conn, "", apperr.Newf(apperr.CodeValidation, "unknown message type: %q", msg.Type))
	}
}

// handleExecute starts a command in the connection's session. Progress
// arrives through the event stream.
func (s *Server) handleExecute(ctx context.Context, conn *Connection, data json.RawMessage) {
	var req domain.ExecuteRequest
	if err := decode(data, &req); err != nil {
		s.sendError(conn, "", err)
		return
	}
	req.SessionID = conn.SessionID
	req.Async = true
	if _, err := s.svc.Execute(ctx, req); err != nil {
		s.sendError(conn, "", err)
	}
}

func (s *Server) handleDecision(ctx context.Context, conn *Connection, action domain.DecisionAction, data json.RawMessage) {
	var req domain.DecisionRequest
	if err := decode(data, &req); err != nil {
		s.sendError(conn, "", err)
		return
	}
	if req.DecidedBy == "" {
		req.DecidedBy = "ws:" + conn.ID
	}
	if _, err := s.svc.Decide(ctx, req.RequestID, action, req); err != nil {
		s.sendError(conn, "", err)
	}
}

func (s *Server) handleCancel(ctx context.Context, conn *Connection, data json.RawMessage) {
	var req domain.CancelRequest
	if err := decode(data, &req); err != nil {
		s.sendError(conn, "", err)
		return
	}
	if req.ExecutionID == "" {
		s.sendError(conn, "", apperr.New(apperr.CodeValidation, "execution_id is required"))
		return
	}
	if err := s.svc.Cancel(ctx, req.ExecutionID); err != nil {
		s.sendError(conn, req.ExecutionID, err)
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return apperr.New(apperr.CodeValidation, "data is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Wrap(err, apperr.CodeValidation, "invalid message data")
	}
	return nil
}

func (s *Server) sendError(conn *Connection, executionID string, err error) {
	s.sendEvent(conn, domain.EventTypeError, executionID, s.svc.PublicError(err, conn.SessionID, executionID))
}

// sendEvent delivers a connection-local event that is not part of the
// session's sequenced stream.
func (s *Server) sendEvent(conn *Connection, eventType domain.EventType, executionID string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode event", zap.String("type", string(eventType)), zap.Error(err))
		return
	}
	msg, err := json.Marshal(domain.Event{
		Type:        eventType,
		Data:        data,
		Timestamp:   s.now().UnixMilli(),
		SessionID:   conn.SessionID,
		ExecutionID: executionID,
	})
	if err != nil {
		return
	}
	if err := conn.Deliver(msg); err != nil {
		s.logger.Debug("connection closed before event was sent", zap.String("connection_id", conn.ID), zap.Error(err))
	}
}
