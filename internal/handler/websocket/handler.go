package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/dto"
	"youplace-realtime/internal/hub"
	"youplace-realtime/internal/metrics"
	"youplace-realtime/internal/service"
)

// DefaultAuthTimeout 未在握手时携带 token 的连接，必须在这段时间内发送 authenticate
const DefaultAuthTimeout = 10 * time.Second

// WebSocketHandler 负责认证、升级连接并把连接交给 Hub
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	hub         *hub.Hub
	auth        *service.Authenticator
	authTimeout time.Duration
}

// NewWebSocketHandler 创建 WebSocketHandler。allowedOrigin 为空或 "*" 时允许所有来源。
func NewWebSocketHandler(h *hub.Hub, auth *service.Authenticator, allowedOrigin string, authTimeout time.Duration) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if auth == nil {
		panic("Authenticator cannot be nil for WebSocketHandler")
	}
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}
	return &WebSocketHandler{upgrader: upgrader, hub: h, auth: auth, authTimeout: authTimeout}
}

// HandleConnection 处理 /ws 升级请求。token 可以放在 Authorization 头、?token= 或第一条 authenticate 消息中。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	logCtx := logrus.WithField("remote_addr", c.ClientIP())

	var user *domain.User
	if token := extractToken(c); token != "" {
		u, err := h.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			reason := rejectReason(err)
			metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
			logCtx.WithError(err).Warn("WS Handler: Authentication failed before upgrade")
			status := http.StatusUnauthorized
			if errors.Is(err, service.ErrInternalServer) {
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		user = u
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写出了 HTTP 错误
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}

	if user == nil {
		user, err = h.handshake(c.Request.Context(), conn)
		if err != nil {
			metrics.ConnectionsRejected.WithLabelValues(rejectReason(err)).Inc()
			logCtx.WithError(err).Warn("WS Handler: Authentication handshake failed")
			closeWithError(conn, err)
			return
		}
	}
	logCtx = logCtx.WithField("user_id", user.ID)

	client := hub.NewClient(h.hub, conn, user)
	if err := h.hub.Register(client); err != nil {
		logCtx.WithError(err).Error("WS Handler: Failed to register client")
		closeWithError(conn, err)
		return
	}
	client.Run()
	logCtx.WithField("conn_id", client.ID()).Info("WS Handler: Client connected")
}

var errAuthTimeout = errors.New("authentication timeout")

// handshake 在 authTimeout 内等待 authenticate 消息
func (h *WebSocketHandler) handshake(ctx context.Context, conn *websocket.Conn) (*domain.User, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, errAuthTimeout
		}
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	var msg dto.IncomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Event != dto.ClientAuthenticate {
		return nil, service.ErrAuthenticationFailed
	}
	var req dto.AuthenticateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, service.ErrAuthenticationFailed
	}
	user, err := h.auth.Authenticate(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(dto.Envelope{
		Event: dto.EventAuthenticated,
		Data:  dto.Authenticated{User: dto.UserInfo{ID: user.ID, Username: user.Username}, Timestamp: time.Now().UnixMilli()},
	})
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return user, nil
}

func extractToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return c.Query("token")
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, errAuthTimeout):
		return "auth_timeout"
	case errors.Is(err, service.ErrAccountInactive):
		return "inactive_account"
	case errors.Is(err, service.ErrAuthenticationFailed):
		return "invalid_token"
	default:
		return "error"
	}
}

// closeWithError 发送 error 事件后关闭连接
func closeWithError(conn *websocket.Conn, err error) {
	payload, _ := json.Marshal(dto.Envelope{Event: dto.EventError, Data: dto.ErrorPayload{Message: err.Error()}})
	deadline := time.Now().Add(time.Second)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), deadline)
	conn.Close()
}
