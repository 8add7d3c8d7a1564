package hub

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/dto"
	"youplace-realtime/internal/metrics"
)

// Client 代表一个已认证的 WebSocket 连接
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	id      string
	user    *domain.User
	send    chan []byte
	limiter *rate.Limiter
	log     *logrus.Entry

	// 只在 Hub 循环内读写
	viewport *domain.Viewport
}

// NewClient 为已认证用户创建连接，连接 id 随机生成
func NewClient(h *Hub, conn *websocket.Conn, user *domain.User) *Client {
	if h == nil || user == nil {
		panic("hub and user cannot be nil for Client")
	}
	id := uuid.NewString()
	perMinute := h.cfg.ClientEventsPerMinute
	return &Client{
		hub:     h,
		conn:    conn,
		id:      id,
		user:    user,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
		log: logrus.WithFields(logrus.Fields{
			"conn_id": id,
			"user_id": user.ID,
		}),
	}
}

// Run 启动读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// ReadPump 读取客户端控制事件并交给 Hub 串行处理
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		c.log.Info("readPump exited, client unregistered")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.log.Debug("WebSocket connection closed normally or read error")
			}
			return
		}
		c.handleFrame(messageType, message)
	}
}

// handleFrame 先限流再解析，畸形帧同样计入频率
func (c *Client) handleFrame(messageType int, message []byte) {
	if messageType != websocket.TextMessage {
		c.log.Debugf("Received non-text message type: %d", messageType)
		return
	}
	// 超出频率的事件直接拒绝，连接保持
	if !c.limiter.Allow() {
		metrics.ClientEvents.WithLabelValues("any", "rate_limited").Inc()
		c.sendError(ErrRateLimited)
		return
	}

	var msg dto.IncomingMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Event == "" {
		metrics.ClientEvents.WithLabelValues("unknown", "invalid").Inc()
		c.sendError(ErrInvalidPayload)
		return
	}
	c.hub.dispatch(c, msg)
}

// WritePump 把 send 通道中的消息写到连接，并定期发送 Ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("writePump exited")
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Warn("Failed to write message to websocket")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Debug("Failed to send ping message")
				return
			}
		}
	}
}

// emit 编码并放入自己的发送队列
func (c *Client) emit(event string, data interface{}) {
	payload, err := json.Marshal(dto.Envelope{Event: event, Data: data})
	if err != nil {
		c.log.WithError(err).Errorf("Failed to encode %s", event)
		return
	}
	if !c.hub.conns.Send(c.id, payload) {
		metrics.MessagesDropped.WithLabelValues(event).Inc()
	}
}

func (c *Client) sendError(err error) {
	c.emit(dto.EventError, dto.ErrorPayload{Message: err.Error()})
}

// ID 返回连接 id
func (c *Client) ID() string { return c.id }

// User 返回连接上的用户
func (c *Client) User() *domain.User { return c.user }

func (c *Client) userInfo() *dto.UserInfo {
	return &dto.UserInfo{ID: c.user.ID, Username: c.user.Username}
}
