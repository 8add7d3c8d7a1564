// Package dto 定义 WebSocket 连接上收发的消息结构。
package dto

import (
	"github.com/goccy/go-json"

	"youplace-realtime/internal/domain"
)

// 服务端下发的事件名
const (
	EventConnected       = "connected"
	EventAuthenticated   = "authenticated"
	EventRoomsJoined     = "rooms_joined"
	EventRoomsLeft       = "rooms_left"
	EventViewportUpdated = "viewport_updated"
	EventRoomInfo        = "room_info"
	EventPixelsUpdate    = "pixels_update"
	EventRoomState       = "room_state"
	EventRoomUsers       = "room_users"
	EventSpecialEvent    = "special_event"
	EventError           = "error"
)

// 客户端上行的事件名
const (
	ClientAuthenticate   = "authenticate"
	ClientJoinRooms      = "join_rooms"
	ClientLeaveRooms     = "leave_rooms"
	ClientUpdateViewport = "update_viewport"
	ClientGetRoomInfo    = "get_room_info"
)

// Envelope 是所有下发消息的外层结构
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// IncomingMessage 是客户端上行消息，Data 延迟解析
type IncomingMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Pixel 是下发给客户端的单个像素
type Pixel struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Color     string `json:"color"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// PixelsFromEvents 把事件转换为下发格式，保持顺序
func PixelsFromEvents(events []domain.PaintEvent) []Pixel {
	pixels := make([]Pixel, len(events))
	for i, ev := range events {
		pixels[i] = Pixel{X: ev.X, Y: ev.Y, Color: ev.Color, Username: ev.Username, Timestamp: ev.Timestamp}
	}
	return pixels
}

// PixelsBatch 是 pixels_update 事件的载荷
type PixelsBatch struct {
	Type      string  `json:"type"` // 固定为 pixels_batch
	Room      string  `json:"room"`
	Pixels    []Pixel `json:"pixels"`
	Count     int     `json:"count"`
	Timestamp int64   `json:"timestamp"`
}

// RoomState 是历史回放
type RoomState struct {
	RoomID    string  `json:"roomId"`
	Pixels    []Pixel `json:"pixels"`
	Timestamp int64   `json:"timestamp"`
}

// RoomUsers 是房间在线人数变化
type RoomUsers struct {
	RoomID    string `json:"roomId"`
	UserCount int    `json:"userCount"`
	Timestamp int64  `json:"timestamp"`
}

// SpecialEvent 是管理员触发的特殊事件
type SpecialEvent struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorPayload 是 error 事件的载荷
type ErrorPayload struct {
	Message string `json:"message"`
}

// UserInfo 是连接上已认证用户的公开信息
type UserInfo struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// ServerInfo 描述服务能力
type ServerInfo struct {
	Version    string   `json:"version"`
	InstanceID string   `json:"instanceId"`
	Features   []string `json:"features"`
}

// ConnectionStats 是连接建立时附带的全局统计
type ConnectionStats struct {
	TotalConnections int `json:"totalConnections"`
	ActiveRooms      int `json:"activeRooms"`
}

// Connected 是 connected 事件的载荷
type Connected struct {
	ConnectionID string           `json:"connectionId"`
	User         *UserInfo        `json:"user,omitempty"`
	Timestamp    int64            `json:"timestamp"`
	ServerInfo   ServerInfo       `json:"serverInfo"`
	Stats        *ConnectionStats `json:"stats,omitempty"`
}

// Authenticated 是 authenticated 事件的载荷
type Authenticated struct {
	User      UserInfo `json:"user"`
	Timestamp int64    `json:"timestamp"`
}

// RoomsChanged 是 rooms_joined / rooms_left 的载荷
type RoomsChanged struct {
	Rooms     []string `json:"rooms"`
	Timestamp int64    `json:"timestamp"`
}

// ViewportUpdated 是 viewport_updated 的载荷
type ViewportUpdated struct {
	Viewport  domain.Viewport `json:"viewport"`
	Rooms     []string        `json:"rooms"`
	Timestamp int64           `json:"timestamp"`
}

// Coordinates 是房间覆盖的坐标范围
type Coordinates struct {
	MinX    int `json:"minX"`
	MaxX    int `json:"maxX"`
	MinY    int `json:"minY"`
	MaxY    int `json:"maxY"`
	CenterX int `json:"centerX"`
	CenterY int `json:"centerY"`
}

// RoomInfo 是 room_info 的载荷
type RoomInfo struct {
	RoomID       string           `json:"roomId"`
	Coordinates  Coordinates      `json:"coordinates"`
	UserCount    int              `json:"userCount"`
	Stats        domain.RoomStats `json:"stats"`
	RecentPixels []Pixel          `json:"recentPixels"`
	Timestamp    int64            `json:"timestamp"`
}

// --- 客户端上行载荷 ---

// AuthenticateRequest 携带 JWT
type AuthenticateRequest struct {
	Token string `json:"token"`
}

// RoomsRequest 是 join_rooms / leave_rooms 的载荷
type RoomsRequest struct {
	Rooms []string `json:"rooms"`
}

// ViewportRequest 是 update_viewport 的载荷，字段用指针区分缺失和 0
type ViewportRequest struct {
	MinX *int `json:"minX"`
	MaxX *int `json:"maxX"`
	MinY *int `json:"minY"`
	MaxY *int `json:"maxY"`
}

// RoomInfoRequest 是 get_room_info 的载荷
type RoomInfoRequest struct {
	RoomID string `json:"roomId"`
}
