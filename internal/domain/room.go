package domain

// RoomStats 是共享存储中的房间统计，带 TTL，不是权威数据。
type RoomStats struct {
	ConnectedUsers int    `json:"connectedUsers"`
	LastActivity   string `json:"lastActivity,omitempty"` // RFC3339
	PixelCount     int64  `json:"pixelCount"`
}

// ActiveRoom 描述一个有在线用户的房间
type ActiveRoom struct {
	RoomID    string    `json:"roomId"`
	UserCount int       `json:"userCount"`
	Stats     RoomStats `json:"stats"`
}

// Viewport 是客户端声明的矩形可视区域
type Viewport struct {
	MinX int `json:"minX"`
	MaxX int `json:"maxX"`
	MinY int `json:"minY"`
	MaxY int `json:"maxY"`
}
