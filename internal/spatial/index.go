// Package spatial 把无限平面划分为固定大小的正方形房间 (tile)，
// 并维护连接与房间之间的订阅关系。
package spatial

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// DefaultTileSize 是每个房间的边长 (像素)
const DefaultTileSize = 1000

// ErrInvalidRoomID 表示房间 ID 不符合 room_{x}_{y} 格式
var ErrInvalidRoomID = errors.New("invalid room id")

var roomIDPattern = regexp.MustCompile(`^room_(-?\d+)_(-?\d+)$`)

// Tile 是房间在网格中的坐标
type Tile struct {
	X, Y int
}

// Bounds 描述一个房间覆盖的像素范围 (闭区间)
type Bounds struct {
	MinX    int `json:"minX"`
	MaxX    int `json:"maxX"`
	MinY    int `json:"minY"`
	MaxY    int `json:"maxY"`
	CenterX int `json:"centerX"`
	CenterY int `json:"centerY"`
}

// Index 是纯函数式的坐标 -> 房间映射，没有任何状态。
type Index struct {
	tileSize int
}

// NewIndex 创建 Index，tileSize <= 0 时使用默认值
func NewIndex(tileSize int) Index {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	return Index{tileSize: tileSize}
}

// TileSize 返回房间边长
func (ix Index) TileSize() int { return ix.tileSize }

// TileOf 返回坐标所在的 tile
func (ix Index) TileOf(x, y int) Tile {
	return Tile{X: floorDiv(x, ix.tileSize), Y: floorDiv(y, ix.tileSize)}
}

// RoomID 返回坐标所在房间的 ID
func (ix Index) RoomID(x, y int) string {
	return ix.TileOf(x, y).RoomID()
}

// RoomsForViewport 返回与矩形相交的最小房间集合 (按 X 再按 Y 排列)。
// 调用方需要先限制视口大小。
func (ix Index) RoomsForViewport(minX, maxX, minY, maxY int) []string {
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	start := ix.TileOf(minX, minY)
	end := ix.TileOf(maxX, maxY)

	rooms := make([]string, 0, (end.X-start.X+1)*(end.Y-start.Y+1))
	for tx := start.X; tx <= end.X; tx++ {
		for ty := start.Y; ty <= end.Y; ty++ {
			rooms = append(rooms, Tile{X: tx, Y: ty}.RoomID())
		}
	}
	return rooms
}

// TileSpan 返回视口在横向和纵向实际触及的房间数，与 RoomsForViewport 的结果一致
func (ix Index) TileSpan(minX, maxX, minY, maxY int) (int, int) {
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	start := ix.TileOf(minX, minY)
	end := ix.TileOf(maxX, maxY)
	return end.X - start.X + 1, end.Y - start.Y + 1
}

// Bounds 返回房间覆盖的像素范围
func (ix Index) Bounds(roomID string) (Bounds, error) {
	t, err := ParseRoomID(roomID)
	if err != nil {
		return Bounds{}, err
	}
	s := ix.tileSize
	return Bounds{
		MinX:    t.X * s,
		MaxX:    (t.X+1)*s - 1,
		MinY:    t.Y * s,
		MaxY:    (t.Y+1)*s - 1,
		CenterX: t.X*s + s/2,
		CenterY: t.Y*s + s/2,
	}, nil
}

// AdjacentRooms 返回以 roomID 为中心、半径为 radius 的正方形邻域 (包含自身)
func (ix Index) AdjacentRooms(roomID string, radius int) ([]string, error) {
	center, err := ParseRoomID(roomID)
	if err != nil {
		return nil, err
	}
	if radius < 0 {
		radius = 0
	}
	rooms := make([]string, 0, (2*radius+1)*(2*radius+1))
	for x := center.X - radius; x <= center.X+radius; x++ {
		for y := center.Y - radius; y <= center.Y+radius; y++ {
			rooms = append(rooms, Tile{X: x, Y: y}.RoomID())
		}
	}
	return rooms, nil
}

// RoomID 返回 tile 对应的房间 ID
func (t Tile) RoomID() string {
	return fmt.Sprintf("room_%d_%d", t.X, t.Y)
}

// ParseRoomID 解析 room_{x}_{y}
func ParseRoomID(roomID string) (Tile, error) {
	m := roomIDPattern.FindStringSubmatch(roomID)
	if m == nil {
		return Tile{}, fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
	}
	x, errX := strconv.Atoi(m[1])
	y, errY := strconv.Atoi(m[2])
	if errX != nil || errY != nil {
		return Tile{}, fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
	}
	return Tile{X: x, Y: y}, nil
}

// IsValidRoomID 判断房间 ID 格式是否合法
func IsValidRoomID(roomID string) bool {
	_, err := ParseRoomID(roomID)
	return err == nil
}

// floorDiv 向负无穷取整，保证负坐标也不会和 0 号房间重叠
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
