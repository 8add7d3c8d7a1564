package spatial_test

import (
	"testing"

	"youplace-realtime/internal/spatial"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_RoomID_FloorDivision(t *testing.T) {
	ix := spatial.NewIndex(1000)

	assert.Equal(t, "room_0_0", ix.RoomID(0, 0))
	assert.Equal(t, "room_0_0", ix.RoomID(999, 999))
	assert.Equal(t, "room_1_0", ix.RoomID(1000, 0))
	assert.Equal(t, "room_-1_0", ix.RoomID(-1, 0))
	assert.Equal(t, "room_-1_-1", ix.RoomID(-1000, -1))
	assert.Equal(t, "room_-2_0", ix.RoomID(-1001, 5))
}

func TestIndex_RoomID_PartitionHasNoGaps(t *testing.T) {
	ix := spatial.NewIndex(10)

	// 每个坐标必须恰好落在一个房间里，且该房间的边界包含它
	for x := -25; x <= 25; x++ {
		for y := -25; y <= 25; y++ {
			roomID := ix.RoomID(x, y)
			b, err := ix.Bounds(roomID)
			require.NoError(t, err)
			assert.True(t, x >= b.MinX && x <= b.MaxX, "x=%d room=%s", x, roomID)
			assert.True(t, y >= b.MinY && y <= b.MaxY, "y=%d room=%s", y, roomID)
		}
	}
}

func TestIndex_RoomsForViewport_MinimalCover(t *testing.T) {
	ix := spatial.NewIndex(1000)

	rooms := ix.RoomsForViewport(0, 2500, 0, 500)
	assert.Equal(t, []string{"room_0_0", "room_1_0", "room_2_0"}, rooms)

	rooms = ix.RoomsForViewport(-1, 0, -1, 0)
	assert.ElementsMatch(t, []string{"room_-1_-1", "room_-1_0", "room_0_-1", "room_0_0"}, rooms)

	// 反向传入的坐标会被规范化
	assert.Equal(t, ix.RoomsForViewport(0, 2500, 0, 500), ix.RoomsForViewport(2500, 0, 500, 0))
}

func TestIndex_TileSpan(t *testing.T) {
	ix := spatial.NewIndex(1000)

	w, h := ix.TileSpan(0, 9999, 0, 500)
	assert.Equal(t, 10, w)
	assert.Equal(t, 1, h)

	// 10000 落在第 11 个房间
	w, h = ix.TileSpan(0, 10000, 0, 10000)
	assert.Equal(t, 11, w)
	assert.Equal(t, 11, h)
	assert.Len(t, ix.RoomsForViewport(0, 10000, 0, 10000), w*h)

	// 跨越 0 的小视口也触及两个房间
	w, h = ix.TileSpan(-1, 1, 5, 5)
	assert.Equal(t, 2, w)
	assert.Equal(t, 1, h)
	w2, h2 := ix.TileSpan(1, -1, 5, 5)
	assert.Equal(t, w, w2)
	assert.Equal(t, h, h2)
}

func TestIndex_Bounds(t *testing.T) {
	ix := spatial.NewIndex(1000)

	b, err := ix.Bounds("room_-1_2")
	require.NoError(t, err)
	assert.Equal(t, spatial.Bounds{MinX: -1000, MaxX: -1, MinY: 2000, MaxY: 2999, CenterX: -500, CenterY: 2500}, b)

	_, err = ix.Bounds("room_x_1")
	assert.ErrorIs(t, err, spatial.ErrInvalidRoomID)
}

func TestIndex_AdjacentRooms(t *testing.T) {
	ix := spatial.NewIndex(1000)

	rooms, err := ix.AdjacentRooms("room_0_0", 1)
	require.NoError(t, err)
	assert.Len(t, rooms, 9)
	assert.Contains(t, rooms, "room_-1_-1")
	assert.Contains(t, rooms, "room_1_1")
	assert.Contains(t, rooms, "room_0_0")

	rooms, err = ix.AdjacentRooms("room_5_5", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"room_5_5"}, rooms)
}

func TestIsValidRoomID(t *testing.T) {
	assert.True(t, spatial.IsValidRoomID("room_0_0"))
	assert.True(t, spatial.IsValidRoomID("room_-12_34"))
	assert.False(t, spatial.IsValidRoomID("room_0"))
	assert.False(t, spatial.IsValidRoomID("room_a_b"))
	assert.False(t, spatial.IsValidRoomID("lobby"))
	assert.False(t, spatial.IsValidRoomID("room_1_2_3"))
}
