package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/service"
	"youplace-realtime/internal/tasks"
)

// CleanupQueue 把清理请求交给后台 worker
type CleanupQueue interface {
	EnqueueCleanup(ctx context.Context) (tasks.Enqueued, error)
}

// AdminHandler 是实时系统的管理接口
type AdminHandler struct {
	realtime *service.RealtimeService
	cleanups CleanupQueue
}

// NewAdminHandler 创建 AdminHandler。cleanups 为 nil 时清理在请求内同步执行。
func NewAdminHandler(realtime *service.RealtimeService, cleanups CleanupQueue) *AdminHandler {
	if realtime == nil {
		panic("RealtimeService cannot be nil for AdminHandler")
	}
	return &AdminHandler{realtime: realtime, cleanups: cleanups}
}

// ActiveRooms GET /rooms?limit=
func (h *AdminHandler) ActiveRooms(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	rooms, err := h.realtime.GetActiveRooms(c.Request.Context(), limit)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"rooms": rooms, "count": len(rooms)})
}

// RoomState GET /rooms/:roomId
func (h *AdminHandler) RoomState(c *gin.Context) {
	view, err := h.realtime.GetRoomState(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, view)
}

// SystemStats GET /stats
func (h *AdminHandler) SystemStats(c *gin.Context) {
	SuccessResponse(c, http.StatusOK, h.realtime.GetSystemStats(c.Request.Context()))
}

// SpecialEventRequest 是管理员广播请求，RoomID 为空时发给所有连接
type SpecialEventRequest struct {
	EventType string      `json:"eventType" binding:"required"`
	Data      interface{} `json:"data"`
	RoomID    string      `json:"roomId"`
}

// BroadcastSpecialEvent POST /events
func (h *AdminHandler) BroadcastSpecialEvent(c *gin.Context) {
	var req SpecialEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}
	recipients, err := h.realtime.BroadcastSpecialEvent(req.EventType, req.Data, req.RoomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"admin_id":   c.GetUint("user_id"),
		"event_type": req.EventType,
		"room_id":    req.RoomID,
	}).Info("Handler.BroadcastSpecialEvent: Special event sent")
	SuccessResponse(c, http.StatusOK, gin.H{"recipients": recipients})
}

// ForceCleanup POST /cleanup
// 有任务队列时入队并返回 202，入队失败或没有队列时同步清理并返回 200。
func (h *AdminHandler) ForceCleanup(c *gin.Context) {
	if h.cleanups != nil {
		enqueued, err := h.cleanups.EnqueueCleanup(c.Request.Context())
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"admin_id":       c.GetUint("user_id"),
				"task_id":        enqueued.TaskID,
				"already_queued": enqueued.AlreadyQueued,
			}).Info("Handler.ForceCleanup: Cleanup task enqueued")
			SuccessResponse(c, http.StatusAccepted, enqueued)
			return
		}
		logrus.WithError(err).Warn("Handler.ForceCleanup: Enqueue failed, cleaning up inline")
	}

	result, err := h.realtime.ForceCleanup(c.Request.Context())
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, result)
}
