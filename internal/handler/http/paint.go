package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/service"
)

// PaintHandler 是绘制服务调用的内部接口
type PaintHandler struct {
	realtime *service.RealtimeService
}

// NewPaintHandler 创建 PaintHandler
func NewPaintHandler(realtime *service.RealtimeService) *PaintHandler {
	if realtime == nil {
		panic("RealtimeService cannot be nil for PaintHandler")
	}
	return &PaintHandler{realtime: realtime}
}

// EvaluateRequest 是绘制前的检查请求，坐标允许为 0 所以用指针
type EvaluateRequest struct {
	UserID uint   `json:"userId" binding:"required"`
	X      *int   `json:"x" binding:"required"`
	Y      *int   `json:"y" binding:"required"`
	Color  string `json:"color" binding:"required"`
}

// Evaluate 判断是否放行一次绘制，被拒绝时返回 429
func (h *PaintHandler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.Evaluate: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}
	verdict, err := h.realtime.EvaluatePaint(c.Request.Context(), req.UserID, *req.X, *req.Y, req.Color)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, verdict)
}

// PersistedRequest 是已提交的绘制
type PersistedRequest struct {
	X         *int   `json:"x" binding:"required"`
	Y         *int   `json:"y" binding:"required"`
	Color     string `json:"color" binding:"required"`
	Username  string `json:"username"`
	UserID    uint   `json:"userId"`
	Timestamp int64  `json:"timestamp"` // Unix 毫秒，缺省为当前时间
}

// Persisted 接收已提交的绘制并开始广播
func (h *PaintHandler) Persisted(c *gin.Context) {
	var req PersistedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.Persisted: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}
	at := time.Now()
	if req.Timestamp > 0 {
		at = time.UnixMilli(req.Timestamp)
	}
	ev, err := domain.NewPaintEvent(*req.X, *req.Y, req.Color, req.Username, req.UserID, at)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	if err := h.realtime.OnPixelPersisted(c.Request.Context(), ev); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusAccepted, gin.H{"status": "accepted"})
}
