package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/abuse"
	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/service"
)

// HandleServiceError 把业务错误映射为 HTTP 响应
func HandleServiceError(c *gin.Context, err error) {
	var rejection *abuse.Rejection
	switch {
	case errors.As(err, &rejection):
		c.Header("Retry-After", strconv.Itoa(rejection.RetryAfterSeconds()))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      rejection.Reason,
			"retryAfter": rejection.RetryAfterSeconds(),
		})
	case errors.Is(err, service.ErrAuthenticationFailed):
		ErrorResponse(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrAccountInactive), errors.Is(err, service.ErrForbidden):
		ErrorResponse(c, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrInvalidRoomID), errors.Is(err, service.ErrInvalidInput), errors.Is(err, domain.ErrInvalidColor):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	default:
		logrus.WithError(err).Error("Unhandled internal server error")
		ErrorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
