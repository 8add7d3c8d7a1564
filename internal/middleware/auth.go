package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/service"
)

// ErrMissingAuthHeader 表示缺少 Authorization 头
var ErrMissingAuthHeader = errors.New("missing Authorization header")

// Auth 返回一个 Gin 中间件，校验 Bearer JWT 并把 user_id 放入上下文
func Auth(auth *service.Authenticator) gin.HandlerFunc {
	if auth == nil {
		panic("Authenticator cannot be nil for Auth middleware")
	}

	return func(c *gin.Context) {
		tokenStr, err := extractToken(c)
		if err != nil {
			if errors.Is(err, ErrMissingAuthHeader) {
				logrus.Warn("Auth middleware: Missing Authorization header")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			} else {
				logrus.Warnf("Auth middleware: Malformed token format: %v", err)
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token format"})
			}
			c.Abort()
			return
		}

		userID, err := auth.ParseToken(tokenStr)
		if err != nil {
			logrus.WithError(err).Warn("Auth middleware: Invalid token")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		logrus.WithField("user_id", userID).Debug("Auth middleware: User authenticated via JWT")
		c.Next()
	}
}

// RequireAdmin 要求已认证用户是激活的管理员，必须放在 Auth 之后
func RequireAdmin(auth *service.Authenticator) gin.HandlerFunc {
	if auth == nil {
		panic("Authenticator cannot be nil for RequireAdmin middleware")
	}

	return func(c *gin.Context) {
		userID := c.GetUint("user_id")
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			c.Abort()
			return
		}
		user, err := auth.LoadActiveUser(c.Request.Context(), userID)
		if err != nil {
			status := http.StatusForbidden
			switch {
			case errors.Is(err, service.ErrAuthenticationFailed):
				status = http.StatusUnauthorized
			case errors.Is(err, service.ErrInternalServer):
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		if !user.IsAdmin() {
			logrus.WithField("user_id", userID).Warn("RequireAdmin: Non-admin user denied")
			c.JSON(http.StatusForbidden, gin.H{"error": service.ErrForbidden.Error()})
			c.Abort()
			return
		}
		c.Next()
	}
}

// extractToken 从 Authorization 头提取 Bearer Token
func extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", jwt.ErrTokenMalformed
	}
	return parts[1], nil
}
