package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// InternalTokenHeader 是内网调用方携带共享密钥的请求头
const InternalTokenHeader = "X-Internal-Token"

// InternalToken 只放行携带正确共享密钥的内部调用
func InternalToken(token string) gin.HandlerFunc {
	if token == "" {
		panic("internal token cannot be empty for InternalToken middleware")
	}
	expected := []byte(token)

	return func(c *gin.Context) {
		got := c.GetHeader(InternalTokenHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
			logrus.WithFields(logrus.Fields{
				"client_ip": c.ClientIP(),
				"path":      c.Request.URL.Path,
			}).Warn("InternalToken middleware: Rejected internal call")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid internal token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
