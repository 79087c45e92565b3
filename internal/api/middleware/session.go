package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	SessionIDKey = "sessionID"

	// SessionHeader 非浏览器客户端可以用请求头代替 cookie
	SessionHeader = "X-Session-ID"

	sessionMaxAge = 365 * 24 * 60 * 60
)

// Session 为匿名调用方分配会话 ID，优先复用请求头或 cookie 中已有的值
func Session(cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.GetHeader(SessionHeader)
		if sessionID == "" {
			if v, err := c.Cookie(cookieName); err == nil {
				sessionID = v
			}
		}

		if _, err := uuid.Parse(sessionID); err != nil {
			sessionID = uuid.NewString()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(cookieName, sessionID, sessionMaxAge, "/", "", false, true)
		}

		c.Header(SessionHeader, sessionID)
		c.Set(SessionIDKey, sessionID)
		c.Next()
	}
}

// GetSessionID 从上下文获取会话 ID
func GetSessionID(c *gin.Context) string {
	return c.GetString(SessionIDKey)
}
