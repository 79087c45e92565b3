package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/archmind/internal/pkg/jwt"
	"github.com/qs3c/archmind/internal/pkg/response"
)

const (
	UserIDKey = "userID"
)

// bearerToken 取出 Authorization: Bearer <token>
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header || token == "" {
		return "", false
	}
	return token, true
}

// Auth JWT 认证中间件
func Auth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			response.AuthError(c, "missing authorization header")
			c.Abort()
			return
		}

		tokenString, ok := bearerToken(c)
		if !ok {
			response.AuthError(c, "malformed authorization header")
			c.Abort()
			return
		}

		claims, err := jwt.ParseToken(tokenString, jwtSecret)
		if err != nil {
			response.AuthError(c, err.Error())
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

// OptionalAuth 可选认证，token 无效时按匿名处理
func OptionalAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString, ok := bearerToken(c); ok {
			if claims, err := jwt.ParseToken(tokenString, jwtSecret); err == nil && claims.UserID > 0 {
				c.Set(UserIDKey, claims.UserID)
			}
		}
		c.Next()
	}
}

// GetUserID 从上下文获取用户 ID
func GetUserID(c *gin.Context) (int64, bool) {
	userID, exists := c.Get(UserIDKey)
	if !exists {
		return 0, false
	}
	id, ok := userID.(int64)
	return id, ok
}
