package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/archmind/internal/pkg/metrics"
	"github.com/qs3c/archmind/internal/pkg/response"
	"github.com/qs3c/archmind/internal/service"
)

// QuotaCheck 匿名会话的分析次数检查，登录用户直接放行
func QuotaCheck(quotaService *service.QuotaService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := GetUserID(c)

		allowed, err := quotaService.CheckAndMaybeReject(userID, GetSessionID(c))
		if err != nil {
			if errors.Is(err, service.ErrMissingSession) {
				response.ParamError(c, err.Error())
			} else {
				response.ServerError(c, "failed to check analysis limit")
			}
			c.Abort()
			return
		}

		if !allowed {
			metrics.RecordQuotaRejection()
			info, err := quotaService.GetLimitInfo(userID, GetSessionID(c))
			if err != nil {
				response.QuotaError(c, service.ErrQuotaExceeded.Error())
			} else {
				response.ErrorWithData(c, response.CodeQuotaExceeded, service.ErrQuotaExceeded.Error(), info)
			}
			c.Abort()
			return
		}

		c.Next()
	}
}
