package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 错误码定义
const (
	CodeSuccess          = 0
	CodeParamError       = 1000
	CodeAuthFailed       = 1001
	CodeResourceNotFound = 1003
	CodeQuotaExceeded    = 1004
	CodeConflict         = 1006
	CodeServerError      = 5000
)

// 错误码对应的默认消息
var codeMessages = map[int]string{
	CodeSuccess:          "success",
	CodeParamError:       "invalid parameters",
	CodeAuthFailed:       "authentication failed",
	CodeResourceNotFound: "resource not found",
	CodeQuotaExceeded:    "quota exceeded",
	CodeConflict:         "an analysis is already in progress",
	CodeServerError:      "internal server error",
}

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	SuccessWithMessage(c, codeMessages[CodeSuccess], data)
}

// SuccessWithMessage 带自定义消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// Error 错误响应，message 为空时使用错误码的默认消息
func Error(c *gin.Context, code int, message string) {
	if message == "" {
		message = codeMessages[code]
	}
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// ErrorWithData 错误响应并附带数据（例如配额信息）
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	if message == "" {
		message = codeMessages[code]
	}
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string)    { Error(c, CodeParamError, message) }
func AuthError(c *gin.Context, message string)     { Error(c, CodeAuthFailed, message) }
func NotFoundError(c *gin.Context, message string) { Error(c, CodeResourceNotFound, message) }
func QuotaError(c *gin.Context, message string)    { Error(c, CodeQuotaExceeded, message) }
func ConflictError(c *gin.Context, message string) { Error(c, CodeConflict, message) }
func ServerError(c *gin.Context, message string)   { Error(c, CodeServerError, message) }
