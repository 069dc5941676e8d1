package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeNotFound    = 404
	CodeConflict    = 409
	CodeServerError = 500
)

// 业务错误码，与 service 层错误类型一一对应
const (
	CodeInsufficientFunds    = 2001
	CodeInvalidCell          = 2002
	CodeInvalidTransition    = 2003
	CodeNoTargetingPurchased = 2004
	CodeAlreadyRefunded      = 2005
	CodeConcurrentConflict   = 2006
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Kind    string      `json:"kind,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// KindError 返回带错误类型的业务错误，前端原样展示 kind
func KindError(c *gin.Context, code int, kind, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Kind:    kind,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}
