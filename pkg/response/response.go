package response

import (
	"net/http"

	"coinpilot/internal/consts"

	"github.com/gin-gonic/gin"
)

// 代表响应给客户端的的一个消息结构，包括错误码，错误信息，响应数据
type ApiResponse struct {
	RequestId string      `json:"request_id"` // 请求的唯一ID
	Code      int         `json:"code"`       // 错误码 0表示无错误
	Message   string      `json:"message"`    // 提示信息
	Data      interface{} `json:"data"`       // 响应数据
}

// 发送json格式数据
// 如果 err != nil 返回http状态码400（一般也可以全部返回200）
// 返回400 更严谨一些，个人接触的项目中大部分都是400。
func JSON(c *gin.Context, err error, data interface{}) {
	httpStatus := http.StatusOK
	code := 0
	message := "OK"
	if err != nil {
		httpStatus = http.StatusBadRequest
		code = 1
		message = err.Error()
	}
	c.JSON(httpStatus, ApiResponse{
		RequestId: c.GetString(consts.RequestId),
		Code:      code,
		Message:   message,
		Data:      data,
	})
}

// 请求频繁，返回429
func TooManyRequests(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, ApiResponse{
		RequestId: c.GetString(consts.RequestId),
		Code:      1,
		Message:   "The request is too frequent. Please try again later.",
		Data:      nil,
	})
}
