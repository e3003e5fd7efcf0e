package apihandler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hewenyu/kong-resilience/internal/breaker"
	"github.com/hewenyu/kong-resilience/internal/gateway"
	"github.com/hewenyu/kong-resilience/internal/transport"
	"github.com/hewenyu/kong-resilience/pkg/model"
	"github.com/labstack/echo/v4"
)

// hopHeaders 不转发给下游的请求头
var hopHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
	"Content-Length":    {},
}

// proxyHandler 把入口请求交给网关，并把响应或错误写回调用方
func (h *EchoHandler) proxyHandler(c echo.Context) error {
	req := c.Request()

	var body interface{}
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return badRequest(c, "读取请求体失败: "+err.Error())
		}
		if len(raw) > 0 {
			if json.Valid(raw) {
				body = json.RawMessage(raw)
			} else {
				body = raw
			}
		}
	}

	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		if _, skip := hopHeaders[k]; skip {
			continue
		}
		headers[k] = req.Header.Get(k)
	}

	resp, err := h.deps.Gateway.HandleRequest(req.Context(), req.Method, req.URL.Path, body, headers)
	if err != nil {
		status := statusFor(err)
		return c.JSON(status, &model.ApiResponse{Code: status, Message: err.Error()})
	}

	c.Response().Header().Set(gateway.CorrelationHeader, resp.CorrelationID)

	if out, ok := resp.Payload.(*transport.Response); ok {
		contentType := out.ContentType
		if contentType == "" {
			contentType = echo.MIMEOctetStream
		}
		return c.Blob(out.StatusCode, contentType, out.Body)
	}
	return c.JSON(http.StatusOK, resp.Payload)
}

// downstreamStatus 下游错误的状态码：熔断打开为503，超时为504，其他为502
func downstreamStatus(err error) int {
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, breaker.ErrOperationTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
