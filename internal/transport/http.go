package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/pkg/model"
	"go.uber.org/zap"
)

// 转发时附加的请求头
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRetryCount    = "X-Retry-Count"
	HeaderSource        = "X-Source-Service"
)

// maxBodySize 下游响应体的读取上限
const maxBodySize = 10 << 20

// Response 下游HTTP响应，作为响应消息的 Payload
type Response struct {
	StatusCode  int               `json:"status_code"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
}

// StatusError 下游返回了5xx状态码
type StatusError struct {
	StatusCode int
	Instance   string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("实例 %s 返回状态码 %d: %s", e.Instance, e.StatusCode, e.Body)
}

// HTTPSender 通过HTTP把请求消息转发到实例
type HTTPSender struct {
	client *http.Client
	scheme string
	logger config.Logger
}

// NewHTTPSender 创建HTTP转发器，client 为 nil 时使用默认客户端；超时由调用方的 ctx 控制
func NewHTTPSender(client *http.Client, logger config.Logger) *HTTPSender {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &HTTPSender{client: client, scheme: "http", logger: logger}
}

// Send 转发消息，返回下游的响应消息。5xx 和网络错误作为失败返回。
func (s *HTTPSender) Send(ctx context.Context, instance *model.ServiceInstance, msg *model.ServiceMessage) (*model.ServiceMessage, error) {
	payload, ok := msg.Payload.(model.RequestPayload)
	if !ok {
		return nil, fmt.Errorf("不支持的消息负载类型: %T", msg.Payload)
	}

	target := url.URL{Scheme: s.scheme, Host: instance.Address(), Path: payload.Path}

	// 准备请求体
	var bodyReader io.Reader
	if payload.Body != nil {
		switch b := payload.Body.(type) {
		case []byte:
			bodyReader = bytes.NewReader(b)
		case json.RawMessage:
			bodyReader = bytes.NewReader(b)
		default:
			bodyBytes, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("序列化请求体失败: %w", err)
			}
			bodyReader = bytes.NewReader(bodyBytes)
		}
	}

	req, err := http.NewRequestWithContext(ctx, payload.Method, target.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	// 设置请求头
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderRequestID, msg.ID)
	req.Header.Set(HeaderCorrelationID, msg.CorrelationID)
	req.Header.Set(HeaderRetryCount, strconv.Itoa(msg.Metadata.RetryCount))
	req.Header.Set(HeaderSource, msg.Source)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		s.logger.Debug("下游返回错误状态码",
			zap.String("instance", instance.ID),
			zap.Int("status", resp.StatusCode))
		return nil, &StatusError{StatusCode: resp.StatusCode, Instance: instance.ID, Body: string(respBody)}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &model.ServiceMessage{
		ID:            uuid.New().String(),
		CorrelationID: msg.CorrelationID,
		Source:        msg.Destination,
		Destination:   msg.Source,
		Type:          model.MessageTypeResponse,
		Payload: &Response{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Headers:     headers,
			Body:        respBody,
		},
		Headers:   headers,
		Timestamp: time.Now(),
	}, nil
}
