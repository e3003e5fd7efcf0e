package model

import "time"

// MessageType 消息类型
type MessageType string

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypeEvent    MessageType = "event"
)

// MessageMetadata 消息元数据
type MessageMetadata struct {
	RetryCount int           `json:"retry_count"`
	Priority   int           `json:"priority"`
	TTL        time.Duration `json:"ttl"`
}

// RequestPayload 网关发往下游的请求内容
type RequestPayload struct {
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Params map[string]string `json:"params,omitempty"`
	Body   interface{}       `json:"body,omitempty"`
}

// ServiceMessage 服务间请求/响应信封，每次分发尝试都新建，不做持久化
type ServiceMessage struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	Source        string            `json:"source"`
	Destination   string            `json:"destination"`
	Type          MessageType       `json:"type"`
	Payload       interface{}       `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Metadata      MessageMetadata   `json:"metadata"`
	Timestamp     time.Time         `json:"timestamp"`
}
