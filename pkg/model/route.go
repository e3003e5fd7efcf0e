package model

import (
	"fmt"
	"time"
)

// RateLimit 路由限流配置，Window 为时间窗口字符串，例如 "1m"
type RateLimit struct {
	Requests int    `json:"requests" yaml:"requests"`
	Window   string `json:"window" yaml:"window"`
}

// WindowDuration 解析限流窗口，未设置时为一分钟
func (r RateLimit) WindowDuration() (time.Duration, error) {
	if r.Window == "" {
		return time.Minute, nil
	}
	d, err := time.ParseDuration(r.Window)
	if err != nil {
		return 0, fmt.Errorf("解析限流窗口失败: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("限流窗口必须大于0: %s", r.Window)
	}
	return d, nil
}

// RequestTransform 在分发前改写请求消息
type RequestTransform func(msg *ServiceMessage) error

// ResponseTransform 在返回调用方前改写响应消息
type ResponseTransform func(msg *ServiceMessage) error

// Transform 路由可选的请求/响应改写
type Transform struct {
	Request  RequestTransform  `json:"-" yaml:"-"`
	Response ResponseTransform `json:"-" yaml:"-"`
}

// GatewayRoute 网关路由定义，分发过程中只读
type GatewayRoute struct {
	Path         string            `json:"path" yaml:"path"`                           // 路径模式，支持 :segment
	Service      string            `json:"service" yaml:"service"`                     // 目标服务名称
	Methods      []string          `json:"methods" yaml:"methods"`                     // 允许的HTTP方法
	AuthRequired bool              `json:"auth_required" yaml:"auth_required"`         // 是否需要认证
	RateLimit    RateLimit         `json:"rate_limit" yaml:"rate_limit"`               // 限流，Requests为0表示不限制
	Timeout      time.Duration     `json:"timeout" yaml:"timeout"`                     // 单次调用超时
	Retries      int               `json:"retries" yaml:"retries"`                     // 重试次数
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // 附加的静态请求头
	Transform    Transform         `json:"-" yaml:"-"`
}

// AllowsMethod 判断路由是否允许该方法
func (r *GatewayRoute) AllowsMethod(method string) bool {
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}
