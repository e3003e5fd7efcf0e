package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// InstanceStatus 表示服务实例的运行状态
type InstanceStatus string

const (
	// InstanceStatusStarting 实例已注册，尚未通过健康检查
	InstanceStatusStarting InstanceStatus = "starting"
	// InstanceStatusHealthy 健康状态，可被发现
	InstanceStatusHealthy InstanceStatus = "healthy"
	// InstanceStatusUnhealthy 不健康状态
	InstanceStatusUnhealthy InstanceStatus = "unhealthy"
	// InstanceStatusStopping 实例正在下线
	InstanceStatusStopping InstanceStatus = "stopping"
)

// Valid 判断状态取值是否合法
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceStatusStarting, InstanceStatusHealthy, InstanceStatusUnhealthy, InstanceStatusStopping:
		return true
	}
	return false
}

// HealthCheckConfig 服务健康检查配置
type HealthCheckConfig struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint"` // 健康检查路径
	Interval time.Duration `json:"interval" yaml:"interval"` // 检查间隔
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`   // 单次检查超时
}

// healthCheckConfigJSON HealthCheckConfig 的JSON形式，时长为 "10s" 这样的字符串
type healthCheckConfigJSON struct {
	Endpoint string          `json:"endpoint"`
	Interval json.RawMessage `json:"interval,omitempty"`
	Timeout  json.RawMessage `json:"timeout,omitempty"`
}

// MarshalJSON 时长输出为字符串
func (h HealthCheckConfig) MarshalJSON() ([]byte, error) {
	interval, _ := json.Marshal(h.Interval.String())
	timeout, _ := json.Marshal(h.Timeout.String())
	return json.Marshal(healthCheckConfigJSON{Endpoint: h.Endpoint, Interval: interval, Timeout: timeout})
}

// UnmarshalJSON 时长接受字符串（"10s"），也兼容纳秒整数
func (h *HealthCheckConfig) UnmarshalJSON(data []byte) error {
	var raw healthCheckConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	interval, err := parseJSONDuration(raw.Interval)
	if err != nil {
		return fmt.Errorf("health.interval无效: %w", err)
	}
	timeout, err := parseJSONDuration(raw.Timeout)
	if err != nil {
		return fmt.Errorf("health.timeout无效: %w", err)
	}

	h.Endpoint = raw.Endpoint
	h.Interval = interval
	h.Timeout = timeout
	return nil
}

func parseJSONDuration(raw json.RawMessage) (time.Duration, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		if s == "" {
			return 0, nil
		}
		return time.ParseDuration(s)
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return time.Duration(n), nil
}

// ResourceHints 资源与副本提示
type ResourceHints struct {
	CPU      string `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Memory   string `json:"memory,omitempty" yaml:"memory,omitempty"`
	Replicas int    `json:"replicas,omitempty" yaml:"replicas,omitempty"`
}

// EndpointDefinition 服务声明的对外接口
type EndpointDefinition struct {
	Path   string `json:"path" yaml:"path"`
	Method string `json:"method" yaml:"method"`
}

// MonitoringFlags 监控开关
type MonitoringFlags struct {
	Metrics bool `json:"metrics" yaml:"metrics"`
	Tracing bool `json:"tracing" yaml:"tracing"`
	Logging bool `json:"logging" yaml:"logging"`
}

// ServiceDefinition 表示一次部署注册的服务定义，注册后不可修改
type ServiceDefinition struct {
	Name         string               `json:"name" yaml:"name"`
	Version      string               `json:"version" yaml:"version"`
	Port         int                  `json:"port" yaml:"port"`
	Health       HealthCheckConfig    `json:"health" yaml:"health"`
	Dependencies []string             `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Resources    ResourceHints        `json:"resources" yaml:"resources"`
	Endpoints    []EndpointDefinition `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	AuthRequired bool                 `json:"auth_required" yaml:"auth_required"`
	Monitoring   MonitoringFlags      `json:"monitoring" yaml:"monitoring"`
}

// InstanceMetadata 实例元数据
type InstanceMetadata struct {
	Version string   `json:"version,omitempty" yaml:"version,omitempty"`
	Zone    string   `json:"zone,omitempty" yaml:"zone,omitempty"`
	Weight  int      `json:"weight,omitempty" yaml:"weight,omitempty"`
	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// ServiceInstance 表示一个正在运行的服务实例
type ServiceInstance struct {
	ID              string           `json:"id" yaml:"id"`                 // 实例唯一ID
	ServiceID       string           `json:"service_id" yaml:"service_id"` // 所属服务定义ID
	Host            string           `json:"host" yaml:"host"`             // 实例地址
	Port            int              `json:"port" yaml:"port"`             // 实例端口
	Status          InstanceStatus   `json:"status" yaml:"status"`         // 实例状态
	RegisteredAt    time.Time        `json:"registered_at" yaml:"-"`       // 注册时间
	LastHealthCheck time.Time        `json:"last_health_check" yaml:"-"`   // 最后一次健康上报时间
	Metadata        InstanceMetadata `json:"metadata" yaml:"metadata"`     // 实例元数据
}

// Address 返回实例的 host:port
func (i *ServiceInstance) Address() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// IsHealthy 判断实例是否健康
func (i *ServiceInstance) IsHealthy() bool {
	return i.Status == InstanceStatusHealthy
}

// Clone 返回实例的深拷贝
func (i *ServiceInstance) Clone() *ServiceInstance {
	c := *i
	if i.Metadata.Tags != nil {
		c.Metadata.Tags = append([]string(nil), i.Metadata.Tags...)
	}
	return &c
}

// HealthDetails 健康上报中的资源细节
type HealthDetails struct {
	CPU         float64 `json:"cpu"`
	Memory      float64 `json:"memory"`
	Disk        float64 `json:"disk"`
	Connections int     `json:"connections"`
	Errors      int     `json:"errors"`
}

// HealthCheck 一次健康上报，注册中心只保留每个实例最新的一条
type HealthCheck struct {
	ServiceID    string         `json:"service_id"`
	InstanceID   string         `json:"instance_id"`
	Status       InstanceStatus `json:"status"`
	ResponseTime time.Duration  `json:"response_time"`
	Details      HealthDetails  `json:"details"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
