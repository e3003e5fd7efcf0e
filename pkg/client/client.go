package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hewenyu/kong-resilience/pkg/model"
)

// Client 是kong-resilience管理API的客户端，供服务自行注册实例和上报健康状态
type Client struct {
	adminURL   string
	httpClient *http.Client
}

// APIError 管理API返回的非成功响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("管理API返回 %d: %s", e.StatusCode, e.Message)
}

// Route 通过管理API添加的路由，Retries 为 nil 时使用网关默认值
type Route struct {
	Path         string            `json:"path"`
	Service      string            `json:"service"`
	Methods      []string          `json:"methods,omitempty"`
	AuthRequired bool              `json:"auth_required,omitempty"`
	RateLimit    model.RateLimit   `json:"rate_limit"`
	Timeout      string            `json:"timeout,omitempty"`
	Retries      *int              `json:"retries,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// NewClient 创建管理API客户端
func NewClient(adminURL string) *Client {
	return &Client{
		adminURL: strings.TrimSuffix(adminURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewDefaultClient 使用默认地址创建客户端
func NewDefaultClient(adminURL string) *Client {
	if adminURL == "" {
		adminURL = "http://localhost:9090"
	}
	return NewClient(adminURL)
}

// RegisterService 注册服务定义，返回服务ID
func (c *Client) RegisterService(ctx context.Context, def model.ServiceDefinition) (string, error) {
	if def.Name == "" {
		return "", fmt.Errorf("缺少必要参数：服务名称")
	}

	var data struct {
		ServiceID string `json:"service_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/services", def, &data); err != nil {
		return "", err
	}
	return data.ServiceID, nil
}

// DeregisterService 注销服务定义
func (c *Client) DeregisterService(ctx context.Context, serviceID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/services/"+url.PathEscape(serviceID), nil, nil)
}

// RegisterInstance 注册服务实例，返回注册中心补全后的实例
func (c *Client) RegisterInstance(ctx context.Context, serviceID string, instance *model.ServiceInstance) (*model.ServiceInstance, error) {
	if serviceID == "" || instance == nil || instance.Host == "" || instance.Port <= 0 {
		return nil, fmt.Errorf("缺少必要参数：服务ID、地址和端口都是必需的")
	}

	registered := new(model.ServiceInstance)
	path := fmt.Sprintf("/api/v1/services/%s/instances", url.PathEscape(serviceID))
	if err := c.do(ctx, http.MethodPost, path, instance, registered); err != nil {
		return nil, err
	}
	return registered, nil
}

// DeregisterInstance 注销服务实例
func (c *Client) DeregisterInstance(ctx context.Context, serviceID, instanceID string) error {
	path := fmt.Sprintf("/api/v1/services/%s/instances/%s", url.PathEscape(serviceID), url.PathEscape(instanceID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ReportHealth 上报一次健康状态，返回注册中心是否找到了对应实例
func (c *Client) ReportHealth(ctx context.Context, report model.HealthCheck) (bool, error) {
	var data struct {
		Applied bool `json:"applied"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/v1/health", report, &data); err != nil {
		return false, err
	}
	return data.Applied, nil
}

// Discover 返回服务名称下的健康实例
func (c *Client) Discover(ctx context.Context, serviceName string) ([]*model.ServiceInstance, error) {
	var instances []*model.ServiceInstance
	if err := c.do(ctx, http.MethodGet, "/api/v1/discover/"+url.PathEscape(serviceName), nil, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

// AddRoute 添加网关路由
func (c *Client) AddRoute(ctx context.Context, route Route) error {
	return c.do(ctx, http.MethodPost, "/api/v1/routes", route, nil)
}

// RemoveRoute 删除网关路由
func (c *Client) RemoveRoute(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/routes?path="+url.QueryEscape(path), nil, nil)
}

// StartHealthLoop 周期性调用 probe 并上报结果，直到 ctx 取消。
// 上报失败时调用 onError，可为 nil。
func (c *Client) StartHealthLoop(ctx context.Context, serviceID, instanceID string, interval time.Duration,
	probe func() model.InstanceStatus, onError func(error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// 每次上报使用独立的超时
				reportCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_, err := c.ReportHealth(reportCtx, model.HealthCheck{
					ServiceID:  serviceID,
					InstanceID: instanceID,
					Status:     probe(),
					Timestamp:  time.Now(),
				})
				cancel()
				if err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
}

// do 发送JSON请求并把响应中的 data 解析到 out
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.adminURL+path, body)
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("解析响应失败: %w, 状态码: %d", err, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Message}
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("解析响应数据失败: %w", err)
		}
	}
	return nil
}
