package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/kong-resilience/internal/breaker"
	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/internal/events"
	"github.com/hewenyu/kong-resilience/internal/registry"
	"github.com/hewenyu/kong-resilience/pkg/model"
	"go.uber.org/zap"
)

// CorrelationHeader 调用方可通过该请求头传入关联ID
const CorrelationHeader = "X-Correlation-ID"

// source 网关发出的消息的来源名称
const source = "api-gateway"

// Sender 将消息发送到具体实例，ctx 在超时后会被取消
type Sender interface {
	Send(ctx context.Context, instance *model.ServiceInstance, msg *model.ServiceMessage) (*model.ServiceMessage, error)
}

// SenderFunc 函数形式的 Sender
type SenderFunc func(ctx context.Context, instance *model.ServiceInstance, msg *model.ServiceMessage) (*model.ServiceMessage, error)

// Send 实现 Sender
func (f SenderFunc) Send(ctx context.Context, instance *model.ServiceInstance, msg *model.ServiceMessage) (*model.ServiceMessage, error) {
	return f(ctx, instance, msg)
}

// Executor 熔断执行接口，由 *breaker.CircuitBreaker 实现
type Executor interface {
	Execute(ctx context.Context, name string, op breaker.Operation, opts breaker.Options) (interface{}, error)
}

// Option 网关可选配置
type Option func(*Gateway)

// WithClock 注入时钟，影响限流窗口和耗时统计
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithDefaultTimeout 路由未设置超时时使用的调用超时
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.defaultTimeout = timeout
	}
}

// Gateway API网关，负责路由匹配、限流、负载均衡、熔断调用和重试
type Gateway struct {
	routes    *routeTable
	limiter   *rateLimiter
	balancer  *roundRobin
	discovery registry.Discovery
	breaker   Executor
	sender    Sender
	publisher events.Publisher
	logger    config.Logger
	now       func() time.Time

	defaultTimeout time.Duration

	statsMu sync.Mutex
	stats   map[string]*routeCounters
}

// New 创建网关，publisher 可以为 nil
func New(discovery registry.Discovery, executor Executor, sender Sender, publisher events.Publisher, logger config.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = config.NewNopLogger()
	}

	g := &Gateway{
		routes:    newRouteTable(),
		limiter:   newRateLimiter(),
		balancer:  newRoundRobin(),
		discovery: discovery,
		breaker:   executor,
		sender:    sender,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		stats:     make(map[string]*routeCounters),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddRoute 添加路由，路径已存在时替换
func (g *Gateway) AddRoute(route model.GatewayRoute) error {
	if route.Path == "" || !strings.HasPrefix(route.Path, "/") {
		return fmt.Errorf("%w: 路径必须以/开头: %q", ErrInvalidRoute, route.Path)
	}
	if route.Service == "" {
		return fmt.Errorf("%w: 未指定目标服务: %s", ErrInvalidRoute, route.Path)
	}
	if route.Retries < 0 {
		return fmt.Errorf("%w: 重试次数不能为负数: %s", ErrInvalidRoute, route.Path)
	}
	if route.RateLimit.Requests < 0 {
		return fmt.Errorf("%w: 限流请求数不能为负数: %s", ErrInvalidRoute, route.Path)
	}
	window, err := route.RateLimit.WindowDuration()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}
	if window < time.Millisecond {
		return fmt.Errorf("%w: 限流窗口不能小于1ms: %s", ErrInvalidRoute, route.Path)
	}

	if len(route.Methods) == 0 {
		route.Methods = []string{"GET"}
	}
	methods := make([]string, len(route.Methods))
	for i, m := range route.Methods {
		methods[i] = strings.ToUpper(m)
	}
	route.Methods = methods

	if route.Headers != nil {
		headers := make(map[string]string, len(route.Headers))
		for k, v := range route.Headers {
			headers[k] = v
		}
		route.Headers = headers
	}

	if err := g.routes.put(&route); err != nil {
		return err
	}

	g.logger.Info("添加路由",
		zap.String("path", route.Path),
		zap.String("service", route.Service),
		zap.Strings("methods", route.Methods))

	g.publish(events.EventRouteAdded, map[string]interface{}{
		"path":    route.Path,
		"service": route.Service,
		"methods": route.Methods,
	})
	return nil
}

// RemoveRoute 按字面路径删除路由
func (g *Gateway) RemoveRoute(path string) bool {
	if !g.routes.remove(path) {
		return false
	}
	g.limiter.forget(path)

	g.logger.Info("删除路由", zap.String("path", path))
	g.publish(events.EventRouteRemoved, map[string]interface{}{
		"path": path,
	})
	return true
}

// Routes 按添加顺序返回全部路由
func (g *Gateway) Routes() []*model.GatewayRoute {
	return g.routes.list()
}

// Route 按字面路径查找路由
func (g *Gateway) Route(path string) (*model.GatewayRoute, bool) {
	return g.routes.get(path)
}

// HandleRequest 分发一次请求，返回下游实例的响应消息。
// 限流只在首次尝试前检查一次，重试会重新发现实例并轮询选择。
func (g *Gateway) HandleRequest(ctx context.Context, method, path string, body interface{}, headers map[string]string) (*model.ServiceMessage, error) {
	start := g.now()
	method = strings.ToUpper(method)

	route, params, ok := g.routes.match(path)
	if !ok {
		return nil, &Error{Kind: ErrRouteNotFound, Method: method, Path: path}
	}
	if !route.AllowsMethod(method) {
		g.counters(route.Path).rejected()
		return nil, &Error{Kind: ErrMethodNotAllowed, Method: method, Path: path, Service: route.Service}
	}

	window, _ := route.RateLimit.WindowDuration()
	if !g.limiter.allow(route.Path, route.RateLimit.Requests, window, start) {
		g.counters(route.Path).limited()
		g.logger.Warn("请求被限流",
			zap.String("route", route.Path),
			zap.String("method", method),
			zap.Int("limit", route.RateLimit.Requests))
		return nil, &Error{Kind: ErrRateLimitExceeded, Method: method, Path: path, Service: route.Service}
	}

	headers = canonicalHeaders(headers)
	correlationID := headers[textproto.CanonicalMIMEHeaderKey(CorrelationHeader)]
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	retryCount := 0
	for {
		resp, err := g.attempt(ctx, route, method, path, params, body, headers, correlationID, retryCount)
		if err == nil {
			duration := g.now().Sub(start)
			g.counters(route.Path).succeeded(duration)
			g.publish(events.EventRequestSuccess, map[string]interface{}{
				"route":          route.Path,
				"method":         method,
				"path":           path,
				"service":        route.Service,
				"correlation_id": correlationID,
				"retry_count":    retryCount,
				"duration":       duration,
			})
			return resp, nil
		}

		var gwErr *Error
		retryable := errors.As(err, &gwErr) && gwErr.Retryable()
		if !retryable || retryCount >= route.Retries || ctx.Err() != nil {
			duration := g.now().Sub(start)
			g.counters(route.Path).failed(duration)
			g.logger.Error("请求失败",
				zap.String("route", route.Path),
				zap.String("method", method),
				zap.String("path", path),
				zap.String("correlation_id", correlationID),
				zap.Int("retry_count", retryCount),
				zap.Error(err))
			g.publish(events.EventRequestFailure, map[string]interface{}{
				"route":          route.Path,
				"method":         method,
				"path":           path,
				"service":        route.Service,
				"correlation_id": correlationID,
				"retry_count":    retryCount,
				"duration":       duration,
				"error":          err.Error(),
			})
			return nil, err
		}

		retryCount++
		g.logger.Warn("请求失败，准备重试",
			zap.String("route", route.Path),
			zap.String("service", route.Service),
			zap.String("instance_id", gwErr.InstanceID),
			zap.Int("retry_count", retryCount),
			zap.Error(gwErr.Err))
	}
}

// attempt 执行一次分发：发现实例、轮询选择、经熔断器调用下游
func (g *Gateway) attempt(ctx context.Context, route *model.GatewayRoute, method, path string, params map[string]string,
	body interface{}, headers map[string]string, correlationID string, retryCount int) (*model.ServiceMessage, error) {

	instances := g.discovery.Discover(route.Service)
	if len(instances) == 0 {
		return nil, &Error{Kind: ErrNoHealthyInstances, Method: method, Path: path, Service: route.Service, RetryCount: retryCount}
	}
	instance := instances[g.balancer.next(route.Service, len(instances))]

	msg := g.buildMessage(route, method, path, params, body, headers, correlationID, retryCount)
	if route.Transform.Request != nil {
		if err := route.Transform.Request(msg); err != nil {
			return nil, &Error{Kind: ErrTransformFailed, Method: method, Path: path, Service: route.Service,
				InstanceID: instance.ID, RetryCount: retryCount, Err: err}
		}
	}

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}

	key := route.Service + "-" + instance.ID
	result, err := g.breaker.Execute(ctx, key, func(ctx context.Context) (interface{}, error) {
		return g.sender.Send(ctx, instance, msg)
	}, breaker.Options{Timeout: timeout})
	if err != nil {
		return nil, &Error{Kind: ErrDownstream, Method: method, Path: path, Service: route.Service,
			InstanceID: instance.ID, RetryCount: retryCount, Err: err}
	}

	resp, _ := result.(*model.ServiceMessage)
	if resp == nil {
		resp = &model.ServiceMessage{}
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = correlationID
	}
	if resp.Source == "" {
		resp.Source = route.Service
	}
	if resp.Type == "" {
		resp.Type = model.MessageTypeResponse
	}

	if route.Transform.Response != nil {
		if err := route.Transform.Response(resp); err != nil {
			return nil, &Error{Kind: ErrTransformFailed, Method: method, Path: path, Service: route.Service,
				InstanceID: instance.ID, RetryCount: retryCount, Err: err}
		}
	}
	return resp, nil
}

// buildMessage 每次尝试新建消息，路由的静态请求头覆盖调用方的同名请求头。
// headers 的名称已规范化。
func (g *Gateway) buildMessage(route *model.GatewayRoute, method, path string, params map[string]string,
	body interface{}, headers map[string]string, correlationID string, retryCount int) *model.ServiceMessage {

	merged := make(map[string]string, len(headers)+len(route.Headers)+1)
	for k, v := range headers {
		merged[k] = v
	}
	for k, v := range route.Headers {
		merged[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	merged[textproto.CanonicalMIMEHeaderKey(CorrelationHeader)] = correlationID

	return &model.ServiceMessage{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		Source:        source,
		Destination:   route.Service,
		Type:          model.MessageTypeRequest,
		Payload: model.RequestPayload{
			Method: method,
			Path:   path,
			Params: params,
			Body:   body,
		},
		Headers: merged,
		Metadata: model.MessageMetadata{
			RetryCount: retryCount,
		},
		Timestamp: g.now(),
	}
}

// canonicalHeaders 按HTTP规则规范化请求头名称，HTTP请求头不区分大小写
func canonicalHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return out
}

func (g *Gateway) publish(t events.EventType, data map[string]interface{}) {
	if g.publisher == nil {
		return
	}
	g.publisher.Publish(&events.Event{
		Type:      t,
		Source:    source,
		Timestamp: g.now(),
		Data:      data,
	})
}
