package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/hewenyu/kong-resilience/internal/events"
)

// DefaultMetricsInterval metrics 事件的默认发布周期
const DefaultMetricsInterval = 60 * time.Second

// routeCounters 单个路由的请求计数
type routeCounters struct {
	mu            sync.Mutex
	requests      uint64
	successes     uint64
	failures      uint64
	rateLimited   uint64
	rejectedCalls uint64
	totalLatency  time.Duration
}

// RouteStats 单个路由的统计快照
type RouteStats struct {
	Path           string        `json:"path"`
	Service        string        `json:"service"`
	Requests       uint64        `json:"requests"`
	Successes      uint64        `json:"successes"`
	Failures       uint64        `json:"failures"`
	RateLimited    uint64        `json:"rate_limited"`
	MethodRejected uint64        `json:"method_rejected"`
	AverageLatency time.Duration `json:"average_latency"`
	WindowCount    int           `json:"window_count"`
}

// ServiceHealth 路由目标服务当前的健康实例数
type ServiceHealth struct {
	Name             string `json:"name"`
	HealthyInstances int    `json:"healthy_instances"`
}

// Stats 网关统计快照
type Stats struct {
	Routes    map[string]*RouteStats    `json:"routes"`
	Services  map[string]*ServiceHealth `json:"services"`
	Timestamp time.Time                 `json:"timestamp"`
}

func (g *Gateway) counters(path string) *routeCounters {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	c, ok := g.stats[path]
	if !ok {
		c = &routeCounters{}
		g.stats[path] = c
	}
	return c
}

func (c *routeCounters) succeeded(d time.Duration) {
	c.mu.Lock()
	c.requests++
	c.successes++
	c.totalLatency += d
	c.mu.Unlock()
}

func (c *routeCounters) failed(d time.Duration) {
	c.mu.Lock()
	c.requests++
	c.failures++
	c.totalLatency += d
	c.mu.Unlock()
}

func (c *routeCounters) limited() {
	c.mu.Lock()
	c.requests++
	c.rateLimited++
	c.mu.Unlock()
}

func (c *routeCounters) rejected() {
	c.mu.Lock()
	c.requests++
	c.rejectedCalls++
	c.mu.Unlock()
}

// GetStats 汇总每个路由的请求数据及其目标服务的健康实例数
func (g *Gateway) GetStats() *Stats {
	now := g.now()
	stats := &Stats{
		Routes:    make(map[string]*RouteStats),
		Services:  make(map[string]*ServiceHealth),
		Timestamp: now,
	}

	for _, route := range g.routes.list() {
		rs := &RouteStats{Path: route.Path, Service: route.Service}

		g.statsMu.Lock()
		c, ok := g.stats[route.Path]
		g.statsMu.Unlock()
		if ok {
			c.mu.Lock()
			rs.Requests = c.requests
			rs.Successes = c.successes
			rs.Failures = c.failures
			rs.RateLimited = c.rateLimited
			rs.MethodRejected = c.rejectedCalls
			if completed := c.successes + c.failures; completed > 0 {
				rs.AverageLatency = c.totalLatency / time.Duration(completed)
			}
			c.mu.Unlock()
		}

		if window, err := route.RateLimit.WindowDuration(); err == nil && route.RateLimit.Requests > 0 {
			rs.WindowCount = g.limiter.count(route.Path, window, now)
		}
		stats.Routes[route.Path] = rs

		if _, seen := stats.Services[route.Service]; !seen {
			stats.Services[route.Service] = &ServiceHealth{
				Name:             route.Service,
				HealthyInstances: len(g.discovery.Discover(route.Service)),
			}
		}
	}

	return stats
}

// StartMetricsReporter 周期性发布 metrics 事件，与请求路径解耦，ctx 取消后停止
func (g *Gateway) StartMetricsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := g.GetStats()
				g.publish(events.EventMetrics, map[string]interface{}{
					"routes":   stats.Routes,
					"services": stats.Services,
				})
			}
		}
	}()
}
