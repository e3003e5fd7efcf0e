package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/hewenyu/kong-resilience/internal/breaker"
	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/internal/events"
	"github.com/hewenyu/kong-resilience/internal/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "kong_resilience"

// Metrics 网关和熔断器的Prometheus指标，由事件总线驱动
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RouteChanges     *prometheus.CounterVec
	BreakerCalls     *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	BreakerResets    *prometheus.CounterVec
	HealthyInstances *prometheus.GaugeVec

	gatherer prometheus.Gatherer
	logger   config.Logger
}

// New 创建并注册指标，reg 为 nil 时使用独立的注册表
func New(reg *prometheus.Registry, logger config.Logger) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Total number of dispatched gateway requests by route, service and outcome",
			},
			[]string{"route", "service", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Gateway request duration in seconds, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RouteChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_route_changes_total",
				Help:      "Total number of route table changes by action",
			},
			[]string{"action"},
		),
		BreakerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_calls_total",
				Help:      "Total number of calls executed through a circuit breaker by result",
			},
			[]string{"name", "result"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
			},
			[]string{"name"},
		),
		BreakerResets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_resets_total",
				Help:      "Total number of manual circuit breaker resets",
			},
			[]string{"name"},
		),
		HealthyInstances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_healthy_instances",
				Help:      "Healthy instances per routed service",
			},
			[]string{"service"},
		),
		gatherer: reg,
		logger:   logger,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RouteChanges,
		m.BreakerCalls,
		m.BreakerState,
		m.BreakerResets,
		m.HealthyInstances,
	)
	return m
}

// Handler 返回 /metrics 的 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Start 订阅事件总线并在后台更新指标，直到 ctx 取消或总线关闭。
// 返回前订阅已生效，返回的通道在后台协程退出后关闭。
func (m *Metrics) Start(ctx context.Context, bus *events.Bus) <-chan struct{} {
	sub := bus.SubscribeWithBuffer(1024)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer bus.Unsubscribe(sub)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				m.Observe(ev)
			}
		}
	}()

	return done
}

// Observe 根据单个事件更新指标
func (m *Metrics) Observe(ev *events.Event) {
	switch ev.Type {
	case events.EventRequestSuccess, events.EventRequestFailure:
		outcome := "success"
		if ev.Type == events.EventRequestFailure {
			outcome = "failure"
		}
		route := stringField(ev, "route")
		m.RequestsTotal.WithLabelValues(route, stringField(ev, "service"), outcome).Inc()
		if d, ok := ev.Data["duration"].(time.Duration); ok {
			m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
		}

	case events.EventRouteAdded:
		m.RouteChanges.WithLabelValues("added").Inc()
	case events.EventRouteRemoved:
		m.RouteChanges.WithLabelValues("removed").Inc()

	case events.EventBreakerSuccess:
		m.BreakerCalls.WithLabelValues(stringField(ev, "name"), "success").Inc()
	case events.EventBreakerFailure:
		m.BreakerCalls.WithLabelValues(stringField(ev, "name"), "failure").Inc()

	case events.EventStateChange:
		m.BreakerState.WithLabelValues(stringField(ev, "name")).Set(stateValue(breaker.State(stringField(ev, "to"))))
	case events.EventBreakerReset:
		name := stringField(ev, "name")
		m.BreakerResets.WithLabelValues(name).Inc()
		m.BreakerState.WithLabelValues(name).Set(stateValue(breaker.StateClosed))

	case events.EventBreakerStats:
		if stats, ok := ev.Data["breakers"].(map[string]breaker.Stats); ok {
			for name, s := range stats {
				m.BreakerState.WithLabelValues(name).Set(stateValue(s.State))
			}
		}

	case events.EventMetrics:
		if services, ok := ev.Data["services"].(map[string]*gateway.ServiceHealth); ok {
			for name, s := range services {
				m.HealthyInstances.WithLabelValues(name).Set(float64(s.HealthyInstances))
			}
		}

	default:
		m.logger.Debug("忽略未知事件", zap.String("type", string(ev.Type)))
	}
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	}
	return 0
}

func stringField(ev *events.Event, key string) string {
	v, _ := ev.Data[key].(string)
	return v
}
