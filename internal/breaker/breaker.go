package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/internal/events"
	"go.uber.org/zap"
)

// State 熔断器状态
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// 默认阈值
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 3
	DefaultTimeout          = 5 * time.Second
	DefaultResetTimeout     = 30 * time.Second
)

// validTransitions 正常运行中允许的状态迁移，Reset 不受此限制
var validTransitions = map[State][]State{
	StateClosed:   {StateOpen},
	StateOpen:     {StateHalfOpen},
	StateHalfOpen: {StateClosed, StateOpen},
}

// Operation 被熔断器包装的调用，超时后 ctx 会被取消
type Operation func(ctx context.Context) (interface{}, error)

// Options 熔断器参数，零值字段使用默认值
type Options struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// withDefaults 用 base 填充未设置的字段
func (o Options) withDefaults(base Options) Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = base.FailureThreshold
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = base.SuccessThreshold
	}
	if o.Timeout <= 0 {
		o.Timeout = base.Timeout
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = base.ResetTimeout
	}
	return o
}

// DefaultOptions 返回默认参数
func DefaultOptions() Options {
	return Options{
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		Timeout:          DefaultTimeout,
		ResetTimeout:     DefaultResetTimeout,
	}
}

// Stats 单个熔断器的只读快照
type Stats struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	LastFailureTime  time.Time     `json:"last_failure_time"`
	LastStateChange  time.Time     `json:"last_state_change"`
	TotalCalls       uint64        `json:"total_calls"`
	TotalFailures    uint64        `json:"total_failures"`
	Rejected         uint64        `json:"rejected"`
}

// circuit 单个key的熔断状态，所有字段受 mu 保护
type circuit struct {
	mu              sync.Mutex
	name            string
	opts            Options
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
	totalCalls      uint64
	totalFailures   uint64
	rejected        uint64
}

// Option CircuitBreaker 可选配置
type Option func(*CircuitBreaker)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithDefaults 覆盖默认参数
func WithDefaults(opts Options) Option {
	return func(cb *CircuitBreaker) {
		cb.defaults = opts.withDefaults(DefaultOptions())
	}
}

// CircuitBreaker 管理按名称懒创建的熔断器
type CircuitBreaker struct {
	mu        sync.RWMutex
	circuits  map[string]*circuit
	defaults  Options
	publisher events.Publisher
	logger    config.Logger
	now       func() time.Time
}

// New 创建熔断器管理器，publisher 可以为 nil
func New(logger config.Logger, publisher events.Publisher, opts ...Option) *CircuitBreaker {
	if logger == nil {
		logger = config.NewNopLogger()
	}

	cb := &CircuitBreaker{
		circuits:  make(map[string]*circuit),
		defaults:  DefaultOptions(),
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// getOrCreate 获取熔断器，不存在时按首次调用的参数创建
func (cb *CircuitBreaker) getOrCreate(name string, opts Options) *circuit {
	cb.mu.RLock()
	c, ok := cb.circuits[name]
	cb.mu.RUnlock()
	if ok {
		return c
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if c, ok = cb.circuits[name]; ok {
		return c
	}
	c = &circuit{
		name:            name,
		opts:            opts.withDefaults(cb.defaults),
		state:           StateClosed,
		lastStateChange: cb.now(),
	}
	cb.circuits[name] = c
	return c
}

// Execute 在名为 name 的熔断器保护下执行 op。
// 熔断打开且未到重置时间时返回 *CircuitOpenError，op 不会被调用；
// 超时返回 *TimeoutError；其他情况原样返回 op 的错误。
func (cb *CircuitBreaker) Execute(ctx context.Context, name string, op Operation, opts Options) (interface{}, error) {
	c := cb.getOrCreate(name, opts)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	// 判断是否放行本次调用
	c.mu.Lock()
	if c.state == StateOpen {
		elapsed := cb.now().Sub(c.lastFailureTime)
		if elapsed <= c.opts.ResetTimeout {
			c.rejected++
			openErr := &CircuitOpenError{
				Name:       name,
				OpenedAt:   c.lastStateChange,
				RetryAfter: c.opts.ResetTimeout - elapsed,
			}
			c.mu.Unlock()
			return nil, openErr
		}
		cb.transition(c, StateHalfOpen)
	}
	c.totalCalls++
	c.mu.Unlock()

	start := cb.now()
	result, err := cb.run(ctx, name, op, timeout)
	duration := cb.now().Sub(start)

	// 调用方主动取消不计入失败
	if err != nil && ctx.Err() != nil {
		return nil, err
	}

	if err != nil {
		cb.onFailure(c, err)
		return nil, err
	}

	cb.onSuccess(c, duration)
	return result, nil
}

// run 让 op 与超时计时器竞争，超时后取消传给 op 的 ctx
func (cb *CircuitBreaker) run(ctx context.Context, name string, op Operation, timeout time.Duration) (interface{}, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := op(opCtx)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		// 调用在超时后才返回错误，仍按超时处理
		if out.err != nil && ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Name: name, Timeout: timeout}
		}
		return out.result, out.err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Name: name, Timeout: timeout}
	}
}

func (cb *CircuitBreaker) onSuccess(c *circuit, duration time.Duration) {
	c.mu.Lock()
	c.failureCount = 0
	if c.state == StateHalfOpen {
		c.successCount++
		if c.successCount >= c.opts.SuccessThreshold {
			cb.transition(c, StateClosed)
		}
	}
	state := c.state
	c.mu.Unlock()

	cb.publish(events.EventBreakerSuccess, c.name, map[string]interface{}{
		"name":     c.name,
		"state":    string(state),
		"duration": duration,
	})
}

func (cb *CircuitBreaker) onFailure(c *circuit, err error) {
	c.mu.Lock()
	c.failureCount++
	c.totalFailures++
	c.lastFailureTime = cb.now()

	switch c.state {
	case StateHalfOpen:
		// 试探期间一次失败即重新打开
		cb.transition(c, StateOpen)
	case StateClosed:
		if c.failureCount >= c.opts.FailureThreshold {
			cb.transition(c, StateOpen)
		}
	}
	state := c.state
	failures := c.failureCount
	c.mu.Unlock()

	cb.publish(events.EventBreakerFailure, c.name, map[string]interface{}{
		"name":          c.name,
		"state":         string(state),
		"failure_count": failures,
		"error":         err.Error(),
	})
}

// transition 切换状态，调用方必须持有 c.mu
func (cb *CircuitBreaker) transition(c *circuit, to State) {
	from := c.state
	if !canTransition(from, to) {
		cb.logger.Error("非法的熔断器状态迁移",
			zap.String("name", c.name),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return
	}

	cb.setState(c, to)

	if to == StateOpen {
		cb.logger.Warn("熔断器打开",
			zap.String("name", c.name),
			zap.String("from", string(from)),
			zap.Int("failure_count", c.failureCount))
	} else {
		cb.logger.Info("熔断器状态变化",
			zap.String("name", c.name),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}

	cb.publish(events.EventStateChange, c.name, map[string]interface{}{
		"name": c.name,
		"from": string(from),
		"to":   string(to),
	})
}

// setState 写入新状态并清零对应计数，调用方必须持有 c.mu
func (cb *CircuitBreaker) setState(c *circuit, to State) {
	c.state = to
	c.lastStateChange = cb.now()
	c.successCount = 0
	if to == StateClosed {
		c.failureCount = 0
	}
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reset 将指定熔断器强制恢复为关闭状态
func (cb *CircuitBreaker) Reset(name string) bool {
	cb.mu.RLock()
	c, ok := cb.circuits[name]
	cb.mu.RUnlock()
	if !ok {
		return false
	}

	c.mu.Lock()
	from := c.state
	cb.setState(c, StateClosed)
	c.lastFailureTime = time.Time{}
	c.mu.Unlock()

	cb.logger.Info("熔断器已重置", zap.String("name", name), zap.String("from", string(from)))
	cb.publish(events.EventBreakerReset, name, map[string]interface{}{
		"name": name,
		"from": string(from),
	})
	return true
}

// ResetAll 重置全部熔断器
func (cb *CircuitBreaker) ResetAll() {
	for _, name := range cb.names() {
		cb.Reset(name)
	}
}

// Get 获取单个熔断器的快照
func (cb *CircuitBreaker) Get(name string) (Stats, bool) {
	cb.mu.RLock()
	c, ok := cb.circuits[name]
	cb.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return c.snapshot(), true
}

// GetStats 获取全部熔断器的快照
func (cb *CircuitBreaker) GetStats() map[string]Stats {
	cb.mu.RLock()
	circuits := make([]*circuit, 0, len(cb.circuits))
	for _, c := range cb.circuits {
		circuits = append(circuits, c)
	}
	cb.mu.RUnlock()

	stats := make(map[string]Stats, len(circuits))
	for _, c := range circuits {
		stats[c.name] = c.snapshot()
	}
	return stats
}

// StartStatsReporter 周期性发布 stats 事件，ctx 取消后停止
func (cb *CircuitBreaker) StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cb.publishStats()
			}
		}
	}()
}

func (cb *CircuitBreaker) publishStats() {
	stats := cb.GetStats()
	open := 0
	for _, s := range stats {
		if s.State == StateOpen {
			open++
		}
	}
	cb.publish(events.EventBreakerStats, "breaker", map[string]interface{}{
		"breakers": stats,
		"total":    len(stats),
		"open":     open,
	})
}

func (cb *CircuitBreaker) names() []string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	names := make([]string, 0, len(cb.circuits))
	for name := range cb.circuits {
		names = append(names, name)
	}
	return names
}

func (cb *CircuitBreaker) publish(t events.EventType, source string, data map[string]interface{}) {
	if cb.publisher == nil {
		return
	}
	cb.publisher.Publish(&events.Event{
		Type:      t,
		Source:    source,
		Timestamp: cb.now(),
		Data:      data,
	})
}

func (c *circuit) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Name:             c.name,
		State:            c.state,
		FailureCount:     c.failureCount,
		SuccessCount:     c.successCount,
		FailureThreshold: c.opts.FailureThreshold,
		SuccessThreshold: c.opts.SuccessThreshold,
		Timeout:          c.opts.Timeout,
		ResetTimeout:     c.opts.ResetTimeout,
		LastFailureTime:  c.lastFailureTime,
		LastStateChange:  c.lastStateChange,
		TotalCalls:       c.totalCalls,
		TotalFailures:    c.totalFailures,
		Rejected:         c.rejected,
	}
}

// String 便于日志输出
func (s Stats) String() string {
	return fmt.Sprintf("%s[%s failures=%d successes=%d]", s.Name, s.State, s.FailureCount, s.SuccessCount)
}
