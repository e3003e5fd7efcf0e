package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errDownstream = errors.New("downstream failed")

func failing(calls *int32) Operation {
	return func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(calls, 1)
		return nil, errDownstream
	}
}

func succeeding(calls *int32) Operation {
	return func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(calls, 1)
		return "ok", nil
	}
}

func newTestBreaker(clock *fakeClock, bus *events.Bus) *CircuitBreaker {
	var publisher events.Publisher
	if bus != nil {
		publisher = bus
	}
	return New(config.NewNopLogger(), publisher, WithClock(clock.Now))
}

func TestExecuteSuccess(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), nil)
	var calls int32

	result, err := cb.Execute(context.Background(), "svc-a", succeeding(&calls), Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(1), calls)

	stats, ok := cb.Get("svc-a")
	require.True(t, ok)
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, DefaultFailureThreshold, stats.FailureThreshold)
	assert.Equal(t, DefaultSuccessThreshold, stats.SuccessThreshold)
	assert.Equal(t, DefaultTimeout, stats.Timeout)
	assert.Equal(t, DefaultResetTimeout, stats.ResetTimeout)
}

func TestOpensAfterThresholdAndFastFails(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, nil)
	var calls int32

	for i := 0; i < DefaultFailureThreshold; i++ {
		_, err := cb.Execute(context.Background(), "svc-a", failing(&calls), Options{})
		// 原始错误原样返回
		assert.ErrorIs(t, err, errDownstream)
	}

	stats, _ := cb.Get("svc-a")
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, int32(DefaultFailureThreshold), calls)

	clock.Advance(10 * time.Second)
	_, err := cb.Execute(context.Background(), "svc-a", failing(&calls), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.False(t, errors.Is(err, errDownstream))

	var openErr *CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, "svc-a", openErr.Name)
	assert.Equal(t, 20*time.Second, openErr.RetryAfter)

	// 被包装的调用没有执行
	assert.Equal(t, int32(DefaultFailureThreshold), calls)

	stats, _ = cb.Get("svc-a")
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), nil)
	var calls int32

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		_, _ = cb.Execute(context.Background(), "svc-a", failing(&calls), Options{})
	}
	_, err := cb.Execute(context.Background(), "svc-a", succeeding(&calls), Options{})
	require.NoError(t, err)
	_, _ = cb.Execute(context.Background(), "svc-a", failing(&calls), Options{})

	stats, _ := cb.Get("svc-a")
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 1, stats.FailureCount)
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, nil)
	var calls int32
	opts := Options{FailureThreshold: 2, SuccessThreshold: 3, ResetTimeout: time.Second}

	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(context.Background(), "svc-a", failing(&calls), opts)
	}
	stats, _ := cb.Get("svc-a")
	require.Equal(t, StateOpen, stats.State)

	// 等于resetTimeout时仍然打开
	clock.Advance(time.Second)
	_, err := cb.Execute(context.Background(), "svc-a", succeeding(&calls), opts)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(time.Millisecond)
	_, err = cb.Execute(context.Background(), "svc-a", succeeding(&calls), opts)
	require.NoError(t, err)

	stats, _ = cb.Get("svc-a")
	assert.Equal(t, StateHalfOpen, stats.State)
	assert.Equal(t, 1, stats.SuccessCount)

	for i := 0; i < 2; i++ {
		_, err = cb.Execute(context.Background(), "svc-a", succeeding(&calls), opts)
		require.NoError(t, err)
	}

	stats, _ = cb.Get("svc-a")
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 0, stats.FailureCount)
	assert.Equal(t, 0, stats.SuccessCount)
}

func TestHalfOpenReopensOnSingleFailure(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, nil)
	var calls int32
	opts := Options{FailureThreshold: 3, ResetTimeout: time.Second}

	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(context.Background(), "svc-a", failing(&calls), opts)
	}

	clock.Advance(2 * time.Second)
	_, err := cb.Execute(context.Background(), "svc-a", succeeding(&calls), opts)
	require.NoError(t, err)

	_, err = cb.Execute(context.Background(), "svc-a", failing(&calls), opts)
	assert.ErrorIs(t, err, errDownstream)

	stats, _ := cb.Get("svc-a")
	assert.Equal(t, StateOpen, stats.State)

	before := atomic.LoadInt32(&calls)
	_, err = cb.Execute(context.Background(), "svc-a", succeeding(&calls), opts)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, atomic.LoadInt32(&calls))
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	cb := New(config.NewNopLogger(), nil)
	cancelled := make(chan struct{})

	op := func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}

	_, err := cb.Execute(context.Background(), "slow", op, Options{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOperationTimeout))

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 20*time.Millisecond, timeoutErr.Timeout)

	// 超时后传给调用的ctx被取消
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("operation context was not cancelled")
	}

	stats, _ := cb.Get("slow")
	assert.Equal(t, 1, stats.FailureCount)
}

func TestCallerCancellationNotCounted(t *testing.T) {
	cb := New(config.NewNopLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := cb.Execute(ctx, "svc-a", op, Options{})
	assert.ErrorIs(t, err, context.Canceled)

	stats, _ := cb.Get("svc-a")
	assert.Equal(t, 0, stats.FailureCount)
}

func TestConcurrentFailuresTransitionOnce(t *testing.T) {
	clock := newFakeClock()
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.SubscribeWithBuffer(256, events.EventStateChange)
	cb := newTestBreaker(clock, bus)

	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cb.Execute(context.Background(), "svc-a", failing(&calls), Options{})
		}()
	}
	wg.Wait()

	stats, _ := cb.Get("svc-a")
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, uint64(50), stats.TotalCalls+stats.Rejected)

	// 只发生一次 closed -> open
	require.Len(t, sub, 1)
	ev := <-sub
	assert.Equal(t, "closed", ev.Data["from"])
	assert.Equal(t, "open", ev.Data["to"])
}

func TestReset(t *testing.T) {
	clock := newFakeClock()
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.EventBreakerReset)
	cb := newTestBreaker(clock, bus)
	var calls int32

	for i := 0; i < DefaultFailureThreshold; i++ {
		_, _ = cb.Execute(context.Background(), "svc-a", failing(&calls), Options{})
		_, _ = cb.Execute(context.Background(), "svc-b", failing(&calls), Options{})
	}

	assert.True(t, cb.Reset("svc-a"))
	assert.False(t, cb.Reset("unknown"))

	stats, _ := cb.Get("svc-a")
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 0, stats.FailureCount)

	ev := <-sub
	assert.Equal(t, "svc-a", ev.Data["name"])
	assert.Equal(t, "open", ev.Data["from"])

	_, err := cb.Execute(context.Background(), "svc-a", succeeding(&calls), Options{})
	require.NoError(t, err)

	cb.ResetAll()
	for name, s := range cb.GetStats() {
		assert.Equal(t, StateClosed, s.State, name)
	}
}

func TestExecutePublishesEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.EventBreakerSuccess, events.EventBreakerFailure)
	cb := newTestBreaker(newFakeClock(), bus)
	var calls int32

	_, _ = cb.Execute(context.Background(), "svc-a", succeeding(&calls), Options{})
	_, _ = cb.Execute(context.Background(), "svc-a", failing(&calls), Options{})

	ev := <-sub
	assert.Equal(t, events.EventBreakerSuccess, ev.Type)
	assert.Equal(t, "svc-a", ev.Source)

	ev = <-sub
	assert.Equal(t, events.EventBreakerFailure, ev.Type)
	assert.Equal(t, 1, ev.Data["failure_count"])
	assert.Equal(t, errDownstream.Error(), ev.Data["error"])
}

func TestStatsReporter(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.EventBreakerStats)
	cb := New(config.NewNopLogger(), bus)
	var calls int32

	_, _ = cb.Execute(context.Background(), "svc-a", succeeding(&calls), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cb.StartStatsReporter(ctx, 10*time.Millisecond)

	select {
	case ev := <-sub:
		assert.Equal(t, 1, ev.Data["total"])
		breakers, ok := ev.Data["breakers"].(map[string]Stats)
		require.True(t, ok)
		assert.Contains(t, breakers, "svc-a")
	case <-time.After(time.Second):
		t.Fatal("no stats event")
	}
}

func TestWithDefaults(t *testing.T) {
	cb := New(nil, nil, WithDefaults(Options{FailureThreshold: 1}))
	var calls int32

	_, _ = cb.Execute(context.Background(), "svc-a", failing(&calls), Options{})

	stats, _ := cb.Get("svc-a")
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, DefaultSuccessThreshold, stats.SuccessThreshold)
}
