package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	// 网关事件
	EventRouteAdded     EventType = "route:added"
	EventRouteRemoved   EventType = "route:removed"
	EventRequestSuccess EventType = "request:success"
	EventRequestFailure EventType = "request:failure"
	EventMetrics        EventType = "metrics"

	// 熔断器事件
	EventBreakerSuccess EventType = "success"
	EventBreakerFailure EventType = "failure"
	EventStateChange    EventType = "state-change"
	EventBreakerReset   EventType = "reset"
	EventBreakerStats   EventType = "stats"
)

// defaultBufferSize 每个订阅者的默认缓冲大小
const defaultBufferSize = 64

// Event 表示一条运行事件
type Event struct {
	ID        string
	Type      EventType
	Source    string
	Timestamp time.Time
	Data      map[string]interface{}
}

// Publisher 事件发布接口，网关和熔断器只依赖该接口
type Publisher interface {
	Publish(event *Event)
}

// Subscriber 接收事件的通道
type Subscriber chan *Event

// Bus 进程内的事件总线，每个网关或熔断器实例注入自己的总线
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]map[EventType]struct{}
	closed      bool
	dropped     atomic.Uint64
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]map[EventType]struct{}),
	}
}

// Subscribe 订阅指定类型的事件，不传类型时接收全部事件
func (b *Bus) Subscribe(types ...EventType) Subscriber {
	return b.SubscribeWithBuffer(defaultBufferSize, types...)
}

// SubscribeWithBuffer 以指定缓冲大小订阅事件
func (b *Bus) SubscribeWithBuffer(size int, types ...EventType) Subscriber {
	if size <= 0 {
		size = defaultBufferSize
	}

	var filter map[EventType]struct{}
	if len(types) > 0 {
		filter = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, size)
	if b.closed {
		close(sub)
		return sub
	}
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe 取消订阅并关闭通道
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish 向所有匹配的订阅者投递事件，订阅者缓冲已满时丢弃
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for sub, filter := range b.subscribers {
		if filter != nil {
			if _, ok := filter[event.Type]; !ok {
				continue
			}
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount 返回当前订阅者数量
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped 返回因订阅者缓冲已满而丢弃的事件数
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close 关闭总线及所有订阅通道
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = make(map[Subscriber]map[EventType]struct{})
}
