package gateway

import (
	"sync"
	"time"
)

// bucket 一个路由在当前时间窗口内的计数
type bucket struct {
	index int64
	count int
}

// rateLimiter 按 (路由, 时间窗口) 计数的固定窗口限流器
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket // key: route path
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
	}
}

// allow 判断请求是否放行，放行时计数加一。
// limit 为0表示不限流；进入新窗口时旧窗口的计数被丢弃。
func (l *rateLimiter) allow(path string, limit int, window time.Duration, now time.Time) bool {
	if limit <= 0 {
		return true
	}

	index := now.UnixMilli() / window.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[path]
	if !ok || b.index != index {
		b = &bucket{index: index}
		l.buckets[path] = b
	}

	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

// count 返回路由在当前窗口内已放行的请求数
func (l *rateLimiter) count(path string, window time.Duration, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[path]
	if !ok || b.index != now.UnixMilli()/window.Milliseconds() {
		return 0
	}
	return b.count
}

func (l *rateLimiter) forget(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, path)
}
