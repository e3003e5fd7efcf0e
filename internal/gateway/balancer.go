package gateway

import "sync"

// roundRobin 按服务名称维护的轮询计数器
type roundRobin struct {
	mu      sync.Mutex
	indexes map[string]uint64 // service name -> 已选择次数
}

func newRoundRobin() *roundRobin {
	return &roundRobin{
		indexes: make(map[string]uint64),
	}
}

// next 返回本次应选择的下标，实例数变化时按新的数量取模
func (rr *roundRobin) next(service string, n int) int {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	i := rr.indexes[service]
	rr.indexes[service] = i + 1
	return int(i % uint64(n))
}
