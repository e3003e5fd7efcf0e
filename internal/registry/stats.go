package registry

import (
	"time"

	"github.com/hewenyu/kong-resilience/pkg/model"
)

// ServiceStat 单个服务名称下的实例统计，同名的多个定义会合并
type ServiceStat struct {
	Name        string `json:"name"`
	Definitions int    `json:"definitions"`
	Instances   int    `json:"instances"`
	Healthy     int    `json:"healthy"`
	Unhealthy   int    `json:"unhealthy"`
	Starting    int    `json:"starting"`
	Stopping    int    `json:"stopping"`
}

// Stats 注册中心的聚合快照
type Stats struct {
	TotalServices      int                     `json:"total_services"`
	TotalInstances     int                     `json:"total_instances"`
	HealthyInstances   int                     `json:"healthy_instances"`
	UnhealthyInstances int                     `json:"unhealthy_instances"`
	Services           map[string]*ServiceStat `json:"services"`
	Timestamp          time.Time               `json:"timestamp"`
}

// GetServiceStats 在一次读锁内完成统计，调用方不会看到中途注册的服务
func (r *Registry) GetServiceStats() *Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &Stats{
		TotalServices: len(r.order),
		Services:      make(map[string]*ServiceStat),
		Timestamp:     r.now(),
	}

	for _, id := range r.order {
		entry := r.services[id]
		name := entry.definition.Name

		stat, ok := stats.Services[name]
		if !ok {
			stat = &ServiceStat{Name: name}
			stats.Services[name] = stat
		}
		stat.Definitions++

		for _, inst := range entry.instances {
			stat.Instances++
			stats.TotalInstances++

			switch inst.Status {
			case model.InstanceStatusHealthy:
				stat.Healthy++
				stats.HealthyInstances++
			case model.InstanceStatusUnhealthy:
				stat.Unhealthy++
				stats.UnhealthyInstances++
			case model.InstanceStatusStarting:
				stat.Starting++
			case model.InstanceStatusStopping:
				stat.Stopping++
			}
		}
	}

	return stats
}
