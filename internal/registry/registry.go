package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/pkg/model"
	"go.uber.org/zap"
)

// Discovery 服务发现接口，网关只依赖该接口
type Discovery interface {
	// Discover 返回指定服务名称下所有健康实例
	Discover(serviceName string) []*model.ServiceInstance
}

// serviceEntry 一个已注册的服务定义及其实例
type serviceEntry struct {
	id           string
	definition   model.ServiceDefinition
	registeredAt time.Time
	instances    []*model.ServiceInstance
}

// RegisteredService 服务定义的只读视图
type RegisteredService struct {
	ID           string                  `json:"id"`
	Definition   model.ServiceDefinition `json:"definition"`
	RegisteredAt time.Time               `json:"registered_at"`
	Instances    int                     `json:"instances"`
}

// Option 注册中心可选配置
type Option func(*Registry)

// WithClock 注入时钟，测试中用于控制时间
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry 基于内存的服务注册中心
type Registry struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry
	order    []string                      // 按注册顺序保存的服务ID
	health   map[string]*model.HealthCheck // key: serviceID/instanceID
	logger   config.Logger
	now      func() time.Time
}

// NewRegistry 创建注册中心
func NewRegistry(logger config.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = config.NewNopLogger()
	}

	r := &Registry{
		services: make(map[string]*serviceEntry),
		health:   make(map[string]*model.HealthCheck),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 注册服务定义，返回由名称、版本和时间戳组成的服务ID
func (r *Registry) Register(definition model.ServiceDefinition) (string, error) {
	if definition.Name == "" {
		return "", NewInvalidArgumentError("服务名称不能为空")
	}
	if definition.Version == "" {
		definition.Version = "latest"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	base := fmt.Sprintf("%s-%s-%d", definition.Name, definition.Version, now.UnixMilli())
	id := base
	// 同一毫秒内重复注册时追加序号
	for n := 1; r.services[id] != nil; n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}

	definition.Dependencies = append([]string(nil), definition.Dependencies...)
	definition.Endpoints = append([]model.EndpointDefinition(nil), definition.Endpoints...)

	r.services[id] = &serviceEntry{
		id:           id,
		definition:   definition,
		registeredAt: now,
	}
	r.order = append(r.order, id)

	r.logger.Info("服务注册成功",
		zap.String("service_id", id),
		zap.String("name", definition.Name),
		zap.String("version", definition.Version))

	return id, nil
}

// Deregister 注销服务定义及其全部实例和健康记录
func (r *Registry) Deregister(serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.services[serviceID]
	if !ok {
		return NewNotFoundError("服务不存在: " + serviceID)
	}

	for _, inst := range entry.instances {
		delete(r.health, healthKey(serviceID, inst.ID))
	}
	// 同时清理未匹配实例的健康记录
	for key, report := range r.health {
		if report.ServiceID == serviceID {
			delete(r.health, key)
		}
	}

	delete(r.services, serviceID)
	for i, id := range r.order {
		if id == serviceID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Info("服务注销成功",
		zap.String("service_id", serviceID),
		zap.Int("instances", len(entry.instances)))

	return nil
}

// RegisterInstance 为服务注册一个运行实例
func (r *Registry) RegisterInstance(serviceID string, instance *model.ServiceInstance) (*model.ServiceInstance, error) {
	if instance == nil {
		return nil, NewInvalidArgumentError("实例不能为空")
	}
	if instance.Host == "" || instance.Port <= 0 || instance.Port > 65535 {
		return nil, NewInvalidArgumentError("实例地址和端口无效")
	}
	if instance.Status != "" && !instance.Status.Valid() {
		return nil, NewInvalidArgumentError("无效的实例状态: " + string(instance.Status))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.services[serviceID]
	if !ok {
		return nil, NewNotFoundError("服务不存在: " + serviceID)
	}

	inst := instance.Clone()
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	for _, existing := range entry.instances {
		if existing.ID == inst.ID {
			return nil, NewAlreadyExistsError("实例已存在: " + inst.ID)
		}
	}

	inst.ServiceID = serviceID
	if inst.Status == "" {
		inst.Status = model.InstanceStatusStarting
	}
	inst.RegisteredAt = r.now()
	if inst.Metadata.Version == "" {
		inst.Metadata.Version = entry.definition.Version
	}

	entry.instances = append(entry.instances, inst)

	r.logger.Info("服务实例注册成功",
		zap.String("service_id", serviceID),
		zap.String("instance_id", inst.ID),
		zap.String("address", inst.Address()),
		zap.String("status", string(inst.Status)))

	return inst.Clone(), nil
}

// DeregisterInstance 注销服务的一个实例
func (r *Registry) DeregisterInstance(serviceID, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.services[serviceID]
	if !ok {
		return NewNotFoundError("服务不存在: " + serviceID)
	}

	for i, inst := range entry.instances {
		if inst.ID == instanceID {
			entry.instances = append(entry.instances[:i], entry.instances[i+1:]...)
			delete(r.health, healthKey(serviceID, instanceID))
			r.logger.Info("服务实例注销成功",
				zap.String("service_id", serviceID),
				zap.String("instance_id", instanceID))
			return nil
		}
	}

	return NewNotFoundError("实例不存在: " + instanceID)
}

// UpdateHealth 保存健康上报并同步到对应实例的状态。
// 找不到实例时仍记录上报，但不产生其他影响，返回 applied=false。
func (r *Registry) UpdateHealth(report model.HealthCheck) (bool, error) {
	if report.ServiceID == "" || report.InstanceID == "" {
		return false, NewInvalidArgumentError("健康上报缺少服务ID或实例ID")
	}
	if !report.Status.Valid() {
		return false, NewInvalidArgumentError("无效的健康状态: " + string(report.Status))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if report.Timestamp.IsZero() {
		report.Timestamp = r.now()
	}
	stored := report
	r.health[healthKey(report.ServiceID, report.InstanceID)] = &stored

	entry, ok := r.services[report.ServiceID]
	if !ok {
		r.logger.Debug("收到未知服务的健康上报",
			zap.String("service_id", report.ServiceID),
			zap.String("instance_id", report.InstanceID))
		return false, nil
	}

	for _, inst := range entry.instances {
		if inst.ID != report.InstanceID {
			continue
		}
		if inst.Status != report.Status {
			r.logger.Info("实例健康状态变化",
				zap.String("service_id", report.ServiceID),
				zap.String("instance_id", inst.ID),
				zap.String("from", string(inst.Status)),
				zap.String("to", string(report.Status)))
		}
		inst.Status = report.Status
		inst.LastHealthCheck = report.Timestamp
		return true, nil
	}

	r.logger.Debug("收到未注册实例的健康上报",
		zap.String("service_id", report.ServiceID),
		zap.String("instance_id", report.InstanceID))
	return false, nil
}

// Discover 合并所有同名服务定义的实例，只返回健康实例。
// 没有匹配时返回空切片而不是错误。
func (r *Registry) Discover(serviceName string) []*model.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.ServiceInstance, 0)
	for _, id := range r.order {
		entry := r.services[id]
		if entry.definition.Name != serviceName {
			continue
		}
		for _, inst := range entry.instances {
			if inst.IsHealthy() {
				result = append(result, inst.Clone())
			}
		}
	}
	return result
}

// GetService 获取服务定义
func (r *Registry) GetService(serviceID string) (*RegisteredService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[serviceID]
	if !ok {
		return nil, NewNotFoundError("服务不存在: " + serviceID)
	}
	return entry.view(), nil
}

// ListServices 按注册顺序列出所有服务定义
func (r *Registry) ListServices() []*RegisteredService {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]*RegisteredService, 0, len(r.order))
	for _, id := range r.order {
		services = append(services, r.services[id].view())
	}
	return services
}

// ListInstances 列出服务的全部实例，不论状态
func (r *Registry) ListInstances(serviceID string) ([]*model.ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[serviceID]
	if !ok {
		return nil, NewNotFoundError("服务不存在: " + serviceID)
	}

	instances := make([]*model.ServiceInstance, 0, len(entry.instances))
	for _, inst := range entry.instances {
		instances = append(instances, inst.Clone())
	}
	return instances, nil
}

// GetHealth 获取实例最近一次健康上报
func (r *Registry) GetHealth(serviceID, instanceID string) (*model.HealthCheck, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report, ok := r.health[healthKey(serviceID, instanceID)]
	if !ok {
		return nil, false
	}
	c := *report
	return &c, true
}

func (e *serviceEntry) view() *RegisteredService {
	return &RegisteredService{
		ID:           e.id,
		Definition:   e.definition,
		RegisteredAt: e.registeredAt,
		Instances:    len(e.instances),
	}
}

func healthKey(serviceID, instanceID string) string {
	return serviceID + "/" + instanceID
}
