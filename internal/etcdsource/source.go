package etcdsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/internal/registry"
	"github.com/hewenyu/kong-resilience/pkg/model"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// key 的分类，初始加载时按此顺序应用
const (
	kindServices  = "services"
	kindInstances = "instances"
	kindHealth    = "health"
)

var kindOrder = map[string]int{kindServices: 0, kindInstances: 1, kindHealth: 2}

// Registry 数据源写入的注册中心操作
type Registry interface {
	Register(definition model.ServiceDefinition) (string, error)
	Deregister(serviceID string) error
	RegisterInstance(serviceID string, instance *model.ServiceInstance) (*model.ServiceInstance, error)
	DeregisterInstance(serviceID, instanceID string) error
	UpdateHealth(report model.HealthCheck) (bool, error)
}

// Source 监听etcd中部署工具写入的服务、实例和健康信息，并同步到注册中心。
//
//	<prefix>/services/<name>               ServiceDefinition JSON
//	<prefix>/instances/<name>/<instanceID> ServiceInstance JSON
//	<prefix>/health/<name>/<instanceID>    HealthCheck JSON
type Source struct {
	kv       clientv3.KV
	watcher  clientv3.Watcher
	registry Registry
	prefix   string
	logger   config.Logger

	mu         sync.Mutex
	serviceIDs map[string]string // 服务名称 -> 注册中心服务ID
}

// New 使用已有的KV和Watcher创建数据源
func New(kv clientv3.KV, watcher clientv3.Watcher, reg Registry, prefix string, logger config.Logger) *Source {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Source{
		kv:         kv,
		watcher:    watcher,
		registry:   reg,
		prefix:     strings.TrimSuffix(prefix, "/"),
		logger:     logger,
		serviceIDs: make(map[string]string),
	}
}

// Connect 按配置连接etcd集群
func Connect(cfg *config.Config, logger config.Logger) (*clientv3.Client, error) {
	logger.Info("连接到etcd集群", zap.Strings("endpoints", cfg.Etcd.Endpoints))

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
	})
	if err != nil {
		logger.Error("连接etcd失败", zap.Error(err))
		return nil, fmt.Errorf("连接etcd失败: %w", err)
	}
	return client, nil
}

// Run 加载前缀下已有的数据，然后持续监听变化，直到 ctx 取消
func (s *Source) Run(ctx context.Context) error {
	root := s.prefix + "/"
	s.logger.Info("开始同步etcd数据", zap.String("prefix", root))

	getResp, err := s.kv.Get(ctx, root, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("获取初始键值失败: %w", err)
	}

	// 先服务定义，再实例，最后健康状态
	kvs := getResp.Kvs
	sort.SliceStable(kvs, func(i, j int) bool {
		return kindOrder[s.kindOf(string(kvs[i].Key))] < kindOrder[s.kindOf(string(kvs[j].Key))]
	})
	for _, kv := range kvs {
		if err := s.applyPut(string(kv.Key), kv.Value); err != nil {
			s.logger.Warn("应用初始数据失败", zap.String("key", string(kv.Key)), zap.Error(err))
		}
	}

	rev := getResp.Header.Revision + 1
	for {
		watchChan := s.watcher.Watch(ctx, root, clientv3.WithPrefix(), clientv3.WithRev(rev), clientv3.WithPrevKV())
		for watchResp := range watchChan {
			if watchResp.CompactRevision != 0 {
				rev = watchResp.CompactRevision
			}
			if err := watchResp.Err(); err != nil {
				s.logger.Warn("etcd监听出错", zap.String("prefix", root), zap.Error(err))
				break
			}
			for _, ev := range watchResp.Events {
				if err := s.Apply(ev); err != nil {
					s.logger.Warn("应用etcd变更失败",
						zap.String("key", string(ev.Kv.Key)),
						zap.Error(err))
				}
				rev = ev.Kv.ModRevision + 1
			}
		}

		if ctx.Err() != nil {
			return nil
		}

		// 监听被取消后稍等再重新建立
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// Apply 应用一条etcd变更
func (s *Source) Apply(ev *clientv3.Event) error {
	key := string(ev.Kv.Key)
	switch ev.Type {
	case clientv3.EventTypePut:
		return s.applyPut(key, ev.Kv.Value)
	case clientv3.EventTypeDelete:
		return s.applyDelete(key)
	}
	return nil
}

// parseKey 拆分 <prefix>/<kind>/<name>[/<instanceID>]
func (s *Source) parseKey(key string) (kind, name, instanceID string, err error) {
	rel := strings.TrimPrefix(key, s.prefix+"/")
	if rel == key {
		return "", "", "", fmt.Errorf("key不在前缀 %s 下: %s", s.prefix, key)
	}

	parts := strings.Split(rel, "/")
	switch {
	case len(parts) == 2 && parts[0] == kindServices:
		return parts[0], parts[1], "", nil
	case len(parts) == 3 && (parts[0] == kindInstances || parts[0] == kindHealth):
		return parts[0], parts[1], parts[2], nil
	}
	return "", "", "", fmt.Errorf("无法识别的key: %s", key)
}

func (s *Source) kindOf(key string) string {
	kind, _, _, _ := s.parseKey(key)
	return kind
}

func (s *Source) applyPut(key string, value []byte) error {
	kind, name, instanceID, err := s.parseKey(key)
	if err != nil {
		return err
	}

	switch kind {
	case kindServices:
		var def model.ServiceDefinition
		if err := json.Unmarshal(value, &def); err != nil {
			return fmt.Errorf("解析服务定义失败: %w", err)
		}
		def.Name = name
		return s.putService(def)

	case kindInstances:
		var inst model.ServiceInstance
		if err := json.Unmarshal(value, &inst); err != nil {
			return fmt.Errorf("解析服务实例失败: %w", err)
		}
		inst.ID = instanceID
		return s.putInstance(name, &inst)

	case kindHealth:
		var report model.HealthCheck
		if err := json.Unmarshal(value, &report); err != nil {
			return fmt.Errorf("解析健康上报失败: %w", err)
		}
		sid, ok := s.lookup(name)
		if !ok {
			s.logger.Debug("忽略未知服务的健康上报", zap.String("service", name), zap.String("instance_id", instanceID))
			return nil
		}
		report.ServiceID = sid
		report.InstanceID = instanceID
		_, err := s.registry.UpdateHealth(report)
		return err
	}
	return nil
}

func (s *Source) applyDelete(key string) error {
	kind, name, instanceID, err := s.parseKey(key)
	if err != nil {
		return err
	}

	sid, ok := s.lookup(name)
	if !ok {
		return nil
	}

	switch kind {
	case kindServices:
		s.mu.Lock()
		delete(s.serviceIDs, name)
		s.mu.Unlock()
		return ignoreNotFound(s.registry.Deregister(sid))
	case kindInstances:
		return ignoreNotFound(s.registry.DeregisterInstance(sid, instanceID))
	}
	// 健康记录的删除无需处理，最新上报仍然有效
	return nil
}

// putService 重新注册服务定义；已有的实例不会迁移，需要部署工具重新写入
func (s *Source) putService(def model.ServiceDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.serviceIDs[def.Name]; ok {
		if err := ignoreNotFound(s.registry.Deregister(old)); err != nil {
			return err
		}
	}

	id, err := s.registry.Register(def)
	if err != nil {
		return err
	}
	s.serviceIDs[def.Name] = id
	s.logger.Info("从etcd同步服务定义", zap.String("name", def.Name), zap.String("service_id", id))
	return nil
}

// putInstance 注册或替换实例，服务未声明时按名称隐式注册
func (s *Source) putInstance(name string, inst *model.ServiceInstance) error {
	s.mu.Lock()
	sid, ok := s.serviceIDs[name]
	if !ok {
		id, err := s.registry.Register(model.ServiceDefinition{Name: name, Port: inst.Port})
		if err != nil {
			s.mu.Unlock()
			return err
		}
		sid = id
		s.serviceIDs[name] = sid
	}
	s.mu.Unlock()

	if err := ignoreNotFound(s.registry.DeregisterInstance(sid, inst.ID)); err != nil {
		return err
	}
	_, err := s.registry.RegisterInstance(sid, inst)
	if err == nil {
		s.logger.Info("从etcd同步服务实例",
			zap.String("service", name),
			zap.String("instance_id", inst.ID),
			zap.String("address", inst.Address()))
	}
	return err
}

func (s *Source) lookup(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.serviceIDs[name]
	return sid, ok
}

func ignoreNotFound(err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	return err
}
