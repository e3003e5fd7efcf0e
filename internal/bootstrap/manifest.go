package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/pkg/model"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Manifest 启动时加载的服务与路由清单
type Manifest struct {
	Services []ServiceSpec `yaml:"services"`
	Routes   []RouteSpec   `yaml:"routes"`
}

// ServiceSpec 服务定义及其静态实例
type ServiceSpec struct {
	model.ServiceDefinition `yaml:",inline"`
	Instances               []model.ServiceInstance `yaml:"instances"`
}

// RouteSpec 清单中的路由，未填写的字段使用网关默认配置
type RouteSpec struct {
	Path         string            `yaml:"path"`
	Service      string            `yaml:"service"`
	Methods      []string          `yaml:"methods"`
	AuthRequired bool              `yaml:"auth_required"`
	RateLimit    model.RateLimit   `yaml:"rate_limit"`
	Timeout      time.Duration     `yaml:"timeout"`
	Retries      *int              `yaml:"retries"`
	Headers      map[string]string `yaml:"headers"`
}

// Defaults 路由缺省值
type Defaults struct {
	Retries   int
	RateLimit int
	Window    string
}

// DefaultsFromConfig 从网关配置中读取路由缺省值
func DefaultsFromConfig(cfg *config.Config) Defaults {
	return Defaults{
		Retries:   cfg.Gateway.DefaultRetries,
		RateLimit: cfg.Gateway.DefaultRateLimit,
		Window:    cfg.Gateway.RateLimitWindow,
	}
}

// Load 读取并解析清单文件
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取清单文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析YAML清单
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("解析清单失败: %w", err)
	}
	return &m, nil
}

// Validate 检查清单中的全部条目，返回所有发现的问题
func (m *Manifest) Validate() error {
	var errs []error

	for i, svc := range m.Services {
		if svc.Name == "" {
			errs = append(errs, fmt.Errorf("services[%d]: 缺少name", i))
		}
		for j, inst := range svc.Instances {
			if inst.Host == "" || inst.Port <= 0 || inst.Port > 65535 {
				errs = append(errs, fmt.Errorf("services[%d].instances[%d]: 地址或端口无效", i, j))
			}
			if inst.Status != "" && !inst.Status.Valid() {
				errs = append(errs, fmt.Errorf("services[%d].instances[%d]: 无效的状态 %s", i, j, inst.Status))
			}
		}
	}

	paths := make(map[string]bool)
	for i, r := range m.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			errs = append(errs, fmt.Errorf("routes[%d]: path必须以/开头", i))
		}
		if paths[r.Path] {
			errs = append(errs, fmt.Errorf("routes[%d]: 重复的path %s", i, r.Path))
		}
		paths[r.Path] = true
		if r.Service == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: 缺少service", i))
		}
		if r.Retries != nil && *r.Retries < 0 {
			errs = append(errs, fmt.Errorf("routes[%d]: retries不能为负数", i))
		}
		if r.RateLimit.Requests < 0 {
			errs = append(errs, fmt.Errorf("routes[%d]: rate_limit.requests不能为负数", i))
		}
		if _, err := r.RateLimit.WindowDuration(); err != nil {
			errs = append(errs, fmt.Errorf("routes[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// Route 按缺省值补全为网关路由
func (r RouteSpec) Route(d Defaults) model.GatewayRoute {
	route := model.GatewayRoute{
		Path:         r.Path,
		Service:      r.Service,
		Methods:      r.Methods,
		AuthRequired: r.AuthRequired,
		RateLimit:    r.RateLimit,
		Timeout:      r.Timeout,
		Retries:      d.Retries,
		Headers:      r.Headers,
	}
	if r.Retries != nil {
		route.Retries = *r.Retries
	}
	if route.RateLimit.Requests == 0 {
		route.RateLimit.Requests = d.RateLimit
	}
	if route.RateLimit.Window == "" {
		route.RateLimit.Window = d.Window
	}
	return route
}

// Registry 应用清单需要的注册中心操作
type Registry interface {
	Register(definition model.ServiceDefinition) (string, error)
	RegisterInstance(serviceID string, instance *model.ServiceInstance) (*model.ServiceInstance, error)
}

// RouteAdder 应用清单需要的网关操作
type RouteAdder interface {
	AddRoute(route model.GatewayRoute) error
}

// Result 清单应用结果
type Result struct {
	Services  int
	Instances int
	Routes    int
}

// Apply 校验并依次注册服务、实例和路由，遇到第一个错误即停止
func Apply(m *Manifest, reg Registry, gw RouteAdder, d Defaults, logger config.Logger) (Result, error) {
	var res Result
	if logger == nil {
		logger = config.NewNopLogger()
	}

	if err := m.Validate(); err != nil {
		return res, err
	}

	for _, svc := range m.Services {
		id, err := reg.Register(svc.ServiceDefinition)
		if err != nil {
			return res, fmt.Errorf("注册服务 %s 失败: %w", svc.Name, err)
		}
		res.Services++

		for i := range svc.Instances {
			inst := svc.Instances[i]
			if _, err := reg.RegisterInstance(id, &inst); err != nil {
				return res, fmt.Errorf("注册服务 %s 的实例失败: %w", svc.Name, err)
			}
			res.Instances++
		}
	}

	for _, r := range m.Routes {
		if err := gw.AddRoute(r.Route(d)); err != nil {
			return res, fmt.Errorf("添加路由 %s 失败: %w", r.Path, err)
		}
		res.Routes++
	}

	logger.Info("启动清单已应用",
		zap.Int("services", res.Services),
		zap.Int("instances", res.Instances),
		zap.Int("routes", res.Routes))

	return res, nil
}
