package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	// 熔断器默认配置
	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		SuccessThreshold int           `mapstructure:"success_threshold"`
		Timeout          time.Duration `mapstructure:"timeout"`
		ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
		StatsInterval    time.Duration `mapstructure:"stats_interval"`
	} `mapstructure:"breaker"`

	// 网关配置
	Gateway struct {
		MetricsInterval  time.Duration `mapstructure:"metrics_interval"`
		DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
		DefaultRetries   int           `mapstructure:"default_retries"`
		DefaultRateLimit int           `mapstructure:"default_rate_limit"`
		RateLimitWindow  string        `mapstructure:"rate_limit_window"`
	} `mapstructure:"gateway"`

	// API服务配置
	API struct {
		// 管理API端口配置
		Admin struct {
			ListenAddress string  `mapstructure:"listen_address"`
			Port          int     `mapstructure:"port"`
			RateLimit     float64 `mapstructure:"rate_limit"` // 每秒请求数，0表示不限制
		} `mapstructure:"admin"`

		// 网关入口端口配置
		Gateway struct {
			ListenAddress string `mapstructure:"listen_address"`
			Port          int    `mapstructure:"port"`
		} `mapstructure:"gateway"`
	} `mapstructure:"api"`

	// DNS服务配置
	DNS struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		Protocol      string `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		Domain        string `mapstructure:"domain"`
		TTL           int    `mapstructure:"ttl"`
	} `mapstructure:"dns"`

	// etcd配置，用于接收外部部署工具写入的实例和健康信息
	Etcd struct {
		Enabled     bool          `mapstructure:"enabled"`
		Endpoints   []string      `mapstructure:"endpoints"`
		Username    string        `mapstructure:"username"`
		Password    string        `mapstructure:"password"`
		Prefix      string        `mapstructure:"prefix"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
	} `mapstructure:"etcd"`

	// 启动清单
	Bootstrap struct {
		Manifest string `mapstructure:"manifest"`
	} `mapstructure:"bootstrap"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.kong-resilience")
		v.AddConfigPath("/etc/kong-resilience")
	}

	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认值；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("KONG_RESILIENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold必须大于0")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker.success_threshold必须大于0")
	}
	if c.Gateway.DefaultRetries < 0 {
		return fmt.Errorf("gateway.default_retries不能为负数")
	}
	if _, err := time.ParseDuration(c.Gateway.RateLimitWindow); err != nil {
		return fmt.Errorf("gateway.rate_limit_window无效: %w", err)
	}
	switch c.DNS.Protocol {
	case "udp", "tcp", "both":
	default:
		return fmt.Errorf("不支持的DNS协议: %s", c.DNS.Protocol)
	}
	if c.Etcd.Enabled && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("启用etcd时etcd.endpoints不能为空")
	}
	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)

	// 熔断器默认配置
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 3)
	v.SetDefault("breaker.timeout", "5s")
	v.SetDefault("breaker.reset_timeout", "30s")
	v.SetDefault("breaker.stats_interval", "60s")

	// 网关默认配置
	v.SetDefault("gateway.metrics_interval", "60s")
	v.SetDefault("gateway.default_timeout", "5s")
	v.SetDefault("gateway.default_retries", 0)
	v.SetDefault("gateway.default_rate_limit", 0)
	v.SetDefault("gateway.rate_limit_window", "1m")

	// API服务默认配置
	v.SetDefault("api.admin.listen_address", "0.0.0.0")
	v.SetDefault("api.admin.port", 9090)
	v.SetDefault("api.admin.rate_limit", 0)
	v.SetDefault("api.gateway.listen_address", "0.0.0.0")
	v.SetDefault("api.gateway.port", 8080)

	// DNS服务默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.protocol", "udp")
	v.SetDefault("dns.domain", "svc.local")
	v.SetDefault("dns.ttl", 30)

	// etcd默认配置
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.prefix", "/kong-resilience")
	v.SetDefault("etcd.dial_timeout", "5s")

	v.SetDefault("bootstrap.manifest", "")
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("etcd.endpoints", "KONG_RESILIENCE_ETCD_ENDPOINTS")
	v.BindEnv("dns.port", "KONG_RESILIENCE_DNS_PORT")
	v.BindEnv("api.admin.port", "KONG_RESILIENCE_ADMIN_API_PORT")
	v.BindEnv("api.gateway.port", "KONG_RESILIENCE_GATEWAY_API_PORT")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.kong-resilience/config.yaml",
		"/etc/kong-resilience/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
