package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hewenyu/kong-resilience/internal/apihandler"
	"github.com/hewenyu/kong-resilience/internal/bootstrap"
	"github.com/hewenyu/kong-resilience/internal/breaker"
	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/internal/dnsserver"
	"github.com/hewenyu/kong-resilience/internal/etcdsource"
	"github.com/hewenyu/kong-resilience/internal/events"
	"github.com/hewenyu/kong-resilience/internal/gateway"
	"github.com/hewenyu/kong-resilience/internal/metrics"
	"github.com/hewenyu/kong-resilience/internal/registry"
	"github.com/hewenyu/kong-resilience/internal/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动管理API和网关",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "配置文件路径")
	serveCmd.Flags().String("manifest", "", "启动清单路径，覆盖配置中的bootstrap.manifest")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	manifestFile, _ := cmd.Flags().GetString("manifest")

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if manifestFile != "" {
		cfg.Bootstrap.Manifest = manifestFile
	}

	// 初始化日志
	logger, err := config.NewLoggerWithLevel(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	logger.Info("kong-resilience 启动中...",
		zap.String("version", Version),
		zap.Int("admin_api_port", cfg.API.Admin.Port),
		zap.Int("gateway_api_port", cfg.API.Gateway.Port),
		zap.Bool("dns_enabled", cfg.DNS.Enabled),
		zap.Bool("etcd_enabled", cfg.Etcd.Enabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()

	reg := registry.NewRegistry(logger.With(zap.String("component", "registry")))
	cb := breaker.New(logger.With(zap.String("component", "breaker")), bus, breaker.WithDefaults(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}))
	sender := transport.NewHTTPSender(nil, logger.With(zap.String("component", "transport")))
	gw := gateway.New(reg, cb, sender, bus, logger.With(zap.String("component", "gateway")),
		gateway.WithDefaultTimeout(cfg.Gateway.DefaultTimeout))

	// 指标订阅事件总线，不占用请求路径；需在应用启动清单之前订阅
	m := metrics.New(nil, logger)
	m.Start(ctx, bus)
	cb.StartStatsReporter(ctx, cfg.Breaker.StatsInterval)
	gw.StartMetricsReporter(ctx, cfg.Gateway.MetricsInterval)

	if cfg.Bootstrap.Manifest != "" {
		manifest, err := bootstrap.Load(cfg.Bootstrap.Manifest)
		if err != nil {
			return err
		}
		if _, err := bootstrap.Apply(manifest, reg, gw, bootstrap.DefaultsFromConfig(cfg), logger); err != nil {
			return fmt.Errorf("应用启动清单失败: %w", err)
		}
	}

	if cfg.Etcd.Enabled {
		client, err := etcdsource.Connect(cfg, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		src := etcdsource.New(client, client, reg, cfg.Etcd.Prefix, logger.With(zap.String("component", "etcdsource")))
		go func() {
			if err := src.Run(ctx); err != nil {
				logger.Error("etcd同步退出", zap.Error(err))
			}
		}()
	}

	var dnsServer *dnsserver.DNSServer
	if cfg.DNS.Enabled {
		dnsServer = dnsserver.NewDNSServer(cfg, logger.With(zap.String("component", "dns")), reg)
		if err := dnsServer.Start(); err != nil {
			return fmt.Errorf("启动DNS服务器失败: %w", err)
		}
	}

	api := apihandler.NewAPIHandler(cfg, logger, apihandler.Dependencies{
		Registry: reg,
		Gateway:  gw,
		Breaker:  cb,
		Metrics:  m.Handler(),
	})
	if err := api.StartAdminAPI(); err != nil {
		return fmt.Errorf("启动管理API失败: %w", err)
	}
	if err := api.StartGatewayAPI(); err != nil {
		return fmt.Errorf("启动网关入口失败: %w", err)
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭API服务出错", zap.Error(err))
	}
	if dnsServer != nil {
		if err := dnsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("关闭DNS服务器出错", zap.Error(err))
		}
	}

	logger.Info("服务已关闭")
	return nil
}
