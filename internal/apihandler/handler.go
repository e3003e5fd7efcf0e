package apihandler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hewenyu/kong-resilience/internal/breaker"
	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/internal/gateway"
	"github.com/hewenyu/kong-resilience/internal/registry"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler 定义API处理器接口
type Handler interface {
	// StartAdminAPI 启动管理API服务
	StartAdminAPI() error

	// StartGatewayAPI 启动网关入口服务
	StartGatewayAPI() error

	// Shutdown 优雅关闭API服务
	Shutdown(ctx context.Context) error
}

// Dependencies API处理器依赖的组件，Metrics 可以为 nil
type Dependencies struct {
	Registry *registry.Registry
	Gateway  *gateway.Gateway
	Breaker  *breaker.CircuitBreaker
	Metrics  http.Handler
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	adminServer   *echo.Echo
	gatewayServer *echo.Echo
	cfg           *config.Config
	logger        config.Logger
	deps          Dependencies
}

// NewAPIHandler 创建一个新的API处理器
func NewAPIHandler(cfg *config.Config, logger config.Logger, deps Dependencies) *EchoHandler {
	return &EchoHandler{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
	}
}

// newServer 创建带通用中间件的Echo实例
func newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	return e
}

// StartAdminAPI 启动管理API服务
func (h *EchoHandler) StartAdminAPI() error {
	addr := fmt.Sprintf("%s:%d", h.cfg.API.Admin.ListenAddress, h.cfg.API.Admin.Port)
	h.logger.Info("启动管理API服务", zap.String("address", addr))

	h.adminServer = newServer()

	// 添加CORS中间件
	h.adminServer.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	if h.cfg.API.Admin.RateLimit > 0 {
		h.adminServer.Use(middleware.RateLimiter(
			middleware.NewRateLimiterMemoryStore(rate.Limit(h.cfg.API.Admin.RateLimit))))
	}

	h.registerAdminRoutes()

	// 启动服务（非阻塞）
	go func() {
		if err := h.adminServer.Start(addr); err != nil && err != http.ErrServerClosed {
			h.logger.Error("管理API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// StartGatewayAPI 启动网关入口服务，所有请求交给网关分发
func (h *EchoHandler) StartGatewayAPI() error {
	addr := fmt.Sprintf("%s:%d", h.cfg.API.Gateway.ListenAddress, h.cfg.API.Gateway.Port)
	h.logger.Info("启动网关入口服务", zap.String("address", addr))

	h.gatewayServer = newServer()
	h.registerGatewayRoutes()

	go func() {
		if err := h.gatewayServer.Start(addr); err != nil && err != http.ErrServerClosed {
			h.logger.Error("网关入口服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭API服务
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭API服务...")

	// 先停止接收业务流量
	if h.gatewayServer != nil {
		if err := h.gatewayServer.Shutdown(ctx); err != nil {
			h.logger.Error("关闭网关入口服务出错", zap.Error(err))
			return err
		}
	}

	if h.adminServer != nil {
		if err := h.adminServer.Shutdown(ctx); err != nil {
			h.logger.Error("关闭管理API服务出错", zap.Error(err))
			return err
		}
	}

	return nil
}

// registerGatewayRoutes 网关入口只有一个兜底路由
func (h *EchoHandler) registerGatewayRoutes() {
	h.gatewayServer.Any("/*", h.proxyHandler)
}
