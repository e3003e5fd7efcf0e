package apihandler

import (
	"errors"
	"net/http"
	"time"

	"github.com/hewenyu/kong-resilience/internal/gateway"
	"github.com/hewenyu/kong-resilience/internal/registry"
	"github.com/hewenyu/kong-resilience/pkg/model"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// RouteRequest 添加路由的请求体，超时使用时长字符串，例如 "500ms"
type RouteRequest struct {
	Path         string            `json:"path"`
	Service      string            `json:"service"`
	Methods      []string          `json:"methods"`
	AuthRequired bool              `json:"auth_required"`
	RateLimit    model.RateLimit   `json:"rate_limit"`
	Timeout      string            `json:"timeout"`
	Retries      *int              `json:"retries"`
	Headers      map[string]string `json:"headers"`
}

// registerAdminRoutes 注册管理API路由
func (h *EchoHandler) registerAdminRoutes() {
	// 健康检查端点
	h.adminServer.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
			"service":   "kong-resilience-admin-api",
		})
	})

	if h.deps.Metrics != nil {
		h.adminServer.GET("/metrics", echo.WrapHandler(h.deps.Metrics))
	}

	v1 := h.adminServer.Group("/api/v1")

	// 服务注册相关端点
	v1.POST("/services", h.registerServiceHandler)
	v1.GET("/services", h.listServicesHandler)
	v1.GET("/services/:id", h.getServiceHandler)
	v1.DELETE("/services/:id", h.deregisterServiceHandler)
	v1.POST("/services/:id/instances", h.registerInstanceHandler)
	v1.GET("/services/:id/instances", h.listInstancesHandler)
	v1.DELETE("/services/:id/instances/:instanceId", h.deregisterInstanceHandler)
	v1.PUT("/health", h.updateHealthHandler)
	v1.GET("/discover/:name", h.discoverHandler)

	// 路由管理相关端点
	v1.GET("/routes", h.listRoutesHandler)
	v1.POST("/routes", h.addRouteHandler)
	v1.DELETE("/routes", h.removeRouteHandler)

	// 熔断器相关端点
	v1.GET("/breakers", h.listBreakersHandler)
	v1.POST("/breakers/reset", h.resetAllBreakersHandler)
	v1.POST("/breakers/:name/reset", h.resetBreakerHandler)

	// 统计端点
	v1.GET("/stats/registry", h.registryStatsHandler)
	v1.GET("/stats/gateway", h.gatewayStatsHandler)
}

// registryError 将注册中心错误转换为HTTP响应
func (h *EchoHandler) registryError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrInvalidArgument):
		status = http.StatusBadRequest
	}
	return c.JSON(status, &model.ApiResponse{Code: status, Message: err.Error()})
}

func respond(c echo.Context, status int, message string, data interface{}) error {
	return c.JSON(status, &model.ApiResponse{Code: status, Message: message, Data: data})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, &model.ApiResponse{Code: http.StatusBadRequest, Message: message})
}

func (h *EchoHandler) registerServiceHandler(c echo.Context) error {
	var def model.ServiceDefinition
	if err := c.Bind(&def); err != nil {
		return badRequest(c, "请求格式错误: "+err.Error())
	}

	id, err := h.deps.Registry.Register(def)
	if err != nil {
		return h.registryError(c, err)
	}
	return respond(c, http.StatusCreated, "服务注册成功", map[string]string{"service_id": id})
}

func (h *EchoHandler) listServicesHandler(c echo.Context) error {
	return respond(c, http.StatusOK, "success", h.deps.Registry.ListServices())
}

func (h *EchoHandler) getServiceHandler(c echo.Context) error {
	svc, err := h.deps.Registry.GetService(c.Param("id"))
	if err != nil {
		return h.registryError(c, err)
	}
	return respond(c, http.StatusOK, "success", svc)
}

func (h *EchoHandler) deregisterServiceHandler(c echo.Context) error {
	if err := h.deps.Registry.Deregister(c.Param("id")); err != nil {
		return h.registryError(c, err)
	}
	return respond(c, http.StatusOK, "服务注销成功", nil)
}

func (h *EchoHandler) registerInstanceHandler(c echo.Context) error {
	inst := new(model.ServiceInstance)
	if err := c.Bind(inst); err != nil {
		return badRequest(c, "请求格式错误: "+err.Error())
	}

	registered, err := h.deps.Registry.RegisterInstance(c.Param("id"), inst)
	if err != nil {
		return h.registryError(c, err)
	}
	return respond(c, http.StatusCreated, "实例注册成功", registered)
}

func (h *EchoHandler) listInstancesHandler(c echo.Context) error {
	instances, err := h.deps.Registry.ListInstances(c.Param("id"))
	if err != nil {
		return h.registryError(c, err)
	}
	return respond(c, http.StatusOK, "success", instances)
}

func (h *EchoHandler) deregisterInstanceHandler(c echo.Context) error {
	if err := h.deps.Registry.DeregisterInstance(c.Param("id"), c.Param("instanceId")); err != nil {
		return h.registryError(c, err)
	}
	return respond(c, http.StatusOK, "实例注销成功", nil)
}

func (h *EchoHandler) updateHealthHandler(c echo.Context) error {
	var report model.HealthCheck
	if err := c.Bind(&report); err != nil {
		return badRequest(c, "请求格式错误: "+err.Error())
	}

	applied, err := h.deps.Registry.UpdateHealth(report)
	if err != nil {
		return h.registryError(c, err)
	}
	return respond(c, http.StatusOK, "健康状态已记录", map[string]bool{"applied": applied})
}

func (h *EchoHandler) discoverHandler(c echo.Context) error {
	return respond(c, http.StatusOK, "success", h.deps.Registry.Discover(c.Param("name")))
}

func (h *EchoHandler) listRoutesHandler(c echo.Context) error {
	return respond(c, http.StatusOK, "success", h.deps.Gateway.Routes())
}

func (h *EchoHandler) addRouteHandler(c echo.Context) error {
	var req RouteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求格式错误: "+err.Error())
	}

	route, err := h.routeFromRequest(&req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.deps.Gateway.AddRoute(route); err != nil {
		h.logger.Warn("添加路由失败", zap.String("path", req.Path), zap.Error(err))
		return badRequest(c, err.Error())
	}

	added, _ := h.deps.Gateway.Route(route.Path)
	return respond(c, http.StatusCreated, "路由添加成功", added)
}

// routeFromRequest 按网关的默认配置补全路由
func (h *EchoHandler) routeFromRequest(req *RouteRequest) (model.GatewayRoute, error) {
	route := model.GatewayRoute{
		Path:         req.Path,
		Service:      req.Service,
		Methods:      req.Methods,
		AuthRequired: req.AuthRequired,
		RateLimit:    req.RateLimit,
		Headers:      req.Headers,
		Retries:      h.cfg.Gateway.DefaultRetries,
	}
	if req.Retries != nil {
		route.Retries = *req.Retries
	}
	if route.RateLimit.Requests == 0 {
		route.RateLimit.Requests = h.cfg.Gateway.DefaultRateLimit
	}
	if route.RateLimit.Window == "" {
		route.RateLimit.Window = h.cfg.Gateway.RateLimitWindow
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return route, errors.New("无效的超时时间: " + req.Timeout)
		}
		route.Timeout = d
	}
	return route, nil
}

func (h *EchoHandler) removeRouteHandler(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return badRequest(c, "缺少path参数")
	}
	if !h.deps.Gateway.RemoveRoute(path) {
		return c.JSON(http.StatusNotFound, &model.ApiResponse{Code: http.StatusNotFound, Message: "路由不存在: " + path})
	}
	return respond(c, http.StatusOK, "路由删除成功", nil)
}

func (h *EchoHandler) listBreakersHandler(c echo.Context) error {
	return respond(c, http.StatusOK, "success", h.deps.Breaker.GetStats())
}

func (h *EchoHandler) resetBreakerHandler(c echo.Context) error {
	name := c.Param("name")
	if !h.deps.Breaker.Reset(name) {
		return c.JSON(http.StatusNotFound, &model.ApiResponse{Code: http.StatusNotFound, Message: "熔断器不存在: " + name})
	}
	return respond(c, http.StatusOK, "熔断器已重置", nil)
}

func (h *EchoHandler) resetAllBreakersHandler(c echo.Context) error {
	h.deps.Breaker.ResetAll()
	return respond(c, http.StatusOK, "全部熔断器已重置", nil)
}

func (h *EchoHandler) registryStatsHandler(c echo.Context) error {
	return respond(c, http.StatusOK, "success", h.deps.Registry.GetServiceStats())
}

func (h *EchoHandler) gatewayStatsHandler(c echo.Context) error {
	return respond(c, http.StatusOK, "success", h.deps.Gateway.GetStats())
}

// statusFor 将网关错误映射为HTTP状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrRouteNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, gateway.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrTransformFailed):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNoHealthyInstances):
		return http.StatusServiceUnavailable
	}
	return downstreamStatus(err)
}
