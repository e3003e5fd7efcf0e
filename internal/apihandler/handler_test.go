package apihandler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hewenyu/kong-resilience/internal/breaker"
	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/internal/gateway"
	"github.com/hewenyu/kong-resilience/internal/registry"
	"github.com/hewenyu/kong-resilience/internal/transport"
	"github.com/hewenyu/kong-resilience/pkg/model"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// MockLogger 实现config.Logger接口，用于测试
type MockLogger struct{}

func (l *MockLogger) Debug(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Info(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Warn(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Error(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Fatal(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) With(fields ...zapcore.Field) config.Logger {
	return l
}

type testEnv struct {
	handler  *EchoHandler
	registry *registry.Registry
	gateway  *gateway.Gateway
	breaker  *breaker.CircuitBreaker
	admin    *echo.Echo
	proxy    *echo.Echo
}

func newTestEnv(t *testing.T, sender gateway.Sender) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.API.Admin.ListenAddress = "localhost"
	cfg.API.Admin.Port = 9090
	cfg.Gateway.RateLimitWindow = "1m"

	logger := &MockLogger{}
	reg := registry.NewRegistry(logger)
	cb := breaker.New(logger, nil)
	if sender == nil {
		sender = gateway.SenderFunc(func(ctx context.Context, inst *model.ServiceInstance, msg *model.ServiceMessage) (*model.ServiceMessage, error) {
			return &model.ServiceMessage{Payload: map[string]string{"instance": inst.ID}}, nil
		})
	}
	gw := gateway.New(reg, cb, sender, nil, logger)

	h := NewAPIHandler(cfg, logger, Dependencies{Registry: reg, Gateway: gw, Breaker: cb})
	h.adminServer = echo.New()
	h.gatewayServer = echo.New()
	h.registerAdminRoutes()
	h.registerGatewayRoutes()

	return &testEnv{handler: h, registry: reg, gateway: gw, breaker: cb, admin: h.adminServer, proxy: h.gatewayServer}
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAdminHealthCheck(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(env.admin, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
	assert.Contains(t, response, "timestamp")
	assert.Equal(t, "kong-resilience-admin-api", response["service"])
}

func TestServiceLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(env.admin, http.MethodPost, "/api/v1/services", `{"name":"pricing","version":"1.0.0","port":8080}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	data := decode(t, rec)["data"].(map[string]interface{})
	sid := data["service_id"].(string)
	assert.True(t, strings.HasPrefix(sid, "pricing-1.0.0-"))

	rec = doJSON(env.admin, http.MethodPost, "/api/v1/services/"+sid+"/instances",
		`{"id":"A","host":"10.0.0.1","port":9000,"status":"healthy"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// 重复实例
	rec = doJSON(env.admin, http.MethodPost, "/api/v1/services/"+sid+"/instances",
		`{"id":"A","host":"10.0.0.1","port":9000}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(env.admin, http.MethodGet, "/api/v1/discover/pricing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 1)

	rec = doJSON(env.admin, http.MethodPut, "/api/v1/health",
		`{"service_id":"`+sid+`","instance_id":"A","status":"unhealthy"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["data"].(map[string]interface{})["applied"])

	rec = doJSON(env.admin, http.MethodPut, "/api/v1/health",
		`{"service_id":"`+sid+`","instance_id":"ghost","status":"healthy"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["data"].(map[string]interface{})["applied"])

	rec = doJSON(env.admin, http.MethodPut, "/api/v1/health",
		`{"service_id":"`+sid+`","instance_id":"A","status":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(env.admin, http.MethodGet, "/api/v1/stats/registry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, 1.0, stats["unhealthy_instances"])

	rec = doJSON(env.admin, http.MethodDelete, "/api/v1/services/"+sid+"/instances/A", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(env.admin, http.MethodDelete, "/api/v1/services/"+sid, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(env.admin, http.MethodDelete, "/api/v1/services/"+sid, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(env.admin, http.MethodGet, "/api/v1/services/"+sid, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteManagement(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(env.admin, http.MethodPost, "/api/v1/routes",
		`{"path":"/price/:sku","service":"pricing","methods":["GET"],"timeout":"250ms","retries":2}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	route, ok := env.gateway.Route("/price/:sku")
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, route.Timeout)
	assert.Equal(t, 2, route.Retries)
	assert.Equal(t, "1m", route.RateLimit.Window)

	rec = doJSON(env.admin, http.MethodPost, "/api/v1/routes", `{"path":"/bad","service":"pricing","timeout":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(env.admin, http.MethodPost, "/api/v1/routes", `{"path":"nope","service":"pricing"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(env.admin, http.MethodGet, "/api/v1/routes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 1)

	rec = doJSON(env.admin, http.MethodDelete, "/api/v1/routes?path=/price/:sku", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(env.admin, http.MethodDelete, "/api/v1/routes?path=/price/:sku", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBreakerEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	_, _ = env.breaker.Execute(context.Background(), "pricing-A", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, breaker.Options{})

	rec := doJSON(env.admin, http.MethodGet, "/api/v1/breakers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec)["data"], "pricing-A")

	rec = doJSON(env.admin, http.MethodPost, "/api/v1/breakers/pricing-A/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(env.admin, http.MethodPost, "/api/v1/breakers/unknown/reset", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(env.admin, http.MethodPost, "/api/v1/breakers/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func registerPricing(t *testing.T, env *testEnv, host string, port int) {
	t.Helper()

	sid, err := env.registry.Register(model.ServiceDefinition{Name: "pricing", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = env.registry.RegisterInstance(sid, &model.ServiceInstance{ID: "A", Host: host, Port: port, Status: model.InstanceStatusHealthy})
	require.NoError(t, err)
}

func TestProxyErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.gateway.AddRoute(model.GatewayRoute{
		Path:      "/price/:sku",
		Service:   "pricing",
		Methods:   []string{"GET"},
		RateLimit: model.RateLimit{Requests: 1},
	}))

	rec := doJSON(env.proxy, http.MethodGet, "/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(env.proxy, http.MethodPost, "/price/1", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(env.proxy, http.MethodGet, "/price/1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(env.proxy, http.MethodGet, "/price/2", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestProxyForwardsToInstance(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/price/sku-9", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":42}`))
	}))
	defer backend.Close()

	host, portStr, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	env := newTestEnv(t, transport.NewHTTPSender(nil, nil))
	registerPricing(t, env, host, port)
	require.NoError(t, env.gateway.AddRoute(model.GatewayRoute{Path: "/price/:sku", Service: "pricing"}))

	rec := doJSON(env.proxy, http.MethodGet, "/price/sku-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"price":42}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(gateway.CorrelationHeader))
}

func TestProxyDownstreamStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	host, portStr, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	env := newTestEnv(t, transport.NewHTTPSender(nil, nil))
	registerPricing(t, env, host, port)
	require.NoError(t, env.gateway.AddRoute(model.GatewayRoute{Path: "/price", Service: "pricing"}))

	rec := doJSON(env.proxy, http.MethodGet, "/price", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		_ = doJSON(env.proxy, http.MethodGet, "/price", "")
	}
	rec = doJSON(env.proxy, http.MethodGet, "/price", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, env.handler.Shutdown(ctx))
}

func TestProxyKeepsCallerCorrelationID(t *testing.T) {
	var seen atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(transport.HeaderCorrelationID))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	host, portStr, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	env := newTestEnv(t, transport.NewHTTPSender(nil, nil))
	registerPricing(t, env, host, port)
	require.NoError(t, env.gateway.AddRoute(model.GatewayRoute{Path: "/price/:sku", Service: "pricing"}))

	req := httptest.NewRequest(http.MethodGet, "/price/sku-1", nil)
	req.Header.Set("X-Correlation-ID", "caller-corr-1")
	rec := httptest.NewRecorder()
	env.proxy.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "caller-corr-1", rec.Header().Get(gateway.CorrelationHeader))
	assert.Equal(t, "caller-corr-1", seen.Load())
}

func TestRegisterServiceAcceptsDurationStrings(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doJSON(env.admin, http.MethodPost, "/api/v1/services",
		`{"name":"pricing","port":8080,"health":{"endpoint":"/health","interval":"10s","timeout":"2s"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	sid := decode(t, rec)["data"].(map[string]interface{})["service_id"].(string)

	svc, err := env.registry.GetService(sid)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, svc.Definition.Health.Interval)
	assert.Equal(t, 2*time.Second, svc.Definition.Health.Timeout)

	rec = doJSON(env.admin, http.MethodGet, "/api/v1/services/"+sid, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"interval":"10s"`)

	rec = doJSON(env.admin, http.MethodPost, "/api/v1/services",
		`{"name":"orders","health":{"interval":"soon"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
