package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/internal/registry"
	"github.com/hewenyu/kong-resilience/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
services:
  - name: pricing
    version: 1.0.0
    port: 8080
    health:
      endpoint: /health
      interval: 10s
    instances:
      - id: pricing-a
        host: 10.0.0.1
        port: 8080
        status: healthy
      - id: pricing-b
        host: 10.0.0.2
        port: 8080
        status: healthy
        metadata:
          weight: 20
  - name: orders
    port: 9090
routes:
  - path: /api/pricing/:id
    service: pricing
    methods: [GET]
    timeout: 2s
    retries: 1
    rate_limit:
      requests: 100
      window: 1m
  - path: /api/orders
    service: orders
    methods: [GET, POST]
    headers:
      X-Gateway: kong-resilience
`

type fakeGateway struct {
	routes []model.GatewayRoute
}

func (g *fakeGateway) AddRoute(route model.GatewayRoute) error {
	g.routes = append(g.routes, route)
	return nil
}

var testDefaults = Defaults{Retries: 3, RateLimit: 50, Window: "30s"}

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	require.Len(t, m.Services, 2)
	assert.Equal(t, "pricing", m.Services[0].Name)
	assert.Equal(t, 10*time.Second, m.Services[0].Health.Interval)
	require.Len(t, m.Services[0].Instances, 2)
	assert.Equal(t, 20, m.Services[0].Instances[1].Metadata.Weight)

	require.Len(t, m.Routes, 2)
	assert.Equal(t, 2*time.Second, m.Routes[0].Timeout)
	require.NotNil(t, m.Routes[0].Retries)
	assert.Equal(t, 1, *m.Routes[0].Retries)
	assert.Nil(t, m.Routes[1].Retries)

	assert.NoError(t, m.Validate())
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("services: ["))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Services, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	m := &Manifest{
		Services: []ServiceSpec{
			{Instances: []model.ServiceInstance{{Host: "", Port: 0, Status: "broken"}}},
		},
		Routes: []RouteSpec{
			{Path: "api", Service: ""},
			{Path: "/a", Service: "x", RateLimit: model.RateLimit{Window: "soon"}},
			{Path: "/a", Service: "x"},
		},
	}

	err := m.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "services[0]: 缺少name")
	assert.Contains(t, msg, "services[0].instances[0]: 地址或端口无效")
	assert.Contains(t, msg, "无效的状态")
	assert.Contains(t, msg, "routes[0]: path必须以/开头")
	assert.Contains(t, msg, "routes[0]: 缺少service")
	assert.Contains(t, msg, "routes[1]")
	assert.Contains(t, msg, "routes[2]: 重复的path")
}

func TestRouteDefaults(t *testing.T) {
	zero := 0
	explicit := RouteSpec{Path: "/a", Service: "a", Retries: &zero, RateLimit: model.RateLimit{Requests: 5, Window: "1s"}}
	route := explicit.Route(testDefaults)
	assert.Equal(t, 0, route.Retries)
	assert.Equal(t, 5, route.RateLimit.Requests)
	assert.Equal(t, "1s", route.RateLimit.Window)

	route = RouteSpec{Path: "/b", Service: "b"}.Route(testDefaults)
	assert.Equal(t, 3, route.Retries)
	assert.Equal(t, 50, route.RateLimit.Requests)
	assert.Equal(t, "30s", route.RateLimit.Window)
}

func TestDefaultsFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.DefaultRetries = 2
	cfg.Gateway.DefaultRateLimit = 10
	cfg.Gateway.RateLimitWindow = "1m"

	assert.Equal(t, Defaults{Retries: 2, RateLimit: 10, Window: "1m"}, DefaultsFromConfig(cfg))
}

func TestApply(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	reg := registry.NewRegistry(config.NewNopLogger())
	gw := &fakeGateway{}

	res, err := Apply(m, reg, gw, testDefaults, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Services: 2, Instances: 2, Routes: 2}, res)

	instances := reg.Discover("pricing")
	require.Len(t, instances, 2)
	assert.Equal(t, "pricing-a", instances[0].ID)
	assert.Equal(t, "1.0.0", instances[0].Metadata.Version)

	require.Len(t, gw.routes, 2)
	assert.Equal(t, 1, gw.routes[0].Retries)
	assert.Equal(t, 3, gw.routes[1].Retries)
	assert.Equal(t, "kong-resilience", gw.routes[1].Headers["X-Gateway"])
}

func TestApplyStopsOnInvalidManifest(t *testing.T) {
	reg := registry.NewRegistry(config.NewNopLogger())
	gw := &fakeGateway{}

	m := &Manifest{Routes: []RouteSpec{{Path: "nope"}}}
	_, err := Apply(m, reg, gw, testDefaults, nil)
	assert.Error(t, err)
	assert.Empty(t, gw.routes)
	assert.Empty(t, reg.ListServices())
}

func TestApplyDuplicateInstance(t *testing.T) {
	reg := registry.NewRegistry(config.NewNopLogger())
	m := &Manifest{Services: []ServiceSpec{{
		ServiceDefinition: model.ServiceDefinition{Name: "pricing"},
		Instances: []model.ServiceInstance{
			{ID: "a", Host: "10.0.0.1", Port: 80},
			{ID: "a", Host: "10.0.0.2", Port: 80},
		},
	}}}

	res, err := Apply(m, reg, &fakeGateway{}, testDefaults, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)
	assert.Equal(t, 1, res.Instances)
}
