package gateway

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/hewenyu/kong-resilience/pkg/model"
)

// compiledRoute 路由及其编译后的路径匹配规则
type compiledRoute struct {
	route   *model.GatewayRoute
	pattern *regexp.Regexp // 不含 :segment 的路径为 nil
	params  []string
}

// routeTable 以字面路径为键的路由表，模式匹配按添加顺序进行
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]*compiledRoute
	order  []string
}

func newRouteTable() *routeTable {
	return &routeTable{
		routes: make(map[string]*compiledRoute),
	}
}

// compilePath 将 /users/:id 转换为 ^/users/([^/]+)$
func compilePath(path string) (*regexp.Regexp, []string, error) {
	if !strings.Contains(path, ":") {
		return nil, nil, nil
	}

	segments := strings.Split(path, "/")
	params := make([]string, 0)
	for i, seg := range segments {
		if strings.HasPrefix(seg, ":") {
			name := seg[1:]
			if name == "" {
				return nil, nil, fmt.Errorf("%w: 路径参数缺少名称: %s", ErrInvalidRoute, path)
			}
			params = append(params, name)
			segments[i] = "([^/]+)"
			continue
		}
		segments[i] = regexp.QuoteMeta(seg)
	}

	re, err := regexp.Compile("^" + strings.Join(segments, "/") + "$")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}
	return re, params, nil
}

// put 添加或替换路由，替换时保留原有的匹配顺序
func (t *routeTable) put(route *model.GatewayRoute) error {
	pattern, params, err := compilePath(route.Path)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.routes[route.Path]; !exists {
		t.order = append(t.order, route.Path)
	}
	t.routes[route.Path] = &compiledRoute{route: route, pattern: pattern, params: params}
	return nil
}

func (t *routeTable) remove(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.routes[path]; !exists {
		return false
	}
	delete(t.routes, path)
	for i, p := range t.order {
		if p == path {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// match 先精确匹配，再按添加顺序尝试模式，返回第一个匹配的路由及路径参数
func (t *routeTable) match(path string) (*model.GatewayRoute, map[string]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if cr, ok := t.routes[path]; ok {
		return cr.route, map[string]string{}, true
	}

	for _, p := range t.order {
		cr := t.routes[p]
		if cr.pattern == nil {
			continue
		}
		groups := cr.pattern.FindStringSubmatch(path)
		if groups == nil {
			continue
		}
		params := make(map[string]string, len(cr.params))
		for i, name := range cr.params {
			params[name] = groups[i+1]
		}
		return cr.route, params, true
	}

	return nil, nil, false
}

func (t *routeTable) list() []*model.GatewayRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()

	routes := make([]*model.GatewayRoute, 0, len(t.order))
	for _, p := range t.order {
		r := *t.routes[p].route
		routes = append(routes, &r)
	}
	return routes
}

func (t *routeTable) get(path string) (*model.GatewayRoute, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cr, ok := t.routes[path]
	if !ok {
		return nil, false
	}
	r := *cr.route
	return &r, true
}
