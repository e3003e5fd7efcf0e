package client

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver 通过kong-resilience的DNS服务解析服务实例
type DNSResolver struct {
	server   string
	domain   string
	cacheTTL time.Duration
	client   *dns.Client

	mu       sync.RWMutex
	srvCache map[string]srvCacheEntry
	now      func() time.Time
}

type srvCacheEntry struct {
	targets    []*net.SRV
	expiration time.Time
}

// NewDNSResolver 创建DNS解析客户端
func NewDNSResolver(server, domain string, cacheTTL time.Duration) *DNSResolver {
	if server == "" {
		server = "127.0.0.1:5353"
	}
	if domain == "" {
		domain = "svc.local"
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &DNSResolver{
		server:   server,
		domain:   strings.Trim(domain, "."),
		cacheTTL: cacheTTL,
		client:   &dns.Client{Timeout: 5 * time.Second},
		srvCache: make(map[string]srvCacheEntry),
		now:      time.Now,
	}
}

// LookupSRV 返回服务全部健康实例的SRV记录，结果按 cacheTTL 缓存
func (d *DNSResolver) LookupSRV(ctx context.Context, serviceName string) ([]*net.SRV, error) {
	if srvs := d.cachedSRV(serviceName); srvs != nil {
		return srvs, nil
	}

	queryName := fmt.Sprintf("_%s._tcp.%s", serviceName, d.domain)
	r, err := d.exchange(ctx, queryName, dns.TypeSRV)
	if err != nil {
		return nil, err
	}

	var srvs []*net.SRV
	for _, rr := range r.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			srvs = append(srvs, &net.SRV{
				Target:   srv.Target,
				Port:     srv.Port,
				Priority: srv.Priority,
				Weight:   srv.Weight,
			})
		}
	}
	if len(srvs) == 0 {
		return nil, fmt.Errorf("未找到服务[%s]的SRV记录", queryName)
	}

	d.mu.Lock()
	d.srvCache[serviceName] = srvCacheEntry{targets: srvs, expiration: d.now().Add(d.cacheTTL)}
	d.mu.Unlock()

	return srvs, nil
}

// LookupHost 解析域名的A记录
func (d *DNSResolver) LookupHost(ctx context.Context, name string) ([]string, error) {
	r, err := d.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("未找到[%s]的地址", name)
	}
	return ips, nil
}

// ResolveService 按SRV权重选择一个实例，返回 host:port
func (d *DNSResolver) ResolveService(ctx context.Context, serviceName string) (string, error) {
	srvs, err := d.LookupSRV(ctx, serviceName)
	if err != nil {
		return "", err
	}

	srv := selectSRVByWeight(srvs)
	ips, err := d.LookupHost(ctx, srv.Target)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ips[0], strconv.Itoa(int(srv.Port))), nil
}

// Invalidate 清除服务的SRV缓存
func (d *DNSResolver) Invalidate(serviceName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.srvCache, serviceName)
}

func (d *DNSResolver) cachedSRV(serviceName string) []*net.SRV {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if entry, ok := d.srvCache[serviceName]; ok && d.now().Before(entry.expiration) {
		return entry.targets
	}
	return nil
}

func (d *DNSResolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)

	r, _, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return nil, fmt.Errorf("查询[%s]失败: %w", name, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("查询[%s]失败: %s", name, dns.RcodeToString[r.Rcode])
	}
	return r, nil
}

// selectSRVByWeight 按权重随机选择，权重全为0时等概率选择
func selectSRVByWeight(srvs []*net.SRV) *net.SRV {
	if len(srvs) == 1 {
		return srvs[0]
	}

	total := 0
	for _, srv := range srvs {
		total += int(srv.Weight)
	}
	if total == 0 {
		return srvs[rand.Intn(len(srvs))]
	}

	n := rand.Intn(total)
	for _, srv := range srvs {
		n -= int(srv.Weight)
		if n < 0 {
			return srv
		}
	}
	return srvs[0]
}
