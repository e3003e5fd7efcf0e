package dnsserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/hewenyu/kong-resilience/internal/config"
	"github.com/hewenyu/kong-resilience/internal/registry"
	"github.com/hewenyu/kong-resilience/pkg/model"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Server 定义DNS服务器接口
type Server interface {
	// Start 启动DNS服务器
	Start() error

	// Shutdown 优雅关闭DNS服务器
	Shutdown(ctx context.Context) error
}

// DNSServer 基于注册中心健康实例应答A和SRV查询
type DNSServer struct {
	udpServer   *dns.Server
	tcpServer   *dns.Server
	cfg         *config.Config
	logger      config.Logger
	discovery   registry.Discovery
	domain      string
	shutdownErr chan error
}

// NewDNSServer 创建一个新的DNS服务器
func NewDNSServer(cfg *config.Config, logger config.Logger, discovery registry.Discovery) *DNSServer {
	return &DNSServer{
		cfg:         cfg,
		logger:      logger,
		discovery:   discovery,
		domain:      strings.Trim(strings.ToLower(cfg.DNS.Domain), "."),
		shutdownErr: make(chan error, 2), // 用于收集UDP和TCP服务器的关闭错误
	}
}

// Start 启动DNS服务器
func (s *DNSServer) Start() error {
	s.logger.Info("启动DNS服务器",
		zap.String("address", s.cfg.DNS.ListenAddress),
		zap.Int("port", s.cfg.DNS.Port),
		zap.String("protocol", s.cfg.DNS.Protocol),
		zap.String("domain", s.domain))

	// 只应答本服务域下的查询
	handler := dns.NewServeMux()
	handler.HandleFunc(dns.Fqdn(s.domain), s.handleDNSRequest)

	addr := net.JoinHostPort(s.cfg.DNS.ListenAddress, strconv.Itoa(s.cfg.DNS.Port))

	switch s.cfg.DNS.Protocol {
	case "udp":
		s.udpServer = s.listen(addr, "udp", handler)
	case "tcp":
		s.tcpServer = s.listen(addr, "tcp", handler)
	case "both":
		s.udpServer = s.listen(addr, "udp", handler)
		s.tcpServer = s.listen(addr, "tcp", handler)
	default:
		return fmt.Errorf("不支持的DNS协议: %s", s.cfg.DNS.Protocol)
	}
	return nil
}

// listen 在后台启动指定协议的服务器
func (s *DNSServer) listen(addr, network string, handler dns.Handler) *dns.Server {
	server := &dns.Server{
		Addr:    addr,
		Net:     network,
		Handler: handler,
	}

	s.logger.Info("启动DNS监听", zap.String("addr", addr), zap.String("net", network))

	go func() {
		if err := server.ListenAndServe(); err != nil {
			// miekg/dns没有ErrServerClosed，关闭时也会返回错误
			s.logger.Error("DNS服务器错误", zap.String("net", network), zap.Error(err))
			s.shutdownErr <- err
		}
	}()

	return server
}

// Shutdown 优雅关闭DNS服务器
func (s *DNSServer) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭DNS服务器...")

	for _, server := range []*dns.Server{s.udpServer, s.tcpServer} {
		if server == nil {
			continue
		}
		if err := server.ShutdownContext(ctx); err != nil {
			s.logger.Error("关闭DNS服务器出错", zap.String("net", server.Net), zap.Error(err))
			return err
		}
	}

	s.logger.Info("DNS服务器已关闭")
	return nil
}

// handleDNSRequest 处理DNS请求
func (s *DNSServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		s.logger.Debug("收到DNS查询",
			zap.String("name", q.Name),
			zap.String("type", dns.TypeToString[q.Qtype]),
			zap.String("client", w.RemoteAddr().String()))

		if !s.handleQuery(q, m) {
			m.SetRcode(r, dns.RcodeNameError)
		}
	}

	if err := w.WriteMsg(m); err != nil {
		s.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}

// serviceFromName 从查询名称中解析服务名，支持
// <service>.<domain>、<instance>.<service>.<domain> 和 _<service>._tcp.<domain>
func (s *DNSServer) serviceFromName(name string) (string, bool) {
	suffix := "." + s.domain
	if !strings.HasSuffix(name, suffix) {
		return "", false
	}
	rel := strings.TrimSuffix(name, suffix)
	if rel == "" {
		return "", false
	}

	if strings.HasSuffix(rel, "._tcp") {
		service := strings.TrimSuffix(rel, "._tcp")
		if !strings.HasPrefix(service, "_") || strings.Contains(service, ".") {
			return "", false
		}
		return strings.TrimPrefix(service, "_"), true
	}

	labels := strings.Split(rel, ".")
	if len(labels) > 2 {
		return "", false
	}
	return labels[len(labels)-1], true
}

// handleQuery 处理单个DNS查询问题
func (s *DNSServer) handleQuery(q dns.Question, m *dns.Msg) bool {
	name := strings.TrimSuffix(strings.ToLower(q.Name), ".")

	service, ok := s.serviceFromName(name)
	if !ok {
		return false
	}

	var want model.DNSRecordType
	switch q.Qtype {
	case dns.TypeA:
		want = model.RecordTypeA
	case dns.TypeSRV:
		want = model.RecordTypeSRV
	default:
		s.logger.Debug("不支持的DNS记录类型",
			zap.String("name", name),
			zap.String("type", dns.TypeToString[q.Qtype]))
		return false
	}

	found := false
	for _, inst := range s.discovery.Discover(service) {
		for _, record := range model.InstanceDNSRecords(inst, service, s.domain, uint32(s.cfg.DNS.TTL)) {
			if !strings.EqualFold(record.Domain, name) || record.Type != want {
				continue
			}
			rr, err := toRR(record)
			if err != nil {
				s.logger.Debug("跳过无法转换的DNS记录",
					zap.String("domain", record.Domain),
					zap.String("value", record.Value),
					zap.Error(err))
				continue
			}
			m.Answer = append(m.Answer, rr)
			found = true
		}
	}

	return found
}

// toRR 将记录转换为miekg/dns的资源记录
func toRR(record *model.DNSRecord) (dns.RR, error) {
	switch record.Type {
	case model.RecordTypeA:
		if ip := net.ParseIP(record.Value); ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("不是IPv4地址: %s", record.Value)
		}
		return dns.NewRR(fmt.Sprintf("%s. %d IN A %s", record.Domain, record.TTL, record.Value))
	case model.RecordTypeSRV:
		return dns.NewRR(fmt.Sprintf("%s. %d IN SRV %d %d %d %s.",
			record.Domain, record.TTL, record.Priority, record.Weight, record.Port, record.Value))
	}
	return nil, fmt.Errorf("不支持的记录类型: %s", record.Type)
}
