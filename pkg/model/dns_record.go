package model

import "fmt"

// DNSRecordType 定义DNS记录类型
type DNSRecordType string

const (
	// RecordTypeA A记录，将域名指向IPv4地址
	RecordTypeA DNSRecordType = "A"
	// RecordTypeSRV SRV记录，包含服务名称、协议、端口等信息
	RecordTypeSRV DNSRecordType = "SRV"
)

// DNSRecord 定义DNS记录结构
type DNSRecord struct {
	ID       string        `json:"id"`
	Domain   string        `json:"domain"`             // 完整域名
	Type     DNSRecordType `json:"type"`               // 记录类型：A, SRV等
	Value    string        `json:"value"`              // A记录为IP地址，SRV记录为目标域名
	TTL      uint32        `json:"ttl"`                // 生存时间，单位秒
	Priority uint16        `json:"priority,omitempty"` // 仅用于SRV记录
	Weight   uint16        `json:"weight,omitempty"`   // 仅用于SRV记录
	Port     uint16        `json:"port,omitempty"`     // 仅用于SRV记录
}

// ServiceDomain 返回服务在给定域下的名称
func ServiceDomain(serviceName, domain string) string {
	return serviceName + "." + domain
}

// InstanceDomain 返回单个实例在给定域下的名称，作为SRV记录的目标
func InstanceDomain(instance *ServiceInstance, serviceName, domain string) string {
	return fmt.Sprintf("%s.%s.%s", instance.ID, serviceName, domain)
}

// SRVDomain 返回服务SRV记录的名称
func SRVDomain(serviceName, domain string) string {
	return "_" + serviceName + "._tcp." + domain
}

// InstanceDNSRecords 为一个健康实例生成服务A记录、实例A记录和SRV记录
func InstanceDNSRecords(instance *ServiceInstance, serviceName, domain string, ttl uint32) []*DNSRecord {
	records := make([]*DNSRecord, 0, 3)

	serviceDomain := ServiceDomain(serviceName, domain)

	records = append(records, &DNSRecord{
		ID:     instance.ID + "-A",
		Domain: serviceDomain,
		Type:   RecordTypeA,
		Value:  instance.Host,
		TTL:    ttl,
	})

	records = append(records, &DNSRecord{
		ID:     instance.ID + "-INSTANCE-A",
		Domain: InstanceDomain(instance, serviceName, domain),
		Type:   RecordTypeA,
		Value:  instance.Host,
		TTL:    ttl,
	})

	// SRV权重取实例元数据中的权重，缺省为10
	weight := uint16(10)
	if instance.Metadata.Weight > 0 && instance.Metadata.Weight <= 65535 {
		weight = uint16(instance.Metadata.Weight)
	}

	records = append(records, &DNSRecord{
		ID:       instance.ID + "-SRV",
		Domain:   SRVDomain(serviceName, domain),
		Type:     RecordTypeSRV,
		Value:    InstanceDomain(instance, serviceName, domain),
		TTL:      ttl,
		Priority: 10,
		Weight:   weight,
		Port:     uint16(instance.Port),
	})

	return records
}
