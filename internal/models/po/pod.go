// Package po 定义面向持久化的数据对象（Persistent Objects），由 Repository 层使用。
// PO 对象映射数据库表结构，不直接暴露给上层业务逻辑。
package po

import (
	"time"

	"github.com/google/uuid"
)

// StorageProvider 表示受支持的对象存储提供商，全部走 S3 兼容 API。
type StorageProvider string

const (
	ProviderAWSS3  StorageProvider = "aws_s3"
	ProviderOracle StorageProvider = "oracle_os"
	ProviderWasabi StorageProvider = "wasabi"
)

// KnownProviders 返回全部受支持的提供商，供校验使用。
func KnownProviders() []StorageProvider {
	return []StorageProvider{ProviderAWSS3, ProviderOracle, ProviderWasabi}
}

// ValidProvider 判断 provider 是否受支持。
func ValidProvider(p StorageProvider) bool {
	switch p {
	case ProviderAWSS3, ProviderOracle, ProviderWasabi:
		return true
	}
	return false
}

// DumaPod 表示 storage.pods 表中的租户存储计划。
//
// 容量记账拆为 consumed（已确认占用）与 reserved（上传进行中的乐观预留）两列，
// 约束 consumed + reserved <= capacity 由 Repository 的条件更新语句保证。
type DumaPod struct {
	PodID            uuid.UUID
	Name             string
	CapacityBytes    int64
	ConsumedBytes    int64
	ReservedBytes    int64
	PrimaryProvider  StorageProvider
	SecondaryProvider *StorageProvider
	UseCustomS3      bool
	UseCustomOracle  bool
	UseCustomWasabi  bool
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AvailableBytes 返回当前可再预留的字节数。
func (p *DumaPod) AvailableBytes() int64 {
	free := p.CapacityBytes - p.ConsumedBytes - p.ReservedBytes
	if free < 0 {
		return 0
	}
	return free
}

// UsesCustom 返回指定提供商的 use_custom 标志。
func (p *DumaPod) UsesCustom(provider StorageProvider) bool {
	switch provider {
	case ProviderAWSS3:
		return p.UseCustomS3
	case ProviderOracle:
		return p.UseCustomOracle
	case ProviderWasabi:
		return p.UseCustomWasabi
	}
	return false
}
