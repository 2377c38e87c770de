// Package objectstore 提供面向 S3 兼容对象存储（AWS S3、Oracle 兼容端点、Wasabi、
// MinIO）的基础设施封装：按调用解析凭据、生成预签名 URL、连通性探测与有界重试。
package objectstore

import (
	"errors"
	"time"

	"github.com/dumalabs/duma-services-storage/internal/models/po"
)

// ErrObjectNotFound 表示对象不存在。对 HeadObject 来说是预期结果，不作为故障处理。
var ErrObjectNotFound = errors.New("object not found")

// ErrCredentialInvalid 表示提供商拒绝了当前凭据（签名错误、AccessKey 无效等）。
// 不可重试，需要管理端重新验证凭据。
var ErrCredentialInvalid = errors.New("storage credentials rejected by provider")

// ErrProviderUnavailable 表示提供商暂时不可达（网络故障或 5xx）。可重试。
var ErrProviderUnavailable = errors.New("storage provider unavailable")

// CredentialSource 标记凭据的来源，显式二选一，不用布尔加隐式查找。
type CredentialSource string

const (
	// SourceSystemDefault 表示平台级默认凭据。
	SourceSystemDefault CredentialSource = "system_default"
	// SourceCustom 表示 Pod 自带的已验证凭据。
	SourceCustom CredentialSource = "custom"
)

// Credentials 是构建一次性 S3 客户端所需的最小字段集。
type Credentials struct {
	Provider  po.StorageProvider
	AccessKey string
	SecretKey string
	Bucket    string
	Endpoint  string
	Region    string
}

// ResolvedCredentials 是 Vault 解析结果：带来源标记的凭据集。
type ResolvedCredentials struct {
	Source CredentialSource
	Credentials
}

// PresignedUpload 是预签名直传（POST Policy）结果。FormFields 必须随表单一并提交，
// 其中编码了 content-length-range，超限上传由提供商直接拒绝。
type PresignedUpload struct {
	URL        string
	FormFields map[string]string
	ExpiresAt  time.Time
}

// PresignedDownload 是预签名下载结果。
type PresignedDownload struct {
	URL       string
	ExpiresAt time.Time
}
