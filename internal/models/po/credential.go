package po

import (
	"time"

	"github.com/google/uuid"
)

// StorageCredential 描述 storage.credentials 表中的一条自定义凭据记录。
// 每个 (pod, provider) 至多一条；写入前必须通过连通性探测，
// 因此表中的记录始终是最近一次验证成功的凭据集。
type StorageCredential struct {
	PodID       uuid.UUID
	Provider    StorageProvider
	AccessKey   string
	SecretKey   string
	Bucket      string
	Endpoint    string
	Region      string
	ValidatedAt time.Time
	ValidationOK bool
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
