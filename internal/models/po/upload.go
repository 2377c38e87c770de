package po

import (
	"time"

	"github.com/google/uuid"
)

// UploadStatus 表示上传记录的当前状态。
type UploadStatus string

const (
	UploadStatusInitiated UploadStatus = "initiated"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusUploaded  UploadStatus = "uploaded"
	UploadStatusConfirmed UploadStatus = "confirmed"
	UploadStatusFailed    UploadStatus = "failed"
	UploadStatusExpired   UploadStatus = "expired"
)

// Terminal 判断状态是否为终态。终态记录不可再变更状态。
func (s UploadStatus) Terminal() bool {
	switch s {
	case UploadStatusConfirmed, UploadStatusFailed, UploadStatusExpired:
		return true
	}
	return false
}

// ContentKind 区分需要转码的视频与其他文件。
type ContentKind string

const (
	ContentKindVideo ContentKind = "video"
	ContentKindOther ContentKind = "other"
)

// UploadRecord 描述 storage.uploads 表中的一条上传记录。
//
// 进度百分比不落库，由 BytesUploaded / DeclaredSize 推导，避免两份数据漂移。
type UploadRecord struct {
	UploadID           uuid.UUID
	PodID              uuid.UUID
	UserID             uuid.UUID
	Filename           string
	DeclaredSize       int64
	ContentKind        ContentKind
	Provider           StorageProvider
	StorageKey         string
	Status             UploadStatus
	BytesUploaded      int64
	ActualSize         *int64
	ErrorReason        *string
	UploadURLExpiresAt time.Time
	DerivedKey         *string
	DerivedError       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ProgressPercent 返回 [0,100] 的派生进度。仅 confirmed 返回 100，
// 客户端字节数到齐但尚未确认时封顶 99，避免轮询方误判完成。
func (r *UploadRecord) ProgressPercent() int {
	if r.Status == UploadStatusConfirmed {
		return 100
	}
	if r.DeclaredSize <= 0 {
		return 0
	}
	pct := int(r.BytesUploaded * 100 / r.DeclaredSize)
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	return pct
}
