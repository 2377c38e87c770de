package po

import (
	"time"

	"github.com/google/uuid"
)

// TranscodeJobStatus 表示转码任务的当前状态。
type TranscodeJobStatus string

const (
	TranscodeStatusQueued    TranscodeJobStatus = "queued"
	TranscodeStatusRunning   TranscodeJobStatus = "running"
	TranscodeStatusSucceeded TranscodeJobStatus = "succeeded"
	TranscodeStatusFailed    TranscodeJobStatus = "failed"
	TranscodeStatusCancelled TranscodeJobStatus = "cancelled"
)

// Terminal 判断任务状态是否为终态。
func (s TranscodeJobStatus) Terminal() bool {
	switch s {
	case TranscodeStatusSucceeded, TranscodeStatusFailed, TranscodeStatusCancelled:
		return true
	}
	return false
}

// TranscodeJob 描述 storage.transcode_jobs 表中的一条异步转码任务。
// 每个 UploadRecord 至多一条任务（upload_id 唯一约束）。
//
// 租约字段保证独占消费：worker 认领时写入 claimed_by 与 lease_until，
// 处理期间定期续约；续约停止（进程崩溃）后任务可被其他 worker 重新认领。
type TranscodeJob struct {
	JobID       uuid.UUID
	UploadID    uuid.UUID
	Profile     string
	Status      TranscodeJobStatus
	Attempts    int32
	AvailableAt time.Time
	LeaseUntil  *time.Time
	ClaimedBy   *string
	LastError   *string
	OutputKey   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
