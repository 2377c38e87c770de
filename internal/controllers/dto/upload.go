// Package dto 定义 HTTP 边界的请求与响应形态，并负责与 PO 之间的转换。
// 凭据的 secret 在这一层被脱敏，绝不进入响应体。
package dto

import (
	"time"

	"github.com/dumalabs/duma-services-storage/internal/infrastructure/objectstore"
	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/services"
)

// InitiateUploadRequest 是上传初始化请求体。
type InitiateUploadRequest struct {
	Filename     string `json:"filename"`
	DeclaredSize int64  `json:"declared_size"`
	ContentKind  string `json:"content_kind"`
	ContentType  string `json:"content_type"`
}

// InitiateUploadResponse 是上传初始化响应：记录摘要加直传凭证。
type InitiateUploadResponse struct {
	Upload     *UploadRecordView `json:"upload"`
	UploadURL  string            `json:"upload_url"`
	FormFields map[string]string `json:"form_fields"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// ReportProgressRequest 是进度上报请求体。
type ReportProgressRequest struct {
	BytesUploaded int64 `json:"bytes_uploaded"`
}

// UploadRecordView 是上传记录的对外形态。
type UploadRecordView struct {
	UploadID        string     `json:"upload_id"`
	PodID           string     `json:"pod_id"`
	UserID          string     `json:"user_id"`
	Filename        string     `json:"filename"`
	DeclaredSize    int64      `json:"declared_size"`
	ActualSize      *int64     `json:"actual_size,omitempty"`
	ContentKind     string     `json:"content_kind"`
	Provider        string     `json:"provider"`
	StorageKey      string     `json:"storage_key"`
	Status          string     `json:"status"`
	BytesUploaded   int64      `json:"bytes_uploaded"`
	ProgressPercent int        `json:"progress_percent"`
	ErrorReason     *string    `json:"error_reason,omitempty"`
	DerivedKey      *string    `json:"derived_key,omitempty"`
	DerivedError    *string    `json:"derived_error,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// UploadStatusResponse 是状态查询响应。
type UploadStatusResponse struct {
	Upload    *UploadRecordView  `json:"upload"`
	Transcode *TranscodeJobView  `json:"transcode,omitempty"`
}

// TranscodeJobView 是转码任务的对外形态。
type TranscodeJobView struct {
	JobID     string  `json:"job_id"`
	Profile   string  `json:"profile"`
	Status    string  `json:"status"`
	Attempts  int32   `json:"attempts"`
	LastError *string `json:"last_error,omitempty"`
	OutputKey *string `json:"output_key,omitempty"`
}

// UploadListResponse 是分页列表响应。
type UploadListResponse struct {
	Uploads []*UploadRecordView `json:"uploads"`
}

// DownloadURLResponse 是下载签发响应。
type DownloadURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// QuotaResponse 是容量快照响应。
type QuotaResponse struct {
	PodID          string  `json:"pod_id"`
	CapacityBytes  int64   `json:"capacity_bytes"`
	ConsumedBytes  int64   `json:"consumed_bytes"`
	ReservedBytes  int64   `json:"reserved_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// FromUploadRecord 把 PO 转为对外视图。
func FromUploadRecord(rec *po.UploadRecord) *UploadRecordView {
	if rec == nil {
		return nil
	}
	return &UploadRecordView{
		UploadID:        rec.UploadID.String(),
		PodID:           rec.PodID.String(),
		UserID:          rec.UserID.String(),
		Filename:        rec.Filename,
		DeclaredSize:    rec.DeclaredSize,
		ActualSize:      rec.ActualSize,
		ContentKind:     string(rec.ContentKind),
		Provider:        string(rec.Provider),
		StorageKey:      rec.StorageKey,
		Status:          string(rec.Status),
		BytesUploaded:   rec.BytesUploaded,
		ProgressPercent: rec.ProgressPercent(),
		ErrorReason:     rec.ErrorReason,
		DerivedKey:      rec.DerivedKey,
		DerivedError:    rec.DerivedError,
		ExpiresAt:       rec.UploadURLExpiresAt,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

// FromTranscodeJob 把转码任务 PO 转为对外视图。
func FromTranscodeJob(job *po.TranscodeJob) *TranscodeJobView {
	if job == nil {
		return nil
	}
	return &TranscodeJobView{
		JobID:     job.JobID.String(),
		Profile:   job.Profile,
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		LastError: job.LastError,
		OutputKey: job.OutputKey,
	}
}

// FromInitiateResult 组装上传初始化响应。
func FromInitiateResult(result *services.InitiateUploadResult) *InitiateUploadResponse {
	return &InitiateUploadResponse{
		Upload:     FromUploadRecord(result.Record),
		UploadURL:  result.Presigned.URL,
		FormFields: result.Presigned.FormFields,
		ExpiresAt:  result.Presigned.ExpiresAt,
	}
}

// FromPresignedDownload 组装下载签发响应。
func FromPresignedDownload(d *objectstore.PresignedDownload) *DownloadURLResponse {
	return &DownloadURLResponse{URL: d.URL, ExpiresAt: d.ExpiresAt}
}

// FromQuotaUsage 组装容量快照响应。
func FromQuotaUsage(u *services.QuotaUsage) *QuotaResponse {
	return &QuotaResponse{
		PodID:          u.PodID.String(),
		CapacityBytes:  u.CapacityBytes,
		ConsumedBytes:  u.ConsumedBytes,
		ReservedBytes:  u.ReservedBytes,
		AvailableBytes: u.AvailableBytes,
		UsedPercent:    u.UsedPercent,
	}
}
