package dto

import (
	"time"

	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/services"
)

// SetCredentialRequest 是设置自定义凭据的请求体。
type SetCredentialRequest struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
}

// Candidate 转为服务层候选形态。
func (r SetCredentialRequest) Candidate() services.CandidateCredential {
	return services.CandidateCredential{
		AccessKey: r.AccessKey,
		SecretKey: r.SecretKey,
		Bucket:    r.Bucket,
		Endpoint:  r.Endpoint,
		Region:    r.Region,
	}
}

// CredentialView 是凭据记录的对外形态。secret_key 永远脱敏，
// access_key 只保留尾部四位。
type CredentialView struct {
	PodID        string     `json:"pod_id"`
	Provider     string     `json:"provider"`
	AccessKeyTail string    `json:"access_key_tail"`
	Bucket       string     `json:"bucket"`
	Endpoint     string     `json:"endpoint,omitempty"`
	Region       string     `json:"region,omitempty"`
	ValidatedAt  time.Time  `json:"validated_at"`
	ValidationOK bool       `json:"validation_ok"`
	LastError    *string    `json:"last_error,omitempty"`
}

// CredentialListResponse 是凭据列表响应。
type CredentialListResponse struct {
	Credentials []*CredentialView `json:"credentials"`
}

// ValidationResponse 是凭据探测结果响应。
type ValidationResponse struct {
	OK            bool      `json:"ok"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// FromCredential 把凭据 PO 转为脱敏视图。
func FromCredential(c *po.StorageCredential) *CredentialView {
	if c == nil {
		return nil
	}
	return &CredentialView{
		PodID:         c.PodID.String(),
		Provider:      string(c.Provider),
		AccessKeyTail: tail(c.AccessKey, 4),
		Bucket:        c.Bucket,
		Endpoint:      c.Endpoint,
		Region:        c.Region,
		ValidatedAt:   c.ValidatedAt,
		ValidationOK:  c.ValidationOK,
		LastError:     c.LastError,
	}
}

// FromValidationResult 组装探测结果响应。
func FromValidationResult(r *services.ValidationResult) *ValidationResponse {
	return &ValidationResponse{OK: r.OK, FailureReason: r.FailureReason, CheckedAt: r.CheckedAt}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
