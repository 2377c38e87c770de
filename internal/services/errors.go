package services

import (
	"fmt"

	kerrors "github.com/go-kratos/kratos/v2/errors"
)

// 错误 Reason 常量。HTTP 边界按 Reason 做程序化分派，消息仅供人读。
const (
	ReasonPodNotFound         = "POD_NOT_FOUND"
	ReasonUploadNotFound      = "UPLOAD_NOT_FOUND"
	ReasonQuotaExceeded       = "QUOTA_EXCEEDED"
	ReasonCredentialInvalid   = "CREDENTIAL_INVALID"
	ReasonCredentialNotFound  = "CREDENTIAL_NOT_FOUND"
	ReasonNoUsableCredentials = "NO_USABLE_CREDENTIALS"
	ReasonProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ReasonSizeMismatch        = "SIZE_MISMATCH"
	ReasonObjectNotFound      = "OBJECT_NOT_FOUND"
	ReasonUploadExpired       = "UPLOAD_EXPIRED"
	ReasonTranscodeFailed     = "TRANSCODE_FAILED"
	ReasonInvalidState        = "INVALID_STATE"
	ReasonInvalidArgument     = "INVALID_ARGUMENT"
)

func errPodNotFound(cause error) *kerrors.Error {
	return kerrors.NotFound(ReasonPodNotFound, "pod not found or inactive").WithCause(cause)
}

func errUploadNotFound(cause error) *kerrors.Error {
	return kerrors.NotFound(ReasonUploadNotFound, "upload record not found").WithCause(cause)
}

func errQuotaExceeded(available int64) *kerrors.Error {
	return kerrors.Forbidden(ReasonQuotaExceeded,
		fmt.Sprintf("pod capacity exceeded: %d bytes available", available))
}

func errCredentialNotFound(cause error) *kerrors.Error {
	return kerrors.NotFound(ReasonCredentialNotFound, "storage credential not found").WithCause(cause)
}

func errCredentialInvalid(cause error) *kerrors.Error {
	return kerrors.New(422, ReasonCredentialInvalid, "storage credentials rejected by provider").WithCause(cause)
}

func errNoUsableCredentials(msg string) *kerrors.Error {
	return kerrors.New(412, ReasonNoUsableCredentials, msg)
}

func errProviderUnavailable(cause error) *kerrors.Error {
	return kerrors.ServiceUnavailable(ReasonProviderUnavailable, "storage provider unavailable").WithCause(cause)
}

func errSizeMismatch(declared, actual int64) *kerrors.Error {
	return kerrors.Conflict(ReasonSizeMismatch,
		fmt.Sprintf("uploaded object size %d does not match declared %d", actual, declared))
}

func errObjectNotFound(cause error) *kerrors.Error {
	return kerrors.NotFound(ReasonObjectNotFound, "object not found in storage").WithCause(cause)
}

func errUploadExpired() *kerrors.Error {
	return kerrors.New(410, ReasonUploadExpired, "upload window has expired")
}

func errInvalidState(msg string, cause error) *kerrors.Error {
	return kerrors.Conflict(ReasonInvalidState, msg).WithCause(cause)
}

func errInvalidArgument(msg string) *kerrors.Error {
	return kerrors.BadRequest(ReasonInvalidArgument, msg)
}
