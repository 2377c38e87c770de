package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dumalabs/duma-services-storage/internal/infrastructure/objectstore"
	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/repositories"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// UploadRepo 抽象上传记录的持久化操作，便于测试。
type UploadRepo interface {
	Create(ctx context.Context, sess txmanager.Session, input repositories.CreateUploadInput) (*po.UploadRecord, error)
	GetByID(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID) (*po.UploadRecord, error)
	ListByPod(ctx context.Context, sess txmanager.Session, podID uuid.UUID, limit, offset int32) ([]*po.UploadRecord, error)
	RecordProgress(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, bytes int64) (*po.UploadRecord, error)
	MarkConfirmed(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, actualSize int64) (*po.UploadRecord, error)
	MarkFailed(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, reason string) (*po.UploadRecord, error)
}

// UploadPodRepo 抽象上传入口需要的 Pod 读取。
type UploadPodRepo interface {
	GetByID(ctx context.Context, sess txmanager.Session, podID uuid.UUID) (*po.DumaPod, error)
}

// UploadJobWriter 抽象转码任务入队。
type UploadJobWriter interface {
	Enqueue(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, profile string) (*po.TranscodeJob, error)
	GetByUploadID(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID) (*po.TranscodeJob, error)
}

// UploadGateway 抽象上传用例依赖的对象存储操作。
type UploadGateway interface {
	PresignUpload(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, key, contentType string, maxSize int64) (*objectstore.PresignedUpload, error)
	PresignDownload(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, key string) (*objectstore.PresignedDownload, error)
	HeadObject(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, key string) (*objectstore.ObjectInfo, error)
}

// UploadQuota 抽象容量记账操作。
type UploadQuota interface {
	Admit(ctx context.Context, sess txmanager.Session, podID uuid.UUID, declared int64) error
	Commit(ctx context.Context, sess txmanager.Session, podID uuid.UUID, declared, actual int64) error
	Release(ctx context.Context, sess txmanager.Session, podID uuid.UUID, declared int64) error
}

// UploadConfig 是上传用例的运行参数。
type UploadConfig struct {
	// SizeTolerance 是确认时实际大小与申报大小允许的绝对偏差（字节），默认 0。
	SizeTolerance int64
	// TranscodeProfile 是视频确认后入队的转码档位。
	TranscodeProfile string
}

// InitiateUploadInput 是上传初始化的输入。
type InitiateUploadInput struct {
	PodID        uuid.UUID
	UserID       uuid.UUID
	Filename     string
	DeclaredSize int64
	ContentKind  po.ContentKind
	ContentType  string
}

// InitiateUploadResult 是上传初始化的输出：记录加预签名直传凭证。
type InitiateUploadResult struct {
	Record    *po.UploadRecord
	Presigned *objectstore.PresignedUpload
}

// UploadStatusView 是状态查询的输出。转码任务仅对视频上传存在。
type UploadStatusView struct {
	Record          *po.UploadRecord
	ProgressPercent int
	TranscodeJob    *po.TranscodeJob
}

// UploadService 实现上传台账：每次上传从初始化到确认的全生命周期，
// 与容量记账、对象存储网关、转码队列的衔接。
type UploadService struct {
	uploads UploadRepo
	pods    UploadPodRepo
	jobs    UploadJobWriter
	gateway UploadGateway
	quota   UploadQuota
	txm     txmanager.Manager
	cfg     UploadConfig
	log     *log.Helper
}

// NewUploadService 创建 UploadService。
func NewUploadService(uploads UploadRepo, pods UploadPodRepo, jobs UploadJobWriter, gateway UploadGateway, quota UploadQuota, txm txmanager.Manager, cfg UploadConfig, logger log.Logger) (*UploadService, error) {
	switch {
	case uploads == nil:
		return nil, errors.New("upload service: upload repository is required")
	case pods == nil:
		return nil, errors.New("upload service: pod repository is required")
	case jobs == nil:
		return nil, errors.New("upload service: job repository is required")
	case gateway == nil:
		return nil, errors.New("upload service: gateway is required")
	case quota == nil:
		return nil, errors.New("upload service: quota service is required")
	case txm == nil:
		return nil, errors.New("upload service: tx manager is required")
	}
	if cfg.SizeTolerance < 0 {
		cfg.SizeTolerance = 0
	}
	if cfg.TranscodeProfile == "" {
		cfg.TranscodeProfile = "mp4-h264-720p"
	}
	return &UploadService{
		uploads: uploads,
		pods:    pods,
		jobs:    jobs,
		gateway: gateway,
		quota:   quota,
		txm:     txm,
		cfg:     cfg,
		log:     log.NewHelper(logger),
	}, nil
}

// Initiate 开始一次上传：先扣配额，再签 URL，最后落记录。
// 配额拒绝不产生任何记录；签名或落库失败立即归还预留。
func (s *UploadService) Initiate(ctx context.Context, input InitiateUploadInput) (*InitiateUploadResult, error) {
	if input.DeclaredSize <= 0 {
		return nil, errInvalidArgument("declared_size must be positive")
	}
	if strings.TrimSpace(input.Filename) == "" {
		return nil, errInvalidArgument("filename is required")
	}
	kind := input.ContentKind
	if kind == "" {
		kind = po.ContentKindOther
	}
	if kind != po.ContentKindVideo && kind != po.ContentKindOther {
		return nil, errInvalidArgument(fmt.Sprintf("unknown content_kind: %s", kind))
	}

	pod, err := s.pods.GetByID(ctx, nil, input.PodID)
	if err != nil {
		if errors.Is(err, repositories.ErrPodNotFound) {
			return nil, errPodNotFound(err)
		}
		return nil, fmt.Errorf("initiate upload: %w", err)
	}
	if !pod.IsActive {
		return nil, errPodNotFound(repositories.ErrPodNotFound)
	}
	provider := pod.PrimaryProvider

	if err := s.quota.Admit(ctx, nil, input.PodID, input.DeclaredSize); err != nil {
		return nil, err
	}

	uploadID := uuid.New()
	key := RawObjectKey(input.PodID, uploadID, input.Filename)

	presigned, err := s.gateway.PresignUpload(ctx, input.PodID, provider, key, input.ContentType, input.DeclaredSize)
	if err != nil {
		s.releaseQuietly(ctx, input.PodID, input.DeclaredSize)
		return nil, s.mapGatewayError(err)
	}

	record, err := s.uploads.Create(ctx, nil, repositories.CreateUploadInput{
		UploadID:           uploadID,
		PodID:              input.PodID,
		UserID:             input.UserID,
		Filename:           input.Filename,
		DeclaredSize:       input.DeclaredSize,
		ContentKind:        kind,
		Provider:           provider,
		StorageKey:         key,
		UploadURLExpiresAt: presigned.ExpiresAt,
	})
	if err != nil {
		s.releaseQuietly(ctx, input.PodID, input.DeclaredSize)
		return nil, fmt.Errorf("initiate upload: %w", err)
	}

	s.log.WithContext(ctx).Infof("upload initiated: upload=%s pod=%s provider=%s size=%d", uploadID, input.PodID, provider, input.DeclaredSize)
	return &InitiateUploadResult{Record: record, Presigned: presigned}, nil
}

// ReportProgress 记录客户端上报的字节数信号。纯观测性：只推进展示状态，
// 不产生配额或存储副作用。
func (s *UploadService) ReportProgress(ctx context.Context, uploadID uuid.UUID, bytes int64) (*po.UploadRecord, error) {
	if bytes < 0 {
		return nil, errInvalidArgument("bytes must be non-negative")
	}
	record, err := s.uploads.RecordProgress(ctx, nil, uploadID, bytes)
	if err != nil {
		return nil, s.mapTransitionError(ctx, uploadID, err)
	}
	return record, nil
}

// Confirm 核验并确认一次上传。已确认的记录直接成功返回（幂等）；
// 对象缺失或大小超差把记录置为 failed 并归还预留；核验通过则在同一事务内
// 完成确认、配额结算、视频转码入队三件事。
func (s *UploadService) Confirm(ctx context.Context, uploadID uuid.UUID) (*po.UploadRecord, error) {
	record, err := s.uploads.GetByID(ctx, nil, uploadID)
	if err != nil {
		if errors.Is(err, repositories.ErrUploadNotFound) {
			return nil, errUploadNotFound(err)
		}
		return nil, fmt.Errorf("confirm upload: %w", err)
	}

	switch record.Status {
	case po.UploadStatusConfirmed:
		return record, nil
	case po.UploadStatusExpired:
		return nil, errUploadExpired()
	case po.UploadStatusFailed:
		return nil, errInvalidState("upload already failed", nil)
	}

	info, err := s.gateway.HeadObject(ctx, record.PodID, record.Provider, record.StorageKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			s.failAndRelease(ctx, record, ReasonObjectNotFound)
			return nil, errObjectNotFound(err)
		}
		// 提供商暂时不可达或凭据问题：记录保持原状，客户端可重试。
		return nil, s.mapGatewayError(err)
	}

	diff := info.Size - record.DeclaredSize
	if diff < 0 {
		diff = -diff
	}
	if diff > s.cfg.SizeTolerance {
		s.log.WithContext(ctx).Warnf("size mismatch: upload=%s declared=%d actual=%d tolerance=%d",
			uploadID, record.DeclaredSize, info.Size, s.cfg.SizeTolerance)
		s.failAndRelease(ctx, record, ReasonSizeMismatch)
		return nil, errSizeMismatch(record.DeclaredSize, info.Size)
	}

	var confirmed *po.UploadRecord
	err = s.txm.WithinTx(ctx, txmanager.TxOptions{}, func(txCtx context.Context, sess txmanager.Session) error {
		var txErr error
		confirmed, txErr = s.uploads.MarkConfirmed(txCtx, sess, uploadID, info.Size)
		if txErr != nil {
			return txErr
		}
		if txErr = s.quota.Commit(txCtx, sess, record.PodID, record.DeclaredSize, info.Size); txErr != nil {
			return txErr
		}
		if confirmed.ContentKind == po.ContentKindVideo {
			if _, txErr = s.jobs.Enqueue(txCtx, sess, uploadID, s.cfg.TranscodeProfile); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidTransition) {
			// 并发确认：另一个请求先到。重读并按幂等语义返回。
			if current, getErr := s.uploads.GetByID(ctx, nil, uploadID); getErr == nil && current.Status == po.UploadStatusConfirmed {
				return current, nil
			}
			return nil, s.mapTransitionError(ctx, uploadID, err)
		}
		return nil, fmt.Errorf("confirm upload: %w", err)
	}

	s.log.WithContext(ctx).Infof("upload confirmed: upload=%s pod=%s actual=%d kind=%s", uploadID, record.PodID, info.Size, record.ContentKind)
	return confirmed, nil
}

// GetStatus 返回上传记录、派生进度与（视频）转码任务状态。
func (s *UploadService) GetStatus(ctx context.Context, uploadID uuid.UUID) (*UploadStatusView, error) {
	record, err := s.uploads.GetByID(ctx, nil, uploadID)
	if err != nil {
		if errors.Is(err, repositories.ErrUploadNotFound) {
			return nil, errUploadNotFound(err)
		}
		return nil, fmt.Errorf("get upload status: %w", err)
	}

	view := &UploadStatusView{Record: record, ProgressPercent: record.ProgressPercent()}
	if record.ContentKind == po.ContentKindVideo {
		job, err := s.jobs.GetByUploadID(ctx, nil, uploadID)
		if err != nil && !errors.Is(err, repositories.ErrJobNotFound) {
			return nil, fmt.Errorf("get upload status: %w", err)
		}
		view.TranscodeJob = job
	}
	return view, nil
}

// List 按创建时间倒序分页列出 Pod 的上传记录。
func (s *UploadService) List(ctx context.Context, podID uuid.UUID, limit, offset int32) ([]*po.UploadRecord, error) {
	records, err := s.uploads.ListByPod(ctx, nil, podID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	return records, nil
}

// DownloadVariant 指定下载原始对象还是转码产物。
type DownloadVariant string

const (
	DownloadRaw     DownloadVariant = "raw"
	DownloadDerived DownloadVariant = "derived"
)

// DownloadURL 为已确认的上传签发下载 URL。
func (s *UploadService) DownloadURL(ctx context.Context, uploadID uuid.UUID, variant DownloadVariant) (*objectstore.PresignedDownload, error) {
	record, err := s.uploads.GetByID(ctx, nil, uploadID)
	if err != nil {
		if errors.Is(err, repositories.ErrUploadNotFound) {
			return nil, errUploadNotFound(err)
		}
		return nil, fmt.Errorf("download url: %w", err)
	}
	if record.Status != po.UploadStatusConfirmed {
		return nil, errInvalidState(fmt.Sprintf("upload is %s, only confirmed uploads are downloadable", record.Status), nil)
	}

	key := record.StorageKey
	switch variant {
	case DownloadRaw, "":
	case DownloadDerived:
		if record.DerivedKey == nil {
			return nil, errInvalidState("no transcoded variant available", nil)
		}
		key = *record.DerivedKey
	default:
		return nil, errInvalidArgument(fmt.Sprintf("unknown download variant: %s", variant))
	}

	presigned, err := s.gateway.PresignDownload(ctx, record.PodID, record.Provider, key)
	if err != nil {
		return nil, s.mapGatewayError(err)
	}
	return presigned, nil
}

// failAndRelease 把记录置为 failed 并归还预留，两步在同一事务内。
// 状态机拒绝转移（并发确认赢了）时静默放弃，不释放任何东西。
func (s *UploadService) failAndRelease(ctx context.Context, record *po.UploadRecord, reason string) {
	err := s.txm.WithinTx(ctx, txmanager.TxOptions{}, func(txCtx context.Context, sess txmanager.Session) error {
		if _, txErr := s.uploads.MarkFailed(txCtx, sess, record.UploadID, reason); txErr != nil {
			return txErr
		}
		return s.quota.Release(txCtx, sess, record.PodID, record.DeclaredSize)
	})
	if err != nil && !errors.Is(err, repositories.ErrInvalidTransition) {
		s.log.WithContext(ctx).Errorf("fail upload cleanup error: upload=%s reason=%s err=%v", record.UploadID, reason, err)
	}
}

func (s *UploadService) releaseQuietly(ctx context.Context, podID uuid.UUID, declared int64) {
	if err := s.quota.Release(ctx, nil, podID, declared); err != nil {
		s.log.WithContext(ctx).Errorf("release reservation failed: pod=%s declared=%d err=%v", podID, declared, err)
	}
}

// mapTransitionError 把状态机拒绝翻译为面向客户端的错误。
func (s *UploadService) mapTransitionError(ctx context.Context, uploadID uuid.UUID, err error) error {
	if errors.Is(err, repositories.ErrUploadNotFound) {
		return errUploadNotFound(err)
	}
	if errors.Is(err, repositories.ErrInvalidTransition) {
		if current, getErr := s.uploads.GetByID(ctx, nil, uploadID); getErr == nil {
			if current.Status == po.UploadStatusExpired {
				return errUploadExpired()
			}
			return errInvalidState(fmt.Sprintf("upload is %s", current.Status), err)
		}
		return errInvalidState("upload state changed concurrently", err)
	}
	return err
}

func (s *UploadService) mapGatewayError(err error) error {
	switch {
	case errors.Is(err, objectstore.ErrCredentialInvalid):
		return errCredentialInvalid(err)
	case errors.Is(err, objectstore.ErrProviderUnavailable):
		return errProviderUnavailable(err)
	case errors.Is(err, objectstore.ErrObjectNotFound):
		return errObjectNotFound(err)
	default:
		return err
	}
}

// RawObjectKey 生成原始对象的存储键：pods/<pod>/raw/<upload>/<文件名>。
func RawObjectKey(podID, uploadID uuid.UUID, filename string) string {
	return fmt.Sprintf("pods/%s/raw/%s/%s", podID, uploadID, sanitizeFilename(filename))
}

// DerivedObjectKey 生成转码产物的存储键：pods/<pod>/derived/<upload>/<档位>.mp4。
func DerivedObjectKey(podID, uploadID uuid.UUID, profile string) string {
	return fmt.Sprintf("pods/%s/derived/%s/%s.mp4", podID, uploadID, profile)
}

// sanitizeFilename 把文件名压成键安全的形态：保留字母数字与 ._-，其余替换为下划线。
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 128 {
		out = out[:128]
	}
	return out
}
