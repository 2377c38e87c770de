package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/repositories"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// QuotaPodRepo 抽象容量记账所需的 Pod 持久化操作，便于测试。
type QuotaPodRepo interface {
	GetByID(ctx context.Context, sess txmanager.Session, podID uuid.UUID) (*po.DumaPod, error)
	Reserve(ctx context.Context, sess txmanager.Session, podID uuid.UUID, size int64) error
	CommitReservation(ctx context.Context, sess txmanager.Session, podID uuid.UUID, declared, actual int64) error
	ReleaseReservation(ctx context.Context, sess txmanager.Session, podID uuid.UUID, declared int64) error
	ReleaseConsumed(ctx context.Context, sess txmanager.Session, podID uuid.UUID, size int64) error
}

// QuotaUsage 是 Pod 的容量快照。
type QuotaUsage struct {
	PodID          uuid.UUID
	CapacityBytes  int64
	ConsumedBytes  int64
	ReservedBytes  int64
	AvailableBytes int64
	UsedPercent    float64
}

// QuotaService 实现容量记账：上传开始前乐观预留，确认后结算，失败归还。
// 并发安全由 Repository 的单语句条件更新保证，本层只做错误翻译与快照。
type QuotaService struct {
	pods QuotaPodRepo
	log  *log.Helper
}

// NewQuotaService 创建 QuotaService。
func NewQuotaService(pods QuotaPodRepo, logger log.Logger) (*QuotaService, error) {
	if pods == nil {
		return nil, errors.New("quota service: pod repository is required")
	}
	return &QuotaService{pods: pods, log: log.NewHelper(logger)}, nil
}

// Admit 为一次申报大小的上传预留容量。拒绝时不产生任何副作用。
func (s *QuotaService) Admit(ctx context.Context, sess txmanager.Session, podID uuid.UUID, declared int64) error {
	if declared <= 0 {
		return errInvalidArgument("declared size must be positive")
	}
	err := s.pods.Reserve(ctx, sess, podID, declared)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrQuotaExceeded):
		available := int64(0)
		if pod, getErr := s.pods.GetByID(ctx, sess, podID); getErr == nil {
			available = pod.AvailableBytes()
		}
		s.log.WithContext(ctx).Infof("quota admit denied: pod=%s declared=%d available=%d", podID, declared, available)
		return errQuotaExceeded(available)
	case errors.Is(err, repositories.ErrPodNotFound):
		return errPodNotFound(err)
	default:
		return fmt.Errorf("admit upload: %w", err)
	}
}

// Commit 将预留结算为实际占用。declared 与 actual 的差额在同一语句内修正。
func (s *QuotaService) Commit(ctx context.Context, sess txmanager.Session, podID uuid.UUID, declared, actual int64) error {
	if err := s.pods.CommitReservation(ctx, sess, podID, declared, actual); err != nil {
		if errors.Is(err, repositories.ErrPodNotFound) {
			return errPodNotFound(err)
		}
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

// Release 归还一笔未结算的预留。重复调用安全。
func (s *QuotaService) Release(ctx context.Context, sess txmanager.Session, podID uuid.UUID, declared int64) error {
	if err := s.pods.ReleaseReservation(ctx, sess, podID, declared); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// ReleaseConsumed 归还已确认占用（删除文件场景）。
func (s *QuotaService) ReleaseConsumed(ctx context.Context, sess txmanager.Session, podID uuid.UUID, size int64) error {
	if err := s.pods.ReleaseConsumed(ctx, sess, podID, size); err != nil {
		return fmt.Errorf("release consumed: %w", err)
	}
	return nil
}

// Usage 返回 Pod 当前的容量快照。
func (s *QuotaService) Usage(ctx context.Context, podID uuid.UUID) (*QuotaUsage, error) {
	pod, err := s.pods.GetByID(ctx, nil, podID)
	if err != nil {
		if errors.Is(err, repositories.ErrPodNotFound) {
			return nil, errPodNotFound(err)
		}
		return nil, fmt.Errorf("quota usage: %w", err)
	}
	usage := &QuotaUsage{
		PodID:          pod.PodID,
		CapacityBytes:  pod.CapacityBytes,
		ConsumedBytes:  pod.ConsumedBytes,
		ReservedBytes:  pod.ReservedBytes,
		AvailableBytes: pod.AvailableBytes(),
	}
	if pod.CapacityBytes > 0 {
		usage.UsedPercent = float64(pod.ConsumedBytes+pod.ReservedBytes) / float64(pod.CapacityBytes) * 100
	}
	return usage, nil
}
