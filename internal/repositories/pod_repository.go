package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/dumalabs/duma-services-storage/internal/models/po"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPodNotFound 表示 Pod 不存在或已被软删除。
var ErrPodNotFound = errors.New("duma pod not found")

// ErrQuotaExceeded 表示容量预留被拒绝。
var ErrQuotaExceeded = errors.New("pod capacity exceeded")

// PodRepository 封装 storage.pods 表的访问逻辑，包括容量记账的原子更新。
type PodRepository struct {
	db  *pgxpool.Pool
	log *log.Helper
}

// NewPodRepository 构造 PodRepository。
func NewPodRepository(db *pgxpool.Pool, logger log.Logger) *PodRepository {
	return &PodRepository{db: db, log: log.NewHelper(logger)}
}

const podColumns = `pod_id, name, capacity_bytes, consumed_bytes, reserved_bytes,
	primary_provider, secondary_provider,
	use_custom_s3, use_custom_oracle, use_custom_wasabi,
	is_active, created_at, updated_at`

func scanPod(row pgx.Row) (*po.DumaPod, error) {
	var p po.DumaPod
	err := row.Scan(
		&p.PodID, &p.Name, &p.CapacityBytes, &p.ConsumedBytes, &p.ReservedBytes,
		&p.PrimaryProvider, &p.SecondaryProvider,
		&p.UseCustomS3, &p.UseCustomOracle, &p.UseCustomWasabi,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID 查询指定 Pod（含软删除记录，由调用方判断 IsActive）。
func (r *PodRepository) GetByID(ctx context.Context, sess txmanager.Session, podID uuid.UUID) (*po.DumaPod, error) {
	q := pick(r.db, sess)
	pod, err := scanPod(q.QueryRow(ctx, `SELECT `+podColumns+` FROM storage.pods WHERE pod_id = $1`, podID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPodNotFound
		}
		r.log.WithContext(ctx).Errorf("get pod failed: pod_id=%s err=%v", podID, err)
		return nil, fmt.Errorf("get pod: %w", err)
	}
	return pod, nil
}

// Reserve 乐观预留容量。仅当 consumed + reserved + size 不超过上限且 Pod
// 处于活跃状态时生效；整条检查加更新是单语句，对同一 Pod 的并发调用由
// 数据库行锁串行化，不存在读后写竞态。
func (r *PodRepository) Reserve(ctx context.Context, sess txmanager.Session, podID uuid.UUID, size int64) error {
	if size < 0 {
		return fmt.Errorf("reserve: negative size %d", size)
	}
	q := pick(r.db, sess)
	tag, err := q.Exec(ctx, `
		UPDATE storage.pods
		SET reserved_bytes = reserved_bytes + $2, updated_at = now()
		WHERE pod_id = $1 AND is_active
		  AND consumed_bytes + reserved_bytes + $2 <= capacity_bytes`,
		podID, size)
	if err != nil {
		r.log.WithContext(ctx).Errorf("reserve capacity failed: pod_id=%s size=%d err=%v", podID, size, err)
		return fmt.Errorf("reserve capacity: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// 区分拒绝原因：Pod 缺失/软删除与配额不足返回不同错误。
	pod, err := r.GetByID(ctx, sess, podID)
	if err != nil {
		return err
	}
	if !pod.IsActive {
		return ErrPodNotFound
	}
	return ErrQuotaExceeded
}

// CommitReservation 将一笔预留结算为实际占用。declared 为预留时的申报大小，
// actual 为确认后的真实大小；两列在同一语句内更新，差额只应用一次。
func (r *PodRepository) CommitReservation(ctx context.Context, sess txmanager.Session, podID uuid.UUID, declared, actual int64) error {
	q := pick(r.db, sess)
	tag, err := q.Exec(ctx, `
		UPDATE storage.pods
		SET consumed_bytes = consumed_bytes + $3,
		    reserved_bytes = GREATEST(reserved_bytes - $2, 0),
		    updated_at = now()
		WHERE pod_id = $1`,
		podID, declared, actual)
	if err != nil {
		r.log.WithContext(ctx).Errorf("commit reservation failed: pod_id=%s err=%v", podID, err)
		return fmt.Errorf("commit reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPodNotFound
	}
	return nil
}

// ReleaseReservation 释放一笔预留（上传失败或过期时调用）。下限钳制为零，
// 重复释放不会把计数打成负数。
func (r *PodRepository) ReleaseReservation(ctx context.Context, sess txmanager.Session, podID uuid.UUID, declared int64) error {
	q := pick(r.db, sess)
	if _, err := q.Exec(ctx, `
		UPDATE storage.pods
		SET reserved_bytes = GREATEST(reserved_bytes - $2, 0), updated_at = now()
		WHERE pod_id = $1`,
		podID, declared); err != nil {
		r.log.WithContext(ctx).Errorf("release reservation failed: pod_id=%s err=%v", podID, err)
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// ReleaseConsumed 归还已确认占用（删除文件等场景）。
func (r *PodRepository) ReleaseConsumed(ctx context.Context, sess txmanager.Session, podID uuid.UUID, size int64) error {
	q := pick(r.db, sess)
	if _, err := q.Exec(ctx, `
		UPDATE storage.pods
		SET consumed_bytes = GREATEST(consumed_bytes - $2, 0), updated_at = now()
		WHERE pod_id = $1`,
		podID, size); err != nil {
		return fmt.Errorf("release consumed: %w", err)
	}
	return nil
}

// SetUseCustom 翻转指定提供商的 use_custom 标志。列名按提供商静态选择，
// 不做动态拼接。
func (r *PodRepository) SetUseCustom(ctx context.Context, sess txmanager.Session, podID uuid.UUID, provider po.StorageProvider, use bool) error {
	var column string
	switch provider {
	case po.ProviderAWSS3:
		column = "use_custom_s3"
	case po.ProviderOracle:
		column = "use_custom_oracle"
	case po.ProviderWasabi:
		column = "use_custom_wasabi"
	default:
		return fmt.Errorf("set use custom: unknown provider %q", provider)
	}
	q := pick(r.db, sess)
	tag, err := q.Exec(ctx,
		`UPDATE storage.pods SET `+column+` = $2, updated_at = now() WHERE pod_id = $1`,
		podID, use)
	if err != nil {
		r.log.WithContext(ctx).Errorf("set use custom failed: pod_id=%s provider=%s err=%v", podID, provider, err)
		return fmt.Errorf("set use custom: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPodNotFound
	}
	return nil
}
