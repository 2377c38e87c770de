package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dumalabs/duma-services-storage/internal/models/po"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUploadNotFound 表示上传记录不存在。
var ErrUploadNotFound = errors.New("upload record not found")

// ErrInvalidTransition 表示状态机拒绝了本次转移（记录已处于终态或其他分支）。
var ErrInvalidTransition = errors.New("upload status transition rejected")

// UploadRepository 封装 storage.uploads 表的访问逻辑。
// 状态转移全部是以当前状态为条件的单语句更新，终态行不会被改写。
type UploadRepository struct {
	db  *pgxpool.Pool
	log *log.Helper
}

// NewUploadRepository 构造 UploadRepository。
func NewUploadRepository(db *pgxpool.Pool, logger log.Logger) *UploadRepository {
	return &UploadRepository{db: db, log: log.NewHelper(logger)}
}

const uploadColumns = `upload_id, pod_id, user_id, filename, declared_size, content_kind,
	provider, storage_key, status, bytes_uploaded, actual_size, error_reason,
	upload_url_expires_at, derived_key, derived_error, created_at, updated_at`

func scanUpload(row pgx.Row) (*po.UploadRecord, error) {
	var u po.UploadRecord
	err := row.Scan(
		&u.UploadID, &u.PodID, &u.UserID, &u.Filename, &u.DeclaredSize, &u.ContentKind,
		&u.Provider, &u.StorageKey, &u.Status, &u.BytesUploaded, &u.ActualSize, &u.ErrorReason,
		&u.UploadURLExpiresAt, &u.DerivedKey, &u.DerivedError, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUploadInput 描述初始化上传记录所需的字段。
type CreateUploadInput struct {
	UploadID           uuid.UUID
	PodID              uuid.UUID
	UserID             uuid.UUID
	Filename           string
	DeclaredSize       int64
	ContentKind        po.ContentKind
	Provider           po.StorageProvider
	StorageKey         string
	UploadURLExpiresAt time.Time
}

// Create 插入一条 initiated 状态的上传记录。
func (r *UploadRepository) Create(ctx context.Context, sess txmanager.Session, input CreateUploadInput) (*po.UploadRecord, error) {
	q := pick(r.db, sess)
	rec, err := scanUpload(q.QueryRow(ctx, `
		INSERT INTO storage.uploads (
			upload_id, pod_id, user_id, filename, declared_size, content_kind,
			provider, storage_key, status, upload_url_expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'initiated', $9)
		RETURNING `+uploadColumns,
		input.UploadID, input.PodID, input.UserID, input.Filename, input.DeclaredSize,
		input.ContentKind, input.Provider, input.StorageKey, input.UploadURLExpiresAt))
	if err != nil {
		r.log.WithContext(ctx).Errorf("create upload failed: pod_id=%s err=%v", input.PodID, err)
		return nil, fmt.Errorf("create upload: %w", err)
	}
	return rec, nil
}

// GetByID 查询指定上传记录。
func (r *UploadRepository) GetByID(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID) (*po.UploadRecord, error) {
	q := pick(r.db, sess)
	rec, err := scanUpload(q.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM storage.uploads WHERE upload_id = $1`, uploadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUploadNotFound
		}
		r.log.WithContext(ctx).Errorf("get upload failed: upload_id=%s err=%v", uploadID, err)
		return nil, fmt.Errorf("get upload: %w", err)
	}
	return rec, nil
}

// ListByPod 按创建时间倒序分页列出 Pod 的上传记录。
func (r *UploadRepository) ListByPod(ctx context.Context, sess txmanager.Session, podID uuid.UUID, limit, offset int32) ([]*po.UploadRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	q := pick(r.db, sess)
	rows, err := q.Query(ctx, `
		SELECT `+uploadColumns+` FROM storage.uploads
		WHERE pod_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		podID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var records []*po.UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordProgress 写入最近一次已知的字节数信号。首个信号把 initiated 推进到
// uploading；字节数到齐申报大小时推进到 uploaded。信号只增不减，终态行不受影响。
func (r *UploadRepository) RecordProgress(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, bytes int64) (*po.UploadRecord, error) {
	q := pick(r.db, sess)
	rec, err := scanUpload(q.QueryRow(ctx, `
		UPDATE storage.uploads
		SET bytes_uploaded = LEAST(GREATEST(bytes_uploaded, $2), declared_size),
		    status = CASE
		        WHEN LEAST(GREATEST(bytes_uploaded, $2), declared_size) >= declared_size THEN 'uploaded'
		        WHEN status = 'initiated' THEN 'uploading'
		        ELSE status
		    END,
		    updated_at = now()
		WHERE upload_id = $1 AND status IN ('initiated', 'uploading', 'uploaded')
		RETURNING `+uploadColumns,
		uploadID, bytes))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainMiss(ctx, sess, uploadID)
		}
		r.log.WithContext(ctx).Errorf("record progress failed: upload_id=%s err=%v", uploadID, err)
		return nil, fmt.Errorf("record progress: %w", err)
	}
	return rec, nil
}

// MarkConfirmed 将记录推进到 confirmed 并回写实际大小。仅接受
// initiated/uploading/uploaded 三个来源状态。
func (r *UploadRepository) MarkConfirmed(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, actualSize int64) (*po.UploadRecord, error) {
	q := pick(r.db, sess)
	rec, err := scanUpload(q.QueryRow(ctx, `
		UPDATE storage.uploads
		SET status = 'confirmed', actual_size = $2, bytes_uploaded = $2,
		    error_reason = NULL, updated_at = now()
		WHERE upload_id = $1 AND status IN ('initiated', 'uploading', 'uploaded')
		RETURNING `+uploadColumns,
		uploadID, actualSize))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainMiss(ctx, sess, uploadID)
		}
		r.log.WithContext(ctx).Errorf("mark confirmed failed: upload_id=%s err=%v", uploadID, err)
		return nil, fmt.Errorf("mark confirmed: %w", err)
	}
	return rec, nil
}

// MarkFailed 将非终态记录置为 failed 并记录原因。
func (r *UploadRepository) MarkFailed(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, reason string) (*po.UploadRecord, error) {
	q := pick(r.db, sess)
	rec, err := scanUpload(q.QueryRow(ctx, `
		UPDATE storage.uploads
		SET status = 'failed', error_reason = $2, updated_at = now()
		WHERE upload_id = $1 AND status IN ('initiated', 'uploading', 'uploaded')
		RETURNING `+uploadColumns,
		uploadID, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainMiss(ctx, sess, uploadID)
		}
		r.log.WithContext(ctx).Errorf("mark failed failed: upload_id=%s err=%v", uploadID, err)
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	return rec, nil
}

// ExpireOverdue 把预签名 URL 已过期、仍停留在 initiated/uploading 的记录批量
// 置为 expired，返回被转移的行供调用方释放预留。条件更新保证多个 sweeper
// 并发执行时每行只被处理一次，已 confirmed 的记录永远不会被回退。
func (r *UploadRepository) ExpireOverdue(ctx context.Context, sess txmanager.Session, cutoff time.Time, limit int32) ([]*po.UploadRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := pick(r.db, sess)
	rows, err := q.Query(ctx, `
		UPDATE storage.uploads
		SET status = 'expired', error_reason = 'UPLOAD_EXPIRED', updated_at = now()
		WHERE upload_id IN (
			SELECT upload_id FROM storage.uploads
			WHERE status IN ('initiated', 'uploading') AND upload_url_expires_at < $1
			ORDER BY upload_url_expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+uploadColumns,
		cutoff, limit)
	if err != nil {
		r.log.WithContext(ctx).Errorf("expire overdue uploads failed: cutoff=%s err=%v", cutoff, err)
		return nil, fmt.Errorf("expire overdue uploads: %w", err)
	}
	defer rows.Close()

	var expired []*po.UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired upload: %w", err)
		}
		expired = append(expired, rec)
	}
	return expired, rows.Err()
}

// SetDerived 在 confirmed 记录上回写派生产物的存储键。
// 只动派生字段，不触碰状态机。
func (r *UploadRepository) SetDerived(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, derivedKey string) error {
	q := pick(r.db, sess)
	tag, err := q.Exec(ctx, `
		UPDATE storage.uploads
		SET derived_key = $2, derived_error = NULL, updated_at = now()
		WHERE upload_id = $1 AND status = 'confirmed'`,
		uploadID, derivedKey)
	if err != nil {
		return fmt.Errorf("set derived key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// SetDerivedError 在 confirmed 记录上记录转码最终失败的原因；原始上传保持有效。
func (r *UploadRepository) SetDerivedError(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, message string) error {
	q := pick(r.db, sess)
	tag, err := q.Exec(ctx, `
		UPDATE storage.uploads
		SET derived_error = $2, updated_at = now()
		WHERE upload_id = $1 AND status = 'confirmed'`,
		uploadID, message)
	if err != nil {
		return fmt.Errorf("set derived error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// explainMiss 把条件更新未命中翻译为更具体的错误。
func (r *UploadRepository) explainMiss(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID) error {
	current, err := r.GetByID(ctx, sess, uploadID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status=%s", ErrInvalidTransition, current.Status)
}
