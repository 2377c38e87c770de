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

// ErrJobNotFound 表示转码任务不存在。
var ErrJobNotFound = errors.New("transcode job not found")

// ErrNoClaimableJob 表示当前没有可认领的任务，worker 应退避后重试。
var ErrNoClaimableJob = errors.New("no claimable transcode job")

// ErrLeaseLost 表示续约或回写时租约已不属于本 worker。
var ErrLeaseLost = errors.New("transcode job lease lost")

// TranscodeJobRepository 封装 storage.transcode_jobs 持久化队列。
//
// 认领走 FOR UPDATE SKIP LOCKED 子查询：可认领的是到期的 queued 任务，
// 以及租约已过期的 running 任务（崩溃 worker 留下的残骸）。认领本身
// 递增 attempts 并写入租约，保证同一任务同一时刻只有一个持有者。
type TranscodeJobRepository struct {
	db  *pgxpool.Pool
	log *log.Helper
}

// NewTranscodeJobRepository 构造 TranscodeJobRepository。
func NewTranscodeJobRepository(db *pgxpool.Pool, logger log.Logger) *TranscodeJobRepository {
	return &TranscodeJobRepository{db: db, log: log.NewHelper(logger)}
}

const jobColumns = `job_id, upload_id, profile, status, attempts, available_at,
	lease_until, claimed_by, last_error, output_key, created_at, updated_at`

func scanJob(row pgx.Row) (*po.TranscodeJob, error) {
	var j po.TranscodeJob
	err := row.Scan(
		&j.JobID, &j.UploadID, &j.Profile, &j.Status, &j.Attempts, &j.AvailableAt,
		&j.LeaseUntil, &j.ClaimedBy, &j.LastError, &j.OutputKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue 为 confirmed 的视频上传插入一条 queued 任务。
// upload_id 唯一约束保证一条上传记录至多一个任务；冲突时保持既有任务不变。
func (r *TranscodeJobRepository) Enqueue(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, profile string) (*po.TranscodeJob, error) {
	q := pick(r.db, sess)
	job, err := scanJob(q.QueryRow(ctx, `
		INSERT INTO storage.transcode_jobs (job_id, upload_id, profile, status, available_at)
		VALUES ($1, $2, $3, 'queued', now())
		ON CONFLICT (upload_id) DO UPDATE SET updated_at = storage.transcode_jobs.updated_at
		RETURNING `+jobColumns,
		uuid.New(), uploadID, profile))
	if err != nil {
		r.log.WithContext(ctx).Errorf("enqueue transcode job failed: upload_id=%s err=%v", uploadID, err)
		return nil, fmt.Errorf("enqueue transcode job: %w", err)
	}
	return job, nil
}

// GetByUploadID 查询指定上传记录的转码任务。
func (r *TranscodeJobRepository) GetByUploadID(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID) (*po.TranscodeJob, error) {
	q := pick(r.db, sess)
	job, err := scanJob(q.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM storage.transcode_jobs WHERE upload_id = $1`, uploadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get transcode job: %w", err)
	}
	return job, nil
}

// Claim 以独占方式认领一条任务并写入租约。第二个返回值标记这条任务是从
// 过期租约回收的（前一个持有者崩溃或失联）。
func (r *TranscodeJobRepository) Claim(ctx context.Context, workerID string, lease time.Duration) (*po.TranscodeJob, bool, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE storage.transcode_jobs AS t
		SET status = 'running', attempts = t.attempts + 1,
		    claimed_by = $1, lease_until = now() + make_interval(secs => $2), updated_at = now()
		FROM (
			SELECT job_id, status AS prev_status FROM storage.transcode_jobs
			WHERE (status = 'queued' AND available_at <= now())
			   OR (status = 'running' AND lease_until < now())
			ORDER BY available_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AS c
		WHERE t.job_id = c.job_id
		RETURNING t.job_id, t.upload_id, t.profile, t.status, t.attempts, t.available_at,
			t.lease_until, t.claimed_by, t.last_error, t.output_key, t.created_at, t.updated_at,
			c.prev_status`,
		workerID, lease.Seconds())

	var j po.TranscodeJob
	var prevStatus po.TranscodeJobStatus
	err := row.Scan(
		&j.JobID, &j.UploadID, &j.Profile, &j.Status, &j.Attempts, &j.AvailableAt,
		&j.LeaseUntil, &j.ClaimedBy, &j.LastError, &j.OutputKey, &j.CreatedAt, &j.UpdatedAt,
		&prevStatus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrNoClaimableJob
		}
		r.log.WithContext(ctx).Errorf("claim transcode job failed: worker=%s err=%v", workerID, err)
		return nil, false, fmt.Errorf("claim transcode job: %w", err)
	}
	return &j, prevStatus == po.TranscodeStatusRunning, nil
}

// RenewLease 延长本 worker 持有的租约。租约已被他人接管时返回 ErrLeaseLost。
func (r *TranscodeJobRepository) RenewLease(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE storage.transcode_jobs
		SET lease_until = now() + make_interval(secs => $3), updated_at = now()
		WHERE job_id = $1 AND claimed_by = $2 AND status = 'running'`,
		jobID, workerID, lease.Seconds())
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkSucceeded 将任务置为 succeeded 并回写产物键。仅限当前租约持有者。
func (r *TranscodeJobRepository) MarkSucceeded(ctx context.Context, sess txmanager.Session, jobID uuid.UUID, workerID, outputKey string) error {
	q := pick(r.db, sess)
	tag, err := q.Exec(ctx, `
		UPDATE storage.transcode_jobs
		SET status = 'succeeded', output_key = $3, last_error = NULL,
		    lease_until = NULL, claimed_by = NULL, updated_at = now()
		WHERE job_id = $1 AND claimed_by = $2 AND status = 'running'`,
		jobID, workerID, outputKey)
	if err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Reschedule 把任务放回队列并安排下一次可用时间（重试退避）。
func (r *TranscodeJobRepository) Reschedule(ctx context.Context, jobID uuid.UUID, workerID string, nextAvailable time.Time, lastErr string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE storage.transcode_jobs
		SET status = 'queued', available_at = $3, last_error = $4,
		    lease_until = NULL, claimed_by = NULL, updated_at = now()
		WHERE job_id = $1 AND claimed_by = $2 AND status = 'running'`,
		jobID, workerID, nextAvailable, lastErr)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkFailed 将任务置为终态 failed 并记录最后一次错误。
func (r *TranscodeJobRepository) MarkFailed(ctx context.Context, sess txmanager.Session, jobID uuid.UUID, workerID, lastErr string) error {
	q := pick(r.db, sess)
	tag, err := q.Exec(ctx, `
		UPDATE storage.transcode_jobs
		SET status = 'failed', last_error = $3,
		    lease_until = NULL, claimed_by = NULL, updated_at = now()
		WHERE job_id = $1 AND claimed_by = $2 AND status = 'running'`,
		jobID, workerID, lastErr)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkCancelled 将任务置为 cancelled（源上传已删除等）。不写任何产物。
func (r *TranscodeJobRepository) MarkCancelled(ctx context.Context, jobID uuid.UUID, workerID, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE storage.transcode_jobs
		SET status = 'cancelled', last_error = $3,
		    lease_until = NULL, claimed_by = NULL, updated_at = now()
		WHERE job_id = $1 AND claimed_by = $2 AND status = 'running'`,
		jobID, workerID, reason)
	if err != nil {
		return fmt.Errorf("mark job cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeleteTerminalBefore 清理保留期之外的终态任务，返回删除行数。
func (r *TranscodeJobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM storage.transcode_jobs
		WHERE status IN ('succeeded', 'failed', 'cancelled') AND updated_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
