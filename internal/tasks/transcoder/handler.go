package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dumalabs/duma-services-storage/internal/infrastructure/ffmpeg"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/objectstore"
	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/repositories"
	"github.com/dumalabs/duma-services-storage/internal/services"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// JobRepo 抽象转码任务队列操作。
type JobRepo interface {
	Claim(ctx context.Context, workerID string, lease time.Duration) (*po.TranscodeJob, bool, error)
	RenewLease(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) error
	MarkSucceeded(ctx context.Context, sess txmanager.Session, jobID uuid.UUID, workerID, outputKey string) error
	Reschedule(ctx context.Context, jobID uuid.UUID, workerID string, nextAvailable time.Time, lastErr string) error
	MarkFailed(ctx context.Context, sess txmanager.Session, jobID uuid.UUID, workerID, lastErr string) error
	MarkCancelled(ctx context.Context, jobID uuid.UUID, workerID, reason string) error
}

// WorkerUploadRepo 抽象 worker 需要的上传记录操作。
type WorkerUploadRepo interface {
	GetByID(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID) (*po.UploadRecord, error)
	SetDerived(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, derivedKey string) error
	SetDerivedError(ctx context.Context, sess txmanager.Session, uploadID uuid.UUID, message string) error
}

// WorkerGateway 抽象 worker 需要的对象存储操作。
type WorkerGateway interface {
	GetObject(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, key string, reader io.ReadSeeker, size int64, contentType string) error
}

// HandlerConfig 是单条任务处理的运行参数。
type HandlerConfig struct {
	Lease       time.Duration
	MaxAttempts int32
	Backoff     objectstore.RetryPolicy
}

// Handler 处理一条已认领的转码任务：拉源、转码、回传、落账。
//
// 两处取消检查点（转码前、产物回传前）重读上传记录，源记录已消失或
// 不再处于 confirmed 时把任务置为 cancelled，不写任何产物。
type Handler struct {
	jobs       JobRepo
	uploads    WorkerUploadRepo
	gateway    WorkerGateway
	quota      services.UploadQuota
	transcoder ffmpeg.Transcoder
	txm        txmanager.Manager
	cfg        HandlerConfig
	metrics    *workerMetrics
	log        *log.Helper
	now        func() time.Time
}

// NewHandler 构造 Handler。
func NewHandler(jobs JobRepo, uploads WorkerUploadRepo, gateway WorkerGateway, quota services.UploadQuota, tc ffmpeg.Transcoder, txm txmanager.Manager, cfg HandlerConfig, metrics *workerMetrics, logger log.Logger) (*Handler, error) {
	switch {
	case jobs == nil:
		return nil, errors.New("transcoder: job repository is required")
	case uploads == nil:
		return nil, errors.New("transcoder: upload repository is required")
	case gateway == nil:
		return nil, errors.New("transcoder: gateway is required")
	case quota == nil:
		return nil, errors.New("transcoder: quota service is required")
	case tc == nil:
		return nil, errors.New("transcoder: transcoder is required")
	case txm == nil:
		return nil, errors.New("transcoder: tx manager is required")
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = objectstore.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Minute, MaxInterval: 15 * time.Minute}
	}
	return &Handler{
		jobs:       jobs,
		uploads:    uploads,
		gateway:    gateway,
		quota:      quota,
		transcoder: tc,
		txm:        txm,
		cfg:        cfg,
		metrics:    metrics,
		log:        log.NewHelper(logger),
		now:        time.Now,
	}, nil
}

// Handle 处理一条已认领的任务。错误在内部消化为任务状态转移，
// 只有基础设施层面完全无法推进时才返回非 nil。
func (h *Handler) Handle(ctx context.Context, job *po.TranscodeJob, workerID string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go h.heartbeat(runCtx, cancel, job.JobID, workerID, heartbeatDone)
	defer func() {
		cancel()
		<-heartbeatDone
	}()

	start := h.now()

	// 检查点一：转码开始前确认源上传仍然有效。
	upload, ok, err := h.checkpoint(runCtx, job, workerID)
	if err != nil || !ok {
		return err
	}

	src, err := h.gateway.GetObject(runCtx, upload.PodID, upload.Provider, upload.StorageKey)
	if err != nil {
		return h.retryOrFail(ctx, job, workerID, upload.UploadID, fmt.Errorf("fetch source: %w", err))
	}

	output, err := h.transcoder.Transcode(runCtx, ffmpeg.Input{Source: src, Profile: job.Profile})
	_ = src.Close()
	if err != nil {
		return h.retryOrFail(ctx, job, workerID, upload.UploadID, fmt.Errorf("transcode: %w", err))
	}
	defer output.Cleanup()

	// 检查点二：写产物前再确认一次；期间源被删除则放弃，不留孤儿对象。
	upload, ok, err = h.checkpoint(runCtx, job, workerID)
	if err != nil || !ok {
		return err
	}

	derivedKey := services.DerivedObjectKey(upload.PodID, upload.UploadID, job.Profile)

	if err := h.quota.Admit(runCtx, nil, upload.PodID, output.Size); err != nil {
		return h.retryOrFail(ctx, job, workerID, upload.UploadID, fmt.Errorf("admit output: %w", err))
	}

	file, err := output.Open()
	if err != nil {
		h.releaseQuietly(ctx, upload.PodID, output.Size)
		return h.retryOrFail(ctx, job, workerID, upload.UploadID, fmt.Errorf("open output: %w", err))
	}
	putErr := h.gateway.PutObject(runCtx, upload.PodID, upload.Provider, derivedKey, file, output.Size, output.ContentType)
	_ = file.Close()
	if putErr != nil {
		h.releaseQuietly(ctx, upload.PodID, output.Size)
		return h.retryOrFail(ctx, job, workerID, upload.UploadID, fmt.Errorf("store output: %w", putErr))
	}

	err = h.txm.WithinTx(ctx, txmanager.TxOptions{}, func(txCtx context.Context, sess txmanager.Session) error {
		if txErr := h.jobs.MarkSucceeded(txCtx, sess, job.JobID, workerID, derivedKey); txErr != nil {
			return txErr
		}
		if txErr := h.uploads.SetDerived(txCtx, sess, upload.UploadID, derivedKey); txErr != nil {
			return txErr
		}
		return h.quota.Commit(txCtx, sess, upload.PodID, output.Size, output.Size)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrLeaseLost) {
			h.log.WithContext(ctx).Warnf("lease lost before completion: job=%s worker=%s", job.JobID, workerID)
			h.releaseQuietly(ctx, upload.PodID, output.Size)
			return nil
		}
		h.releaseQuietly(ctx, upload.PodID, output.Size)
		return fmt.Errorf("finalize transcode job: %w", err)
	}

	h.metrics.recordSucceeded(ctx, job.Profile, h.now().Sub(start))
	h.log.WithContext(ctx).Infof("transcode succeeded: job=%s upload=%s profile=%s size=%d attempts=%d",
		job.JobID, upload.UploadID, job.Profile, output.Size, job.Attempts)
	return nil
}

// checkpoint 重读上传记录。记录缺失或已不再 confirmed 时取消任务并返回 ok=false。
func (h *Handler) checkpoint(ctx context.Context, job *po.TranscodeJob, workerID string) (*po.UploadRecord, bool, error) {
	upload, err := h.uploads.GetByID(ctx, nil, job.UploadID)
	if err != nil {
		if errors.Is(err, repositories.ErrUploadNotFound) {
			return nil, false, h.cancel(ctx, job, workerID, "source upload no longer exists")
		}
		return nil, false, fmt.Errorf("checkpoint reload: %w", err)
	}
	if upload.Status != po.UploadStatusConfirmed {
		return nil, false, h.cancel(ctx, job, workerID, fmt.Sprintf("source upload is %s", upload.Status))
	}
	return upload, true, nil
}

func (h *Handler) cancel(ctx context.Context, job *po.TranscodeJob, workerID, reason string) error {
	if err := h.jobs.MarkCancelled(ctx, job.JobID, workerID, reason); err != nil {
		if errors.Is(err, repositories.ErrLeaseLost) {
			return nil
		}
		return fmt.Errorf("cancel job: %w", err)
	}
	h.metrics.recordCancelled(ctx, job.Profile)
	h.log.WithContext(ctx).Infof("transcode cancelled: job=%s reason=%s", job.JobID, reason)
	return nil
}

// retryOrFail 按尝试次数决定重排还是终态失败。到达上限时任务置 failed、
// 上传记录写 derived_error；原始上传保持 confirmed，不受转码失败影响。
func (h *Handler) retryOrFail(ctx context.Context, job *po.TranscodeJob, workerID string, uploadID uuid.UUID, cause error) error {
	msg := cause.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}

	if job.Attempts >= h.cfg.MaxAttempts {
		err := h.txm.WithinTx(ctx, txmanager.TxOptions{}, func(txCtx context.Context, sess txmanager.Session) error {
			if txErr := h.jobs.MarkFailed(txCtx, sess, job.JobID, workerID, msg); txErr != nil {
				return txErr
			}
			if txErr := h.uploads.SetDerivedError(txCtx, sess, uploadID, msg); txErr != nil && !errors.Is(txErr, repositories.ErrUploadNotFound) {
				return txErr
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, repositories.ErrLeaseLost) {
				return nil
			}
			return fmt.Errorf("mark job failed: %w", err)
		}
		h.metrics.recordFailed(ctx, job.Profile)
		h.log.WithContext(ctx).Errorf("transcode failed permanently: job=%s upload=%s attempts=%d err=%v",
			job.JobID, uploadID, job.Attempts, cause)
		return nil
	}

	next := h.now().Add(h.cfg.Backoff.NextDelay(job.Attempts))
	if err := h.jobs.Reschedule(ctx, job.JobID, workerID, next, msg); err != nil {
		if errors.Is(err, repositories.ErrLeaseLost) {
			return nil
		}
		return fmt.Errorf("reschedule job: %w", err)
	}
	h.metrics.recordRescheduled(ctx, job.Profile)
	h.log.WithContext(ctx).Warnf("transcode attempt failed, rescheduled: job=%s attempt=%d next=%s err=%v",
		job.JobID, job.Attempts, next.Format(time.RFC3339), cause)
	return nil
}

// heartbeat 以租约三分之一的周期续约。续约失败说明租约已被接管，
// 取消处理上下文让当前工作尽快停下。
func (h *Handler) heartbeat(ctx context.Context, cancel context.CancelFunc, jobID uuid.UUID, workerID string, done chan<- struct{}) {
	defer close(done)
	interval := h.cfg.Lease / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.jobs.RenewLease(ctx, jobID, workerID, h.cfg.Lease); err != nil {
				if errors.Is(err, repositories.ErrLeaseLost) {
					h.log.Warnf("lease lost, aborting: job=%s worker=%s", jobID, workerID)
					cancel()
					return
				}
				h.log.Warnf("lease renewal failed: job=%s err=%v", jobID, err)
			}
		}
	}
}

func (h *Handler) releaseQuietly(ctx context.Context, podID uuid.UUID, size int64) {
	if err := h.quota.Release(ctx, nil, podID, size); err != nil {
		h.log.WithContext(ctx).Errorf("release output reservation failed: pod=%s size=%d err=%v", podID, size, err)
	}
}
