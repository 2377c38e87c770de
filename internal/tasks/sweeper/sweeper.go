// Package sweeper 实现上传过期清扫：周期性把预签名窗口已过期、仍未确认的
// 上传记录置为 expired 并归还容量预留。
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/dumalabs/duma-services-storage/internal/models/po"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// Config 是清扫任务的运行参数。
type Config struct {
	Interval  time.Duration
	BatchSize int32
	// JobRetention 是终态转码任务的保留期，超期的行被物理删除。
	JobRetention time.Duration
}

// UploadExpirer 抽象过期批量转移。
type UploadExpirer interface {
	ExpireOverdue(ctx context.Context, sess txmanager.Session, cutoff time.Time, limit int32) ([]*po.UploadRecord, error)
}

// QuotaReleaser 抽象预留归还。
type QuotaReleaser interface {
	Release(ctx context.Context, sess txmanager.Session, podID uuid.UUID, declared int64) error
}

// JobPruner 抽象终态转码任务的保留期清理。
type JobPruner interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Runner 驱动清扫循环。状态转移与预留归还同事务，SKIP LOCKED 选批保证
// 多实例并发清扫时每行只被处理一次；已 confirmed 的记录永不回退。
type Runner struct {
	uploads UploadExpirer
	quota   QuotaReleaser
	jobs    JobPruner
	txm     txmanager.Manager
	cfg     Config
	log     *log.Helper
	now     func() time.Time
}

// NewRunner 构造 Runner。
func NewRunner(uploads UploadExpirer, quota QuotaReleaser, jobs JobPruner, txm txmanager.Manager, cfg Config, logger log.Logger) (*Runner, error) {
	switch {
	case uploads == nil:
		return nil, errors.New("sweeper: upload repository is required")
	case quota == nil:
		return nil, errors.New("sweeper: quota service is required")
	case jobs == nil:
		return nil, errors.New("sweeper: job repository is required")
	case txm == nil:
		return nil, errors.New("sweeper: tx manager is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 7 * 24 * time.Hour
	}
	return &Runner{
		uploads: uploads,
		quota:   quota,
		jobs:    jobs,
		txm:     txm,
		cfg:     cfg,
		log:     log.NewHelper(logger),
		now:     time.Now,
	}, nil
}

// Run 启动清扫循环并阻塞到 ctx 取消。启动时先清一轮积压。
func (r *Runner) Run(ctx context.Context) error {
	r.log.Infof("sweeper starting: interval=%s batch=%d", r.cfg.Interval, r.cfg.BatchSize)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if n, err := r.SweepOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			r.log.WithContext(ctx).Errorf("sweep failed: %v", err)
		} else if n > 0 {
			r.log.WithContext(ctx).Infof("sweep expired %d uploads", n)
		}

		if pruned, err := r.PruneJobs(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			r.log.WithContext(ctx).Errorf("prune terminal jobs failed: %v", err)
		} else if pruned > 0 {
			r.log.WithContext(ctx).Infof("pruned %d terminal transcode jobs", pruned)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce 清扫一轮：按批处理直到没有剩余的过期记录，返回处理总数。
func (r *Runner) SweepOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		var batch []*po.UploadRecord
		err := r.txm.WithinTx(ctx, txmanager.TxOptions{}, func(txCtx context.Context, sess txmanager.Session) error {
			var txErr error
			batch, txErr = r.uploads.ExpireOverdue(txCtx, sess, r.now(), r.cfg.BatchSize)
			if txErr != nil {
				return txErr
			}
			for _, rec := range batch {
				if txErr = r.quota.Release(txCtx, sess, rec.PodID, rec.DeclaredSize); txErr != nil {
					return txErr
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += len(batch)
		if int32(len(batch)) < r.cfg.BatchSize {
			return total, nil
		}
	}
}

// PruneJobs 物理删除保留期之外的终态转码任务，返回删除行数。
func (r *Runner) PruneJobs(ctx context.Context) (int64, error) {
	return r.jobs.DeleteTerminalBefore(ctx, r.now().Add(-r.cfg.JobRetention))
}
