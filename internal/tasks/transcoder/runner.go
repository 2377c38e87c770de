// Package transcoder 实现转码调度器：有界 worker 池从 Postgres 队列认领
// 带租约的任务，处理期间心跳续约，失败按指数退避重试直到次数上限。
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dumalabs/duma-services-storage/internal/repositories"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config 是调度器的运行参数。
type Config struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int32
}

// Runner 驱动 worker 池。每个 worker 独立循环：认领、处理、回写。
type Runner struct {
	jobs    JobRepo
	handler *Handler
	cfg     Config
	metrics *workerMetrics
	log     *log.Helper
	idBase  string
}

// NewRunner 构造 Runner。
func NewRunner(jobs JobRepo, handler *Handler, cfg Config, metrics *workerMetrics, logger log.Logger) (*Runner, error) {
	if jobs == nil {
		return nil, errors.New("transcoder: job repository is required")
	}
	if handler == nil {
		return nil, errors.New("transcoder: handler is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()[:8]
	}
	return &Runner{
		jobs:    jobs,
		handler: handler,
		cfg:     cfg,
		metrics: metrics,
		log:     log.NewHelper(logger),
		idBase:  host,
	}, nil
}

// Run 启动 worker 池并阻塞到 ctx 取消。
func (r *Runner) Run(ctx context.Context) error {
	r.log.Infof("transcoder starting: workers=%d lease=%s poll=%s max_attempts=%d",
		r.cfg.Workers, r.cfg.Lease, r.cfg.PollInterval, r.cfg.MaxAttempts)

	g, runCtx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", r.idBase, i)
		g.Go(func() error {
			return r.workerLoop(runCtx, workerID)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, reclaimed, err := r.jobs.Claim(ctx, workerID, r.cfg.Lease)
		if err != nil {
			if errors.Is(err, repositories.ErrNoClaimableJob) {
				if waitErr := sleepCtx(ctx, r.cfg.PollInterval); waitErr != nil {
					return waitErr
				}
				continue
			}
			r.log.WithContext(ctx).Errorf("claim failed: worker=%s err=%v", workerID, err)
			if waitErr := sleepCtx(ctx, r.cfg.PollInterval); waitErr != nil {
				return waitErr
			}
			continue
		}

		if reclaimed {
			r.metrics.recordReclaimed(ctx, job.Profile)
			r.log.WithContext(ctx).Warnf("reclaimed job from expired lease: job=%s attempt=%d worker=%s",
				job.JobID, job.Attempts, workerID)
		}

		if err := r.handler.Handle(ctx, job, workerID); err != nil {
			r.log.WithContext(ctx).Errorf("handle job failed: job=%s worker=%s err=%v", job.JobID, workerID, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
