package objectstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 封装最大尝试次数与指数退避曲线。网关的瞬时故障重试与
// 转码调度器的任务重排共用同一份策略对象。
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy 返回网关默认策略：3 次尝试，200ms 起步指数退避。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 200 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 30 * time.Second
	}
	return p
}

// Do 执行 op，瞬时错误按策略重试；op 用 backoff.Permanent 包装不可重试错误。
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxAttempts-1), ctx))
}

// NextDelay 返回第 attempt 次失败后的确定性退避间隔（调度器据此写 available_at）。
func (p RetryPolicy) NextDelay(attempt int32) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.InitialInterval
	for i := int32(1); i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if delay > p.MaxInterval {
		return p.MaxInterval
	}
	return delay
}
