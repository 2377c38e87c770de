package objectstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// Prober 对一组候选凭据做连通性探测。独立于 Gateway 存在：探测发生在凭据
// 入库之前，此时 Vault 还解析不出它们。
type Prober struct {
	timeout time.Duration
	newAPI  func(Credentials) (objectAPI, error)
	log     *log.Helper
}

// NewProber 构造 Prober，超时取 GatewayConfig.ProbeTimeout。
func NewProber(cfg GatewayConfig, logger log.Logger) *Prober {
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{timeout: timeout, newAPI: newMinioAPI, log: log.NewHelper(logger)}
}

// Probe 用给定凭据做一次有界超时的活性检查：bucket 必须可达且存在。
// 失败返回的错误已按 classify 映射，凭据错误不会被当作瞬时故障。
func (p *Prober) Probe(ctx context.Context, creds Credentials) error {
	api, err := p.newAPI(creds)
	if err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	exists, err := api.BucketExists(probeCtx, creds.Bucket)
	if err != nil {
		mapped, _ := classify(err)
		return fmt.Errorf("probe %s bucket %s: %w", creds.Provider, creds.Bucket, mapped)
	}
	if !exists {
		return fmt.Errorf("probe %s: bucket %s not found or not accessible", creds.Provider, creds.Bucket)
	}
	return nil
}
