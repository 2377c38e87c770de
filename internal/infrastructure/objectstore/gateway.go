package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dumalabs/duma-services-storage/internal/models/po"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

// CredentialResolver 为网关按调用解析凭据。由 Vault（CredentialService）实现，
// 网关因此不缓存任何客户端：凭据轮换后下一次调用立即生效。
type CredentialResolver interface {
	GetActive(ctx context.Context, podID uuid.UUID, provider po.StorageProvider) (*ResolvedCredentials, error)
}

// GatewayConfig 是网关的运行参数。
type GatewayConfig struct {
	UploadURLTTL   time.Duration
	DownloadURLTTL time.Duration
	ProbeTimeout   time.Duration
	Retry          RetryPolicy
}

// ObjectInfo 是 HeadObject 的结果。
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string
}

// Gateway 是所有对象存储操作的唯一入口。上层代码不感知具体提供商，
// 只打交道于 (pod, provider, key) 三元组。
type Gateway struct {
	resolver CredentialResolver
	cfg      GatewayConfig
	log      *log.Helper

	newAPI func(Credentials) (objectAPI, error)
	now    func() time.Time
}

// NewGateway 构造 Gateway。
func NewGateway(resolver CredentialResolver, cfg GatewayConfig, logger log.Logger) *Gateway {
	if cfg.UploadURLTTL <= 0 {
		cfg.UploadURLTTL = 30 * time.Minute
	}
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = 15 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Gateway{
		resolver: resolver,
		cfg:      cfg,
		log:      log.NewHelper(logger),
		newAPI:   newMinioAPI,
		now:      time.Now,
	}
}

// RetryPolicy 暴露网关的重试策略，转码调度器复用同一条退避曲线。
func (g *Gateway) RetryPolicy() RetryPolicy {
	return g.cfg.Retry
}

func (g *Gateway) api(ctx context.Context, podID uuid.UUID, provider po.StorageProvider) (objectAPI, *ResolvedCredentials, error) {
	resolved, err := g.resolver.GetActive(ctx, podID, provider)
	if err != nil {
		return nil, nil, err
	}
	api, err := g.newAPI(resolved.Credentials)
	if err != nil {
		return nil, nil, err
	}
	return api, resolved, nil
}

// PresignUpload 生成一条 POST Policy 预签名直传。maxSize 编码进
// content-length-range 条件，超过声明大小的上传由提供商直接拒绝。
func (g *Gateway) PresignUpload(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, key, contentType string, maxSize int64) (*PresignedUpload, error) {
	api, resolved, err := g.api(ctx, podID, provider)
	if err != nil {
		return nil, err
	}

	expiresAt := g.now().Add(g.cfg.UploadURLTTL)
	policy := minio.NewPostPolicy()
	if err := policy.SetBucket(resolved.Bucket); err != nil {
		return nil, fmt.Errorf("post policy bucket: %w", err)
	}
	if err := policy.SetKey(key); err != nil {
		return nil, fmt.Errorf("post policy key: %w", err)
	}
	if err := policy.SetExpires(expiresAt.UTC()); err != nil {
		return nil, fmt.Errorf("post policy expires: %w", err)
	}
	if contentType != "" {
		if err := policy.SetContentType(contentType); err != nil {
			return nil, fmt.Errorf("post policy content type: %w", err)
		}
	}
	if err := policy.SetContentLengthRange(1, maxSize); err != nil {
		return nil, fmt.Errorf("post policy length range: %w", err)
	}

	u, form, err := api.PresignedPostPolicy(ctx, policy)
	if err != nil {
		mapped, _ := classify(err)
		return nil, fmt.Errorf("presign upload: %w", mapped)
	}
	return &PresignedUpload{URL: u.String(), FormFields: form, ExpiresAt: expiresAt}, nil
}

// PresignDownload 生成预签名下载 URL。
func (g *Gateway) PresignDownload(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, key string) (*PresignedDownload, error) {
	api, resolved, err := g.api(ctx, podID, provider)
	if err != nil {
		return nil, err
	}
	expiresAt := g.now().Add(g.cfg.DownloadURLTTL)
	u, err := api.PresignedGetObject(ctx, resolved.Bucket, key, g.cfg.DownloadURLTTL)
	if err != nil {
		mapped, _ := classify(err)
		return nil, fmt.Errorf("presign download: %w", mapped)
	}
	return &PresignedDownload{URL: u.String(), ExpiresAt: expiresAt}, nil
}

// HeadObject 查询对象元数据。对象不存在时返回 ErrObjectNotFound，不触发重试。
func (g *Gateway) HeadObject(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, key string) (*ObjectInfo, error) {
	api, resolved, err := g.api(ctx, podID, provider)
	if err != nil {
		return nil, err
	}
	var info minio.ObjectInfo
	err = g.cfg.Retry.Do(ctx, func() error {
		var statErr error
		info, statErr = api.StatObject(ctx, resolved.Bucket, key)
		return permanentUnlessRetryable(statErr)
	})
	if err != nil {
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, Size: info.Size, ContentType: info.ContentType, ETag: info.ETag}, nil
}

// PutObject 写入对象。reader 需要可回绕以支持重试，转码产物写回走临时文件，
// *os.File 天然满足。
func (g *Gateway) PutObject(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, key string, reader io.ReadSeeker, size int64, contentType string) error {
	api, resolved, err := g.api(ctx, podID, provider)
	if err != nil {
		return err
	}
	err = g.cfg.Retry.Do(ctx, func() error {
		if _, seekErr := reader.Seek(0, io.SeekStart); seekErr != nil {
			return backoff.Permanent(fmt.Errorf("rewind reader: %w", seekErr))
		}
		return permanentUnlessRetryable(api.PutObject(ctx, resolved.Bucket, key, reader, size, contentType))
	})
	if err != nil {
		g.log.WithContext(ctx).Errorf("put object failed: pod=%s provider=%s key=%s err=%v", podID, provider, key, err)
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// GetObject 打开对象读取流。调用方负责 Close。
func (g *Gateway) GetObject(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, key string) (io.ReadCloser, error) {
	api, resolved, err := g.api(ctx, podID, provider)
	if err != nil {
		return nil, err
	}
	var rc io.ReadCloser
	err = g.cfg.Retry.Do(ctx, func() error {
		var getErr error
		rc, getErr = api.GetObject(ctx, resolved.Bucket, key)
		return permanentUnlessRetryable(getErr)
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return rc, nil
}

// RemoveObject 删除对象。对象已不存在视为成功。
func (g *Gateway) RemoveObject(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, key string) error {
	api, resolved, err := g.api(ctx, podID, provider)
	if err != nil {
		return err
	}
	err = g.cfg.Retry.Do(ctx, func() error {
		return permanentUnlessRetryable(api.RemoveObject(ctx, resolved.Bucket, key))
	})
	if err != nil && !errors.Is(err, ErrObjectNotFound) {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// permanentUnlessRetryable 把不可重试的错误包装成 backoff.Permanent，
// 让重试循环只消耗在瞬时故障上。
func permanentUnlessRetryable(err error) error {
	if err == nil {
		return nil
	}
	mapped, retryable := classify(err)
	if retryable {
		return mapped
	}
	return backoff.Permanent(mapped)
}
