package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/dumalabs/duma-services-storage/internal/models/po"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectAPI 抽象网关依赖的对象存储操作子集，测试里用假实现替换。
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration) (*url.URL, error)
	PresignedPostPolicy(ctx context.Context, policy *minio.PostPolicy) (*url.URL, map[string]string, error)
}

// minioAPI 是基于 minio-go 的 objectAPI 实现。AWS S3、Oracle 兼容端点、
// Wasabi 全部走同一套 S3 签名协议，区别只在 endpoint 与 region。
type minioAPI struct {
	client *minio.Client
}

func newMinioAPI(creds Credentials) (objectAPI, error) {
	endpoint, secure := resolveEndpoint(creds)
	if endpoint == "" {
		return nil, fmt.Errorf("no endpoint for provider %s", creds.Provider)
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure: secure,
		Region: creds.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &minioAPI{client: client}, nil
}

// resolveEndpoint 把凭据里的 endpoint 规范化为 host[:port] 形式。
// 未显式配置时按提供商推导默认端点。
func resolveEndpoint(creds Credentials) (endpoint string, secure bool) {
	raw := strings.TrimSpace(creds.Endpoint)
	if raw == "" {
		switch creds.Provider {
		case po.ProviderAWSS3:
			if creds.Region != "" {
				return fmt.Sprintf("s3.%s.amazonaws.com", creds.Region), true
			}
			return "s3.amazonaws.com", true
		case po.ProviderWasabi:
			if creds.Region != "" {
				return fmt.Sprintf("s3.%s.wasabisys.com", creds.Region), true
			}
			return "s3.wasabisys.com", true
		default:
			return "", true
		}
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err == nil && u.Host != "" {
			return u.Host, u.Scheme != "http"
		}
	}
	return raw, true
}

func (m *minioAPI) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return m.client.BucketExists(ctx, bucket)
}

func (m *minioAPI) StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error) {
	return m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
}

func (m *minioAPI) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, bucket, key, reader, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (m *minioAPI) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject 是惰性的，先 Stat 一次让 NoSuchKey 在这里暴露。
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, err
	}
	return obj, nil
}

func (m *minioAPI) RemoveObject(ctx context.Context, bucket, key string) error {
	return m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

func (m *minioAPI) PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration) (*url.URL, error) {
	return m.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
}

func (m *minioAPI) PresignedPostPolicy(ctx context.Context, policy *minio.PostPolicy) (*url.URL, map[string]string, error) {
	return m.client.PresignedPostPolicy(ctx, policy)
}

// classify 把 minio 错误翻译成包内哨兵错误，并区分可否重试。
// 返回值里不可重试的错误已经用 backoff.Permanent 语义由调用方包装。
func classify(err error) (mapped error, retryable bool) {
	if err == nil {
		return nil, false
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %s", ErrObjectNotFound, resp.Code), false
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied", "InvalidSecurity":
		return fmt.Errorf("%w: %s", ErrCredentialInvalid, resp.Code), false
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return fmt.Errorf("%w: %s", ErrProviderUnavailable, resp.Code), true
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: http %d", ErrProviderUnavailable, resp.StatusCode), true
	}
	if resp.Code == "" && resp.StatusCode == 0 {
		// 非协议错误（连接拒绝、DNS、超时），按提供商不可达处理。
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err), true
	}
	return err, false
}
