package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dumalabs/duma-services-storage/internal/infrastructure/objectstore"
	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/repositories"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// SystemDefaults 是平台级默认凭据，按提供商配置。来自配置文件，缺省的
// 提供商对未启用自定义凭据的 Pod 不可用。
type SystemDefaults map[po.StorageProvider]objectstore.Credentials

// CredentialPodRepo 抽象凭据管理所需的 Pod 操作。
type CredentialPodRepo interface {
	GetByID(ctx context.Context, sess txmanager.Session, podID uuid.UUID) (*po.DumaPod, error)
	SetUseCustom(ctx context.Context, sess txmanager.Session, podID uuid.UUID, provider po.StorageProvider, use bool) error
}

// CredentialRepo 抽象凭据行的持久化操作。
type CredentialRepo interface {
	GetByPodProvider(ctx context.Context, sess txmanager.Session, podID uuid.UUID, provider po.StorageProvider) (*po.StorageCredential, error)
	ListByPod(ctx context.Context, sess txmanager.Session, podID uuid.UUID) ([]*po.StorageCredential, error)
	UpsertValidated(ctx context.Context, sess txmanager.Session, input repositories.UpsertValidatedInput) (*po.StorageCredential, error)
	Delete(ctx context.Context, sess txmanager.Session, podID uuid.UUID, provider po.StorageProvider) error
}

// CredentialProber 抽象凭据活性探测。
type CredentialProber interface {
	Probe(ctx context.Context, creds objectstore.Credentials) error
}

// CandidateCredential 是管理端提交的一组候选凭据。
type CandidateCredential struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Endpoint  string
	Region    string
}

// ValidationResult 是一次凭据探测的结果。失败原因面向人读，不含敏感信息。
type ValidationResult struct {
	OK            bool
	FailureReason string
	CheckedAt     time.Time
}

type credentialCacheKey struct {
	podID    uuid.UUID
	provider po.StorageProvider
}

type credentialCacheEntry struct {
	resolved  *objectstore.ResolvedCredentials
	expiresAt time.Time
}

// CredentialService 实现凭据保管：解析生效凭据集、验证候选、写入自定义配置。
//
// 解析结果带亚分钟级缓存，SetCustom/Delete 同步失效，凭据轮换在一个
// 缓存周期内对所有后续操作生效。明文凭据不出本服务与网关的调用链。
type CredentialService struct {
	pods     CredentialPodRepo
	creds    CredentialRepo
	prober   CredentialProber
	txm      txmanager.Manager
	defaults SystemDefaults
	log      *log.Helper
	now      func() time.Time

	mu       sync.Mutex
	cache    map[credentialCacheKey]credentialCacheEntry
	cacheTTL time.Duration
}

// NewCredentialService 创建 CredentialService。
func NewCredentialService(pods CredentialPodRepo, creds CredentialRepo, prober CredentialProber, txm txmanager.Manager, defaults SystemDefaults, logger log.Logger) (*CredentialService, error) {
	switch {
	case pods == nil:
		return nil, errors.New("credential service: pod repository is required")
	case creds == nil:
		return nil, errors.New("credential service: credential repository is required")
	case prober == nil:
		return nil, errors.New("credential service: prober is required")
	case txm == nil:
		return nil, errors.New("credential service: tx manager is required")
	}
	return &CredentialService{
		pods:     pods,
		creds:    creds,
		prober:   prober,
		txm:      txm,
		defaults: defaults,
		log:      log.NewHelper(logger),
		now:      time.Now,
		cache:    make(map[credentialCacheKey]credentialCacheEntry),
		cacheTTL: 30 * time.Second,
	}, nil
}

// GetActive 解析 (pod, provider) 当前生效的凭据集：显式二选一。
// use_custom 标志已置位但凭据缺失或未通过验证时直接报错，绝不静默回退
// 到系统默认——那会把用户数据写进他们不知情的存储。
func (s *CredentialService) GetActive(ctx context.Context, podID uuid.UUID, provider po.StorageProvider) (*objectstore.ResolvedCredentials, error) {
	if !po.ValidProvider(provider) {
		return nil, errInvalidArgument(fmt.Sprintf("unknown storage provider: %s", provider))
	}

	key := credentialCacheKey{podID: podID, provider: provider}
	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && s.now().Before(entry.expiresAt) {
		s.mu.Unlock()
		return entry.resolved, nil
	}
	s.mu.Unlock()

	pod, err := s.pods.GetByID(ctx, nil, podID)
	if err != nil {
		if errors.Is(err, repositories.ErrPodNotFound) {
			return nil, errPodNotFound(err)
		}
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	if !pod.IsActive {
		return nil, errPodNotFound(repositories.ErrPodNotFound)
	}

	var resolved *objectstore.ResolvedCredentials
	if pod.UsesCustom(provider) {
		cred, err := s.creds.GetByPodProvider(ctx, nil, podID, provider)
		if err != nil {
			if errors.Is(err, repositories.ErrCredentialNotFound) {
				return nil, errNoUsableCredentials(fmt.Sprintf(
					"pod %s has custom %s storage enabled but no credentials on file", podID, provider))
			}
			return nil, fmt.Errorf("resolve credentials: %w", err)
		}
		if !cred.ValidationOK {
			return nil, errNoUsableCredentials(fmt.Sprintf(
				"pod %s custom %s credentials failed validation", podID, provider))
		}
		resolved = &objectstore.ResolvedCredentials{
			Source: objectstore.SourceCustom,
			Credentials: objectstore.Credentials{
				Provider:  provider,
				AccessKey: cred.AccessKey,
				SecretKey: cred.SecretKey,
				Bucket:    cred.Bucket,
				Endpoint:  cred.Endpoint,
				Region:    cred.Region,
			},
		}
	} else {
		def, ok := s.defaults[provider]
		if !ok {
			return nil, errNoUsableCredentials(fmt.Sprintf(
				"no system default credentials configured for provider %s", provider))
		}
		def.Provider = provider
		resolved = &objectstore.ResolvedCredentials{Source: objectstore.SourceSystemDefault, Credentials: def}
	}

	s.mu.Lock()
	s.cache[key] = credentialCacheEntry{resolved: resolved, expiresAt: s.now().Add(s.cacheTTL)}
	s.mu.Unlock()
	return resolved, nil
}

// Validate 对候选凭据做一次活性探测，不持久化任何东西。
// 探测失败是正常返回值而非 error，原因写进结果。
func (s *CredentialService) Validate(ctx context.Context, provider po.StorageProvider, candidate CandidateCredential) (*ValidationResult, error) {
	if !po.ValidProvider(provider) {
		return nil, errInvalidArgument(fmt.Sprintf("unknown storage provider: %s", provider))
	}
	if candidate.AccessKey == "" || candidate.SecretKey == "" || candidate.Bucket == "" {
		return nil, errInvalidArgument("access_key, secret_key and bucket are required")
	}

	result := &ValidationResult{CheckedAt: s.now()}
	if err := s.prober.Probe(ctx, candidate.toCredentials(provider)); err != nil {
		result.FailureReason = err.Error()
		return result, nil
	}
	result.OK = true
	return result, nil
}

// SetCustom 验证并启用一组自定义凭据。探测失败时直接拒绝，既有配置
// （上一组可用凭据、use_custom 标志）原样保留；成功时凭据写入与标志
// 翻转在同一事务内完成。
func (s *CredentialService) SetCustom(ctx context.Context, podID uuid.UUID, provider po.StorageProvider, candidate CandidateCredential) (*po.StorageCredential, error) {
	if !po.ValidProvider(provider) {
		return nil, errInvalidArgument(fmt.Sprintf("unknown storage provider: %s", provider))
	}
	if candidate.AccessKey == "" || candidate.SecretKey == "" || candidate.Bucket == "" {
		return nil, errInvalidArgument("access_key, secret_key and bucket are required")
	}

	pod, err := s.pods.GetByID(ctx, nil, podID)
	if err != nil {
		if errors.Is(err, repositories.ErrPodNotFound) {
			return nil, errPodNotFound(err)
		}
		return nil, fmt.Errorf("set custom credentials: %w", err)
	}
	if !pod.IsActive {
		return nil, errPodNotFound(repositories.ErrPodNotFound)
	}

	if err := s.prober.Probe(ctx, candidate.toCredentials(provider)); err != nil {
		s.log.WithContext(ctx).Warnf("credential probe rejected: pod=%s provider=%s err=%v", podID, provider, err)
		if errors.Is(err, objectstore.ErrProviderUnavailable) {
			return nil, errProviderUnavailable(err)
		}
		return nil, errCredentialInvalid(err)
	}

	var saved *po.StorageCredential
	err = s.txm.WithinTx(ctx, txmanager.TxOptions{}, func(txCtx context.Context, sess txmanager.Session) error {
		var txErr error
		saved, txErr = s.creds.UpsertValidated(txCtx, sess, repositories.UpsertValidatedInput{
			PodID:       podID,
			Provider:    provider,
			AccessKey:   candidate.AccessKey,
			SecretKey:   candidate.SecretKey,
			Bucket:      candidate.Bucket,
			Endpoint:    candidate.Endpoint,
			Region:      candidate.Region,
			ValidatedAt: s.now(),
		})
		if txErr != nil {
			return txErr
		}
		return s.pods.SetUseCustom(txCtx, sess, podID, provider, true)
	})
	if err != nil {
		return nil, fmt.Errorf("set custom credentials: %w", err)
	}

	s.invalidate(podID, provider)
	s.log.WithContext(ctx).Infof("custom credentials enabled: pod=%s provider=%s bucket=%s", podID, provider, saved.Bucket)
	return saved, nil
}

// UseSystemDefault 关闭自定义凭据，回到平台默认。凭据行保留，便于之后重新启用。
func (s *CredentialService) UseSystemDefault(ctx context.Context, podID uuid.UUID, provider po.StorageProvider) error {
	if !po.ValidProvider(provider) {
		return errInvalidArgument(fmt.Sprintf("unknown storage provider: %s", provider))
	}
	if _, ok := s.defaults[provider]; !ok {
		return errNoUsableCredentials(fmt.Sprintf("no system default credentials configured for provider %s", provider))
	}
	if err := s.pods.SetUseCustom(ctx, nil, podID, provider, false); err != nil {
		if errors.Is(err, repositories.ErrPodNotFound) {
			return errPodNotFound(err)
		}
		return fmt.Errorf("use system default: %w", err)
	}
	s.invalidate(podID, provider)
	return nil
}

// List 返回 Pod 的全部自定义凭据记录。脱敏由 DTO 层负责，secret 不出 HTTP 边界。
func (s *CredentialService) List(ctx context.Context, podID uuid.UUID) ([]*po.StorageCredential, error) {
	creds, err := s.creds.ListByPod(ctx, nil, podID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

// Delete 删除一条自定义凭据。该提供商的 use_custom 标志仍在启用时拒绝，
// 避免把 Pod 留在"标志指向不存在的凭据"的状态。
func (s *CredentialService) Delete(ctx context.Context, podID uuid.UUID, provider po.StorageProvider) error {
	if !po.ValidProvider(provider) {
		return errInvalidArgument(fmt.Sprintf("unknown storage provider: %s", provider))
	}
	pod, err := s.pods.GetByID(ctx, nil, podID)
	if err != nil {
		if errors.Is(err, repositories.ErrPodNotFound) {
			return errPodNotFound(err)
		}
		return fmt.Errorf("delete credentials: %w", err)
	}
	if pod.UsesCustom(provider) {
		return errInvalidState(
			fmt.Sprintf("custom %s storage is still enabled, switch to system default first", provider), nil)
	}
	if err := s.creds.Delete(ctx, nil, podID, provider); err != nil {
		if errors.Is(err, repositories.ErrCredentialNotFound) {
			return errCredentialNotFound(err)
		}
		return fmt.Errorf("delete credentials: %w", err)
	}
	s.invalidate(podID, provider)
	return nil
}

func (s *CredentialService) invalidate(podID uuid.UUID, provider po.StorageProvider) {
	s.mu.Lock()
	delete(s.cache, credentialCacheKey{podID: podID, provider: provider})
	s.mu.Unlock()
}

func (c CandidateCredential) toCredentials(provider po.StorageProvider) objectstore.Credentials {
	return objectstore.Credentials{
		Provider:  provider,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Bucket:    c.Bucket,
		Endpoint:  c.Endpoint,
		Region:    c.Region,
	}
}
