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

// ErrCredentialNotFound 表示指定 (pod, provider) 没有自定义凭据。
var ErrCredentialNotFound = errors.New("storage credential not found")

// CredentialRepository 封装 storage.credentials 表的访问逻辑。
// 凭据明文只在 Vault（CredentialService）内部流转，不经由其他层返回。
type CredentialRepository struct {
	db  *pgxpool.Pool
	log *log.Helper
}

// NewCredentialRepository 构造 CredentialRepository。
func NewCredentialRepository(db *pgxpool.Pool, logger log.Logger) *CredentialRepository {
	return &CredentialRepository{db: db, log: log.NewHelper(logger)}
}

const credentialColumns = `pod_id, provider, access_key, secret_key, bucket, endpoint, region,
	validated_at, validation_ok, last_error, created_at, updated_at`

func scanCredential(row pgx.Row) (*po.StorageCredential, error) {
	var c po.StorageCredential
	err := row.Scan(
		&c.PodID, &c.Provider, &c.AccessKey, &c.SecretKey, &c.Bucket, &c.Endpoint, &c.Region,
		&c.ValidatedAt, &c.ValidationOK, &c.LastError, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByPodProvider 查询指定 (pod, provider) 的凭据记录。
func (r *CredentialRepository) GetByPodProvider(ctx context.Context, sess txmanager.Session, podID uuid.UUID, provider po.StorageProvider) (*po.StorageCredential, error) {
	q := pick(r.db, sess)
	cred, err := scanCredential(q.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM storage.credentials WHERE pod_id = $1 AND provider = $2`,
		podID, provider))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		r.log.WithContext(ctx).Errorf("get credential failed: pod_id=%s provider=%s err=%v", podID, provider, err)
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

// ListByPod 返回 Pod 的全部自定义凭据。
func (r *CredentialRepository) ListByPod(ctx context.Context, sess txmanager.Session, podID uuid.UUID) ([]*po.StorageCredential, error) {
	q := pick(r.db, sess)
	rows, err := q.Query(ctx,
		`SELECT `+credentialColumns+` FROM storage.credentials WHERE pod_id = $1 ORDER BY provider`,
		podID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*po.StorageCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// UpsertValidatedInput 描述写入已验证凭据所需的字段。
type UpsertValidatedInput struct {
	PodID       uuid.UUID
	Provider    po.StorageProvider
	AccessKey   string
	SecretKey   string
	Bucket      string
	Endpoint    string
	Region      string
	ValidatedAt time.Time
}

// UpsertValidated 写入一组通过探测的凭据。调用方保证候选集已验证成功；
// 验证失败的候选不会走到这里，上一组已知可用的凭据因此不会被覆盖。
func (r *CredentialRepository) UpsertValidated(ctx context.Context, sess txmanager.Session, input UpsertValidatedInput) (*po.StorageCredential, error) {
	q := pick(r.db, sess)
	cred, err := scanCredential(q.QueryRow(ctx, `
		INSERT INTO storage.credentials (
			pod_id, provider, access_key, secret_key, bucket, endpoint, region,
			validated_at, validation_ok, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, NULL)
		ON CONFLICT (pod_id, provider) DO UPDATE SET
			access_key = EXCLUDED.access_key,
			secret_key = EXCLUDED.secret_key,
			bucket = EXCLUDED.bucket,
			endpoint = EXCLUDED.endpoint,
			region = EXCLUDED.region,
			validated_at = EXCLUDED.validated_at,
			validation_ok = TRUE,
			last_error = NULL,
			updated_at = now()
		RETURNING `+credentialColumns,
		input.PodID, input.Provider, input.AccessKey, input.SecretKey,
		input.Bucket, input.Endpoint, input.Region, input.ValidatedAt))
	if err != nil {
		r.log.WithContext(ctx).Errorf("upsert credential failed: pod_id=%s provider=%s err=%v", input.PodID, input.Provider, err)
		return nil, fmt.Errorf("upsert credential: %w", err)
	}
	return cred, nil
}

// Delete 删除指定 (pod, provider) 的凭据记录。
func (r *CredentialRepository) Delete(ctx context.Context, sess txmanager.Session, podID uuid.UUID, provider po.StorageProvider) error {
	q := pick(r.db, sess)
	tag, err := q.Exec(ctx,
		`DELETE FROM storage.credentials WHERE pod_id = $1 AND provider = $2`,
		podID, provider)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
