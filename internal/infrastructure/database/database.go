// Package database 负责 PostgreSQL 连接池的初始化与生命周期管理：
// 连接池参数、启动健康检查、查询日志与优雅关闭。
package database

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	conf "github.com/dumalabs/duma-services-storage/internal/infrastructure/config"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPgxPool 创建并配置 pgxpool.Pool。启动时做一次有界超时的健康检查，
// 返回的 cleanup 交给 Wire 在进程退出时调用。
func NewPgxPool(ctx context.Context, data conf.Data, logger log.Logger) (*pgxpool.Pool, func(), error) {
	helper := log.NewHelper(logger)

	pg := data.Postgres
	if pg.DSN == "" {
		return nil, nil, fmt.Errorf("postgres DSN is required (set DATABASE_URL)")
	}

	poolConfig, err := pgxpool.ParseConfig(pg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse postgres DSN: %w", err)
	}

	if pg.MaxOpenConns > 0 {
		poolConfig.MaxConns = pg.MaxOpenConns
	}
	if pg.MinOpenConns > 0 {
		poolConfig.MinConns = pg.MinOpenConns
	}
	if d := conf.ParseDuration(pg.MaxConnLifetime, 0); d > 0 {
		poolConfig.MaxConnLifetime = d
	}
	if d := conf.ParseDuration(pg.MaxConnIdleTime, 0); d > 0 {
		poolConfig.MaxConnIdleTime = d
	}
	if d := conf.ParseDuration(pg.HealthCheckPeriod, 0); d > 0 {
		poolConfig.HealthCheckPeriod = d
	}

	poolConfig.ConnConfig.Tracer = &pgxLogger{helper: helper}

	if schema := pg.Schema; schema != "" {
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
				return fmt.Errorf("set search_path: %w", err)
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := healthCheck(ctx, pool, helper); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres health check failed: %w", err)
	}

	helper.Infof("postgres pool created: dsn=%s max_conns=%d min_conns=%d schema=%s",
		sanitizeDSN(pg.DSN), poolConfig.MaxConns, poolConfig.MinConns, pg.Schema)

	cleanup := func() {
		helper.Info("closing postgres pool")
		pool.Close()
	}
	return pool, cleanup, nil
}

// NewTxManager 基于连接池构造事务管理器。
func NewTxManager(pool *pgxpool.Pool, logger log.Logger) (txmanager.Manager, error) {
	return txmanager.NewManager(pool, txmanager.Config{}, txmanager.Dependencies{Logger: logger})
}

func healthCheck(ctx context.Context, pool *pgxpool.Pool, helper *log.Helper) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(healthCtx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	var version string
	if err := pool.QueryRow(healthCtx, "SELECT version()").Scan(&version); err != nil {
		return fmt.Errorf("version query failed: %w", err)
	}
	helper.Infof("database health check passed: version=%s", truncateVersion(version))
	return nil
}

// sanitizeDSN 隐藏 DSN 里的密码，日志里不出现明文。
func sanitizeDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if parsed.User != nil {
		username := parsed.User.Username()
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(username, "***")
		}
	}
	return parsed.String()
}

func truncateVersion(version string) string {
	if idx := strings.Index(version, "("); idx != -1 {
		return strings.TrimSpace(version[:idx])
	}
	if len(version) > 100 {
		return version[:100]
	}
	return version
}

// pgxLogger 把 pgx 的查询结束事件转发到 Kratos 日志，只记录失败的查询。
type pgxLogger struct {
	helper *log.Helper
}

func (l *pgxLogger) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	return ctx
}

func (l *pgxLogger) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		l.helper.WithContext(ctx).Errorf("query failed: err=%v", data.Err)
	}
}
