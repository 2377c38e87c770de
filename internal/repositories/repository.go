// Package repositories 封装 storage schema 各表的访问逻辑。
// 所有状态与配额变更都是带条件的单语句更新（CAS），并与 TxManager Session 协作：
// 传入 Session 时在事务内执行，否则直接走连接池。
package repositories

import (
	"context"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier 抽象 pgxpool.Pool 与 pgx.Tx 共有的查询能力。
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pick(db *pgxpool.Pool, sess txmanager.Session) querier {
	if sess != nil {
		return sess.Tx()
	}
	return db
}
