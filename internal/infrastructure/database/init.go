package database

import "github.com/google/wire"

// ProviderSet 暴露数据库连接池与事务管理器的构造函数。
var ProviderSet = wire.NewSet(
	NewPgxPool,
	NewTxManager,
)
