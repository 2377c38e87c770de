package controllers

import (
	conf "github.com/dumalabs/duma-services-storage/internal/infrastructure/config"

	"github.com/google/wire"
)

// ProviderSet 聚合 Controller 层的 Wire Provider。
var ProviderSet = wire.NewSet(
	ProvideHandlerTimeouts,
	NewBaseHandler,
	NewUploadHandler,
	NewCredentialHandler,
)

// ProvideHandlerTimeouts 从服务配置推导各类 Handler 的超时。
// 凭据验证要做一次活性探测，Default 留得比普通命令宽。
func ProvideHandlerTimeouts(server conf.Server) HandlerTimeouts {
	def := conf.ParseDuration(server.HTTP.Timeout, fallbackDefaultTimeout)
	return HandlerTimeouts{
		Default: def,
		Command: def,
		Query:   fallbackQueryTimeout,
	}
}
