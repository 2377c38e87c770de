package server

import "github.com/google/wire"

// ProviderSet 聚合 Server 层的 Wire Provider。
var ProviderSet = wire.NewSet(NewHTTPServer, NewTelemetry)
