package objectstore

import "github.com/google/wire"

// ProviderSet 聚合对象存储基础设施的 Wire Provider。
var ProviderSet = wire.NewSet(NewGateway, NewProber)
