package ffmpeg

import "github.com/google/wire"

// ProviderSet 聚合转码执行器的 Wire Provider。
var ProviderSet = wire.NewSet(
	NewRunner,
	wire.Bind(new(Transcoder), new(*Runner)),
)
