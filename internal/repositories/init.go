package repositories

import "github.com/google/wire"

// ProviderSet 聚合 Repository 层的 Wire Provider。
var ProviderSet = wire.NewSet(
	NewPodRepository,
	NewCredentialRepository,
	NewUploadRepository,
	NewTranscodeJobRepository,
)
