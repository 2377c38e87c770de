package sweeper

import (
	"github.com/dumalabs/duma-services-storage/internal/repositories"
	"github.com/dumalabs/duma-services-storage/internal/services"

	"github.com/google/wire"
)

// ProviderSet 聚合清扫任务的 Wire Provider。
var ProviderSet = wire.NewSet(
	NewRunner,
	wire.Bind(new(UploadExpirer), new(*repositories.UploadRepository)),
	wire.Bind(new(QuotaReleaser), new(*services.QuotaService)),
	wire.Bind(new(JobPruner), new(*repositories.TranscodeJobRepository)),
)
