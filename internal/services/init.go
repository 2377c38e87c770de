package services

import (
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/objectstore"
	"github.com/dumalabs/duma-services-storage/internal/repositories"

	"github.com/google/wire"
)

// ProviderSet 聚合 Service 层的 Wire Provider，并把各服务声明的窄接口
// 绑定到具体实现上。
var ProviderSet = wire.NewSet(
	NewQuotaService,
	NewCredentialService,
	NewUploadService,

	wire.Bind(new(QuotaPodRepo), new(*repositories.PodRepository)),
	wire.Bind(new(CredentialPodRepo), new(*repositories.PodRepository)),
	wire.Bind(new(UploadPodRepo), new(*repositories.PodRepository)),
	wire.Bind(new(CredentialRepo), new(*repositories.CredentialRepository)),
	wire.Bind(new(UploadRepo), new(*repositories.UploadRepository)),
	wire.Bind(new(UploadJobWriter), new(*repositories.TranscodeJobRepository)),
	wire.Bind(new(CredentialProber), new(*objectstore.Prober)),
	wire.Bind(new(UploadGateway), new(*objectstore.Gateway)),
	wire.Bind(new(UploadQuota), new(*QuotaService)),
	wire.Bind(new(objectstore.CredentialResolver), new(*CredentialService)),
)
