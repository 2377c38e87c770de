package transcoder

import (
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/ffmpeg"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/objectstore"
	"github.com/dumalabs/duma-services-storage/internal/repositories"
	"github.com/dumalabs/duma-services-storage/internal/services"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"go.opentelemetry.io/otel"
)

// ProviderSet 聚合转码调度器的 Wire Provider。
var ProviderSet = wire.NewSet(ProvideRunner)

// ProvideRunner 组装指标、处理器与 worker 池。
func ProvideRunner(
	jobs *repositories.TranscodeJobRepository,
	uploads *repositories.UploadRepository,
	gateway *objectstore.Gateway,
	quota *services.QuotaService,
	tc ffmpeg.Transcoder,
	txm txmanager.Manager,
	cfg Config,
	handlerCfg HandlerConfig,
	logger log.Logger,
) (*Runner, error) {
	helper := log.NewHelper(logger)
	meter := otel.GetMeterProvider().Meter("duma-services-storage.transcoder")
	metrics := newWorkerMetrics(meter, helper)

	handler, err := NewHandler(jobs, uploads, gateway, quota, tc, txm, handlerCfg, metrics, logger)
	if err != nil {
		return nil, err
	}
	return NewRunner(jobs, handler, cfg, metrics, logger)
}
