package config

import (
	"time"

	"github.com/dumalabs/duma-services-storage/internal/infrastructure/ffmpeg"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/objectstore"
	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/services"
	"github.com/dumalabs/duma-services-storage/internal/tasks/sweeper"
	"github.com/dumalabs/duma-services-storage/internal/tasks/transcoder"

	"github.com/google/wire"
)

// ProviderSet 把 Bootstrap 拆解为各层需要的强类型配置。
var ProviderSet = wire.NewSet(
	NewBootstrap,
	ProvideServerConfig,
	ProvideDataConfig,
	ProvideGatewayConfig,
	ProvideSystemDefaults,
	ProvideUploadConfig,
	ProvideFFmpegConfig,
	ProvideTranscoderConfig,
	ProvideHandlerConfig,
	ProvideSweeperConfig,
)

// ProvideServerConfig 返回 HTTP 服务配置。
func ProvideServerConfig(bc Bootstrap) Server {
	return bc.Server
}

// ProvideDataConfig 返回数据层配置。
func ProvideDataConfig(bc Bootstrap) Data {
	return bc.Data
}

// ProvideGatewayConfig 返回对象存储网关配置。
func ProvideGatewayConfig(bc Bootstrap) objectstore.GatewayConfig {
	retry := objectstore.DefaultRetryPolicy()
	if bc.Storage.RetryAttempts > 0 {
		retry.MaxAttempts = bc.Storage.RetryAttempts
	}
	return objectstore.GatewayConfig{
		UploadURLTTL:   ParseDuration(bc.Storage.UploadURLTTL, 30*time.Minute),
		DownloadURLTTL: ParseDuration(bc.Storage.DownloadURLTTL, 15*time.Minute),
		ProbeTimeout:   ParseDuration(bc.Storage.ProbeTimeout, 10*time.Second),
		Retry:          retry,
	}
}

// ProvideSystemDefaults 把配置里的平台默认凭据转为 Vault 的形态。
// 未配置或提供商名不认识的条目被丢弃。
func ProvideSystemDefaults(bc Bootstrap) services.SystemDefaults {
	defaults := make(services.SystemDefaults, len(bc.Storage.Defaults))
	for name, cred := range bc.Storage.Defaults {
		provider := po.StorageProvider(name)
		if !po.ValidProvider(provider) {
			continue
		}
		defaults[provider] = objectstore.Credentials{
			Provider:  provider,
			AccessKey: cred.AccessKey,
			SecretKey: cred.SecretKey,
			Bucket:    cred.Bucket,
			Endpoint:  cred.Endpoint,
			Region:    cred.Region,
		}
	}
	return defaults
}

// ProvideUploadConfig 返回上传台账配置。
func ProvideUploadConfig(bc Bootstrap) services.UploadConfig {
	return services.UploadConfig{
		SizeTolerance:    bc.Upload.SizeToleranceBytes,
		TranscodeProfile: bc.Upload.TranscodeProfile,
	}
}

// ProvideFFmpegConfig 返回转码执行器配置。
func ProvideFFmpegConfig(bc Bootstrap) ffmpeg.Config {
	return ffmpeg.Config{
		Binary:  bc.Transcode.FFmpegBinary,
		WorkDir: bc.Transcode.WorkDir,
		Timeout: ParseDuration(bc.Transcode.Timeout, 30*time.Minute),
	}
}

// ProvideTranscoderConfig 返回调度器池配置。
func ProvideTranscoderConfig(bc Bootstrap) transcoder.Config {
	return transcoder.Config{
		Workers:      bc.Transcode.Workers,
		PollInterval: ParseDuration(bc.Transcode.PollInterval, 5*time.Second),
		Lease:        ParseDuration(bc.Transcode.Lease, 2*time.Minute),
		MaxAttempts:  bc.Transcode.MaxAttempts,
	}
}

// ProvideHandlerConfig 返回单条任务处理配置。退避曲线与调度器共用一套参数。
func ProvideHandlerConfig(bc Bootstrap) transcoder.HandlerConfig {
	maxAttempts := bc.Transcode.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return transcoder.HandlerConfig{
		Lease:       ParseDuration(bc.Transcode.Lease, 2*time.Minute),
		MaxAttempts: maxAttempts,
		Backoff: objectstore.RetryPolicy{
			MaxAttempts:     uint64(maxAttempts),
			InitialInterval: ParseDuration(bc.Transcode.BackoffInitial, time.Minute),
			MaxInterval:     ParseDuration(bc.Transcode.BackoffMax, 15*time.Minute),
		},
	}
}

// ProvideSweeperConfig 返回过期清扫配置。
func ProvideSweeperConfig(bc Bootstrap) sweeper.Config {
	return sweeper.Config{
		Interval:     ParseDuration(bc.Sweep.Interval, time.Minute),
		BatchSize:    bc.Sweep.BatchSize,
		JobRetention: ParseDuration(bc.Sweep.JobRetention, 7*24*time.Hour),
	}
}
