//go:build wireinject
// +build wireinject

// Package main 为转码任务 CLI 提供 Wire 依赖注入定义。
package main

import (
	"context"

	conf "github.com/dumalabs/duma-services-storage/internal/infrastructure/config"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/database"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/ffmpeg"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/logger"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/objectstore"
	"github.com/dumalabs/duma-services-storage/internal/repositories"
	"github.com/dumalabs/duma-services-storage/internal/services"
	"github.com/dumalabs/duma-services-storage/internal/tasks/transcoder"

	"github.com/google/wire"
)

//go:generate go run github.com/google/wire/cmd/wire

func wireTranscoderTask(context.Context, conf.Params) (*transcoderApp, func(), error) {
	panic(wire.Build(
		conf.ProviderSet,
		newLoggerConfig,
		logger.ProviderSet,
		database.ProviderSet,
		repositories.ProviderSet,
		objectstore.ProviderSet,
		services.ProviderSet,
		ffmpeg.ProviderSet,
		transcoder.ProviderSet,
		newTranscoderApp,
	))
}
